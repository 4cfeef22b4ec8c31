package testutils

import (
	"github.com/srg/gattlink/internal/driver"
	"github.com/srg/gattlink/internal/gatt"
)

// ProfileBuilder assembles a discovered GATT profile with a realistic,
// strictly increasing attribute handle layout: one handle for each service
// declaration, two for each characteristic (declaration plus value), one per
// descriptor. End handles are closed out automatically, so the result always
// passes the stack's tree validation.
//
// The zero value is not usable; call NewProfileBuilder.
type ProfileBuilder struct {
	services []driver.DiscoveredService
	next     uint16
}

func NewProfileBuilder() *ProfileBuilder {
	return &ProfileBuilder{next: 1}
}

// WithService opens a new primary service. Subsequent characteristics and
// descriptors land in it until the next WithService or Build.
func (b *ProfileBuilder) WithService(uuid string) *ProfileBuilder {
	b.closeService()
	b.services = append(b.services, driver.DiscoveredService{
		UUID:        gatt.MustUUID(uuid),
		StartHandle: b.next,
	})
	b.next++
	return b
}

// WithCharacteristic adds a characteristic to the last added service.
func (b *ProfileBuilder) WithCharacteristic(uuid string, props gatt.Property) *ProfileBuilder {
	if len(b.services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}
	b.closeCharacteristic()
	svc := &b.services[len(b.services)-1]
	svc.Characteristics = append(svc.Characteristics, driver.DiscoveredCharacteristic{
		UUID:        gatt.MustUUID(uuid),
		Properties:  props,
		DeclHandle:  b.next,
		ValueHandle: b.next + 1,
	})
	b.next += 2
	return b
}

// WithDescriptor adds a descriptor to the last added characteristic.
func (b *ProfileBuilder) WithDescriptor(uuid string) *ProfileBuilder {
	ch := b.lastCharacteristic("WithDescriptor")
	ch.Descriptors = append(ch.Descriptors, driver.DiscoveredDescriptor{
		UUID:   gatt.MustUUID(uuid),
		Handle: b.next,
	})
	b.next++
	return b
}

// WithCCCD adds a Client Characteristic Configuration Descriptor to the last
// added characteristic.
func (b *ProfileBuilder) WithCCCD() *ProfileBuilder {
	return b.WithDescriptor(gatt.CCCDUUID.String())
}

// WithHandleGap skips n attribute handles, leaving a hole the way live
// controllers do around included services and vendor attributes.
func (b *ProfileBuilder) WithHandleGap(n uint16) *ProfileBuilder {
	b.next += n
	return b
}

// Build closes the open ranges and returns the profile. The builder can keep
// growing afterwards; each Build returns an independent snapshot.
func (b *ProfileBuilder) Build() []driver.DiscoveredService {
	b.closeService()
	out := make([]driver.DiscoveredService, len(b.services))
	copy(out, b.services)
	return out
}

func (b *ProfileBuilder) lastCharacteristic(op string) *driver.DiscoveredCharacteristic {
	if len(b.services) == 0 {
		panic(op + ": no service added yet, call WithService first")
	}
	svc := &b.services[len(b.services)-1]
	if len(svc.Characteristics) == 0 {
		panic(op + ": no characteristic added yet, call WithCharacteristic first")
	}
	return &svc.Characteristics[len(svc.Characteristics)-1]
}

func (b *ProfileBuilder) closeCharacteristic() {
	if len(b.services) == 0 {
		return
	}
	svc := &b.services[len(b.services)-1]
	if len(svc.Characteristics) == 0 {
		return
	}
	ch := &svc.Characteristics[len(svc.Characteristics)-1]
	if ch.EndHandle == 0 {
		ch.EndHandle = b.next - 1
	}
}

func (b *ProfileBuilder) closeService() {
	if len(b.services) == 0 {
		return
	}
	b.closeCharacteristic()
	svc := &b.services[len(b.services)-1]
	if svc.EndHandle == 0 {
		svc.EndHandle = b.next - 1
	}
}
