package goble

import (
	"github.com/go-ble/ble"

	"github.com/srg/gattlink/internal/driver"
	"github.com/srg/gattlink/internal/gatt"
)

// attr is what one ATT handle resolves to on a link.
type attr struct {
	char       *ble.Characteristic // set when the handle is a characteristic value
	desc       *ble.Descriptor     // set when the handle is a descriptor
	owner      *ble.Characteristic // the characteristic a descriptor belongs to
	ownerValue uint16              // the owner's value handle, for notification events
	cccd       bool
}

var propertyBits = []struct {
	ble  ble.Property
	gatt gatt.Property
}{
	{ble.CharBroadcast, gatt.PropBroadcast},
	{ble.CharRead, gatt.PropRead},
	{ble.CharWriteNR, gatt.PropWriteNoResponse},
	{ble.CharWrite, gatt.PropWrite},
	{ble.CharNotify, gatt.PropNotify},
	{ble.CharIndicate, gatt.PropIndicate},
	{ble.CharSignedWrite, gatt.PropSignedWrite},
	{ble.CharExtended, gatt.PropExtended},
}

func convertProperties(p ble.Property) gatt.Property {
	var out gatt.Property
	for _, m := range propertyBits {
		if p&m.ble != 0 {
			out |= m.gatt
		}
	}
	return out
}

// handleAllocator passes real attribute handles through and synthesizes
// sequential ones where the platform reports zeros (the Darwin host keeps
// handles private). Synthetic handles are stable only for one discovery run,
// which is enough: the stack rebuilds its references from every
// ServicesDiscovered event.
type handleAllocator struct {
	next uint16
}

func (h *handleAllocator) take(real uint16) uint16 {
	if real != 0 {
		if real >= h.next {
			h.next = real + 1
		}
		return real
	}
	v := h.next
	h.next++
	return v
}

// buildProfile converts a discovered go-ble profile into the event form and
// the handle lookup table used by ATT dispatch.
func buildProfile(p *ble.Profile) ([]driver.DiscoveredService, map[uint16]*attr) {
	alloc := handleAllocator{next: 1}
	attrs := make(map[uint16]*attr)
	services := make([]driver.DiscoveredService, 0, len(p.Services))

	for _, svc := range p.Services {
		out := driver.DiscoveredService{
			UUID:        gatt.NormalizeUUID(svc.UUID.String()),
			StartHandle: alloc.take(svc.Handle),
		}
		svcEnd := out.StartHandle

		for _, ch := range svc.Characteristics {
			decl := alloc.take(ch.Handle)
			value := alloc.take(ch.ValueHandle)
			oc := driver.DiscoveredCharacteristic{
				UUID:        gatt.NormalizeUUID(ch.UUID.String()),
				Properties:  convertProperties(ch.Property),
				DeclHandle:  decl,
				ValueHandle: value,
			}
			attrs[value] = &attr{char: ch}
			last := value

			seenCCCD := false
			for _, d := range ch.Descriptors {
				dh := alloc.take(d.Handle)
				u := gatt.NormalizeUUID(d.UUID.String())
				isCCCD := u == gatt.CCCDUUID
				seenCCCD = seenCCCD || isCCCD
				oc.Descriptors = append(oc.Descriptors, driver.DiscoveredDescriptor{UUID: u, Handle: dh})
				attrs[dh] = &attr{desc: d, owner: ch, ownerValue: value, cccd: isCCCD}
				if dh > last {
					last = dh
				}
			}
			// Some hosts report the CCCD only through the dedicated field.
			if ch.CCCD != nil && !seenCCCD {
				dh := alloc.take(ch.CCCD.Handle)
				oc.Descriptors = append(oc.Descriptors, driver.DiscoveredDescriptor{UUID: gatt.CCCDUUID, Handle: dh})
				attrs[dh] = &attr{desc: ch.CCCD, owner: ch, ownerValue: value, cccd: true}
				if dh > last {
					last = dh
				}
			}

			if ch.EndHandle > last {
				last = ch.EndHandle
			}
			oc.EndHandle = last
			out.Characteristics = append(out.Characteristics, oc)
			if last > svcEnd {
				svcEnd = last
			}
		}

		if svc.EndHandle > svcEnd {
			svcEnd = svc.EndHandle
		}
		out.EndHandle = svcEnd
		services = append(services, out)
	}
	return services, attrs
}
