package stack

import (
	"fmt"

	"github.com/srg/gattlink/internal/driver"
	"github.com/srg/gattlink/internal/gatt"
)

// ConnID identifies a live physical connection. It is the registry slot
// number plus one, so the zero value always means "no connection".
type ConnID uint8

// Connection is the registry's record of one physical link. It owns the
// discovered attribute tree and the per-characteristic subscription nodes.
// All fields are guarded by the stack mutex; nothing here locks.
type Connection struct {
	id   ConnID
	link driver.LinkID

	// dev is the address the link was established with; identity is the
	// resolved public identity when the peer used a private address.
	dev      driver.Device
	identity driver.Device
	irk      *driver.IdentityKey

	localIsMaster bool
	encrypted     bool
	gateway       bool
	mtu           int

	// treeGen stamps every Ref handed out for the current tree. Replacing
	// or invalidating the tree bumps it, which strands all earlier refs.
	treeGen  uint32
	services []svcNode
	chars    []charNode
	descs    []descNode

	subs []*subNode
}

// Flattened attribute tree. Parent/child links are arena indices, never
// pointers, so staleness checks reduce to bounds and generation tests.
type svcNode struct {
	uuid        gatt.UUID
	startHandle uint16
	endHandle   uint16
	includes    []uint16
	firstChar   int
	charCount   int
}

type charNode struct {
	uuid        gatt.UUID
	props       gatt.Property
	declHandle  uint16
	valueHandle uint16
	endHandle   uint16
	svc         int
	firstDesc   int
	descCount   int
}

type descNode struct {
	uuid   gatt.UUID
	handle uint16
	char   int
}

const defaultATTMTU = 23

func newConnection(id ConnID, link driver.LinkID, dev driver.Device, localIsMaster bool) *Connection {
	return &Connection{
		id:            id,
		link:          link,
		dev:           dev,
		localIsMaster: localIsMaster,
		mtu:           defaultATTMTU,
		treeGen:       1,
	}
}

// ID returns the connection's registry identifier.
func (c *Connection) ID() ConnID { return c.id }

// Device returns the address the link was established with.
func (c *Connection) Device() driver.Device { return c.dev }

// Link returns the driver's link identifier.
func (c *Connection) Link() driver.LinkID { return c.link }

// MTU returns the negotiated ATT MTU.
func (c *Connection) MTU() int { return c.mtu }

// matchesDevice reports whether the connection belongs to dev, checking the
// resolved identity first and the connection address second.
func (c *Connection) matchesDevice(dev driver.Device) bool {
	if c.identity.Addr != (driver.BDAddr{}) && c.identity == dev {
		return true
	}
	return c.dev == dev
}

// ----------------------------------------------------------------------------
// Tree construction
// ----------------------------------------------------------------------------

// setTreeLocked replaces the connection's attribute tree with a freshly
// discovered profile. The previous generation's refs all become stale. A
// malformed service (non-monotonic handle ranges, children outside the
// parent's range) rejects the whole profile, leaving the connection treeless
// until a clean rediscovery.
func (c *Connection) setTreeLocked(profile []driver.DiscoveredService) error {
	c.treeGen++
	c.services = c.services[:0]
	c.chars = c.chars[:0]
	c.descs = c.descs[:0]

	for _, svc := range profile {
		if err := validateService(svc); err != nil {
			return fmt.Errorf("service %s: %w", svc.UUID, err)
		}
	}

	for _, svc := range profile {
		s := svcNode{
			uuid:        svc.UUID,
			startHandle: svc.StartHandle,
			endHandle:   svc.EndHandle,
			includes:    append([]uint16(nil), svc.Includes...),
			firstChar:   len(c.chars),
			charCount:   len(svc.Characteristics),
		}
		svcIdx := len(c.services)

		for _, ch := range svc.Characteristics {
			n := charNode{
				uuid:        ch.UUID,
				props:       ch.Properties,
				declHandle:  ch.DeclHandle,
				valueHandle: ch.ValueHandle,
				endHandle:   ch.EndHandle,
				svc:         svcIdx,
				firstDesc:   len(c.descs),
				descCount:   len(ch.Descriptors),
			}
			charIdx := len(c.chars)
			for _, d := range ch.Descriptors {
				c.descs = append(c.descs, descNode{
					uuid:   d.UUID,
					handle: d.Handle,
					char:   charIdx,
				})
			}
			c.chars = append(c.chars, n)
		}
		c.services = append(c.services, s)
	}

	if len(c.services) > MaxTreeObjects || len(c.chars) > MaxTreeObjects || len(c.descs) > MaxTreeObjects {
		c.clearTreeLocked()
		return statusErrorf(Exhausted, "discovered profile exceeds arena capacity")
	}
	return nil
}

// clearTreeLocked drops the tree and strands all refs minted for it.
func (c *Connection) clearTreeLocked() {
	c.treeGen++
	c.services = nil
	c.chars = nil
	c.descs = nil
}

// validateService enforces the handle-range invariants: characteristics are
// handle-monotonic and contained in the service range, descriptors contained
// in their characteristic's range.
func validateService(svc driver.DiscoveredService) error {
	if svc.StartHandle > svc.EndHandle {
		return fmt.Errorf("inverted handle range 0x%04x..0x%04x", svc.StartHandle, svc.EndHandle)
	}
	prevEnd := svc.StartHandle
	for _, ch := range svc.Characteristics {
		if ch.DeclHandle < prevEnd || ch.EndHandle > svc.EndHandle {
			return fmt.Errorf("characteristic %s outside range 0x%04x..0x%04x",
				ch.UUID, svc.StartHandle, svc.EndHandle)
		}
		if ch.ValueHandle <= ch.DeclHandle || ch.ValueHandle > ch.EndHandle {
			return fmt.Errorf("characteristic %s has bad value handle 0x%04x", ch.UUID, ch.ValueHandle)
		}
		for _, d := range ch.Descriptors {
			if d.Handle <= ch.ValueHandle || d.Handle > ch.EndHandle {
				return fmt.Errorf("descriptor %s outside characteristic %s", d.UUID, ch.UUID)
			}
		}
		prevEnd = ch.EndHandle
	}
	return nil
}

// ----------------------------------------------------------------------------
// Ref minting and resolution
// ----------------------------------------------------------------------------

func (c *Connection) serviceRef(i int) Ref {
	return makeRef(RefService, int(c.id)-1, i, c.treeGen)
}

func (c *Connection) charRef(i int) Ref {
	return makeRef(RefCharacteristic, int(c.id)-1, i, c.treeGen)
}

func (c *Connection) descRef(i int) Ref {
	return makeRef(RefDescriptor, int(c.id)-1, i, c.treeGen)
}

// resolveLocked validates a ref of the wanted kind against the live tree and
// returns its arena index. Stale generations and out-of-range indices both
// come back as "not found"; the caller never sees an object from a torn-down
// tree.
func (c *Connection) resolveLocked(r Ref, want RefKind) (int, error) {
	if uint32(r)&refHighBit == 0 || r.kind() != want {
		return 0, statusErrorf(InvalidParameter, "bad %s ref 0x%08x", want, uint32(r))
	}
	if r.generation() != c.treeGen&refGenMask {
		return 0, statusErrorf(NotFound, "%s ref 0x%08x is stale", want, uint32(r))
	}
	i := r.index()
	switch want {
	case RefService:
		if i >= len(c.services) {
			return 0, statusErrorf(NotFound, "service ref 0x%08x out of range", uint32(r))
		}
	case RefCharacteristic:
		if i >= len(c.chars) {
			return 0, statusErrorf(NotFound, "characteristic ref 0x%08x out of range", uint32(r))
		}
	case RefDescriptor:
		if i >= len(c.descs) {
			return 0, statusErrorf(NotFound, "descriptor ref 0x%08x out of range", uint32(r))
		}
	default:
		return 0, statusErrorf(InvalidParameter, "bad ref kind in 0x%08x", uint32(r))
	}
	return i, nil
}

// charByValueHandleLocked maps a notification's attribute handle back to the
// characteristic arena index, or -1.
func (c *Connection) charByValueHandleLocked(handle uint16) int {
	for i := range c.chars {
		if c.chars[i].valueHandle == handle {
			return i
		}
	}
	return -1
}

// cccdOfLocked returns the CCCD descriptor index of a characteristic, or -1
// when it has none.
func (c *Connection) cccdOfLocked(charIdx int) int {
	ch := &c.chars[charIdx]
	for i := ch.firstDesc; i < ch.firstDesc+ch.descCount; i++ {
		if c.descs[i].uuid == gatt.CCCDUUID {
			return i
		}
	}
	return -1
}
