package stack

import (
	"github.com/cornelk/hashmap"

	"github.com/srg/gattlink/internal/driver"
)

// MaxConnections bounds the registry's slot arena. Slot numbers must fit the
// Ref layout, so this can be at most refSlotMask+1.
const MaxConnections = 8

// registry owns the Connection records. All methods except LookupLink are
// called with the stack mutex held; the registry itself takes no locks.
type registry struct {
	slots [MaxConnections]*Connection

	// links is a lock-free link-id index for paths that must not touch the
	// stack mutex (driver adapters, diagnostics).
	links *hashmap.Map[uint16, ConnID]
}

func newRegistry() *registry {
	return &registry{links: hashmap.New[uint16, ConnID]()}
}

// addLocked creates a Connection for a fresh link in the first free slot.
func (r *registry) addLocked(link driver.LinkID, dev driver.Device, localIsMaster bool) (*Connection, error) {
	if r.byLinkLocked(link) != nil {
		return nil, statusErrorf(InvalidState, "link %d already registered", link)
	}
	for slot := range r.slots {
		if r.slots[slot] == nil {
			conn := newConnection(ConnID(slot+1), link, dev, localIsMaster)
			r.slots[slot] = conn
			r.links.Set(uint16(link), conn.id)
			return conn, nil
		}
	}
	return nil, statusErrorf(Exhausted, "connection table full (%d)", MaxConnections)
}

// removeLocked destroys the record. Refs into its tree become unresolvable
// because the slot empties.
func (r *registry) removeLocked(id ConnID) {
	conn := r.byIDLocked(id)
	if conn == nil {
		return
	}
	r.links.Del(uint16(conn.link))
	r.slots[id-1] = nil
}

func (r *registry) byIDLocked(id ConnID) *Connection {
	if id == 0 || int(id) > MaxConnections {
		return nil
	}
	return r.slots[id-1]
}

func (r *registry) byLinkLocked(link driver.LinkID) *Connection {
	for _, c := range r.slots {
		if c != nil && c.link == link {
			return c
		}
	}
	return nil
}

func (r *registry) byAddrLocked(addr driver.BDAddr) *Connection {
	for _, c := range r.slots {
		if c != nil && (c.dev.Addr == addr || c.identity.Addr == addr) {
			return c
		}
	}
	return nil
}

func (r *registry) byDeviceLocked(dev driver.Device) *Connection {
	for _, c := range r.slots {
		if c != nil && c.matchesDevice(dev) {
			return c
		}
	}
	return nil
}

// byBondLocked finds the connection belonging to a bonded peer. Bonds that
// carry a usable identity-resolving key match on the key; bonds without one
// match on the identity address instead. The address fallback is legacy
// behavior kept as-is for peers that never exchanged a key.
func (r *registry) byBondLocked(identity driver.Device, key *driver.IdentityKey) *Connection {
	for _, c := range r.slots {
		if c == nil {
			continue
		}
		if key != nil {
			if c.irk != nil && *c.irk == *key {
				return c
			}
			continue
		}
		if c.identity == identity || c.dev == identity {
			return c
		}
	}
	return nil
}

// setIdentityLocked records the resolved identity of a connection's peer.
func (r *registry) setIdentityLocked(id ConnID, identity driver.Device, key *driver.IdentityKey) {
	if c := r.byIDLocked(id); c != nil {
		c.identity = identity
		c.irk = key
	}
}

// setGatewayLocked marks the connection carrying the phone session.
func (r *registry) setGatewayLocked(id ConnID, gateway bool) {
	if c := r.byIDLocked(id); c != nil {
		c.gateway = gateway
	}
}

func (r *registry) forEachLocked(fn func(*Connection) bool) {
	for _, c := range r.slots {
		if c != nil && !fn(c) {
			return
		}
	}
}

func (r *registry) countLocked() int {
	n := 0
	for _, c := range r.slots {
		if c != nil {
			n++
		}
	}
	return n
}

// LookupLink resolves a link id to its connection id without the stack
// mutex. The answer can race a concurrent disconnect; callers must treat it
// as a hint.
func (r *registry) LookupLink(link driver.LinkID) (ConnID, bool) {
	return r.links.Get(uint16(link))
}
