// Package driver defines the contract between the GATT client stack and a
// host link-layer implementation (an HCI transport, a vendor SDK, or the
// in-memory loopback used by tests).
//
// The split mirrors the runtime layering: the stack never talks to a radio
// directly. It asks the driver to admit or drop peers and to perform ATT
// operations keyed by raw attribute handles, and the driver feeds link and
// protocol events back through a single entry point, one call at a time per
// link. Completion of read/write operations is asynchronous and correlated
// by an OpToken chosen by the stack.
package driver

import (
	"errors"
	"fmt"
)

// LinkID identifies one physical connection for the lifetime of that
// connection. Values are assigned by the driver and never recycled while the
// link is up.
type LinkID uint16

// OpToken correlates an asynchronous ATT operation with its completion
// event. Tokens are allocated by the stack; the driver treats them as opaque.
type OpToken uint32

// BDAddr is a 6-byte Bluetooth device address, stored big-endian
// (the printable order: "AA:BB:CC:DD:EE:FF" => {0xAA,..,0xFF}).
type BDAddr [6]byte

func (a BDAddr) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[0], a[1], a[2], a[3], a[4], a[5])
}

// ParseBDAddr parses the printable colon-separated form.
func ParseBDAddr(s string) (BDAddr, error) {
	var a BDAddr
	n, err := fmt.Sscanf(s, "%02X:%02X:%02X:%02X:%02X:%02X", &a[0], &a[1], &a[2], &a[3], &a[4], &a[5])
	if err != nil || n != 6 {
		return BDAddr{}, fmt.Errorf("driver: malformed address %q", s)
	}
	return a, nil
}

// Device is the identity of a peer as seen on the air: its address plus
// whether that address is a random (possibly resolvable-private) one.
type Device struct {
	Addr     BDAddr
	IsRandom bool
}

func (d Device) String() string {
	if d.IsRandom {
		return d.Addr.String() + "(r)"
	}
	return d.Addr.String()
}

// IdentityKey is a peer's Identity Resolving Key from bonding.
type IdentityKey [16]byte

// Responsiveness expresses how aggressively the link's connection parameters
// should favor latency over power.
type Responsiveness uint8

const (
	ResponsivenessLow Responsiveness = iota
	ResponsivenessMedium
	ResponsivenessHigh
)

func (r Responsiveness) String() string {
	switch r {
	case ResponsivenessHigh:
		return "high"
	case ResponsivenessMedium:
		return "medium"
	default:
		return "low"
	}
}

// ErrBusy is returned by WriteNoResponse when the link layer is temporarily
// out of buffer space. The caller is expected to reschedule, not to fail.
var ErrBusy = errors.New("driver: link buffers full")

// Driver is the downward interface the stack drives.
//
// AllowConnection admits a peer: on a central-role host it initiates a
// connection, on a peripheral-role host it adds the peer to the controller
// accept list. DenyConnection reverses it. Both are idempotent and
// best-effort; definitive outcomes arrive as events.
//
// Read and Write complete asynchronously via an OpCompleted event carrying
// the same token. WriteNoResponse is fire-and-forget and may fail fast with
// ErrBusy. Discover (re)runs full service discovery; results arrive as a
// ServicesDiscovered event.
type Driver interface {
	AllowConnection(dev Device) error
	DenyConnection(dev Device) error
	Disconnect(link LinkID) error

	Discover(link LinkID) error

	Read(link LinkID, handle uint16, tok OpToken) error
	Write(link LinkID, handle uint16, value []byte, tok OpToken) error
	WriteNoResponse(link LinkID, handle uint16, value []byte) error

	SetResponsiveness(link LinkID, level Responsiveness) error
}
