package stack

import (
	"github.com/srg/gattlink/internal/driver"
	"github.com/srg/gattlink/internal/gatt"
)

// ClientKind names the virtual clients sharing the stack. The kernel client
// carries the reliable transport; the app client is for embedders.
type ClientKind uint8

const (
	ClientKernel ClientKind = iota
	ClientApp
	numClients
)

func (k ClientKind) String() string {
	switch k {
	case ClientKernel:
		return "kernel"
	case ClientApp:
		return "app"
	default:
		return "invalid"
	}
}

// Event is a client-visible stack event, delivered through the client's
// bounded event queue.
type Event interface {
	stackEvent()
}

// VirtualConnected reports that one of the client's connect intents is now
// satisfied by a live, sufficiently-secure physical link.
type VirtualConnected struct {
	Conn ConnID
	Dev  driver.Device
}

// VirtualDisconnected reports that a previously reported virtual connection
// ended.
type VirtualDisconnected struct {
	Conn   ConnID
	Dev    driver.Device
	Reason driver.DisconnectReason
}

// OpKind distinguishes completion events.
type OpKind uint8

const (
	OpRead OpKind = iota
	OpWrite
)

func (k OpKind) String() string {
	if k == OpRead {
		return "read"
	}
	return "write"
}

// OpDone reports completion of an asynchronous read or write. Err is nil on
// success, a *RemoteError for ATT-level failures, or a *StatusError when the
// operation died locally (disconnect teardown). After a successful read the
// payload of Length bytes waits in the client's result queue until
// ConsumeReadResult collects it.
type OpDone struct {
	Kind   OpKind
	Ref    Ref
	Handle uint16
	Length int
	Err    error
}

// SubscriptionUpdated confirms a Subscribe/Unsubscribe. Type is the client's
// now-active subscription type; on failure Err is set and the previous type
// remains in force.
type SubscriptionUpdated struct {
	Ref  Ref
	Type gatt.SubscriptionType
	Err  error
}

// DataPending signals that at least one notification is waiting in the
// client's buffer. At most one DataPending is outstanding per client until
// the buffer drains.
type DataPending struct{}

// ServiceAdded announces one service of a freshly discovered tree.
type ServiceAdded struct {
	Conn    ConnID
	Service Ref
	UUID    gatt.UUID
}

// ServiceRemoved announces that a rediscovery dropped a service that the
// previous tree carried.
type ServiceRemoved struct {
	Conn ConnID
	UUID gatt.UUID
}

// ServicesInvalidated announces that every ref previously minted for the
// connection is stale. It precedes the ServiceAdded events of a rediscovery
// and accompanies disconnection.
type ServicesInvalidated struct {
	Conn ConnID
}

func (VirtualConnected) stackEvent()    {}
func (VirtualDisconnected) stackEvent() {}
func (OpDone) stackEvent()              {}
func (SubscriptionUpdated) stackEvent() {}
func (DataPending) stackEvent()         {}
func (ServiceAdded) stackEvent()        {}
func (ServiceRemoved) stackEvent()      {}
func (ServicesInvalidated) stackEvent() {}
