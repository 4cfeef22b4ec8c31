package driver

import "github.com/srg/gattlink/internal/gatt"

// Event is implemented by every upward notification a driver posts into the
// stack. The driver must deliver events for one link sequentially; events for
// different links may arrive on different goroutines.
type Event interface {
	event()
}

// HCIStatus is the raw status byte of a link-layer completion.
type HCIStatus uint8

const (
	HCIStatusSuccess HCIStatus = 0x00
	// HCIStatusUnknownConnection is what a cancelled create-connection
	// completes with; it is not an error worth reporting.
	HCIStatusUnknownConnection HCIStatus = 0x02
)

// DisconnectReason classifies why a link went down. The intent manager
// treats ReasonRadioShutdown specially: it must not consume one-shot intents.
type DisconnectReason uint8

const (
	ReasonUnknown DisconnectReason = iota
	ReasonRemote
	ReasonLocal
	ReasonTimeout
	ReasonRadioShutdown
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonRemote:
		return "remote"
	case ReasonLocal:
		return "local"
	case ReasonTimeout:
		return "timeout"
	case ReasonRadioShutdown:
		return "radio-shutdown"
	default:
		return "unknown"
	}
}

// LinkUp reports completion of a connection attempt. On failure, Status
// carries the link-layer code and Link is meaningless.
type LinkUp struct {
	Link          LinkID
	Dev           Device
	LocalIsMaster bool
	Status        HCIStatus
}

// LinkDown reports a completed disconnection.
type LinkDown struct {
	Link   LinkID
	Dev    Device
	Reason DisconnectReason
}

// EncryptionChanged reports the link's encryption state.
type EncryptionChanged struct {
	Link      LinkID
	Encrypted bool
}

// IdentityResolved reports that the peer's random address resolved to a
// bonded identity. Key is nil when the bond record carries no usable IRK.
type IdentityResolved struct {
	Link     LinkID
	Identity Device
	Key      *IdentityKey
}

// MTUUpdated reports the negotiated ATT MTU for the link.
type MTUUpdated struct {
	Link LinkID
	MTU  int
}

// DiscoveredDescriptor is one descriptor found within a characteristic.
type DiscoveredDescriptor struct {
	UUID   gatt.UUID
	Handle uint16
}

// DiscoveredCharacteristic is one characteristic found within a service.
// EndHandle is the last attribute handle belonging to the characteristic.
type DiscoveredCharacteristic struct {
	UUID        gatt.UUID
	Properties  gatt.Property
	DeclHandle  uint16
	ValueHandle uint16
	EndHandle   uint16
	Descriptors []DiscoveredDescriptor
}

// DiscoveredService is one primary service with its full subtree.
// Includes lists the attribute handles of included services.
type DiscoveredService struct {
	UUID            gatt.UUID
	StartHandle     uint16
	EndHandle       uint16
	Includes        []uint16
	Characteristics []DiscoveredCharacteristic
}

// ServicesDiscovered carries the complete (re)discovered profile of a link.
// The stack replaces the connection's entire service tree with it.
type ServicesDiscovered struct {
	Link     LinkID
	Services []DiscoveredService
}

// ServiceChanged reports a remote Service Changed indication; the stack
// responds by invalidating the tree and running rediscovery.
type ServiceChanged struct {
	Link LinkID
}

// OpCompleted reports completion of a token-correlated Read or Write.
// ATTError is zero on success; Value holds read data.
type OpCompleted struct {
	Link     LinkID
	Token    OpToken
	Handle   uint16
	ATTError uint8
	Value    []byte
}

// Notification carries a server-initiated notification or indication for a
// characteristic value handle.
type Notification struct {
	Link       LinkID
	Handle     uint16
	Indication bool
	Value      []byte
}

func (LinkUp) event()             {}
func (LinkDown) event()           {}
func (EncryptionChanged) event()  {}
func (IdentityResolved) event()   {}
func (MTUUpdated) event()         {}
func (ServicesDiscovered) event() {}
func (ServiceChanged) event()     {}
func (OpCompleted) event()        {}
func (Notification) event()       {}
