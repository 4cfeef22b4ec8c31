package testutils

import (
	"sync"

	"github.com/srg/gattlink/internal/driver"
)

// Op names used to record and query FakeDriver calls.
const (
	OpAllow          = "allow"
	OpDeny           = "deny"
	OpDisconnect     = "disconnect"
	OpDiscover       = "discover"
	OpRead           = "read"
	OpWrite          = "write"
	OpWriteNR        = "write_nr"
	OpResponsiveness = "responsiveness"
)

// DriverCall records one downward call made by the stack. Only the fields
// relevant to the operation are populated.
type DriverCall struct {
	Op     string
	Dev    driver.Device
	Link   driver.LinkID
	Handle uint16
	Value  []byte
	Token  driver.OpToken
	Level  driver.Responsiveness
}

// FakeDriver is the in-memory link layer used by stack and transport tests.
// It records every call the stack makes and lets the test play the
// controller's part by posting events back through the bound sink.
//
// Calls are recorded before error injection is consulted, so a test can
// assert that a rejected operation was in fact attempted.
type FakeDriver struct {
	mu       sync.Mutex
	sink     func(driver.Event)
	calls    []DriverCall
	sticky   map[string]error
	oneShots map[string][]error
}

func NewFakeDriver() *FakeDriver {
	return &FakeDriver{
		sticky:   make(map[string]error),
		oneShots: make(map[string][]error),
	}
}

// Bind wires the fake to an event consumer, normally stack.HandleDriverEvent.
func (d *FakeDriver) Bind(sink func(driver.Event)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sink = sink
}

// Deliver posts one event to the bound sink, synchronously on the caller's
// goroutine, the same way a real transport's event loop would.
func (d *FakeDriver) Deliver(ev driver.Event) {
	d.mu.Lock()
	sink := d.sink
	d.mu.Unlock()
	if sink == nil {
		panic("FakeDriver.Deliver: not bound, call Bind first")
	}
	sink(ev)
}

// FailWith makes every subsequent call of the named op return err until
// Restore is called. A nil err is equivalent to Restore.
func (d *FakeDriver) FailWith(op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.sticky, op)
		return
	}
	d.sticky[op] = err
}

// FailOnce makes exactly the next call of the named op return err. Multiple
// calls queue up in order, ahead of any sticky FailWith error.
func (d *FakeDriver) FailOnce(op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.oneShots[op] = append(d.oneShots[op], err)
}

// Restore clears all error injection for the named op.
func (d *FakeDriver) Restore(op string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sticky, op)
	delete(d.oneShots, op)
}

func (d *FakeDriver) record(c DriverCall) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c.Value != nil {
		c.Value = append([]byte(nil), c.Value...)
	}
	d.calls = append(d.calls, c)
	if q := d.oneShots[c.Op]; len(q) > 0 {
		err := q[0]
		d.oneShots[c.Op] = q[1:]
		return err
	}
	return d.sticky[c.Op]
}

// Calls returns a snapshot of every recorded call in order.
func (d *FakeDriver) Calls() []DriverCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DriverCall(nil), d.calls...)
}

// CallsOf returns the recorded calls of one op, in order.
func (d *FakeDriver) CallsOf(op string) []DriverCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []DriverCall
	for _, c := range d.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// CallCount reports how many calls of the named op were recorded. Handy with
// require.Eventually when the caller runs on another goroutine.
func (d *FakeDriver) CallCount(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// LastOf returns the most recent call of the named op.
func (d *FakeDriver) LastOf(op string) (DriverCall, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.calls) - 1; i >= 0; i-- {
		if d.calls[i].Op == op {
			return d.calls[i], true
		}
	}
	return DriverCall{}, false
}

// TakeCalls drains and returns the recorded calls, so a test can assert
// phase by phase without re-counting earlier traffic.
func (d *FakeDriver) TakeCalls() []DriverCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.calls
	d.calls = nil
	return out
}

// ----------------------------------------------------------------------------
// driver.Driver implementation
// ----------------------------------------------------------------------------

func (d *FakeDriver) AllowConnection(dev driver.Device) error {
	return d.record(DriverCall{Op: OpAllow, Dev: dev})
}

func (d *FakeDriver) DenyConnection(dev driver.Device) error {
	return d.record(DriverCall{Op: OpDeny, Dev: dev})
}

func (d *FakeDriver) Disconnect(link driver.LinkID) error {
	return d.record(DriverCall{Op: OpDisconnect, Link: link})
}

func (d *FakeDriver) Discover(link driver.LinkID) error {
	return d.record(DriverCall{Op: OpDiscover, Link: link})
}

func (d *FakeDriver) Read(link driver.LinkID, handle uint16, tok driver.OpToken) error {
	return d.record(DriverCall{Op: OpRead, Link: link, Handle: handle, Token: tok})
}

func (d *FakeDriver) Write(link driver.LinkID, handle uint16, value []byte, tok driver.OpToken) error {
	return d.record(DriverCall{Op: OpWrite, Link: link, Handle: handle, Value: value, Token: tok})
}

func (d *FakeDriver) WriteNoResponse(link driver.LinkID, handle uint16, value []byte) error {
	return d.record(DriverCall{Op: OpWriteNR, Link: link, Handle: handle, Value: value})
}

func (d *FakeDriver) SetResponsiveness(link driver.LinkID, level driver.Responsiveness) error {
	return d.record(DriverCall{Op: OpResponsiveness, Link: link, Level: level})
}

// ----------------------------------------------------------------------------
// Controller-side script helpers
// ----------------------------------------------------------------------------

// Connected posts a successful LinkUp with the local side as master.
func (d *FakeDriver) Connected(link driver.LinkID, dev driver.Device) {
	d.Deliver(driver.LinkUp{Link: link, Dev: dev, LocalIsMaster: true, Status: driver.HCIStatusSuccess})
}

// ConnectFailed posts a failed LinkUp for dev with the given status code.
func (d *FakeDriver) ConnectFailed(dev driver.Device, status driver.HCIStatus) {
	d.Deliver(driver.LinkUp{Dev: dev, Status: status})
}

// Dropped posts a LinkDown.
func (d *FakeDriver) Dropped(link driver.LinkID, dev driver.Device, reason driver.DisconnectReason) {
	d.Deliver(driver.LinkDown{Link: link, Dev: dev, Reason: reason})
}

// Encrypted posts an EncryptionChanged with Encrypted=true.
func (d *FakeDriver) Encrypted(link driver.LinkID) {
	d.Deliver(driver.EncryptionChanged{Link: link, Encrypted: true})
}

// IdentityKnown posts an IdentityResolved carrying the peer's bonded identity.
func (d *FakeDriver) IdentityKnown(link driver.LinkID, identity driver.Device, key *driver.IdentityKey) {
	d.Deliver(driver.IdentityResolved{Link: link, Identity: identity, Key: key})
}

// UpdateMTU posts an MTUUpdated.
func (d *FakeDriver) UpdateMTU(link driver.LinkID, mtu int) {
	d.Deliver(driver.MTUUpdated{Link: link, MTU: mtu})
}

// ServicesFound posts a ServicesDiscovered carrying the given profile.
func (d *FakeDriver) ServicesFound(link driver.LinkID, svcs []driver.DiscoveredService) {
	d.Deliver(driver.ServicesDiscovered{Link: link, Services: svcs})
}

// ProfileShuffled posts a ServiceChanged indication.
func (d *FakeDriver) ProfileShuffled(link driver.LinkID) {
	d.Deliver(driver.ServiceChanged{Link: link})
}

// CompleteRead finishes a pending read with the given value.
func (d *FakeDriver) CompleteRead(link driver.LinkID, tok driver.OpToken, handle uint16, value []byte) {
	d.Deliver(driver.OpCompleted{Link: link, Token: tok, Handle: handle, Value: value})
}

// CompleteWrite finishes a pending write successfully.
func (d *FakeDriver) CompleteWrite(link driver.LinkID, tok driver.OpToken, handle uint16) {
	d.Deliver(driver.OpCompleted{Link: link, Token: tok, Handle: handle})
}

// FailOp finishes a pending operation with an ATT error code.
func (d *FakeDriver) FailOp(link driver.LinkID, tok driver.OpToken, handle uint16, attErr uint8) {
	d.Deliver(driver.OpCompleted{Link: link, Token: tok, Handle: handle, ATTError: attErr})
}

// Notify posts a notification for a value handle.
func (d *FakeDriver) Notify(link driver.LinkID, handle uint16, value []byte) {
	d.Deliver(driver.Notification{Link: link, Handle: handle, Value: value})
}

// Indicate posts an indication for a value handle.
func (d *FakeDriver) Indicate(link driver.LinkID, handle uint16, value []byte) {
	d.Deliver(driver.Notification{Link: link, Handle: handle, Indication: true, Value: value})
}
