package stack

import (
	"fmt"

	"github.com/srg/gattlink/internal/driver"
	"github.com/srg/gattlink/internal/evring"
	"github.com/srg/gattlink/internal/gatt"
)

// Client is one virtual client's surface onto the stack. Two exist per
// stack, kernel and app; both multiplex the same physical links but receive
// their own events, read results and notification buffering.
//
// All methods are safe for concurrent use. Operations are asynchronous:
// Read, Write and Subscribe return once the request is dispatched and
// completion arrives later as an event on Events().
type Client struct {
	stack *Stack
	kind  ClientKind
	queue *evring.Ring[Event]
}

// Kind returns which virtual client this is.
func (c *Client) Kind() ClientKind { return c.kind }

// Events returns the client's event queue. The queue is bounded; a consumer
// that stops draining loses oldest events (counted in Stats) rather than
// stalling the stack.
func (c *Client) Events() <-chan Event { return c.queue.C() }

// ----------------------------------------------------------------------------
// Connection intents
// ----------------------------------------------------------------------------

// Connect registers an intent to reach the target. autoReconnect keeps the
// intent alive across disconnects; one-shot intents are consumed by the
// first disconnect. pairingRequired withholds the virtual-connect event
// until the link encrypts.
func (c *Client) Connect(t Target, autoReconnect, pairingRequired bool) error {
	if t.dev.Addr == (driver.BDAddr{}) {
		return statusErrorf(InvalidParameter, "connect target has no address")
	}
	s := c.stack
	s.mu.Lock()
	err := s.connectLocked(t, autoReconnect, pairingRequired, c.kind)
	fns := s.takeDefersLocked()
	s.mu.Unlock()
	runDefers(fns)
	return err
}

// CancelConnect withdraws this client from an intent. The last owner's
// cancellation tears the intent down, disconnecting or un-whitelisting the
// target.
func (c *Client) CancelConnect(t Target) error {
	s := c.stack
	s.mu.Lock()
	err := s.cancelConnectLocked(t, c.kind)
	fns := s.takeDefersLocked()
	s.mu.Unlock()
	runDefers(fns)
	return err
}

// CancelAllConnects withdraws this client from every intent it holds.
func (c *Client) CancelAllConnects() {
	s := c.stack
	s.mu.Lock()
	s.cancelAllLocked(c.kind)
	fns := s.takeDefersLocked()
	s.mu.Unlock()
	runDefers(fns)
}

// HasConnectIntent reports whether this client currently owns an intent for
// the target.
func (c *Client) HasConnectIntent(t Target) bool {
	s := c.stack
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasIntentLocked(t, c.kind)
}

// Disconnect requests teardown of a physical link. Intents decide what the
// disconnect means for each client when the completion arrives.
func (c *Client) Disconnect(conn ConnID) error {
	s := c.stack
	s.mu.Lock()
	cn := s.reg.byIDLocked(conn)
	if cn == nil {
		s.mu.Unlock()
		return statusErrorf(NotFound, "connection %d", conn)
	}
	link := cn.link
	s.mu.Unlock()

	if err := s.drv.Disconnect(link); err != nil {
		return fmt.Errorf("%w: %w", ErrDriverFailure, err)
	}
	return nil
}

// SetResponsiveness asks the link layer for a latency/power trade-off on
// behalf of this client.
func (c *Client) SetResponsiveness(conn ConnID, level driver.Responsiveness) error {
	s := c.stack
	s.mu.Lock()
	cn := s.reg.byIDLocked(conn)
	if cn == nil {
		s.mu.Unlock()
		return statusErrorf(NotFound, "connection %d", conn)
	}
	link := cn.link
	s.mu.Unlock()

	if err := s.drv.SetResponsiveness(link, level); err != nil {
		return fmt.Errorf("%w: %w", ErrDriverFailure, err)
	}
	return nil
}

// SetGateway marks or unmarks the connection carrying the phone session.
func (c *Client) SetGateway(conn ConnID, gateway bool) error {
	s := c.stack
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reg.byIDLocked(conn) == nil {
		return statusErrorf(NotFound, "connection %d", conn)
	}
	s.reg.setGatewayLocked(conn, gateway)
	return nil
}

// ----------------------------------------------------------------------------
// GATT operations
// ----------------------------------------------------------------------------

// Read starts an asynchronous read of a characteristic value or descriptor.
// Completion arrives as an OpDone event; on success the payload waits for
// ConsumeReadResult.
func (c *Client) Read(ref Ref) error {
	s := c.stack
	s.mu.Lock()
	prep, err := s.prepareReadLocked(ref, c.kind)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if err := s.drv.Read(prep.link, prep.handle, prep.tok); err != nil {
		s.mu.Lock()
		s.dropOpLocked(prep.tok)
		s.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrDriverFailure, err)
	}
	return nil
}

// Write starts an asynchronous acknowledged write.
func (c *Client) Write(ref Ref, value []byte) error {
	s := c.stack
	s.mu.Lock()
	prep, err := s.prepareWriteLocked(ref, c.kind)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if err := s.drv.Write(prep.link, prep.handle, value, prep.tok); err != nil {
		s.mu.Lock()
		s.dropOpLocked(prep.tok)
		s.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrDriverFailure, err)
	}
	return nil
}

// WriteNoResponse issues an unacknowledged write. There is no completion
// event; delivery rides on the link layer's ordering guarantees.
func (c *Client) WriteNoResponse(ref Ref, value []byte) error {
	s := c.stack
	s.mu.Lock()
	prep, err := s.prepareWriteNoResponseLocked(ref)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if err := s.drv.WriteNoResponse(prep.link, prep.handle, value); err != nil {
		return fmt.Errorf("%w: %w", ErrDriverFailure, err)
	}
	return nil
}

// ConsumeReadResult collects the payload of the oldest completed read. ref
// and length must repeat what the OpDone event reported; a mismatch panics,
// because it means the caller lost track of its own completions.
func (c *Client) ConsumeReadResult(ref Ref, length int) []byte {
	s := c.stack
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumeReadResultLocked(c.kind, ref, length)
}

// ----------------------------------------------------------------------------
// Subscriptions and notifications
// ----------------------------------------------------------------------------

// Subscribe records this client's desired subscription type for a
// characteristic. The remote CCCD is rewritten only when the prevailing type
// across all clients changes; confirmation arrives as a SubscriptionUpdated
// event either way.
func (c *Client) Subscribe(ref Ref, typ gatt.SubscriptionType) error {
	s := c.stack
	s.mu.Lock()
	prep, err := s.prepareSubscribeLocked(ref, typ, c.kind)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if !prep.needWrite {
		return nil
	}
	if err := s.drv.Write(prep.link, prep.handle, prep.value, prep.tok); err != nil {
		s.mu.Lock()
		s.rollbackCCCDLocked(prep.tok)
		s.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrDriverFailure, err)
	}
	return nil
}

// Unsubscribe drops this client's subscription on the characteristic.
func (c *Client) Unsubscribe(ref Ref) error {
	return c.Subscribe(ref, gatt.SubscriptionNone)
}

// NotificationInfo describes the oldest buffered notification.
type NotificationInfo struct {
	Conn   ConnID
	Ref    Ref
	Length int
}

// NextNotification peeks the oldest buffered notification without consuming
// it. ok is false when nothing is buffered.
func (c *Client) NextNotification() (info NotificationInfo, ok bool) {
	buf := c.buffer()
	if buf == nil {
		return NotificationInfo{}, false
	}
	h, ok := buf.peek()
	if !ok {
		return NotificationInfo{}, false
	}
	return NotificationInfo{Conn: h.Conn, Ref: h.Ref, Length: h.Length}, true
}

// ConsumeNotification copies the oldest notification's payload into dst,
// which must be exactly the length NextNotification reported. It returns
// whether more notifications remain; when it returns false the next arrival
// raises a fresh DataPending event.
func (c *Client) ConsumeNotification(dst []byte) (more bool) {
	buf := c.buffer()
	if buf == nil {
		panic("consume with no notification buffer")
	}
	return buf.consume(dst)
}

func (c *Client) buffer() *notifyBuffer {
	s := c.stack
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffers[c.kind]
}

// ----------------------------------------------------------------------------
// Service tree copy-out
// ----------------------------------------------------------------------------

// ServiceInfo is a copied-out view of one discovered service.
type ServiceInfo struct {
	Ref         Ref
	UUID        gatt.UUID
	StartHandle uint16
	EndHandle   uint16
}

// Services lists the connection's current service tree.
func (c *Client) Services(conn ConnID) ([]ServiceInfo, error) {
	s := c.stack
	s.mu.Lock()
	defer s.mu.Unlock()
	cn := s.reg.byIDLocked(conn)
	if cn == nil {
		return nil, statusErrorf(NotFound, "connection %d", conn)
	}
	out := make([]ServiceInfo, 0, len(cn.services))
	for i := range cn.services {
		out = append(out, ServiceInfo{
			Ref:         cn.serviceRef(i),
			UUID:        cn.services[i].uuid,
			StartHandle: cn.services[i].startHandle,
			EndHandle:   cn.services[i].endHandle,
		})
	}
	return out, nil
}

// Characteristics copies out refs of a service's characteristics. A non-nil
// filter selects by UUID and the result preserves the filter's order;
// filter entries without a match are skipped.
func (c *Client) Characteristics(svc Ref, filter []gatt.UUID) ([]Ref, error) {
	s := c.stack
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, svcIdx, err := s.resolveRefLocked(svc, RefService)
	if err != nil {
		return nil, err
	}
	sv := &conn.services[svcIdx]

	if filter == nil {
		out := make([]Ref, 0, sv.charCount)
		for i := sv.firstChar; i < sv.firstChar+sv.charCount; i++ {
			out = append(out, conn.charRef(i))
		}
		return out, nil
	}

	out := make([]Ref, 0, len(filter))
	for _, uuid := range filter {
		for i := sv.firstChar; i < sv.firstChar+sv.charCount; i++ {
			if conn.chars[i].uuid == uuid {
				out = append(out, conn.charRef(i))
			}
		}
	}
	return out, nil
}

// Descriptors copies out refs of a characteristic's descriptors.
func (c *Client) Descriptors(chr Ref) ([]Ref, error) {
	s := c.stack
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, charIdx, err := s.resolveRefLocked(chr, RefCharacteristic)
	if err != nil {
		return nil, err
	}
	ch := &conn.chars[charIdx]
	out := make([]Ref, 0, ch.descCount)
	for i := ch.firstDesc; i < ch.firstDesc+ch.descCount; i++ {
		out = append(out, conn.descRef(i))
	}
	return out, nil
}

// UUIDOf resolves any ref to its UUID.
func (c *Client) UUIDOf(ref Ref) (gatt.UUID, error) {
	s := c.stack
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, idx, err := s.resolveRefLocked(ref, ref.kind())
	if err != nil {
		return "", err
	}
	switch ref.kind() {
	case RefService:
		return conn.services[idx].uuid, nil
	case RefCharacteristic:
		return conn.chars[idx].uuid, nil
	default:
		return conn.descs[idx].uuid, nil
	}
}

// PropertiesOf resolves a characteristic ref to its property bits.
func (c *Client) PropertiesOf(chr Ref) (gatt.Property, error) {
	s := c.stack
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, charIdx, err := s.resolveRefLocked(chr, RefCharacteristic)
	if err != nil {
		return 0, err
	}
	return conn.chars[charIdx].props, nil
}

// MTUOf returns the connection's negotiated ATT MTU.
func (c *Client) MTUOf(conn ConnID) (int, error) {
	s := c.stack
	s.mu.Lock()
	defer s.mu.Unlock()
	cn := s.reg.byIDLocked(conn)
	if cn == nil {
		return 0, statusErrorf(NotFound, "connection %d", conn)
	}
	return cn.mtu, nil
}

// DeviceOf returns the connection's device address.
func (c *Client) DeviceOf(conn ConnID) (driver.Device, error) {
	s := c.stack
	s.mu.Lock()
	defer s.mu.Unlock()
	cn := s.reg.byIDLocked(conn)
	if cn == nil {
		return driver.Device{}, statusErrorf(NotFound, "connection %d", conn)
	}
	return cn.dev, nil
}

// ----------------------------------------------------------------------------
// Cleanup
// ----------------------------------------------------------------------------

// Cleanup synchronously tears down everything this client owns: outstanding
// operations, unconsumed read results, all subscriptions and all connect
// intents. Meant for forced teardown when a client terminates.
func (c *Client) Cleanup() {
	s := c.stack
	s.mu.Lock()
	s.dropClientOpsLocked(c.kind)
	s.unsubscribeClientLocked(c.kind)
	s.cancelAllLocked(c.kind)
	fns := s.takeDefersLocked()
	s.mu.Unlock()
	runDefers(fns)
}
