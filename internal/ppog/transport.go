package ppog

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"

	"github.com/srg/gattlink/internal/driver"
	"github.com/srg/gattlink/internal/stack"
	"github.com/srg/gattlink/pkg/config"
)

// Errors surfaced through Conn methods.
var (
	// ErrClosed means the session is gone; the handle is dead.
	ErrClosed = errors.New("ppog: transport closed")
	// ErrNotOpen means the handshake has not completed (or is redoing
	// itself after a reset).
	ErrNotOpen = errors.New("ppog: transport not open")
	// ErrSendBufferFull reports a partial write; ReadyToSend fires when
	// space frees up.
	ErrSendBufferFull = errors.New("ppog: send buffer full")
)

var (
	errAckStarved       = errors.New("ppog: ack timeout budget exhausted")
	errHandshakeStalled = errors.New("ppog: handshake stalled")
	errResetByPeer      = errors.New("ppog: reset requested by peer")
	errResetRequested   = errors.New("ppog: reset requested locally")
)

type sessionState uint8

const (
	stateReadingMeta sessionState = iota
	stateSubscribingData
	stateAwaitResetLocal
	stateAwaitResetRemote
	stateOpen
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateReadingMeta:
		return "reading-meta"
	case stateSubscribingData:
		return "subscribing-data"
	case stateAwaitResetLocal:
		return "await-reset-complete(self)"
	case stateAwaitResetRemote:
		return "await-reset-complete(remote)"
	case stateOpen:
		return "open"
	default:
		return "closed"
	}
}

// sendBudget caps transmissions per pump invocation so one session cannot
// monopolize the worker; a true return from pump reschedules the remainder.
const sendBudget = 8

const defaultATTMTU = 23

// sessionHooks decouple the state machine from the manager: production wires
// them to the kernel stack client and the uplink, tests capture them inline.
// All hooks are invoked with the manager lock held; implementations must not
// call back into the session synchronously.
type sessionHooks struct {
	// send transmits one packet on the data characteristic. An error leaves
	// the packet queued for a later pump.
	send func(pkt []byte) error
	// mtu reports the link's current ATT MTU, 0 when unknown.
	mtu func() int

	opened func()
	closed func(err error)
	data   func(payload []byte)
	ready  func()

	// armAck starts the coalesced-ACK latency timer.
	armAck func()
	// escalate reports an exhausted reset budget; the owner disconnects
	// the link and discards the session.
	escalate func()
}

func (h *sessionHooks) fillDefaults() {
	if h.send == nil {
		h.send = func([]byte) error { return nil }
	}
	if h.mtu == nil {
		h.mtu = func() int { return 0 }
	}
	if h.opened == nil {
		h.opened = func() {}
	}
	if h.closed == nil {
		h.closed = func(error) {}
	}
	if h.data == nil {
		h.data = func([]byte) {}
	}
	if h.ready == nil {
		h.ready = func() {}
	}
	if h.armAck == nil {
		h.armAck = func() {}
	}
	if h.escalate == nil {
		h.escalate = func() {}
	}
}

// session is one transport instance riding on one connection's service pair.
// The owner serializes every call; there is no locking here.
type session struct {
	log   *logrus.Entry
	cfg   config.TransportConfig
	hooks sessionHooks

	conn    stack.ConnID
	dataRef stack.Ref
	metaRef stack.Ref

	state   sessionState
	version uint8
	meta    Meta
	serial  [serialLen]byte

	announcedOpen bool

	// Outbound. pending holds bytes accepted from Write and not yet
	// packetized; slots keep a copy of every in-flight packet so a
	// retransmission reuses identical fragmentation.
	pending    *ringbuffer.RingBuffer
	slots      [SeqModulus][]byte
	nextTxSN   uint8
	baseSN     uint8 // oldest unacknowledged sequence number
	resendSN   uint8
	resending  bool
	txWindow   int
	maxPayload int
	wantSpace  bool
	stalled    bool

	// Control packets jump the data queue.
	ctrlQueue [][]byte

	// Inbound.
	nextRxSN      uint8
	rxWindow      int
	unacked       int
	ackSN         uint8
	ackDue        bool
	ackTimerArmed bool

	// Budgets.
	ackWaitTicks int
	timeouts     int
	resets       int

	totalResets uint64
	rxDropped   uint64
}

func newSession(log *logrus.Logger, cfg config.TransportConfig, conn stack.ConnID, dataRef, metaRef stack.Ref, hooks sessionHooks) *session {
	hooks.fillDefaults()
	s := &session{
		log:     log.WithField("conn", conn),
		cfg:     cfg,
		hooks:   hooks,
		conn:    conn,
		dataRef: dataRef,
		metaRef: metaRef,
		state:   stateReadingMeta,
	}
	copy(s.serial[:], cfg.DeviceSerial)
	return s
}

// ----------------------------------------------------------------------------
// Handshake
// ----------------------------------------------------------------------------

// handleMetaValue digests the meta characteristic read at discovery. A nil
// return means the session moved on to subscribing; the caller issues the
// subscribe. Any error is fatal to the session.
func (s *session) handleMetaValue(value []byte) error {
	if s.state != stateReadingMeta {
		return fmt.Errorf("meta value in state %s", s.state)
	}
	m, err := ParseMeta(value)
	if err != nil {
		return err
	}
	v, err := negotiateVersion(m)
	if err != nil {
		return err
	}
	if err := acceptMeta(m, s.cfg.RecoveryMode); err != nil {
		return err
	}
	s.meta = m
	s.version = v
	s.state = stateSubscribingData
	s.log.WithFields(logrus.Fields{
		"version": v,
		"app":     m.AppKind().String(),
	}).Debug("Transport meta accepted")
	return nil
}

// handleSubscribed digests the data-characteristic subscription result and
// starts the reset handshake. Any error is fatal to the session.
func (s *session) handleSubscribed(err error) error {
	if s.state != stateSubscribingData {
		return fmt.Errorf("subscription result in state %s", s.state)
	}
	if err != nil {
		return fmt.Errorf("data subscription failed: %w", err)
	}
	s.state = stateAwaitResetLocal
	s.queueResetRequest()
	return nil
}

func (s *session) queueResetRequest() {
	s.ctrlQueue = append(s.ctrlQueue, encodeResetRequest(ResetRequest{
		Version: s.version,
		Serial:  s.serial,
	}))
}

func (s *session) queueResetComplete() {
	s.ctrlQueue = append(s.ctrlQueue, encodeResetComplete(s.version, ResetComplete{
		RXWindow: uint8(s.cfg.RXWindow),
		TXWindow: uint8(s.cfg.TXWindow),
	}))
}

// beginReset tears transfer state down and charges the consecutive-reset
// budget. A false return means the budget is exhausted and escalation was
// requested; the session is dead.
func (s *session) beginReset(cause error) bool {
	wasOpen := s.state == stateOpen
	s.resets++
	s.totalResets++
	s.clearTransfer()
	if s.announcedOpen {
		s.announcedOpen = false
		s.hooks.closed(cause)
	}
	if s.resets > s.cfg.MaxResetAttempts {
		s.log.WithFields(logrus.Fields{
			"resets": s.resets,
			"cause":  cause,
		}).Warn("Transport reset budget exhausted, escalating to disconnect")
		s.state = stateClosed
		s.hooks.escalate()
		return false
	}
	s.log.WithFields(logrus.Fields{
		"attempt":  s.resets,
		"was_open": wasOpen,
		"cause":    cause,
	}).Info("Transport resetting")
	return true
}

// reset is the locally-initiated path: timeouts, protocol violations, or an
// explicit request from above.
func (s *session) reset(cause error) {
	if !s.beginReset(cause) {
		return
	}
	s.state = stateAwaitResetLocal
	s.queueResetRequest()
}

func (s *session) clearTransfer() {
	for i := range s.slots {
		s.slots[i] = nil
	}
	if s.pending != nil {
		s.pending.Reset()
	}
	s.nextTxSN = 0
	s.baseSN = 0
	s.resendSN = 0
	s.resending = false
	s.nextRxSN = 0
	s.unacked = 0
	s.ackDue = false
	s.ackTimerArmed = false
	s.ackWaitTicks = 0
	s.timeouts = 0
	s.wantSpace = false
	s.stalled = false
	s.ctrlQueue = nil
}

func (s *session) enterOpen() {
	s.state = stateOpen
	s.resets = 0
	s.timeouts = 0
	s.ackWaitTicks = 0

	mtu := s.hooks.mtu()
	if mtu <= packetOverhead {
		mtu = defaultATTMTU
	}
	s.maxPayload = mtu - packetOverhead

	want := 2 * s.txWindow * s.maxPayload
	if s.pending == nil || s.pending.Capacity() != want {
		s.pending = ringbuffer.New(want)
	}

	s.log.WithFields(logrus.Fields{
		"version":     s.version,
		"tx_window":   s.txWindow,
		"rx_window":   s.rxWindow,
		"max_payload": s.maxPayload,
	}).Info("Transport open")

	s.announcedOpen = true
	s.hooks.opened()
}

// close finalizes the session. Safe to call more than once.
func (s *session) close(cause error) {
	if s.state == stateClosed {
		return
	}
	s.clearTransfer()
	s.state = stateClosed
	if s.announcedOpen {
		s.announcedOpen = false
		s.hooks.closed(cause)
	}
}

func (s *session) negotiateWindows(rc ResetComplete) {
	if s.version == 0 {
		s.txWindow = v0TXWindow
		s.rxWindow = v0RXWindow
		return
	}
	s.txWindow = min(s.cfg.TXWindow, int(rc.RXWindow))
	s.rxWindow = min(s.cfg.RXWindow, int(rc.TXWindow))
}

// ----------------------------------------------------------------------------
// Inbound packets
// ----------------------------------------------------------------------------

// handlePacket digests one packet from a data-characteristic notification.
func (s *session) handlePacket(pkt []byte) {
	if len(pkt) < headerLen || s.state == stateClosed {
		return
	}
	s.stalled = false
	typ, sn := unpackHeader(pkt[0])
	payload := pkt[headerLen:]
	switch typ {
	case PacketData:
		s.handleData(sn, payload)
	case PacketAck:
		s.handleAck(sn)
	case PacketResetRequest:
		s.handleResetRequest(payload)
	case PacketResetComplete:
		s.handleResetComplete(payload)
	default:
		s.log.WithField("type", uint8(typ)).Debug("Dropping packet of unknown type")
	}
}

// handleData accepts strictly in-order data. Anything else is dropped and
// recovered by the peer's timeout-driven retransmission; there is no
// reordering buffer and no duplicate-ACK fast retransmit.
func (s *session) handleData(sn uint8, payload []byte) {
	if s.state != stateOpen {
		s.rxDropped++
		return
	}
	if sn != s.nextRxSN {
		s.rxDropped++
		s.log.WithFields(logrus.Fields{
			"sn":       sn,
			"expected": s.nextRxSN,
		}).Debug("Dropping out-of-order data packet")
		return
	}
	s.nextRxSN = seqNext(sn)
	s.ackSN = sn
	s.unacked++

	// Version 0 peers expect an immediate ACK per packet; version 1 peers
	// tolerate coalescing up to half a receive window or the latency timer.
	if s.version == 0 || s.unacked >= s.ackThreshold() {
		s.ackDue = true
	} else if !s.ackTimerArmed {
		s.ackTimerArmed = true
		s.hooks.armAck()
	}

	if len(payload) > 0 {
		s.hooks.data(payload)
	}
}

func (s *session) ackThreshold() int {
	return (s.rxWindow + 1) / 2
}

// flushCoalescedAck is the latency-timer path: whatever is accumulated goes
// out now.
func (s *session) flushCoalescedAck() {
	s.ackTimerArmed = false
	if s.state != stateOpen || s.unacked == 0 {
		return
	}
	s.ackDue = true
}

// handleAck releases every in-flight packet up to and including sn. A
// sequence number outside the outstanding range is a duplicate or a
// leftover from before a reset and is ignored.
func (s *session) handleAck(sn uint8) {
	if s.state != stateOpen {
		return
	}
	inflight := seqDistance(s.baseSN, s.nextTxSN)
	d := seqDistance(s.baseSN, sn)
	if inflight == 0 || d >= inflight {
		s.log.WithFields(logrus.Fields{
			"sn":   sn,
			"base": s.baseSN,
		}).Debug("Ignoring stale ack")
		return
	}
	for i := 0; i <= d; i++ {
		s.slots[(int(s.baseSN)+i)&seqMask] = nil
	}
	if s.resending {
		if seqDistance(s.baseSN, s.resendSN) <= d {
			s.resendSN = seqNext(sn)
		}
		if s.resendSN == s.nextTxSN {
			s.resending = false
		}
	}
	s.baseSN = seqNext(sn)
	s.ackWaitTicks = 0
	s.timeouts = 0
}

func (s *session) handleResetRequest(payload []byte) {
	if s.state == stateReadingMeta || s.state == stateSubscribingData || s.state == stateClosed {
		return
	}
	req, err := decodeResetRequest(payload)
	if err != nil {
		s.log.WithError(err).Warn("Malformed reset request")
		return
	}
	if req.Version < s.version {
		s.version = req.Version
	}
	if !s.beginReset(errResetByPeer) {
		return
	}
	s.state = stateAwaitResetRemote
	s.queueResetComplete()
}

func (s *session) handleResetComplete(payload []byte) {
	switch s.state {
	case stateAwaitResetLocal:
		rc, err := decodeResetComplete(s.version, payload)
		if err != nil {
			s.log.WithError(err).Warn("Malformed reset complete")
			s.reset(err)
			return
		}
		s.negotiateWindows(rc)
		s.queueResetComplete()
		s.enterOpen()
	case stateAwaitResetRemote:
		rc, err := decodeResetComplete(s.version, payload)
		if err != nil {
			s.log.WithError(err).Warn("Malformed reset complete")
			s.reset(err)
			return
		}
		s.negotiateWindows(rc)
		s.enterOpen()
	default:
		s.log.WithField("state", s.state.String()).Debug("Dropping unexpected reset complete")
	}
}

// ----------------------------------------------------------------------------
// Outbound
// ----------------------------------------------------------------------------

// write queues stream bytes for transmission. Partial writes return
// ErrSendBufferFull; space is announced through the ready hook.
func (s *session) write(p []byte) (int, error) {
	switch s.state {
	case stateClosed:
		return 0, ErrClosed
	case stateOpen:
	default:
		return 0, ErrNotOpen
	}
	if len(p) == 0 {
		return 0, nil
	}
	n, err := s.pending.Write(p)
	// A full ring and a partial write report different errors; both just
	// mean the excess has to wait for space.
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) && !errors.Is(err, ringbuffer.ErrTooMuchDataToWrite) {
		return n, err
	}
	if n < len(p) {
		s.wantSpace = true
		return n, ErrSendBufferFull
	}
	return n, nil
}

func (s *session) inflight() int {
	return seqDistance(s.baseSN, s.nextTxSN)
}

func (s *session) hasFreshData() bool {
	return s.pending != nil && !s.pending.IsEmpty() && s.inflight() < s.txWindow
}

func (s *session) hasWork() bool {
	if len(s.ctrlQueue) > 0 || s.ackDue {
		return true
	}
	return s.state == stateOpen && (s.resending || s.hasFreshData())
}

// pump transmits what is due, highest priority first: reset traffic, then a
// pending ACK, then data. At most sendBudget packets go out per call; a true
// return means work remains and the caller should reschedule. A transmit
// failure stalls the session until the next tick or inbound packet.
func (s *session) pump() bool {
	if s.state == stateClosed {
		return false
	}
	if s.stalled {
		return s.hasWork()
	}
	for budget := sendBudget; budget > 0; budget-- {
		switch {
		case len(s.ctrlQueue) > 0:
			if !s.transmit(s.ctrlQueue[0]) {
				return true
			}
			s.ctrlQueue = s.ctrlQueue[1:]

		case s.ackDue:
			if !s.transmit(encodeAck(s.ackSN)) {
				return true
			}
			s.ackDue = false
			s.unacked = 0
			s.ackTimerArmed = false

		case s.state == stateOpen && s.resending:
			if !s.transmit(s.slots[s.resendSN]) {
				return true
			}
			s.resendSN = seqNext(s.resendSN)
			if s.resendSN == s.nextTxSN {
				s.resending = false
			}

		case s.state == stateOpen && s.hasFreshData():
			sn := s.nextTxSN
			pkt := s.packetize(sn)
			s.slots[sn] = pkt
			s.nextTxSN = seqNext(sn)
			if !s.transmit(pkt) {
				// Slotted but not on the air; replay once the link
				// drains.
				s.resending = true
				s.resendSN = sn
				return true
			}

		default:
			s.signalSpace()
			return false
		}
	}
	s.signalSpace()
	return s.hasWork()
}

// packetize drains up to one MTU's worth of pending bytes into a fresh data
// packet. The returned slice is the exact wire image, kept in the slot table
// until acknowledged.
func (s *session) packetize(sn uint8) []byte {
	n := s.pending.Length()
	if n > s.maxPayload {
		n = s.maxPayload
	}
	pkt := make([]byte, headerLen+n)
	pkt[0] = packHeader(PacketData, sn)
	rn, _ := s.pending.Read(pkt[headerLen:])
	return pkt[:headerLen+rn]
}

func (s *session) transmit(pkt []byte) bool {
	if err := s.hooks.send(pkt); err != nil {
		s.stalled = true
		if errors.Is(err, driver.ErrBusy) {
			s.log.Debug("Link busy, transmit deferred")
		} else {
			s.log.WithError(err).Warn("Transmit failed, deferring")
		}
		return false
	}
	return true
}

func (s *session) signalSpace() {
	if s.wantSpace && s.pending != nil && s.pending.Free() > 0 {
		s.wantSpace = false
		s.hooks.ready()
	}
}

// ----------------------------------------------------------------------------
// Time
// ----------------------------------------------------------------------------

// tick advances the ACK-timeout machinery once per tick interval. Timeouts
// roll every unacknowledged packet back for retransmission; too many
// consecutive timeouts escalate to a protocol reset, and the reset budget in
// turn escalates to a disconnect.
func (s *session) tick() {
	s.stalled = false
	switch s.state {
	case stateOpen:
		if s.inflight() == 0 {
			s.ackWaitTicks = 0
			return
		}
		s.ackWaitTicks++
		if s.ackWaitTicks < s.cfg.AckTimeoutTicks {
			return
		}
		s.ackWaitTicks = 0
		s.timeouts++
		if s.timeouts > s.cfg.MaxDataTimeouts {
			s.reset(errAckStarved)
			return
		}
		s.log.WithFields(logrus.Fields{
			"timeout":  s.timeouts,
			"base":     s.baseSN,
			"inflight": s.inflight(),
		}).Debug("Ack timeout, rolling back window")
		s.resending = true
		s.resendSN = s.baseSN

	case stateAwaitResetLocal, stateAwaitResetRemote:
		s.ackWaitTicks++
		if s.ackWaitTicks >= s.cfg.AckTimeoutTicks {
			s.ackWaitTicks = 0
			s.reset(errHandshakeStalled)
		}
	}
}
