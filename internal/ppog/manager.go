package ppog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"

	"github.com/srg/gattlink/internal/driver"
	"github.com/srg/gattlink/internal/gatt"
	"github.com/srg/gattlink/internal/groutine"
	"github.com/srg/gattlink/internal/stack"
	"github.com/srg/gattlink/pkg/config"
)

// Uplink is the session-multiplexing layer riding on the transport. Calls
// arrive on the manager's worker goroutine with no manager lock held, so an
// implementation may call back into the Conn, but it must not block for
// long: the worker also drives every other session's timers.
type Uplink interface {
	// TransportOpened delivers a freshly opened transport. After a reset
	// the same Conn is re-delivered once the handshake completes again.
	TransportOpened(t *Conn)
	// TransportClosed reports that the byte stream broke: session
	// teardown, a protocol reset, or link loss. Unacknowledged and
	// unread bytes are gone.
	TransportClosed(t *Conn, err error)
	// HandleData delivers received stream bytes, in order, exactly once
	// per open epoch.
	HandleData(t *Conn, data []byte)
	// ReadyToSend fires once after a Write returned ErrSendBufferFull and
	// space freed up.
	ReadyToSend(t *Conn)
}

// inboundCapacity sizes the notification ring between the stack event pump
// and the worker. Overflow drops the oldest packet; the ARQ recovers it.
const inboundCapacity = 512

type inboundPacket struct {
	conn stack.ConnID
	data []byte
}

type ctrlMsg interface{ ctrl() }

type ctrlEvent struct{ ev stack.Event }
type ctrlInbound struct{}
type ctrlAckTimer struct{ conn stack.ConnID }
type ctrlKick struct{ conn stack.ConnID }

func (ctrlEvent) ctrl()    {}
func (ctrlInbound) ctrl()  {}
func (ctrlAckTimer) ctrl() {}
func (ctrlKick) ctrl()     {}

// Manager watches the kernel stack client for the transport service and runs
// one session per connection that carries it: meta read, data subscription,
// reset handshake, then the sliding-window data exchange.
type Manager struct {
	log    *logrus.Logger
	cfg    config.TransportConfig
	kernel *stack.Client
	uplink Uplink

	mu       sync.Mutex
	sessions map[stack.ConnID]*session
	handles  map[*session]*Conn
	upcalls  []func()

	// disconnects counts transport-forced link teardowns per device, so a
	// device that can never hold a session stops being disconnected in a
	// loop.
	disconnects map[driver.BDAddr]int

	inbound      mpmc.RichOverlappedRingBuffer[inboundPacket]
	ctrl         chan ctrlMsg
	quit         chan struct{}
	done         chan struct{}
	started      bool
	inboundDrops atomic.Uint64
	resetsTotal  atomic.Uint64
	forcedDrops  atomic.Uint64
}

// NewManager wires a transport manager onto the stack's kernel client. Call
// Start to begin watching for sessions.
func NewManager(log *logrus.Logger, cfg config.TransportConfig, kernel *stack.Client, uplink Uplink) *Manager {
	if kernel == nil {
		panic("ppog: nil kernel client")
	}
	if uplink == nil {
		panic("ppog: nil uplink")
	}
	return &Manager{
		log:         log,
		cfg:         cfg,
		kernel:      kernel,
		uplink:      uplink,
		sessions:    make(map[stack.ConnID]*session),
		handles:     make(map[*session]*Conn),
		disconnects: make(map[driver.BDAddr]int),
		inbound:     mpmc.NewOverlappedRingBuffer[inboundPacket](inboundCapacity),
		ctrl:        make(chan ctrlMsg, 64),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start spawns the event pump and the session worker.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	groutine.Go(ctx, "ppog-event-pump", m.pumpEvents)
	groutine.Go(ctx, "ppog-worker", m.worker)
}

// Stop tears every session down and stops both goroutines.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.mu.Unlock()

	close(m.quit)
	<-m.done

	m.mu.Lock()
	for conn := range m.sessions {
		m.teardownLocked(conn, ErrClosed, false)
	}
	ups := m.takeUpcallsLocked()
	m.mu.Unlock()
	runUpcalls(ups)
}

// ----------------------------------------------------------------------------
// Event pump: kernel stack events in, packets and control messages out
// ----------------------------------------------------------------------------

// pumpEvents drains the kernel client's event queue. Notification payloads
// are moved off the stack's bounded buffer immediately so a slow worker
// never stalls the stack; everything else forwards as a control message.
func (m *Manager) pumpEvents(ctx context.Context) {
	for {
		select {
		case <-m.quit:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-m.kernel.Events():
			if !ok {
				return
			}
			if _, isData := ev.(stack.DataPending); isData {
				m.drainNotifications()
				continue
			}
			select {
			case m.ctrl <- ctrlEvent{ev: ev}:
			case <-m.quit:
				return
			}
		}
	}
}

func (m *Manager) drainNotifications() {
	for {
		info, ok := m.kernel.NextNotification()
		if !ok {
			return
		}
		pkt := inboundPacket{conn: info.Conn, data: make([]byte, info.Length)}
		more := m.kernel.ConsumeNotification(pkt.data)
		if overwrites, err := m.inbound.EnqueueM(pkt); err != nil {
			m.log.WithError(err).Warn("Inbound ring enqueue failed, packet dropped")
		} else if overwrites > 0 {
			m.inboundDrops.Add(uint64(overwrites))
		}
		select {
		case m.ctrl <- ctrlInbound{}:
		default:
			// Worker already has a wakeup queued.
		}
		if !more {
			return
		}
	}
}

// ----------------------------------------------------------------------------
// Worker: owns every session
// ----------------------------------------------------------------------------

func (m *Manager) worker(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.quit:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tickAll()
		case msg := <-m.ctrl:
			switch v := msg.(type) {
			case ctrlInbound:
				m.processInbound()
			case ctrlEvent:
				m.handleStackEvent(v.ev)
			case ctrlAckTimer:
				m.onAckTimer(v.conn)
			case ctrlKick:
				m.kickSession(v.conn)
			}
		}
	}
}

func (m *Manager) processInbound() {
	for !m.inbound.IsEmpty() {
		pkt, err := m.inbound.Dequeue()
		if err != nil {
			return
		}
		m.withSession(pkt.conn, func(s *session) {
			s.handlePacket(pkt.data)
		})
	}
}

func (m *Manager) tickAll() {
	m.mu.Lock()
	for _, s := range m.sessions {
		s.tick()
		m.pumpLocked(s)
	}
	ups := m.takeUpcallsLocked()
	m.mu.Unlock()
	runUpcalls(ups)
}

func (m *Manager) onAckTimer(conn stack.ConnID) {
	m.withSession(conn, func(s *session) {
		s.flushCoalescedAck()
	})
}

func (m *Manager) kickSession(conn stack.ConnID) {
	m.withSession(conn, func(*session) {})
}

// withSession runs fn on the connection's session under the lock, then pumps
// and delivers upcalls.
func (m *Manager) withSession(conn stack.ConnID, fn func(*session)) {
	m.mu.Lock()
	s := m.sessions[conn]
	if s == nil {
		m.mu.Unlock()
		return
	}
	fn(s)
	m.pumpLocked(s)
	ups := m.takeUpcallsLocked()
	m.mu.Unlock()
	runUpcalls(ups)
}

func (m *Manager) pumpLocked(s *session) {
	if s.pump() && !s.stalled {
		// Budget spent with work left; yield and come back.
		select {
		case m.ctrl <- ctrlKick{conn: s.conn}:
		default:
		}
	}
}

// ----------------------------------------------------------------------------
// Stack event handling
// ----------------------------------------------------------------------------

func (m *Manager) handleStackEvent(ev stack.Event) {
	switch e := ev.(type) {
	case stack.ServiceAdded:
		if e.UUID == ServiceUUID {
			m.openSession(e.Conn, e.Service)
		}
	case stack.ServiceRemoved:
		if e.UUID == ServiceUUID {
			m.teardown(e.Conn, errors.New("ppog: service removed"), false)
		}
	case stack.ServicesInvalidated:
		m.teardown(e.Conn, errors.New("ppog: services invalidated"), false)
	case stack.OpDone:
		m.handleOpDone(e)
	case stack.SubscriptionUpdated:
		m.handleSubscriptionUpdated(e)
	}
}

// openSession reacts to the transport service appearing on a connection:
// locate the characteristic pair and start the meta read.
func (m *Manager) openSession(conn stack.ConnID, svc stack.Ref) {
	chars, err := m.kernel.Characteristics(svc, []gatt.UUID{DataCharUUID, MetaCharUUID})
	if err != nil || len(chars) != 2 {
		m.log.WithFields(logrus.Fields{
			"conn":  conn,
			"found": len(chars),
		}).Warn("Transport service lacks its characteristic pair, ignoring")
		return
	}
	dataRef, metaRef := chars[0], chars[1]

	m.mu.Lock()
	if m.sessions[conn] != nil {
		m.mu.Unlock()
		m.log.WithField("conn", conn).Warn("Duplicate transport service on connection, ignoring")
		return
	}
	s := newSession(m.log, m.cfg, conn, dataRef, metaRef, m.hooksFor(conn))
	m.sessions[conn] = s
	m.handles[s] = &Conn{m: m, sess: s}
	m.mu.Unlock()

	if err := m.kernel.Read(metaRef); err != nil {
		m.log.WithError(err).WithField("conn", conn).Warn("Transport meta read failed to dispatch")
		m.teardown(conn, err, false)
	}
}

// hooksFor binds a session's callbacks to the kernel client and the uplink.
// Upcalls are queued under the lock and run after it is released.
func (m *Manager) hooksFor(conn stack.ConnID) sessionHooks {
	return sessionHooks{
		send: func(pkt []byte) error {
			s := m.sessions[conn]
			if s == nil {
				return ErrClosed
			}
			return m.kernel.WriteNoResponse(s.dataRef, pkt)
		},
		mtu: func() int {
			mtu, err := m.kernel.MTUOf(conn)
			if err != nil {
				return 0
			}
			return mtu
		},
		opened: func() {
			s := m.sessions[conn]
			if s == nil {
				return
			}
			h := m.handles[s]
			dev, err := m.kernel.DeviceOf(conn)
			if err == nil {
				delete(m.disconnects, dev.Addr)
			}
			m.upcalls = append(m.upcalls, func() { m.uplink.TransportOpened(h) })
		},
		closed: func(cause error) {
			s := m.sessions[conn]
			if s == nil {
				return
			}
			h := m.handles[s]
			m.upcalls = append(m.upcalls, func() { m.uplink.TransportClosed(h, cause) })
		},
		data: func(payload []byte) {
			s := m.sessions[conn]
			if s == nil {
				return
			}
			h := m.handles[s]
			m.upcalls = append(m.upcalls, func() { m.uplink.HandleData(h, payload) })
		},
		ready: func() {
			s := m.sessions[conn]
			if s == nil {
				return
			}
			h := m.handles[s]
			m.upcalls = append(m.upcalls, func() { m.uplink.ReadyToSend(h) })
		},
		armAck: func() {
			latency := m.cfg.CoalescedAckMaxLatency
			time.AfterFunc(latency, func() {
				select {
				case m.ctrl <- ctrlAckTimer{conn: conn}:
				case <-m.quit:
				}
			})
		},
		escalate: func() {
			m.upcalls = append(m.upcalls, func() { m.escalate(conn) })
		},
	}
}

func (m *Manager) handleOpDone(ev stack.OpDone) {
	if ev.Kind != stack.OpRead {
		return
	}
	m.mu.Lock()
	var sess *session
	for _, s := range m.sessions {
		if s.state == stateReadingMeta && s.metaRef == ev.Ref {
			sess = s
			break
		}
	}
	m.mu.Unlock()
	if sess == nil {
		if ev.Err == nil {
			// Keep the result FIFO aligned even when the session is
			// already gone.
			m.kernel.ConsumeReadResult(ev.Ref, ev.Length)
		}
		return
	}

	if ev.Err != nil {
		m.log.WithError(ev.Err).WithField("conn", sess.conn).Warn("Transport meta read failed")
		m.teardown(sess.conn, ev.Err, false)
		return
	}
	value := m.kernel.ConsumeReadResult(ev.Ref, ev.Length)

	m.mu.Lock()
	err := sess.handleMetaValue(value)
	dataRef := sess.dataRef
	m.mu.Unlock()
	if err != nil {
		m.log.WithError(err).WithField("conn", sess.conn).Warn("Transport meta rejected")
		m.teardown(sess.conn, err, false)
		return
	}
	if err := m.kernel.Subscribe(dataRef, gatt.SubscriptionNotify); err != nil {
		m.log.WithError(err).WithField("conn", sess.conn).Warn("Transport data subscribe failed to dispatch")
		m.teardown(sess.conn, err, false)
	}
}

func (m *Manager) handleSubscriptionUpdated(ev stack.SubscriptionUpdated) {
	m.mu.Lock()
	var sess *session
	for _, s := range m.sessions {
		if s.state == stateSubscribingData && s.dataRef == ev.Ref {
			sess = s
			break
		}
	}
	if sess == nil {
		m.mu.Unlock()
		return
	}
	err := ev.Err
	if err == nil && ev.Type != gatt.SubscriptionNotify {
		err = fmt.Errorf("ppog: data characteristic settled on %s", ev.Type)
	}
	herr := sess.handleSubscribed(err)
	if herr == nil {
		m.pumpLocked(sess)
	}
	ups := m.takeUpcallsLocked()
	m.mu.Unlock()
	runUpcalls(ups)

	if herr != nil {
		m.log.WithError(herr).WithField("conn", sess.conn).Warn("Transport subscription failed")
		m.teardown(sess.conn, herr, false)
	}
}

// ----------------------------------------------------------------------------
// Teardown and escalation
// ----------------------------------------------------------------------------

func (m *Manager) teardown(conn stack.ConnID, cause error, unsubscribe bool) {
	m.mu.Lock()
	m.teardownLocked(conn, cause, unsubscribe)
	ups := m.takeUpcallsLocked()
	m.mu.Unlock()
	runUpcalls(ups)
}

func (m *Manager) teardownLocked(conn stack.ConnID, cause error, unsubscribe bool) {
	s := m.sessions[conn]
	if s == nil {
		return
	}
	wasSubscribed := s.state == stateAwaitResetLocal || s.state == stateAwaitResetRemote || s.state == stateOpen
	s.close(cause)
	m.resetsTotal.Add(s.totalResets)
	s.totalResets = 0
	delete(m.sessions, conn)
	delete(m.handles, s)
	if unsubscribe && wasSubscribed {
		dataRef := s.dataRef
		m.upcalls = append(m.upcalls, func() {
			if err := m.kernel.Unsubscribe(dataRef); err != nil {
				m.log.WithError(err).Debug("Transport data unsubscribe failed")
			}
		})
	}
	m.log.WithFields(logrus.Fields{
		"conn":  conn,
		"cause": cause,
	}).Info("Transport session removed")
}

// escalate handles a session that burned through its reset budget: tear it
// down and force a link disconnect, unless this device has already been
// disconnected too many times in a row.
func (m *Manager) escalate(conn stack.ConnID) {
	dev, devErr := m.kernel.DeviceOf(conn)

	m.mu.Lock()
	m.teardownLocked(conn, errAckStarved, false)
	force := false
	if devErr == nil {
		m.disconnects[dev.Addr]++
		force = m.disconnects[dev.Addr] <= m.cfg.MaxDisconnects
	}
	ups := m.takeUpcallsLocked()
	m.mu.Unlock()
	runUpcalls(ups)

	if !force {
		m.log.WithField("conn", conn).Warn("Transport disconnect budget exhausted, leaving link up")
		return
	}
	m.forcedDrops.Add(1)
	m.log.WithField("conn", conn).Warn("Transport forcing link disconnect")
	if err := m.kernel.Disconnect(conn); err != nil {
		m.log.WithError(err).Debug("Transport disconnect request failed")
	}
}

func (m *Manager) takeUpcallsLocked() []func() {
	ups := m.upcalls
	m.upcalls = nil
	return ups
}

func runUpcalls(ups []func()) {
	for _, fn := range ups {
		fn()
	}
}

// ----------------------------------------------------------------------------
// Conn: the transport handle given to the uplink
// ----------------------------------------------------------------------------

// Conn is an open transport on one connection. The uplink receives it from
// TransportOpened and may use it until TransportClosed reports it dead.
type Conn struct {
	m    *Manager
	sess *session
}

// ConnID identifies the underlying stack connection.
func (t *Conn) ConnID() stack.ConnID { return t.sess.conn }

// Version is the negotiated protocol version.
func (t *Conn) Version() uint8 {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	return t.sess.version
}

// Meta is the peer's meta characteristic as read at discovery: version
// range, requesting application, and session type when present.
func (t *Conn) Meta() Meta {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	return t.sess.meta
}

// Write queues p for reliable in-order delivery. A short count with
// ErrSendBufferFull means the send buffer is full; ReadyToSend fires when
// space frees.
func (t *Conn) Write(p []byte) (int, error) {
	m := t.m
	m.mu.Lock()
	if m.sessions[t.sess.conn] != t.sess {
		m.mu.Unlock()
		return 0, ErrClosed
	}
	n, err := t.sess.write(p)
	if n > 0 {
		m.pumpLocked(t.sess)
	}
	ups := m.takeUpcallsLocked()
	m.mu.Unlock()
	runUpcalls(ups)
	return n, err
}

// Reset abandons the byte stream and redoes the handshake. The uplink sees
// TransportClosed followed by TransportOpened when the peer cooperates.
func (t *Conn) Reset() error {
	m := t.m
	m.mu.Lock()
	if m.sessions[t.sess.conn] != t.sess {
		m.mu.Unlock()
		return ErrClosed
	}
	t.sess.reset(errResetRequested)
	m.pumpLocked(t.sess)
	ups := m.takeUpcallsLocked()
	m.mu.Unlock()
	runUpcalls(ups)
	return nil
}

// Close tears the session down and releases the data subscription. The link
// itself stays up.
func (t *Conn) Close() error {
	m := t.m
	m.mu.Lock()
	if m.sessions[t.sess.conn] != t.sess {
		m.mu.Unlock()
		return ErrClosed
	}
	m.teardownLocked(t.sess.conn, ErrClosed, true)
	ups := m.takeUpcallsLocked()
	m.mu.Unlock()
	runUpcalls(ups)
	return nil
}

// SetResponsiveness adjusts the link's latency/power trade-off for the
// transport's benefit, e.g. before a bulk exchange.
func (t *Conn) SetResponsiveness(level driver.Responsiveness) error {
	m := t.m
	m.mu.Lock()
	if m.sessions[t.sess.conn] != t.sess {
		m.mu.Unlock()
		return ErrClosed
	}
	conn := t.sess.conn
	m.mu.Unlock()
	return m.kernel.SetResponsiveness(conn, level)
}

// ----------------------------------------------------------------------------
// Stats
// ----------------------------------------------------------------------------

// Stats is a point-in-time transport census.
type Stats struct {
	Sessions     int
	OpenSessions int
	// InboundDrops counts notification packets overwritten in the inbound
	// ring before the worker got to them; the ARQ retransmits them.
	InboundDrops uint64
	// Resets counts protocol resets, local and remote, across all sessions.
	Resets uint64
	// ForcedDisconnects counts links torn down after reset budgets drained.
	ForcedDisconnects uint64
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	st := Stats{Sessions: len(m.sessions)}
	var resets uint64
	for _, s := range m.sessions {
		if s.state == stateOpen {
			st.OpenSessions++
		}
		resets += s.totalResets
	}
	m.mu.Unlock()
	st.InboundDrops = m.inboundDrops.Load()
	st.Resets = m.resetsTotal.Load() + resets
	st.ForcedDisconnects = m.forcedDrops.Load()
	return st
}
