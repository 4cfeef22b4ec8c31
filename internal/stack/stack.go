// Package stack implements the GATT client connection layer: physical
// connection records, per-client connection intents, opaque attribute
// references, asynchronous operation dispatch and notification fan-out.
//
// One non-recursive mutex serializes all state. Helpers suffixed Locked
// require it; they never re-acquire it and never call the driver. Driver
// calls triggered inside a locked section are deferred and run after the
// lock is released, so a driver is free to post events back synchronously.
package stack

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/gattlink/internal/driver"
	"github.com/srg/gattlink/internal/evring"
	"github.com/srg/gattlink/internal/gatt"
	"github.com/srg/gattlink/pkg/config"
)

// Stack is the connection/subscription layer over one link-layer driver.
type Stack struct {
	log *logrus.Logger
	cfg config.StackConfig
	drv driver.Driver

	mu          sync.Mutex
	reg         *registry
	intents     []*intent
	nextToken   driver.OpToken
	ops         *orderedmap.OrderedMap[driver.OpToken, *pendingOp]
	readResults [numClients][]readResult
	buffers     [numClients]*notifyBuffer
	bufRefs     [numClients]int
	// notifyDrops accumulates drop counts of already-freed buffers.
	notifyDrops [numClients]uint64
	defers      []func()

	clients [numClients]*Client
}

// New builds a stack over drv. A nil logger discards output.
func New(cfg config.StackConfig, drv driver.Driver, log *logrus.Logger) *Stack {
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}
	s := &Stack{
		log: log,
		cfg: cfg,
		drv: drv,
		reg: newRegistry(),
		ops: orderedmap.New[driver.OpToken, *pendingOp](),
	}
	for k := ClientKind(0); k < numClients; k++ {
		s.clients[k] = &Client{
			stack: s,
			kind:  k,
			queue: evring.New[Event](cfg.EventQueueDepth),
		}
	}
	return s
}

// Client returns the stack surface for one client kind. The same instance is
// returned every time; events accumulate in its queue from the start.
func (s *Stack) Client(k ClientKind) *Client {
	if k >= numClients {
		panic("invalid client kind")
	}
	return s.clients[k]
}

// LookupLink maps a driver link id to a connection id without taking the
// stack mutex. Driver adapters use it as a fast liveness hint.
func (s *Stack) LookupLink(link driver.LinkID) (ConnID, bool) {
	return s.reg.LookupLink(link)
}

// ----------------------------------------------------------------------------
// Event and deferred-call plumbing
// ----------------------------------------------------------------------------

// emit queues an event on a client's ring. Safe with or without the stack
// mutex; a full ring drops its oldest event and counts the overwrite.
func (s *Stack) emit(k ClientKind, ev Event) {
	s.clients[k].queue.Send(ev)
}

func (s *Stack) broadcastLocked(ev Event) {
	for k := ClientKind(0); k < numClients; k++ {
		s.emit(k, ev)
	}
}

// deferCall schedules a driver call to run once the stack mutex unlocks.
func (s *Stack) deferCall(fn func()) {
	s.defers = append(s.defers, fn)
}

func (s *Stack) takeDefersLocked() []func() {
	fns := s.defers
	s.defers = nil
	return fns
}

func runDefers(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

// ----------------------------------------------------------------------------
// Driver event entry point
// ----------------------------------------------------------------------------

// HandleDriverEvent is the single downward entry point. The driver must
// serialize calls per link; the stack serializes globally with its mutex and
// performs buffer pushes and deferred driver calls after releasing it.
func (s *Stack) HandleDriverEvent(ev driver.Event) {
	var (
		deliveries []notifyDelivery
		payload    []byte
	)

	s.mu.Lock()
	switch e := ev.(type) {
	case driver.LinkUp:
		s.handleLinkUpLocked(e)
	case driver.LinkDown:
		s.handleLinkDownLocked(e)
	case driver.EncryptionChanged:
		s.handleEncryptionLocked(e)
	case driver.IdentityResolved:
		s.handleIdentityResolvedLocked(e)
	case driver.MTUUpdated:
		s.handleMTUUpdatedLocked(e)
	case driver.ServicesDiscovered:
		s.handleServicesDiscoveredLocked(e)
	case driver.ServiceChanged:
		s.handleServiceChangedLocked(e)
	case driver.OpCompleted:
		s.handleOpCompletedLocked(e)
	case driver.Notification:
		deliveries = s.prepareNotificationLocked(e)
		payload = e.Value
	default:
		s.log.WithField("event", ev).Warn("Unknown driver event")
	}
	fns := s.takeDefersLocked()
	s.mu.Unlock()

	runDefers(fns)
	for _, d := range deliveries {
		// The stack mutex is released here, so a bounded wait for buffer
		// space is allowed.
		queued, emitPending := d.buf.push(d.header, payload, true, s.cfg.NotifyPushTimeout)
		if emitPending {
			s.emit(d.client, DataPending{})
		}
		if !queued {
			s.log.WithFields(logrus.Fields{
				"client": d.client, "length": d.header.Length,
			}).Warn("Notification dropped, client buffer full")
		}
	}
}

func (s *Stack) handleMTUUpdatedLocked(ev driver.MTUUpdated) {
	conn := s.reg.byLinkLocked(ev.Link)
	if conn == nil {
		return
	}
	conn.mtu = ev.MTU
	s.log.WithFields(logrus.Fields{"conn": conn.id, "mtu": ev.MTU}).Debug("MTU updated")
}

func (s *Stack) handleServicesDiscoveredLocked(ev driver.ServicesDiscovered) {
	conn := s.reg.byLinkLocked(ev.Link)
	if conn == nil {
		return
	}

	hadTree := len(conn.services) > 0
	oldUUIDs := make(map[gatt.UUID]struct{}, len(conn.services))
	for i := range conn.services {
		oldUUIDs[conn.services[i].uuid] = struct{}{}
	}

	if hadTree {
		s.dropConnOpsLocked(conn.id)
		s.releaseConnSubscriptionsLocked(conn)
		s.broadcastLocked(ServicesInvalidated{Conn: conn.id})
	}

	if err := conn.setTreeLocked(ev.Services); err != nil {
		s.log.WithError(err).WithField("conn", conn.id).Error("Rejecting malformed profile")
		return
	}
	s.log.WithFields(logrus.Fields{
		"conn": conn.id, "services": len(conn.services),
		"characteristics": len(conn.chars), "generation": conn.treeGen,
	}).Info("Service tree replaced")

	for i := range conn.services {
		delete(oldUUIDs, conn.services[i].uuid)
	}
	for uuid := range oldUUIDs {
		s.broadcastLocked(ServiceRemoved{Conn: conn.id, UUID: uuid})
	}
	for i := range conn.services {
		s.broadcastLocked(ServiceAdded{
			Conn:    conn.id,
			Service: conn.serviceRef(i),
			UUID:    conn.services[i].uuid,
		})
	}
}

func (s *Stack) handleServiceChangedLocked(ev driver.ServiceChanged) {
	conn := s.reg.byLinkLocked(ev.Link)
	if conn == nil {
		return
	}
	s.log.WithField("conn", conn.id).Info("Service Changed indication, rediscovering")
	link := conn.link
	s.deferCall(func() {
		if err := s.drv.Discover(link); err != nil {
			s.log.WithError(err).WithField("link", link).Warn("Rediscovery request failed")
		}
	})
}

// ----------------------------------------------------------------------------
// Diagnostics
// ----------------------------------------------------------------------------

// Stats is a point-in-time diagnostic snapshot.
type Stats struct {
	Connections  int
	Intents      int
	PendingOps   int
	NotifyDrops  map[string]uint64
	NotifyDepth  map[string]int
	EventDropped map[string]uint64
}

func (s *Stack) Stats() Stats {
	st := Stats{
		NotifyDrops:  make(map[string]uint64, numClients),
		NotifyDepth:  make(map[string]int, numClients),
		EventDropped: make(map[string]uint64, numClients),
	}

	s.mu.Lock()
	st.Connections = s.reg.countLocked()
	st.Intents = len(s.intents)
	st.PendingOps = s.ops.Len()
	bufs := s.buffers
	drops := s.notifyDrops
	s.mu.Unlock()

	for k := ClientKind(0); k < numClients; k++ {
		name := k.String()
		st.NotifyDrops[name] = drops[k]
		if bufs[k] != nil {
			st.NotifyDrops[name] += bufs[k].droppedCount()
			st.NotifyDepth[name] = bufs[k].depth()
		}
		st.EventDropped[name] = uint64(s.clients[k].queue.Snapshot().Overwritten)
	}
	return st
}
