// Package goble implements the driver contract on top of the go-ble host
// library, central role only.
//
// AllowConnection dials the peer in the background and DenyConnection
// cancels the dial; outcomes always arrive as LinkUp events. Every live link
// owns a worker goroutine that executes queued ATT operations one at a time,
// so completions and notifications for a link reach the sink sequentially,
// as the contract requires. CCCD writes never touch the descriptor directly:
// go-ble manages the descriptor inside Subscribe and Unsubscribe, so the
// adapter translates the written value into those calls.
package goble

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/gattlink/internal/driver"
	"github.com/srg/gattlink/internal/groutine"
	"github.com/srg/gattlink/pkg/config"
)

// DeviceFactory creates the host ble.Device. It is a variable so tests can
// substitute an in-memory fake.
var DeviceFactory = func() (ble.Device, error) {
	return defaultDevice()
}

// statusConnFailed is the link-layer "connection failed to be established"
// code, reported when a dial fails for any reason other than a local cancel.
const statusConnFailed driver.HCIStatus = 0x3e

var (
	errClosed  = errors.New("goble: adapter closed")
	errNoSink  = errors.New("goble: no event sink bound")
	errUnknown = errors.New("goble: unknown link")
)

// Adapter drives one host radio. The zero value is not usable; construct
// with New and wire the sink with Bind before admitting peers.
type Adapter struct {
	log *logrus.Logger
	cfg config.DriverConfig

	mu       sync.Mutex
	sink     func(driver.Event)
	hci      ble.Device
	links    map[driver.LinkID]*link
	dials    map[string]context.CancelFunc
	nextLink driver.LinkID
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// link is the adapter-side state of one live connection.
type link struct {
	id     driver.LinkID
	dev    driver.Device
	client ble.Client

	ops    chan func()
	quit   chan struct{}
	closed atomic.Bool

	// evMu serializes event delivery for this link across the worker, the
	// host notification callbacks and teardown.
	evMu sync.Mutex

	mu             sync.Mutex
	attrs          map[uint16]*attr
	subs           map[uint16]uint16 // CCCD handle -> last written value
	responsiveness driver.Responsiveness
}

// New builds an adapter. The host device is not opened until the first
// AllowConnection.
func New(cfg config.DriverConfig, log *logrus.Logger) *Adapter {
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		log:      log,
		cfg:      cfg,
		links:    make(map[driver.LinkID]*link),
		dials:    make(map[string]context.CancelFunc),
		nextLink: 1,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Bind installs the event sink. Must be called before the first
// AllowConnection; rebinding with live links is not supported.
func (a *Adapter) Bind(sink func(driver.Event)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sink = sink
}

// Close cancels in-flight dials, tears down every live link with a
// radio-shutdown reason and stops the host device.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	for _, cancel := range a.dials {
		cancel()
	}
	links := make([]*link, 0, len(a.links))
	for _, l := range a.links {
		links = append(links, l)
	}
	hci := a.hci
	a.hci = nil
	a.mu.Unlock()

	for _, l := range links {
		a.teardown(l, driver.ReasonRadioShutdown)
		if err := l.client.CancelConnection(); err != nil {
			a.log.WithError(NormalizeError(err)).WithField("link", l.id).Debug("Cancel connection failed during shutdown")
		}
	}
	a.cancel()
	a.wg.Wait()

	if hci == nil {
		return nil
	}
	return NormalizeError(hci.Stop())
}

// spawn runs fn on a labelled goroutine tracked by the adapter wait group.
func (a *Adapter) spawn(name string, fn func(context.Context)) {
	a.wg.Add(1)
	groutine.Go(a.ctx, name, func(ctx context.Context) {
		defer a.wg.Done()
		fn(ctx)
	})
}

// post hands one event to the bound sink.
func (a *Adapter) post(ev driver.Event) {
	a.mu.Lock()
	sink := a.sink
	a.mu.Unlock()
	if sink != nil {
		sink(ev)
	}
}

// postLink posts under the link's event mutex so the sink observes this
// link's events one at a time.
func (a *Adapter) postLink(l *link, ev driver.Event) {
	l.evMu.Lock()
	defer l.evMu.Unlock()
	a.post(ev)
}

func (a *Adapter) ensureHCILocked() error {
	if a.hci != nil {
		return nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		return fmt.Errorf("goble: host device: %w", NormalizeError(err))
	}
	ble.SetDefaultDevice(dev)
	a.hci = dev
	return nil
}

func (a *Adapter) lookup(id driver.LinkID) *link {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.links[id]
}

// AllowConnection starts a background dial for the peer. Admitting a device
// that is already connected or already being dialed is a no-op.
func (a *Adapter) AllowConnection(dev driver.Device) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return errClosed
	}
	if a.sink == nil {
		a.mu.Unlock()
		return errNoSink
	}
	key := dev.Addr.String()
	if _, dialing := a.dials[key]; dialing {
		a.mu.Unlock()
		return nil
	}
	for _, l := range a.links {
		if l.dev.Addr == dev.Addr {
			a.mu.Unlock()
			return nil
		}
	}
	if err := a.ensureHCILocked(); err != nil {
		a.mu.Unlock()
		return err
	}
	dialCtx, cancel := context.WithCancel(a.ctx)
	a.dials[key] = cancel
	a.mu.Unlock()

	a.log.WithField("device", dev.String()).Info("Dialing device")
	a.spawn("goble-dial", func(context.Context) { a.dial(dialCtx, dev) })
	return nil
}

// DenyConnection cancels an in-flight dial for the peer. The dial goroutine
// reports the withdrawn attempt with HCIStatusUnknownConnection.
func (a *Adapter) DenyConnection(dev driver.Device) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cancel, ok := a.dials[dev.Addr.String()]; ok {
		cancel()
	}
	return nil
}

func (a *Adapter) dial(ctx context.Context, dev driver.Device) {
	dialCtx, cancel := context.WithTimeout(ctx, a.cfg.ConnectTimeout)
	defer cancel()
	client, err := ble.Dial(dialCtx, dialAddr(dev))

	a.mu.Lock()
	delete(a.dials, dev.Addr.String())
	if err != nil {
		closed := a.closed
		a.mu.Unlock()
		if closed {
			return
		}
		status := statusConnFailed
		if ctx.Err() != nil {
			status = driver.HCIStatusUnknownConnection
		} else {
			a.log.WithError(NormalizeError(err)).WithField("device", dev.String()).Warn("Dial failed")
		}
		a.post(driver.LinkUp{Dev: dev, Status: status})
		return
	}
	if a.closed {
		a.mu.Unlock()
		_ = client.CancelConnection()
		return
	}
	id := a.nextLink
	a.nextLink++
	l := &link{
		id:     id,
		dev:    dev,
		client: client,
		ops:    make(chan func(), a.cfg.OpQueueDepth),
		quit:   make(chan struct{}),
		attrs:  nil,
		subs:   make(map[uint16]uint16),
	}
	a.links[id] = l
	a.mu.Unlock()

	a.log.WithFields(logrus.Fields{
		"device": dev.String(), "link": id,
	}).Info("Link established")

	a.postLink(l, driver.LinkUp{
		Link: id, Dev: dev, LocalIsMaster: true, Status: driver.HCIStatusSuccess,
	})

	if mtu, err := client.ExchangeMTU(a.cfg.RequestedMTU); err != nil {
		a.log.WithError(err).WithField("link", id).Debug("MTU exchange not available")
	} else if mtu > 0 {
		a.postLink(l, driver.MTUUpdated{Link: id, MTU: mtu})
	}

	// The platform host completes pairing transparently during dial when the
	// peripheral demands it; a usable client handle implies the link carries
	// whatever security the peer required.
	a.postLink(l, driver.EncryptionChanged{Link: id, Encrypted: true})

	// The queue is empty here, so the initial discovery always fits.
	_ = l.enqueue(func() { a.discoverOp(l) })

	a.spawn("goble-link-worker", func(ctx context.Context) { l.runOps(ctx) })
	a.spawn("goble-link-monitor", func(ctx context.Context) { a.monitor(ctx, l) })
}

// monitor watches the host's disconnect signal and reports a remote drop.
func (a *Adapter) monitor(ctx context.Context, l *link) {
	dc, ok := l.client.(interface{ Disconnected() <-chan struct{} })
	if !ok {
		<-ctx.Done()
		return
	}
	select {
	case <-dc.Disconnected():
		a.teardown(l, driver.ReasonRemote)
	case <-ctx.Done():
	case <-l.quit:
	}
}

// Disconnect tears the link down locally. The LinkDown is posted before the
// host call completes so the reason cannot be misattributed to the remote.
func (a *Adapter) Disconnect(id driver.LinkID) error {
	l := a.lookup(id)
	if l == nil {
		return fmt.Errorf("%w %d", errUnknown, id)
	}
	a.spawn("goble-disconnect", func(context.Context) {
		a.teardown(l, driver.ReasonLocal)
		if err := l.client.CancelConnection(); err != nil {
			a.log.WithError(NormalizeError(err)).WithField("link", id).Warn("Disconnect failed")
		}
	})
	return nil
}

// teardown removes the link and reports it exactly once.
func (a *Adapter) teardown(l *link, reason driver.DisconnectReason) {
	if !l.closed.CompareAndSwap(false, true) {
		return
	}
	a.mu.Lock()
	delete(a.links, l.id)
	a.mu.Unlock()
	close(l.quit)

	a.log.WithFields(logrus.Fields{
		"link": l.id, "reason": reason.String(),
	}).Info("Link down")
	a.postLink(l, driver.LinkDown{Link: l.id, Dev: l.dev, Reason: reason})
}

// SetResponsiveness records the requested level. go-ble exposes no
// connection-parameter control, so the link keeps whatever interval the
// platform negotiated.
func (a *Adapter) SetResponsiveness(id driver.LinkID, level driver.Responsiveness) error {
	l := a.lookup(id)
	if l == nil {
		return fmt.Errorf("%w %d", errUnknown, id)
	}
	l.mu.Lock()
	l.responsiveness = level
	l.mu.Unlock()
	a.log.WithFields(logrus.Fields{
		"link": id, "level": level.String(),
	}).Debug("Responsiveness recorded")
	return nil
}

// ----------------------------------------------------------------------------
// Link worker
// ----------------------------------------------------------------------------

func (l *link) runOps(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.quit:
			return
		case op := <-l.ops:
			op()
		}
	}
}

// enqueue hands an operation to the link worker without blocking. A full
// queue reports driver.ErrBusy so the caller can reschedule.
func (l *link) enqueue(op func()) error {
	if l.closed.Load() {
		return fmt.Errorf("%w %d", errUnknown, l.id)
	}
	select {
	case l.ops <- op:
		return nil
	default:
		return driver.ErrBusy
	}
}

func (l *link) attr(handle uint16) *attr {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attrs[handle]
}

func (l *link) cccdValue(handle uint16) uint16 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.subs[handle]
}

func (l *link) setCCCD(handle, value uint16) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subs[handle] = value
}
