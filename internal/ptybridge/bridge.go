// Package ptybridge exposes open transport sessions as pseudo-terminals so
// existing serial tooling can talk to the device byte stream.
//
// Each connection slot gets one PTY endpoint, created the first time a
// session opens on it and kept across protocol resets: the session detaches
// and reattaches underneath while whatever holds the slave open keeps its
// file descriptor and device path. Stream bytes delivered by the transport
// come out of the tty; bytes written to the tty are queued onto the
// transport's reliable stream.
package ptybridge

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/gattlink/internal/groutine"
	"github.com/srg/gattlink/internal/ppog"
	"github.com/srg/gattlink/internal/stack"
	"github.com/srg/gattlink/pkg/config"
)

// transport is the slice of the session handle the bridge drives. Satisfied
// by *ppog.Conn.
type transport interface {
	ConnID() stack.ConnID
	Write(p []byte) (int, error)
}

// Endpoint lifecycle phases reported through the state callback.
const (
	PhaseOpen   = "open"
	PhaseParked = "parked"
	PhaseClosed = "closed"
)

// SessionState describes one endpoint lifecycle change.
type SessionState struct {
	Conn    stack.ConnID
	TTYName string
	Symlink string
	Phase   string
}

// StateCallback is invoked on endpoint lifecycle changes. It runs on the
// transport worker goroutine and must return quickly.
type StateCallback func(st SessionState)

// Bridge pumps transport sessions to pseudo-terminals. It is the uplink the
// transport manager drives; construct with New and pass to ppog.NewManager.
type Bridge struct {
	log *logrus.Logger
	cfg config.BridgeConfig

	mu           sync.Mutex
	endpoints    map[stack.ConnID]*endpoint
	symlinkOwner stack.ConnID
	stateCb      StateCallback
	closed       bool

	toTTY      atomic.Uint64
	fromTTY    atomic.Uint64
	droppedTTY atomic.Uint64
	stalls     atomic.Uint64
}

// New builds a bridge. No PTYs are opened until a session arrives.
func New(cfg config.BridgeConfig, log *logrus.Logger) *Bridge {
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}
	return &Bridge{
		log:       log,
		cfg:       cfg,
		endpoints: make(map[stack.ConnID]*endpoint),
	}
}

// SetStateCallback registers cb for endpoint lifecycle changes, nil to
// unregister. Set it before the transport manager starts.
func (b *Bridge) SetStateCallback(cb StateCallback) {
	b.mu.Lock()
	b.stateCb = cb
	b.mu.Unlock()
}

// TransportOpened attaches the session to its connection's endpoint,
// creating the PTY pair on the slot's first session.
func (b *Bridge) TransportOpened(t *ppog.Conn) { b.attach(t) }

// TransportClosed parks the endpoint. The tty stays open so a reset or
// rediscovery resumes on the same device path.
func (b *Bridge) TransportClosed(t *ppog.Conn, err error) { b.detach(t, err) }

// HandleData queues delivered stream bytes for the tty.
func (b *Bridge) HandleData(t *ppog.Conn, data []byte) { b.pushToTTY(t, data) }

// ReadyToSend resumes an endpoint stalled on a full send buffer.
func (b *Bridge) ReadyToSend(t *ppog.Conn) { b.wakeSender(t) }

var _ ppog.Uplink = (*Bridge)(nil)

func (b *Bridge) attach(t transport) {
	conn := t.ConnID()
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	e := b.endpoints[conn]
	if e == nil {
		var err error
		e, err = b.newEndpointLocked(conn)
		if err != nil {
			b.mu.Unlock()
			b.log.WithError(err).WithField("conn", conn).Error("PTY endpoint creation failed, session left unbridged")
			return
		}
		b.endpoints[conn] = e
	}
	cb := b.stateCb
	b.mu.Unlock()

	e.attach(t)
	b.log.WithFields(logrus.Fields{
		"conn": conn,
		"tty":  e.ttyName,
	}).Info("Transport session attached to tty")
	if cb != nil {
		cb(SessionState{Conn: conn, TTYName: e.ttyName, Symlink: e.symlink, Phase: PhaseOpen})
	}
}

// newEndpointLocked opens the PTY pair and starts its pumps. The configured
// symlink goes to whichever endpoint claims it first.
func (b *Bridge) newEndpointLocked(conn stack.ConnID) (*endpoint, error) {
	e, err := newEndpoint(b, conn)
	if err != nil {
		return nil, err
	}
	if b.cfg.SymlinkPath != "" && b.symlinkOwner == 0 {
		if err := os.Symlink(e.ttyName, b.cfg.SymlinkPath); err != nil {
			b.log.WithError(err).WithField("symlink", b.cfg.SymlinkPath).Warn("Failed to create tty symlink")
		} else {
			e.symlink = b.cfg.SymlinkPath
			b.symlinkOwner = conn
			b.log.WithFields(logrus.Fields{
				"symlink": e.symlink,
				"target":  e.ttyName,
			}).Info("Created tty symlink")
		}
	}
	e.start()
	return e, nil
}

func (b *Bridge) detach(t transport, cause error) {
	conn := t.ConnID()
	b.mu.Lock()
	e := b.endpoints[conn]
	cb := b.stateCb
	b.mu.Unlock()
	if e == nil || !e.detach(t) {
		return
	}
	b.log.WithFields(logrus.Fields{
		"conn":  conn,
		"tty":   e.ttyName,
		"cause": cause,
	}).Info("Transport session detached from tty")
	if cb != nil {
		cb(SessionState{Conn: conn, TTYName: e.ttyName, Symlink: e.symlink, Phase: PhaseParked})
	}
}

func (b *Bridge) pushToTTY(t transport, data []byte) {
	b.mu.Lock()
	e := b.endpoints[t.ConnID()]
	b.mu.Unlock()
	if e == nil {
		return
	}
	e.queueToTTY(data)
}

func (b *Bridge) wakeSender(t transport) {
	b.mu.Lock()
	e := b.endpoints[t.ConnID()]
	b.mu.Unlock()
	if e == nil {
		return
	}
	e.wake()
}

// Close destroys every endpoint: symlinks removed, PTY pairs closed, pump
// goroutines stopped. The sessions themselves still belong to the transport
// manager and are untouched.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	eps := make([]*endpoint, 0, len(b.endpoints))
	for _, e := range b.endpoints {
		eps = append(eps, e)
	}
	b.endpoints = make(map[stack.ConnID]*endpoint)
	cb := b.stateCb
	b.mu.Unlock()

	for _, e := range eps {
		e.destroy()
		if cb != nil {
			cb(SessionState{Conn: e.conn, TTYName: e.ttyName, Symlink: e.symlink, Phase: PhaseClosed})
		}
	}

	done := make(chan struct{})
	groutine.Go(context.Background(), "ptybridge-close-wait", func(ctx context.Context) {
		for _, e := range eps {
			e.wg.Wait()
		}
		close(done)
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		b.log.Error("Bridge close timed out waiting for pump goroutines; they exit on their next poll wakeup")
	}
	return nil
}

// SessionInfo describes one live endpoint.
type SessionInfo struct {
	Conn     stack.ConnID
	TTYName  string
	Symlink  string
	Attached bool
}

// Sessions lists the bridge's endpoints.
func (b *Bridge) Sessions() []SessionInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]SessionInfo, 0, len(b.endpoints))
	for _, e := range b.endpoints {
		out = append(out, SessionInfo{
			Conn:     e.conn,
			TTYName:  e.ttyName,
			Symlink:  e.symlink,
			Attached: e.attachedNow(),
		})
	}
	return out
}

// Stats is a point-in-time census of the bridge.
type Stats struct {
	Endpoints int
	Attached  int
	// ToTTYBytes were written to PTY masters; FromTTYBytes were accepted by
	// transport send buffers.
	ToTTYBytes   uint64
	FromTTYBytes uint64
	// DroppedToTTY counts stream bytes discarded because an endpoint's tty
	// ring was full.
	DroppedToTTY uint64
	// SendStalls counts full-send-buffer waits on the tty-to-stream path.
	SendStalls uint64
}

func (b *Bridge) Stats() Stats {
	b.mu.Lock()
	st := Stats{Endpoints: len(b.endpoints)}
	for _, e := range b.endpoints {
		if e.attachedNow() {
			st.Attached++
		}
	}
	b.mu.Unlock()
	st.ToTTYBytes = b.toTTY.Load()
	st.FromTTYBytes = b.fromTTY.Load()
	st.DroppedToTTY = b.droppedTTY.Load()
	st.SendStalls = b.stalls.Load()
	return st
}
