package ptybridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/srg/gattlink/internal/groutine"
	"github.com/srg/gattlink/internal/ppog"
	"github.com/srg/gattlink/internal/stack"
)

// ioChunk is the working buffer size for both pump directions.
const ioChunk = 4096

// endpoint is one connection slot's PTY pair plus two pump goroutines.
//
// The tty-bound direction is buffered by a ring so the transport worker
// never blocks on the terminal; those bytes were already acknowledged, so
// the writer keeps flushing them even while the session is parked. The
// stream-bound direction reads the master directly and leans on the kernel
// tty buffer for backpressure while parked or stalled.
type endpoint struct {
	b       *Bridge
	log     *logrus.Logger
	conn    stack.ConnID
	master  *os.File
	slave   *os.File
	ttyName string
	symlink string
	pollMs  int

	txRing *ringbuffer.RingBuffer // stream bytes headed for the tty
	txWake chan struct{}
	ready  chan struct{}

	mu       sync.Mutex
	tr       transport
	attached chan struct{} // closed while a transport is attached

	quit      chan struct{}
	destroyed atomic.Bool
	wg        sync.WaitGroup
}

func newEndpoint(b *Bridge, conn stack.ConnID) (*endpoint, error) {
	master, slave, err := openRawPTY()
	if err != nil {
		return nil, err
	}
	pollMs := int(b.cfg.PollTimeout / time.Millisecond)
	if pollMs < 1 {
		pollMs = 1
	}
	return &endpoint{
		b:      b,
		log:    b.log,
		conn:   conn,
		master: master,
		// The slave stays open for the endpoint's lifetime so the device
		// node survives external tooling closing and reopening it.
		slave:    slave,
		ttyName:  slave.Name(),
		pollMs:   pollMs,
		txRing:   ringbuffer.New(b.cfg.TTYBufferSize),
		txWake:   make(chan struct{}, 1),
		ready:    make(chan struct{}, 1),
		attached: make(chan struct{}),
		quit:     make(chan struct{}),
	}, nil
}

func (e *endpoint) start() {
	e.wg.Add(2)
	groutine.Go(context.Background(), "ptybridge-tty-write", func(ctx context.Context) {
		defer e.wg.Done()
		e.writeLoop()
	})
	groutine.Go(context.Background(), "ptybridge-tty-read", func(ctx context.Context) {
		defer e.wg.Done()
		e.readLoop()
	})
}

// attach binds t and wakes the pumps. Reattaching after a park reuses the
// same tty, so a protocol reset is invisible to whoever holds the slave.
func (e *endpoint) attach(t transport) {
	e.mu.Lock()
	if e.tr != nil && e.tr != t {
		e.log.WithField("conn", e.conn).Warn("Endpoint attach superseding a live transport")
	}
	e.tr = t
	select {
	case <-e.attached:
	default:
		close(e.attached)
	}
	e.mu.Unlock()
	e.wake()
}

// detach parks the endpoint if t is the attached transport. Bytes read from
// the tty but not yet accepted die with the stream; tty-bound bytes already
// ringed still flush.
func (e *endpoint) detach(t transport) bool {
	e.mu.Lock()
	if e.tr != t {
		e.mu.Unlock()
		return false
	}
	e.tr = nil
	e.attached = make(chan struct{})
	e.mu.Unlock()
	e.wake()
	return true
}

// current returns the attached transport, or nil plus a channel that closes
// on the next attach.
func (e *endpoint) current() (transport, <-chan struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tr, e.attached
}

func (e *endpoint) attachedNow() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tr != nil
}

// wake pulses the ready channel; a stalled sender re-checks its world.
func (e *endpoint) wake() {
	select {
	case e.ready <- struct{}{}:
	default:
	}
}

// queueToTTY buffers delivered stream bytes for the terminal. The ring
// accepts what fits; the excess is dropped and counted rather than stalling
// the transport worker.
func (e *endpoint) queueToTTY(data []byte) {
	if len(data) == 0 {
		return
	}
	written, err := e.txRing.Write(data)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) && !errors.Is(err, ringbuffer.ErrTooMuchDataToWrite) {
		e.log.WithError(err).WithField("conn", e.conn).Warn("tty ring write failed")
		return
	}
	if written < len(data) {
		dropped := len(data) - written
		e.b.droppedTTY.Add(uint64(dropped))
		e.log.WithFields(logrus.Fields{
			"conn":    e.conn,
			"dropped": dropped,
		}).Warn("tty ring overflow, stream bytes discarded")
	}
	if written > 0 {
		select {
		case e.txWake <- struct{}{}:
		default:
		}
	}
}

// writeLoop drains the tty ring into the PTY master. EAGAIN waits for
// POLLOUT; any other write error means the pty is gone.
func (e *endpoint) writeLoop() {
	fd := int32(e.master.Fd())
	pollFd := []unix.PollFd{{Fd: fd, Events: unix.POLLOUT}}
	buf := make([]byte, ioChunk)

	for {
		if e.txRing.IsEmpty() {
			select {
			case <-e.quit:
				return
			case <-e.txWake:
			}
		}

		n, err := e.txRing.TryRead(buf)
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			e.log.WithError(err).WithField("conn", e.conn).Warn("tty ring read failed")
			continue
		}
		if n == 0 {
			continue
		}

		offset := 0
		for offset < n {
			written, werr := e.master.Write(buf[offset:n])
			if written > 0 {
				offset += written
				e.b.toTTY.Add(uint64(written))
			}
			if werr == nil {
				continue
			}
			switch {
			case errors.Is(werr, syscall.EINTR):
			case errors.Is(werr, syscall.EAGAIN):
				if _, perr := unix.Poll(pollFd, e.pollMs); perr != nil && !errors.Is(perr, syscall.EINTR) {
					e.log.WithError(perr).WithField("tty", e.ttyName).Warn("tty poll failed")
				}
				select {
				case <-e.quit:
					return
				default:
				}
			default:
				e.logLoopExit("tty write loop", werr)
				return
			}
		}
	}
}

// readLoop pulls bytes written into the tty and feeds them to the attached
// transport. While parked it sleeps; the kernel tty buffer holds whatever
// external tooling writes in the meantime.
func (e *endpoint) readLoop() {
	fd := int32(e.master.Fd())
	pollFd := []unix.PollFd{{Fd: fd, Events: unix.POLLIN}}
	buf := make([]byte, ioChunk)

	for {
		t, attached := e.current()
		if t == nil {
			select {
			case <-e.quit:
				return
			case <-attached:
			}
			continue
		}

		nReady, err := unix.Poll(pollFd, e.pollMs)
		if err != nil && !errors.Is(err, syscall.EINTR) {
			e.log.WithError(err).WithField("tty", e.ttyName).Warn("tty poll failed")
		}
		select {
		case <-e.quit:
			return
		default:
		}
		if nReady == 0 {
			continue
		}

		n, rerr := e.master.Read(buf)
		if n > 0 {
			e.feed(t, buf[:n])
		}
		if rerr != nil && !errors.Is(rerr, syscall.EAGAIN) && !errors.Is(rerr, syscall.EINTR) {
			e.logLoopExit("tty read loop", rerr)
			return
		}
	}
}

// feed pushes p onto the stream, waiting out full send buffers. Bytes still
// unqueued when the session dies are dropped along with the stream they
// belonged to.
func (e *endpoint) feed(t transport, p []byte) {
	for len(p) > 0 {
		n, err := t.Write(p)
		if n > 0 {
			e.b.fromTTY.Add(uint64(n))
			p = p[n:]
		}
		if err == nil {
			continue
		}
		if !errors.Is(err, ppog.ErrSendBufferFull) {
			return
		}
		e.b.stalls.Add(1)
		if !e.awaitSpace(t) {
			return
		}
	}
}

// awaitSpace blocks until a ready pulse arrives, the endpoint quits, or the
// transport changes under us.
func (e *endpoint) awaitSpace(t transport) bool {
	recheck := time.Duration(e.pollMs) * time.Millisecond
	for {
		timer := time.NewTimer(recheck)
		select {
		case <-e.quit:
			timer.Stop()
			return false
		case <-e.ready:
			timer.Stop()
			return true
		case <-timer.C:
		}
		if cur, _ := e.current(); cur != t {
			return false
		}
	}
}

// destroy removes the symlink, stops the pumps, and closes the pty pair.
// Symlink removal comes first so nothing resolves it to a dying device.
func (e *endpoint) destroy() {
	if !e.destroyed.CompareAndSwap(false, true) {
		return
	}
	if e.symlink != "" {
		if err := os.Remove(e.symlink); err != nil {
			e.log.WithError(err).WithField("symlink", e.symlink).Warn("Failed to remove tty symlink")
		}
	}
	close(e.quit)
	if err := e.master.Close(); err != nil {
		e.log.WithError(err).WithField("tty", e.ttyName).Warn("Failed to close pty master")
	}
	if err := e.slave.Close(); err != nil {
		e.log.WithError(err).WithField("tty", e.ttyName).Warn("Failed to close pty slave")
	}
}

func (e *endpoint) logLoopExit(loop string, err error) {
	if e.destroyed.Load() {
		e.log.WithField("tty", e.ttyName).Debugf("%s exiting: endpoint destroyed", loop)
		return
	}
	e.log.WithError(err).WithField("tty", e.ttyName).Warnf("%s exiting", loop)
}

// openRawPTY creates a master/slave pair, puts the slave in raw mode, and
// makes the master nonblocking for the poll-driven pumps. Raw mode keeps the
// line discipline from echoing stream bytes straight back onto the stream.
func openRawPTY() (master, slave *os.File, err error) {
	master, slave, err = pty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open pty pair (check permissions and available pty devices): %w", err)
	}
	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		name := slave.Name()
		_ = master.Close()
		_ = slave.Close()
		return nil, nil, fmt.Errorf("failed to set %s to raw mode: %w", name, err)
	}
	if err := syscall.SetNonblock(int(master.Fd()), true); err != nil {
		name := slave.Name()
		_ = master.Close()
		_ = slave.Close()
		return nil, nil, fmt.Errorf("failed to set pty master for %s to nonblocking mode: %w", name, err)
	}
	return master, slave, nil
}
