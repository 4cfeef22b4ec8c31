package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/srg/gattlink/internal/groutine"
	"github.com/srg/gattlink/internal/ppog"
)

// exitKey leaves interactive mode. Raw mode swallows the usual Ctrl+C
// signal, so an escape byte is scanned out of the input instead.
const exitKey = 0x1d // Ctrl+]

// stdioBridge pumps one stream session to the process's own terminal: stream
// bytes to stdout, stdin bytes to the stream. While no session is attached,
// input stays unread in the terminal buffer and is forwarded once one opens.
type stdioBridge struct {
	log    *logrus.Logger
	phase  func(string)
	cancel func()

	// raw is set before the transport starts and read-only afterwards.
	raw bool

	mu       sync.Mutex
	conn     *ppog.Conn
	attached chan struct{} // closed while a session is attached
	ready    chan struct{} // pulsed on attach, detach and send-space
	quit     chan struct{}
	closed   bool
}

func newStdioBridge(log *logrus.Logger, phase func(string), cancel func()) *stdioBridge {
	return &stdioBridge{
		log:      log,
		phase:    phase,
		cancel:   cancel,
		attached: make(chan struct{}),
		ready:    make(chan struct{}, 1),
		quit:     make(chan struct{}),
	}
}

// start spawns the stdin pump. The pump can outlive Close when it sits in a
// blocking stdin read; process exit reaps it.
func (b *stdioBridge) start(ctx context.Context) {
	groutine.Go(ctx, "stdio-input", func(context.Context) { b.inputLoop() })
}

// Close stops forwarding. Terminal state is the command's to restore.
func (b *stdioBridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	close(b.quit)
}

// ----------------------------------------------------------------------------
// Uplink surface, driven by the transport worker
// ----------------------------------------------------------------------------

func (b *stdioBridge) TransportOpened(t *ppog.Conn) {
	b.mu.Lock()
	b.conn = t
	select {
	case <-b.attached:
	default:
		close(b.attached)
	}
	b.mu.Unlock()
	b.wake()

	b.phase("Attached")
	if b.raw {
		b.notef("Connected: protocol v%d, app %s. Leave with Ctrl+].", t.Version(), t.Meta().AppKind())
	} else {
		b.notef("Connected: protocol v%d, app %s.", t.Version(), t.Meta().AppKind())
	}
}

func (b *stdioBridge) TransportClosed(t *ppog.Conn, err error) {
	b.mu.Lock()
	if b.conn == t {
		b.conn = nil
		b.attached = make(chan struct{})
	}
	b.mu.Unlock()
	b.wake()
	b.notef("Stream detached (%v), waiting for it to come back", err)
}

func (b *stdioBridge) HandleData(t *ppog.Conn, data []byte) {
	_, _ = os.Stdout.Write(data)
}

func (b *stdioBridge) ReadyToSend(t *ppog.Conn) { b.wake() }

var _ ppog.Uplink = (*stdioBridge)(nil)

// ----------------------------------------------------------------------------
// Input pump
// ----------------------------------------------------------------------------

func (b *stdioBridge) inputLoop() {
	buf := make([]byte, 1024)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			data := buf[:n]
			if b.raw {
				if i := bytes.IndexByte(data, exitKey); i >= 0 {
					b.send(data[:i])
					b.notef("Leaving interactive mode")
					b.cancel()
					return
				}
			}
			if !b.send(data) {
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				b.log.WithError(err).Warn("Stdin read failed, input forwarding stopped")
			}
			// Output keeps flowing; only input ends here.
			return
		}
	}
}

// send forwards data to the attached session, waiting out full send buffers
// and detached spells. It returns false when the bridge is shutting down.
func (b *stdioBridge) send(data []byte) bool {
	for len(data) > 0 {
		t := b.current()
		if t == nil {
			return false
		}
		n, err := t.Write(data)
		data = data[n:]
		switch {
		case err == nil:
		case errors.Is(err, ppog.ErrSendBufferFull):
			if !b.awaitWake() {
				return false
			}
		case errors.Is(err, ppog.ErrClosed), errors.Is(err, ppog.ErrNotOpen):
			// The session went away mid-chunk. current() blocks until the
			// next open epoch and the remainder goes there.
		default:
			b.log.WithError(err).Warn("Stream write failed, input dropped")
			return true
		}
	}
	return true
}

// current returns the attached session, blocking while detached. nil means
// shutdown.
func (b *stdioBridge) current() *ppog.Conn {
	for {
		b.mu.Lock()
		t, attached := b.conn, b.attached
		b.mu.Unlock()
		if t != nil {
			return t
		}
		select {
		case <-b.quit:
			return nil
		case <-attached:
		}
	}
}

func (b *stdioBridge) awaitWake() bool {
	select {
	case <-b.quit:
		return false
	case <-b.ready:
		return true
	}
}

func (b *stdioBridge) wake() {
	select {
	case b.ready <- struct{}{}:
	default:
	}
}

// notef prints a status line to stderr, carriage-returning explicitly in raw
// mode where the line discipline no longer does it.
func (b *stdioBridge) notef(format string, args ...any) {
	eol := "\n"
	if b.raw {
		eol = "\r\n"
	}
	fmt.Fprintf(os.Stderr, format+eol, args...)
}
