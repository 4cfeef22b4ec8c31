package ptybridge

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/gattlink/internal/ppog"
	"github.com/srg/gattlink/internal/stack"
	"github.com/srg/gattlink/internal/testutils"
	"github.com/srg/gattlink/pkg/config"
)

const (
	waitFor  = 3 * time.Second
	pollTick = 2 * time.Millisecond
)

// fakeTransport implements the bridge-facing slice of a session handle with
// a controllable send window.
type fakeTransport struct {
	mu       sync.Mutex
	conn     stack.ConnID
	accepted []byte
	free     int
	closed   bool
}

func newFakeTransport(conn stack.ConnID) *fakeTransport {
	return &fakeTransport{conn: conn, free: 1 << 20}
}

func (f *fakeTransport) ConnID() stack.ConnID { return f.conn }

func (f *fakeTransport) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, ppog.ErrClosed
	}
	n := len(p)
	if n > f.free {
		n = f.free
	}
	f.accepted = append(f.accepted, p[:n]...)
	f.free -= n
	if n < len(p) {
		return n, ppog.ErrSendBufferFull
	}
	return n, nil
}

func (f *fakeTransport) bytes() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.accepted...)
}

func (f *fakeTransport) setFree(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.free = n
}

func (f *fakeTransport) addFree(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.free += n
}

func newTestBridge(t *testing.T, mut func(*config.BridgeConfig)) *Bridge {
	t.Helper()
	cfg := config.DefaultConfig().Bridge
	cfg.PollTimeout = 10 * time.Millisecond
	if mut != nil {
		mut(&cfg)
	}
	b := New(cfg, testutils.NewTestHelper(t).Logger)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func ttyOf(t *testing.T, b *Bridge, conn stack.ConnID) string {
	t.Helper()
	for _, s := range b.Sessions() {
		if s.Conn == conn {
			return s.TTYName
		}
	}
	t.Fatalf("no endpoint for conn %d", conn)
	return ""
}

// openSlave opens the endpoint's tty the way external tooling would.
func openSlave(t *testing.T, name string) *os.File {
	t.Helper()
	f, err := os.OpenFile(name, os.O_RDWR|syscall.O_NONBLOCK, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

// slaveRead collects exactly want bytes from the tty, tolerating both
// poller-backed and raw nonblocking read behavior.
func slaveRead(t *testing.T, f *os.File, want int) []byte {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	out := make([]byte, 0, want)
	buf := make([]byte, ioChunk)
	for len(out) < want && time.Now().Before(deadline) {
		_ = f.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		n, err := f.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
			continue
		}
		if err != nil {
			if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK) ||
				errors.Is(err, os.ErrDeadlineExceeded) {
				time.Sleep(pollTick)
				continue
			}
			require.NoError(t, err, "tty read")
		}
	}
	require.Len(t, out, want, "tty output")
	return out
}

func TestStreamBytesComeOutOfTheTTY(t *testing.T) {
	b := newTestBridge(t, nil)
	ft := newFakeTransport(1)
	b.attach(ft)

	sessions := b.Sessions()
	require.Len(t, sessions, 1)
	require.NotEmpty(t, sessions[0].TTYName)
	assert.True(t, sessions[0].Attached)

	sw := openSlave(t, sessions[0].TTYName)
	payload := []byte("hello from the watch")
	b.pushToTTY(ft, payload)

	got := slaveRead(t, sw, len(payload))
	assert.Equal(t, payload, got)

	require.Eventually(t, func() bool {
		return b.Stats().ToTTYBytes == uint64(len(payload))
	}, waitFor, pollTick, "tty byte counter never settled")
	st := b.Stats()
	assert.Equal(t, 1, st.Endpoints)
	assert.Equal(t, 1, st.Attached)
	assert.Zero(t, st.DroppedToTTY)
}

func TestTTYInputReachesTheStream(t *testing.T) {
	b := newTestBridge(t, nil)
	ft := newFakeTransport(1)
	b.attach(ft)

	sw := openSlave(t, ttyOf(t, b, 1))
	payload := []byte("AT+TEST\r")
	_, err := sw.Write(payload)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(ft.bytes()) == len(payload)
	}, waitFor, pollTick, "tty input never reached the transport")
	assert.Equal(t, payload, ft.bytes())
	require.Eventually(t, func() bool {
		return b.Stats().FromTTYBytes == uint64(len(payload))
	}, waitFor, pollTick, "stream byte counter never settled")
}

// Raw mode must keep the line discipline from echoing stream output back
// into the stream input.
func TestRawModeBlocksEchoLoop(t *testing.T) {
	b := newTestBridge(t, nil)
	ft := newFakeTransport(1)
	b.attach(ft)

	b.pushToTTY(ft, []byte("output only\n"))
	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, ft.bytes())
}

func TestSendBufferBackpressure(t *testing.T) {
	b := newTestBridge(t, nil)
	ft := newFakeTransport(1)
	ft.setFree(4)
	b.attach(ft)

	sw := openSlave(t, ttyOf(t, b, 1))
	_, err := sw.Write([]byte("0123456789"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return string(ft.bytes()) == "0123"
	}, waitFor, pollTick, "short accept never happened")
	require.Eventually(t, func() bool {
		return b.Stats().SendStalls >= 1
	}, waitFor, pollTick, "stall was not recorded")

	ft.addFree(1 << 20)
	b.wakeSender(ft)

	require.Eventually(t, func() bool {
		return string(ft.bytes()) == "0123456789"
	}, waitFor, pollTick, "remainder never flushed after ready")
}

func TestParkAndResumeKeepsTheTTY(t *testing.T) {
	b := newTestBridge(t, nil)
	ft1 := newFakeTransport(1)
	b.attach(ft1)
	name := ttyOf(t, b, 1)
	sw := openSlave(t, name)

	require.True(t, b.Sessions()[0].Attached)
	b.detach(ft1, errors.New("stream reset"))
	require.False(t, b.Sessions()[0].Attached)

	// Let the reader observe the park before feeding the tty, then the
	// kernel buffer holds the bytes until a session returns.
	time.Sleep(50 * time.Millisecond)
	parked := []byte("typed while parked")
	_, err := sw.Write(parked)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, ft1.bytes())

	ft2 := newFakeTransport(1)
	b.attach(ft2)
	assert.Equal(t, name, ttyOf(t, b, 1), "endpoint must survive the reset")

	require.Eventually(t, func() bool {
		return len(ft2.bytes()) == len(parked)
	}, waitFor, pollTick, "parked bytes never resumed")
	assert.Equal(t, parked, ft2.bytes())
	assert.Empty(t, ft1.bytes())
}

func TestSecondSessionGetsItsOwnTTY(t *testing.T) {
	b := newTestBridge(t, nil)
	ft1 := newFakeTransport(1)
	ft2 := newFakeTransport(2)
	b.attach(ft1)
	b.attach(ft2)

	require.Len(t, b.Sessions(), 2)
	name1, name2 := ttyOf(t, b, 1), ttyOf(t, b, 2)
	require.NotEqual(t, name1, name2)

	sw1 := openSlave(t, name1)
	sw2 := openSlave(t, name2)

	b.pushToTTY(ft1, []byte("one"))
	b.pushToTTY(ft2, []byte("two"))
	assert.Equal(t, []byte("one"), slaveRead(t, sw1, 3))
	assert.Equal(t, []byte("two"), slaveRead(t, sw2, 3))

	_, err := sw1.Write([]byte("A"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(ft1.bytes()) == 1
	}, waitFor, pollTick)
	assert.Equal(t, []byte("A"), ft1.bytes())
	assert.Empty(t, ft2.bytes())
}

func TestSymlinkLifecycle(t *testing.T) {
	link := filepath.Join(t.TempDir(), "watch-tty")
	b := newTestBridge(t, func(cfg *config.BridgeConfig) {
		cfg.SymlinkPath = link
	})

	ft1 := newFakeTransport(1)
	b.attach(ft1)
	require.Equal(t, link, b.Sessions()[0].Symlink)
	target, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, ttyOf(t, b, 1), target)

	// Only the first endpoint claims the configured path.
	ft2 := newFakeTransport(2)
	b.attach(ft2)
	for _, s := range b.Sessions() {
		if s.Conn == 2 {
			assert.Empty(t, s.Symlink)
		}
	}

	require.NoError(t, b.Close())
	_, err = os.Lstat(link)
	assert.True(t, os.IsNotExist(err), "symlink must be removed on close")
}

func TestTTYRingOverflowDrops(t *testing.T) {
	b := newTestBridge(t, func(cfg *config.BridgeConfig) {
		cfg.TTYBufferSize = 16
	})
	ft := newFakeTransport(1)
	b.attach(ft)
	sw := openSlave(t, ttyOf(t, b, 1))

	payload := make([]byte, 64)
	for i := range payload {
		payload[i] = byte('a' + i%26)
	}
	b.pushToTTY(ft, payload)

	assert.Equal(t, payload[:16], slaveRead(t, sw, 16))
	assert.Equal(t, uint64(48), b.Stats().DroppedToTTY)
}

func TestStateCallbackPhases(t *testing.T) {
	b := newTestBridge(t, nil)
	var mu sync.Mutex
	var states []SessionState
	b.SetStateCallback(func(st SessionState) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	})

	ft1 := newFakeTransport(3)
	b.attach(ft1)
	b.detach(ft1, errors.New("stream reset"))
	ft2 := newFakeTransport(3)
	b.attach(ft2)
	require.NoError(t, b.Close())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, states, 4)
	phases := []string{states[0].Phase, states[1].Phase, states[2].Phase, states[3].Phase}
	assert.Equal(t, []string{PhaseOpen, PhaseParked, PhaseOpen, PhaseClosed}, phases)
	for _, st := range states {
		assert.Equal(t, stack.ConnID(3), st.Conn)
		assert.Equal(t, states[0].TTYName, st.TTYName)
		assert.NotEmpty(t, st.TTYName)
	}
}

func TestCloseIsIdempotentAndFinal(t *testing.T) {
	b := newTestBridge(t, nil)
	ft := newFakeTransport(1)
	b.attach(ft)
	require.Len(t, b.Sessions(), 1)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.Empty(t, b.Sessions())
	assert.Zero(t, b.Stats().Endpoints)

	b.attach(newFakeTransport(2))
	assert.Empty(t, b.Sessions(), "closed bridge must not open endpoints")
}
