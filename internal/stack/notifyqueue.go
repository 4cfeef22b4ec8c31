package stack

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/smallnest/ringbuffer"
)

// notifyHeader describes one buffered notification. Headers are tracked out
// of band; the ring carries only payload bytes.
type notifyHeader struct {
	Conn   ConnID
	Ref    Ref
	Length int
}

// notifyBuffer is one client's notification queue. It has its own mutex so
// the consuming client can drain without the stack mutex; producers holding
// the stack mutex must never wait on it (lock order is stack before buffer).
type notifyBuffer struct {
	mu      sync.Mutex
	ring    *ringbuffer.RingBuffer
	headers []notifyHeader
	// eventOut is true while a DataPending event is outstanding for the
	// owning client.
	eventOut bool

	// space is signaled after every consume so blocked producers retry.
	// The freed amount is not tracked per waiter; waiters re-check.
	space chan struct{}

	dropped atomic.Uint64
}

func newNotifyBuffer(capacity int) *notifyBuffer {
	return &notifyBuffer{
		ring:  ringbuffer.New(capacity),
		space: make(chan struct{}, 1),
	}
}

// push queues one notification. wait permits a bounded wait for free space
// and must only be true when the caller does not hold the stack mutex. The
// returned emit flag tells the caller to send a DataPending event; at most
// one is outstanding until the buffer drains.
func (b *notifyBuffer) push(h notifyHeader, payload []byte, wait bool, timeout time.Duration) (queued, emit bool) {
	deadline := time.Now().Add(timeout)

	b.mu.Lock()
	for b.ring.Free() < len(payload) {
		if !wait {
			b.mu.Unlock()
			b.dropped.Add(1)
			return false, false
		}
		remain := time.Until(deadline)
		if remain <= 0 {
			b.mu.Unlock()
			b.dropped.Add(1)
			return false, false
		}
		b.mu.Unlock()

		t := time.NewTimer(remain)
		select {
		case <-b.space:
			t.Stop()
		case <-t.C:
		}
		b.mu.Lock()
	}

	// Free space was checked above, so the ring accepts the whole payload.
	if len(payload) > 0 {
		if _, err := b.ring.Write(payload); err != nil {
			b.mu.Unlock()
			panic("notify buffer write failed after free-space check: " + err.Error())
		}
	}
	b.headers = append(b.headers, h)
	emit = !b.eventOut
	b.eventOut = true
	b.mu.Unlock()
	return true, emit
}

// peek returns the oldest header without consuming it.
func (b *notifyBuffer) peek() (notifyHeader, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.headers) == 0 {
		return notifyHeader{}, false
	}
	return b.headers[0], true
}

// consume copies the oldest payload into dst and advances the buffer. dst
// must be exactly the length peek reported; a mismatch is a caller bug and
// panics. Returns whether more notifications remain. Consuming the last one
// clears the DataPending latch.
func (b *notifyBuffer) consume(dst []byte) bool {
	b.mu.Lock()
	if len(b.headers) == 0 {
		b.mu.Unlock()
		panic("consume on empty notify buffer")
	}
	h := b.headers[0]
	if len(dst) != h.Length {
		b.mu.Unlock()
		panic("consume length does not match pending notification")
	}
	if len(dst) > 0 {
		if _, err := b.ring.Read(dst); err != nil {
			b.mu.Unlock()
			panic("notify buffer read failed: " + err.Error())
		}
	}
	b.headers = b.headers[1:]
	more := len(b.headers) > 0
	if !more {
		b.eventOut = false
		b.headers = nil
	}
	b.mu.Unlock()

	select {
	case b.space <- struct{}{}:
	default:
	}
	return more
}

// depth reports queued notification count, for diagnostics.
func (b *notifyBuffer) depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.headers)
}

// droppedCount reports notifications dropped for lack of space.
func (b *notifyBuffer) droppedCount() uint64 {
	return b.dropped.Load()
}
