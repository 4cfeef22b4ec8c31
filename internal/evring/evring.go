// Package evring provides a bounded channel-like ring used for per-client
// event queues. Producers (the stack, running under its own lock or on a
// driver goroutine) must never block on a slow consumer, so a full ring
// discards the oldest element and counts the overwrite.
package evring

import "sync/atomic"

// Ring is a bounded buffer with overwrite-oldest semantics.
//
// Writers use Send (drop oldest when full) or TrySend (fail when full).
// Readers use C() for a plain <-chan T, or Receive/TryReceive when the
// Processed metric should be maintained.
type Ring[T any] struct {
	ch      chan T
	metrics Metrics
}

// New creates a Ring with the given capacity. Capacity must be positive;
// a zero-capacity event queue would deadlock its producer by definition.
func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		panic("evring: capacity must be > 0")
	}
	return &Ring[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel.
//
// Reads via C() bypass the Processed metric; use Receive/TryReceive when
// that counter matters.
func (r *Ring[T]) C() <-chan T {
	return r.ch
}

// Send inserts an item, discarding the oldest element if the ring is full.
// It never blocks indefinitely.
func (r *Ring[T]) Send(v T) {
	select {
	case r.ch <- v:
		r.metrics.addWritten(1)
	default:
		select {
		case <-r.ch: // drop oldest
			r.metrics.addOverwritten(1)
		default:
		}
		r.ch <- v
		r.metrics.addWritten(1)
	}
}

// TrySend attempts to insert without blocking.
// Returns false if the ring is full.
func (r *Ring[T]) TrySend(v T) bool {
	select {
	case r.ch <- v:
		r.metrics.addWritten(1)
		return true
	default:
		return false
	}
}

// Receive blocks until a value is available or the ring is closed.
func (r *Ring[T]) Receive() (v T, ok bool) {
	v, ok = <-r.ch
	if ok {
		r.metrics.addProcessed(1)
	}
	return
}

// TryReceive attempts a non-blocking receive.
// Returns (zero, false) if no value is ready.
func (r *Ring[T]) TryReceive() (v T, ok bool) {
	select {
	case v, ok = <-r.ch:
		if ok {
			r.metrics.addProcessed(1)
		}
		return
	default:
		var zero T
		return zero, false
	}
}

// Len returns the number of buffered elements.
func (r *Ring[T]) Len() int {
	return len(r.ch)
}

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int {
	return cap(r.ch)
}

// Close closes the underlying channel. After this, Send panics.
func (r *Ring[T]) Close() {
	close(r.ch)
}

// Snapshot returns a copy of the current metric values.
func (r *Ring[T]) Snapshot() Metrics {
	return Metrics{
		Processed:   atomic.LoadInt64(&r.metrics.Processed),
		Written:     atomic.LoadInt64(&r.metrics.Written),
		Overwritten: atomic.LoadInt64(&r.metrics.Overwritten),
	}
}

// Metrics tracks ring activity with atomic counters.
type Metrics struct {
	Processed   int64
	Written     int64
	Overwritten int64
}

func (m *Metrics) addProcessed(n int) {
	atomic.AddInt64(&m.Processed, int64(n))
}

func (m *Metrics) addWritten(n int) {
	atomic.AddInt64(&m.Written, int64(n))
}

func (m *Metrics) addOverwritten(n int) {
	atomic.AddInt64(&m.Overwritten, int64(n))
}
