package stack

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pushNow(b *notifyBuffer, payload []byte) (queued, emit bool) {
	return b.push(notifyHeader{Length: len(payload)}, payload, false, 0)
}

func TestNotifyBufferOrder(t *testing.T) {
	b := newNotifyBuffer(64)

	payloads := [][]byte{{0x01}, {0x02, 0x03}, {0x04, 0x05, 0x06}}
	for _, p := range payloads {
		queued, _ := pushNow(b, p)
		require.True(t, queued)
	}
	assert.Equal(t, 3, b.depth())

	for i, want := range payloads {
		h, ok := b.peek()
		require.True(t, ok)
		assert.Equal(t, len(want), h.Length)

		dst := make([]byte, h.Length)
		more := b.consume(dst)
		assert.Equal(t, want, dst)
		assert.Equal(t, i < len(payloads)-1, more)
	}

	_, ok := b.peek()
	assert.False(t, ok)
	assert.Zero(t, b.depth())
}

func TestNotifyBufferEmitLatch(t *testing.T) {
	b := newNotifyBuffer(64)

	_, emit := pushNow(b, []byte{1})
	assert.True(t, emit, "first arrival raises the event")
	_, emit = pushNow(b, []byte{2})
	assert.False(t, emit, "the latch holds while undrained")

	b.consume(make([]byte, 1))
	_, emit = pushNow(b, []byte{3})
	assert.False(t, emit, "still not drained")

	b.consume(make([]byte, 1))
	b.consume(make([]byte, 1))

	_, emit = pushNow(b, []byte{4})
	assert.True(t, emit, "drained buffer re-arms the event")
}

func TestNotifyBufferDropsWhenFull(t *testing.T) {
	b := newNotifyBuffer(8)

	queued, _ := pushNow(b, []byte{1, 2, 3, 4, 5, 6})
	require.True(t, queued)

	queued, emit := pushNow(b, []byte{7, 8, 9})
	assert.False(t, queued)
	assert.False(t, emit)
	assert.Equal(t, uint64(1), b.droppedCount())
	assert.Equal(t, 1, b.depth(), "the resident notification is untouched")
}

func TestNotifyBufferBoundedWait(t *testing.T) {
	b := newNotifyBuffer(8)
	queued, _ := pushNow(b, []byte{1, 2, 3, 4, 5, 6})
	require.True(t, queued)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond)
		b.consume(make([]byte, 6))
	}()

	queued, _ = b.push(notifyHeader{Length: 6}, []byte{9, 9, 9, 9, 9, 9}, true, time.Second)
	assert.True(t, queued, "space freed by the consumer within the deadline")
	wg.Wait()

	assert.Zero(t, b.droppedCount())
	h, ok := b.peek()
	require.True(t, ok)
	assert.Equal(t, 6, h.Length)
}

func TestNotifyBufferWaitDeadline(t *testing.T) {
	b := newNotifyBuffer(4)
	queued, _ := pushNow(b, []byte{1, 2, 3, 4})
	require.True(t, queued)

	queued, _ = b.push(notifyHeader{Length: 4}, []byte{5, 6, 7, 8}, true, 20*time.Millisecond)
	assert.False(t, queued, "nobody drained, the wait must give up")
	assert.Equal(t, uint64(1), b.droppedCount())
}

func TestNotifyBufferConsumeContract(t *testing.T) {
	b := newNotifyBuffer(16)

	assert.Panics(t, func() { b.consume(nil) }, "consume on empty is a caller bug")

	pushNow(b, []byte{1, 2})
	assert.Panics(t, func() { b.consume(make([]byte, 5)) }, "dst must match the pending length")

	// The failed consume left the notification in place.
	dst := make([]byte, 2)
	b.consume(dst)
	assert.Equal(t, []byte{1, 2}, dst)
}

func TestNotifyBufferZeroLengthPayload(t *testing.T) {
	b := newNotifyBuffer(4)

	// Zero-length notifications ride on headers alone and queue even when
	// the payload ring is full.
	queued, _ := pushNow(b, []byte{1, 2, 3, 4})
	require.True(t, queued)
	queued, _ = pushNow(b, nil)
	require.True(t, queued)

	assert.Equal(t, 2, b.depth())

	more := b.consume(make([]byte, 4))
	assert.True(t, more)
	h, ok := b.peek()
	require.True(t, ok)
	assert.Zero(t, h.Length)
	more = b.consume(nil)
	assert.False(t, more)
}
