package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_FIFO(t *testing.T) {
	q := newQueue()

	for _, id := range []string{"A", "B", "C"} {
		require.True(t, q.Enqueue(Event{ID: id}))
	}
	assert.Equal(t, 3, q.Len())

	for _, want := range []string{"A", "B", "C"} {
		got, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, want, got.ID)
	}

	_, ok := q.TryDequeue()
	assert.False(t, ok, "dequeue from empty queue should return false")
}

func TestQueue_SignalCoalesces(t *testing.T) {
	q := newQueue()
	q.Enqueue(Event{ID: "1"})
	q.Enqueue(Event{ID: "2"})

	select {
	case <-q.Wait():
	default:
		t.Fatal("expected a pending signal")
	}

	select {
	case <-q.Wait():
		t.Fatal("signals should coalesce into one")
	default:
	}
}

func TestQueue_CloseDrains(t *testing.T) {
	q := newQueue()
	q.Enqueue(Event{ID: "last"})
	q.Close()
	q.Close() // idempotent

	assert.False(t, q.Enqueue(Event{ID: "late"}), "enqueue after close must fail")
	assert.False(t, q.Drained(), "queued events survive close")

	got, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, "last", got.ID)
	assert.True(t, q.Drained())

	// The signal from the last enqueue is still buffered ahead of the close.
	_, open := <-q.Wait()
	if open {
		_, open = <-q.Wait()
	}
	assert.False(t, open, "wait channel is closed after Close")
}
