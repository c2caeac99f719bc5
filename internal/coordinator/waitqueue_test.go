package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKickFromShardDoesNotBlockShard(t *testing.T) {
	d := newDispatcher(1, 1)
	defer d.close()
	w := newWaitQueue(8)

	var mu sync.Mutex
	var order []string
	var ran sync.WaitGroup
	ran.Add(3)
	for i, id := range []string{"a", "b", "c"} {
		id := id
		ok := w.park(id, i, time.Hour, func() {
			err := d.enqueue(context.Background(), id, func(context.Context) {
				mu.Lock()
				order = append(order, id)
				mu.Unlock()
				ran.Done()
			})
			assert.NoError(t, err)
		})
		require.True(t, ok)
	}

	kicked := make(chan struct{})
	require.NoError(t, d.enqueue(context.Background(), "releasing", func(context.Context) {
		w.kick()
		close(kicked)
	}))
	select {
	case <-kicked:
	case <-time.After(2 * time.Second):
		t.Fatalf("kick blocked the shard it ran on")
	}

	done := make(chan struct{})
	go func() { ran.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("kicked waiters never ran")
	}
	assert.Equal(t, []string{"c", "b", "a"}, order)
	assert.Equal(t, 0, w.len())
}

func TestParkRejectsWhenFull(t *testing.T) {
	w := newWaitQueue(1)
	defer w.close()
	require.True(t, w.park("a", 0, time.Hour, func() {}))
	assert.False(t, w.park("b", 0, time.Hour, func() {}))
	// Re-parking the same job replaces its slot.
	assert.True(t, w.park("a", 1, time.Hour, func() {}))
	w.remove("a")
	assert.Equal(t, 0, w.len())
}
