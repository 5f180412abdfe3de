package queue

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutTakeOrder(t *testing.T) {
	q := New[int](4)
	for i := 0; i < 4; i++ {
		require.True(t, q.Put(i))
	}
	for i := 0; i < 4; i++ {
		v, ok := q.Take()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
}

func TestPutBlocksWhenFull(t *testing.T) {
	q := New[int](1)
	require.True(t, q.Put(1))

	done := make(chan struct{})
	go func() {
		q.Put(2)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Put should have blocked while queue is full")
	case <-time.After(50 * time.Millisecond):
	}

	v, ok := q.Take()
	require.True(t, ok)
	assert.Equal(t, 1, v)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Put should have unblocked after Take freed capacity")
	}
}

func TestStopDrainsThenEmpty(t *testing.T) {
	q := New[int](8)
	for i := 0; i < 3; i++ {
		require.True(t, q.Put(i))
	}
	q.Stop()

	for i := 0; i < 3; i++ {
		v, ok := q.Take()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	_, ok := q.Take()
	assert.False(t, ok)

	assert.False(t, q.Put(99))
}

func TestConcurrentProducersConsumersNoLoss(t *testing.T) {
	q := New[int](16)
	const n = 2000

	var produced, consumed int64
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			q.Put(i)
			atomic.AddInt64(&produced, 1)
		}
		q.Stop()
	}()

	seen := make([]int32, n)
	var cwg sync.WaitGroup
	for c := 0; c < 8; c++ {
		cwg.Add(1)
		go func() {
			defer cwg.Done()
			for {
				v, ok := q.Take()
				if !ok {
					return
				}
				atomic.AddInt32(&seen[v], 1)
				atomic.AddInt64(&consumed, 1)
			}
		}()
	}

	wg.Wait()
	cwg.Wait()

	assert.EqualValues(t, n, produced)
	assert.EqualValues(t, n, consumed)
	for i, c := range seen {
		assert.Equal(t, int32(1), c, "item %d taken %d times", i, c)
	}
}
