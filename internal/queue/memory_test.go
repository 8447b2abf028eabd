package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vivektripaathi/remote-job-executor/internal/entity"
	"github.com/vivektripaathi/remote-job-executor/internal/queue"
)

func enqueue(t *testing.T, q queue.Queue, p entity.JobPriority) uuid.UUID {
	t.Helper()
	id := uuid.New()
	require.NoError(t, q.Enqueue(context.Background(), queue.Request{
		JobID:      id,
		Priority:   p,
		EnqueuedAt: time.Now(),
	}))
	return id
}

func TestMemoryQueue_PriorityOrder(t *testing.T) {
	q := queue.NewMemory()
	ctx := context.Background()

	low := enqueue(t, q, entity.PriorityLow)
	high := enqueue(t, q, entity.PriorityHigh)
	medium := enqueue(t, q, entity.PriorityMedium)

	for _, want := range []uuid.UUID{high, medium, low} {
		req, err := q.Claim(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, req.JobID)
	}
}

func TestMemoryQueue_FIFOWithinPriority(t *testing.T) {
	q := queue.NewMemory()
	ctx := context.Background()

	first := enqueue(t, q, entity.PriorityMedium)
	second := enqueue(t, q, entity.PriorityMedium)
	third := enqueue(t, q, entity.PriorityMedium)

	for _, want := range []uuid.UUID{first, second, third} {
		req, err := q.Claim(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, req.JobID)
	}
}

func TestMemoryQueue_ClaimBlocksUntilEnqueue(t *testing.T) {
	q := queue.NewMemory()

	claimed := make(chan queue.Request, 1)
	go func() {
		req, err := q.Claim(context.Background())
		if err == nil {
			claimed <- req
		}
	}()

	select {
	case <-claimed:
		t.Fatal("claim returned before enqueue")
	case <-time.After(50 * time.Millisecond):
	}

	id := enqueue(t, q, entity.PriorityLow)

	select {
	case req := <-claimed:
		assert.Equal(t, id, req.JobID)
	case <-time.After(time.Second):
		t.Fatal("claim did not wake on enqueue")
	}
}

func TestMemoryQueue_ClaimInterruptedByContext(t *testing.T) {
	q := queue.NewMemory()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := q.Claim(ctx)
		errc <- err
	}()

	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("claim did not observe context cancellation")
	}
}

func TestMemoryQueue_Remove(t *testing.T) {
	q := queue.NewMemory()
	ctx := context.Background()

	id := enqueue(t, q, entity.PriorityHigh)
	keep := enqueue(t, q, entity.PriorityLow)

	removed, err := q.Remove(ctx, id)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = q.Remove(ctx, id)
	require.NoError(t, err)
	assert.False(t, removed, "second removal must report not found")

	req, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, keep, req.JobID)
}

func TestMemoryQueue_ConcurrentClaimSingleDelivery(t *testing.T) {
	q := queue.NewMemory()
	ctx := context.Background()

	const n = 20
	ids := make(map[uuid.UUID]bool, n)
	for i := 0; i < n; i++ {
		ids[enqueue(t, q, entity.PriorityMedium)] = false
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				cctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
				req, err := q.Claim(cctx)
				cancel()
				if err != nil {
					return
				}
				mu.Lock()
				assert.False(t, ids[req.JobID], "request %s delivered twice", req.JobID)
				ids[req.JobID] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	for id, seen := range ids {
		assert.True(t, seen, "request %s never delivered", id)
	}
}

func TestMemoryQueue_ClosedQueue(t *testing.T) {
	q := queue.NewMemory()
	require.NoError(t, q.Close())

	_, err := q.Claim(context.Background())
	assert.ErrorIs(t, err, queue.ErrClosed)

	err = q.Enqueue(context.Background(), queue.Request{JobID: uuid.New(), Priority: entity.PriorityLow})
	assert.ErrorIs(t, err, queue.ErrClosed)
}
