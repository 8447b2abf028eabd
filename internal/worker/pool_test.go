package worker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vivektripaathi/remote-job-executor/internal/entity"
	"github.com/vivektripaathi/remote-job-executor/internal/loghub"
	"github.com/vivektripaathi/remote-job-executor/internal/queue"
	"github.com/vivektripaathi/remote-job-executor/internal/repository/memory"
	"github.com/vivektripaathi/remote-job-executor/internal/runner"
	"github.com/vivektripaathi/remote-job-executor/internal/worker"
)

func TestPool_ProcessesByPriority(t *testing.T) {
	repo := memory.NewJobRepository()
	hub := loghub.New()
	q := queue.NewMemory()

	var mu sync.Mutex
	var order []uuid.UUID
	fr := &fakeRunner{
		run: func(_ context.Context, job *entity.Job, _ <-chan struct{}, _ runner.Sink, _ int) (*runner.Result, error) {
			mu.Lock()
			order = append(order, job.ID)
			mu.Unlock()
			return &runner.Result{}, nil
		},
	}

	p := worker.NewProcessor(repo, fr, hub, 1, time.Millisecond)
	pool := worker.NewPool(q, p, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mk := func(priority entity.JobPriority) uuid.UUID {
		job := &entity.Job{
			ID:             uuid.New(),
			Command:        "true",
			Priority:       priority,
			TimeoutSeconds: 5,
			Status:         entity.StatusQueued,
			CreatedAt:      time.Now().UTC(),
		}
		require.NoError(t, repo.Create(ctx, job))
		require.NoError(t, q.Enqueue(ctx, queue.Request{
			JobID:      job.ID,
			Priority:   priority,
			EnqueuedAt: time.Now(),
		}))
		return job.ID
	}

	// Enqueue everything before starting the pool so the single worker
	// drains in strict priority order.
	low := mk(entity.PriorityLow)
	high := mk(entity.PriorityHigh)
	medium := mk(entity.PriorityMedium)

	poolDone := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(poolDone)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-poolDone:
	case <-time.After(3 * time.Second):
		t.Fatal("pool did not stop after context cancellation")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uuid.UUID{high, medium, low}, order)
}

func TestPool_StopsWhenQueueCloses(t *testing.T) {
	repo := memory.NewJobRepository()
	hub := loghub.New()
	q := queue.NewMemory()

	fr := &fakeRunner{
		run: func(context.Context, *entity.Job, <-chan struct{}, runner.Sink, int) (*runner.Result, error) {
			return &runner.Result{}, nil
		},
	}
	pool := worker.NewPool(q, worker.NewProcessor(repo, fr, hub, 1, time.Millisecond), 2)

	done := make(chan struct{})
	go func() {
		pool.Run(context.Background())
		close(done)
	}()

	require.NoError(t, q.Close())

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("pool did not stop after queue close")
	}
}
