// Package queue provides the dispatch queue shared between the create
// orchestrator and the worker pool. Requests are ordered by priority
// (High > Medium > Low) and FIFO within a priority.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/vivektripaathi/remote-job-executor/internal/entity"
)

// ErrClosed is returned from Claim once the queue has been shut down.
var ErrClosed = errors.New("queue closed")

// Request is the queued intent to run a specific job.
type Request struct {
	JobID      uuid.UUID
	Priority   entity.JobPriority
	EnqueuedAt time.Time
}

type Queue interface {
	// Enqueue submits a dispatch request.
	Enqueue(ctx context.Context, req Request) error

	// Claim blocks until a request is available, returning the highest
	// priority one (FIFO within a priority). It returns ctx.Err() when
	// the context is cancelled and ErrClosed after Close.
	Claim(ctx context.Context) (Request, error)

	// Ack marks a previously claimed request as fully processed.
	Ack(ctx context.Context, jobID uuid.UUID) error

	// Remove drops a still-queued request, reporting whether it was
	// found. Used by cancellation before a worker claims the job; a
	// false return means the dispatcher already has it.
	Remove(ctx context.Context, jobID uuid.UUID) (bool, error)

	// RequeueStale returns claimed-but-unacked requests to the queue.
	// Only meaningful for brokered implementations; in-memory queues
	// report zero.
	RequeueStale(ctx context.Context, maxPerLane int64) (int64, error)

	// Close shuts the queue down, waking blocked Claim calls.
	Close() error
}
