package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vivektripaathi/remote-job-executor/internal/logging"
	"github.com/vivektripaathi/remote-job-executor/internal/queue"
)

// Pool is the dispatcher: a claim loop feeding a bounded set of worker
// goroutines. The pool size is the de facto cap on simultaneous remote
// sessions.
type Pool struct {
	queue     queue.Queue
	processor *Processor
	workers   int

	log *logrus.Entry
}

func NewPool(q queue.Queue, processor *Processor, workers int) *Pool {
	if workers <= 0 {
		workers = 4
	}
	return &Pool{
		queue:     q,
		processor: processor,
		workers:   workers,
		log:       logging.WithComponent("dispatcher"),
	}
}

// CancelRunning exposes the processor's cancel path to orchestrators.
func (p *Pool) CancelRunning(ctx context.Context, jobID uuid.UUID) (bool, error) {
	return p.processor.CancelRunning(ctx, jobID)
}

// Run blocks, claiming dispatch requests and handing them to workers
// until ctx is cancelled. In-flight jobs get to finish their
// cancellation paths before Run returns.
func (p *Pool) Run(ctx context.Context) {
	p.log.WithField("workers", p.workers).Info("worker pool started")

	reqCh := make(chan queue.Request)

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for req := range reqCh {
				p.runOne(ctx, n, req)
			}
		}(i + 1)
	}

	for {
		req, err := p.queue.Claim(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrClosed) {
				break
			}
			p.log.WithField("error", err).Warn("claim failed")
			continue
		}

		select {
		case reqCh <- req:
		case <-ctx.Done():
			// Nobody took the request; put it back for another process.
			if rerr := p.queue.Enqueue(context.Background(), req); rerr != nil {
				p.log.WithFields(logrus.Fields{"job_id": req.JobID, "error": rerr}).
					Error("failed to requeue claimed request on shutdown")
			}
		}

		if ctx.Err() != nil {
			break
		}
	}

	close(reqCh)
	wg.Wait()
	p.log.Info("worker pool stopped")
}

func (p *Pool) runOne(ctx context.Context, n int, req queue.Request) {
	log := p.log.WithFields(logrus.Fields{"worker": n, "job_id": req.JobID.String()})

	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("worker recovered from panic")
		}
		// Ack regardless: the job has been finalized in the store (or the
		// reaper will requeue it if we died before claiming it there).
		if err := p.queue.Ack(ctx, req.JobID); err != nil {
			log.WithField("error", err).Warn("ack failed")
		}
	}()

	if err := p.processor.Process(ctx, req.JobID); err != nil {
		log.WithField("error", err).Error("process failed")
	}
}
