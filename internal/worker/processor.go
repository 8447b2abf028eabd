package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vivektripaathi/remote-job-executor/internal/entity"
	"github.com/vivektripaathi/remote-job-executor/internal/loghub"
	"github.com/vivektripaathi/remote-job-executor/internal/logging"
	"github.com/vivektripaathi/remote-job-executor/internal/runner"
)

// JobRepo is the persistence port the dispatcher needs.
type JobRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error)
	ClaimRunning(ctx context.Context, id uuid.UUID, startedAt time.Time) (bool, error)
	SetRemoteProcessID(ctx context.Context, id uuid.UUID, pid string) error
	Finalize(ctx context.Context, id uuid.UUID, fin entity.Finalization) (bool, error)
}

// Processor drives one job's full lifecycle from claim to terminal
// state: exclusive claim, remote execution with transient-error
// retries, finalization and hub teardown.
type Processor struct {
	repo     JobRepo
	runner   runner.Runner
	hub      *loghub.Hub
	registry *Registry

	maxAttempts  int
	retryBackoff time.Duration
	cancelGrace  time.Duration

	log *logrus.Entry
}

func NewProcessor(repo JobRepo, r runner.Runner, hub *loghub.Hub, maxAttempts int, retryBackoff time.Duration) *Processor {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if retryBackoff <= 0 {
		retryBackoff = 2 * time.Second
	}
	return &Processor{
		repo:         repo,
		runner:       r,
		hub:          hub,
		registry:     NewRegistry(),
		maxAttempts:  maxAttempts,
		retryBackoff: retryBackoff,
		cancelGrace:  10 * time.Second,
		log:          logging.WithComponent("worker"),
	}
}

// jobSink forwards runner events to the log hub and accumulates the
// captured output. Stdout and Stderr arrive from separate goroutines.
type jobSink struct {
	jobID uuid.UUID
	repo  JobRepo
	hub   *loghub.Hub
	log   *logrus.Entry

	mu     sync.Mutex
	stdout strings.Builder
	stderr strings.Builder
}

func (s *jobSink) Started(pid string) {
	if err := s.repo.SetRemoteProcessID(context.Background(), s.jobID, pid); err != nil {
		s.log.WithFields(logrus.Fields{"job_id": s.jobID, "pid": pid, "error": err}).
			Warn("failed to record remote pid")
	}
}

func (s *jobSink) Stdout(line string) {
	s.mu.Lock()
	s.stdout.WriteString(line)
	s.stdout.WriteByte('\n')
	s.mu.Unlock()
	s.hub.Publish(s.jobID, loghub.StreamStdout, line)
}

func (s *jobSink) Stderr(line string) {
	s.mu.Lock()
	s.stderr.WriteString(line)
	s.stderr.WriteByte('\n')
	s.mu.Unlock()
	s.hub.Publish(s.jobID, loghub.StreamStderr, line)
}

func (s *jobSink) appendStderr(text string) {
	s.mu.Lock()
	s.stderr.WriteString(text)
	s.stderr.WriteByte('\n')
	s.mu.Unlock()
}

func (s *jobSink) captured() (stdout, stderr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stdout.String(), s.stderr.String()
}

// Process runs one claimed dispatch request to completion. A claim that
// fails (job already cancelled, or taken by another worker) is not an
// error.
func (p *Processor) Process(ctx context.Context, jobID uuid.UUID) error {
	start := time.Now()
	log := p.log.WithField("job_id", jobID.String())

	job, err := p.repo.GetByID(ctx, jobID)
	if err != nil {
		log.WithField("error", err).Error("failed to load job")
		return err
	}

	// The handle must exist before the claim commits: once the job reads
	// as Running, a cancel request expects to find an owner to signal.
	handle := p.registry.Register(jobID)
	defer func() {
		p.registry.Remove(jobID, handle)
		handle.finish()
	}()

	claimed, err := p.repo.ClaimRunning(ctx, jobID, time.Now().UTC())
	if err != nil {
		log.WithField("error", err).Error("claim failed")
		return err
	}
	if !claimed {
		log.WithField("status", job.Status).Info("skipping job, not claimable")
		return nil
	}

	log.WithFields(logrus.Fields{"priority": job.Priority, "timeout_s": job.TimeoutSeconds}).
		Info("job running")

	sink := &jobSink{jobID: jobID, repo: p.repo, hub: p.hub, log: p.log}
	res, runErr := p.execute(ctx, job, handle, sink)

	fin := p.finalization(res, runErr, sink)
	wrote, err := p.repo.Finalize(ctx, jobID, fin)
	if err != nil {
		log.WithField("error", err).Error("finalize failed")
		return err
	}
	if !wrote {
		// Someone else (the cancel orchestrator) finalized first.
		log.Info("job was finalized out of band")
	}

	final, err := p.repo.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	p.hub.Complete(jobID, final.Status)

	log.WithFields(logrus.Fields{
		"status":      final.Status,
		"reason":      final.Reason,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("job finished")
	return nil
}

// execute runs the command, retrying the transient connect-failure
// class in place so the job never loses its position to newer work.
// Each attempt gets the job's full wall-clock allowance; backoff waits are
// interruptible by cancellation.
func (p *Processor) execute(ctx context.Context, job *entity.Job, handle *Handle, sink *jobSink) (*runner.Result, error) {
	log := p.log.WithField("job_id", job.ID.String())

	var (
		res    *runner.Result
		runErr error
	)
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		execCtx, cancel := context.WithTimeout(ctx, time.Duration(job.TimeoutSeconds)*time.Second)
		res, runErr = p.runner.Run(execCtx, job, handle.CancelCh(), sink)
		cancel()

		if !errors.Is(runErr, runner.ErrRemoteConnectFailed) {
			return res, runErr
		}
		if attempt == p.maxAttempts {
			return res, runErr
		}

		backoff := p.retryBackoff * time.Duration(1<<(attempt-1))
		log.WithFields(logrus.Fields{"attempt": attempt, "backoff": backoff, "error": runErr}).
			Warn("transient failure, will retry")

		timer := time.NewTimer(backoff)
		select {
		case <-handle.CancelCh():
			timer.Stop()
			return nil, runner.ErrCancelled
		case <-ctx.Done():
			timer.Stop()
			return nil, runner.ErrCancelled
		case <-timer.C:
		}
	}

	return res, runErr
}

// finalization maps a runner outcome onto the terminal job record.
func (p *Processor) finalization(res *runner.Result, runErr error, sink *jobSink) entity.Finalization {
	unconfirmed := res != nil && res.TerminationUnconfirmed

	fin := entity.Finalization{
		TerminationUnconfirmed: unconfirmed,
		CompletedAt:            time.Now().UTC(),
	}

	var exitErr *runner.ExitError
	var streamErr *runner.StreamError

	switch {
	case runErr == nil:
		fin.Status = entity.StatusSuccess
		code := 0
		fin.ExitCode = &code

	case errors.Is(runErr, runner.ErrCancelled):
		fin.Status = entity.StatusCancelled

	case errors.Is(runErr, runner.ErrTimeout):
		fin.Status = entity.StatusFailed
		fin.Reason = entity.ReasonTimeout
		sink.appendStderr(runErr.Error())

	case errors.As(runErr, &exitErr):
		fin.Status = entity.StatusFailed
		fin.Reason = entity.ReasonNonZeroExit
		fin.ExitCode = &exitErr.Code

	case errors.Is(runErr, runner.ErrRemoteConnectFailed):
		fin.Status = entity.StatusFailed
		fin.Reason = entity.ReasonRetriesExhausted
		sink.appendStderr(runErr.Error())

	case errors.As(runErr, &streamErr):
		fin.Status = entity.StatusFailed
		fin.Reason = entity.ReasonStreamError
		sink.appendStderr(runErr.Error())

	default:
		fin.Status = entity.StatusFailed
		fin.Reason = entity.ReasonStreamError
		sink.appendStderr(runErr.Error())
	}

	stdout, stderr := sink.captured()
	fin.Stdout = &stdout
	fin.Stderr = &stderr
	return fin
}

// CancelRunning signals the worker owning jobID and waits up to the
// grace period for it to acknowledge by finalizing the job. It reports
// whether an acknowledgment arrived; (false, nil) with no handle means
// this process does not own the job.
func (p *Processor) CancelRunning(ctx context.Context, jobID uuid.UUID) (bool, error) {
	handle, ok := p.registry.Lookup(jobID)
	if !ok {
		return false, nil
	}

	handle.Cancel()

	timer := time.NewTimer(p.cancelGrace)
	defer timer.Stop()

	select {
	case <-handle.Done():
		return true, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
