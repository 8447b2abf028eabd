// Package service contains the use-case orchestrators. They coordinate
// the repository, the dispatch queue, the worker pool and the session
// runner without holding any I/O details themselves; concrete
// implementations are wired in at process start.
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vivektripaathi/remote-job-executor/internal/entity"
	"github.com/vivektripaathi/remote-job-executor/internal/loghub"
	"github.com/vivektripaathi/remote-job-executor/internal/logging"
	"github.com/vivektripaathi/remote-job-executor/internal/queue"
)

// JobRepository is the persistence port.
type JobRepository interface {
	Create(ctx context.Context, job *entity.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error)
	List(ctx context.Context, f entity.ListFilter) ([]entity.Job, int, error)
	CancelQueued(ctx context.Context, id uuid.UUID, completedAt time.Time) (bool, error)
	Finalize(ctx context.Context, id uuid.UUID, fin entity.Finalization) (bool, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// JobQueue is the small dispatch-submission port: enqueue on create,
// best-effort removal on cancel-while-queued.
type JobQueue interface {
	Enqueue(ctx context.Context, req queue.Request) error
	Remove(ctx context.Context, jobID uuid.UUID) (bool, error)
}

// Dispatcher signals the worker currently owning a running job.
type Dispatcher interface {
	// CancelRunning reports whether the owning worker acknowledged the
	// cancellation by finalizing the job; (false, nil) means no local
	// worker owns it or the acknowledgment did not arrive in time.
	CancelRunning(ctx context.Context, jobID uuid.UUID) (bool, error)
}

// ProcessKiller terminates a remote process by PID, used when no local
// dispatch handle can observe the cancellation.
type ProcessKiller interface {
	Kill(ctx context.Context, pid string) error
}

type JobService struct {
	repo       JobRepository
	queue      JobQueue
	dispatcher Dispatcher
	killer     ProcessKiller
	hub        *loghub.Hub

	maxTimeoutSeconds int

	log *logrus.Entry
}

func NewJobService(
	repo JobRepository,
	q JobQueue,
	dispatcher Dispatcher,
	killer ProcessKiller,
	hub *loghub.Hub,
	maxTimeoutSeconds int,
) *JobService {
	return &JobService{
		repo:              repo,
		queue:             q,
		dispatcher:        dispatcher,
		killer:            killer,
		hub:               hub,
		maxTimeoutSeconds: maxTimeoutSeconds,
		log:               logging.WithComponent("service"),
	}
}

type CreateJobRequest struct {
	Command        string
	Priority       entity.JobPriority
	TimeoutSeconds int
}

const defaultTimeoutSeconds = 60

// CreateJob validates the request, persists a Queued job and submits a
// dispatch request tagged with its priority.
func (s *JobService) CreateJob(ctx context.Context, req CreateJobRequest) (*entity.Job, error) {
	if strings.TrimSpace(req.Command) == "" {
		return nil, fmt.Errorf("%w: command is required", entity.ErrInvalidJobRequest)
	}
	if req.Priority == "" {
		req.Priority = entity.PriorityMedium
	}
	if !req.Priority.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %q", entity.ErrInvalidJobRequest, req.Priority)
	}
	if req.TimeoutSeconds == 0 {
		req.TimeoutSeconds = defaultTimeoutSeconds
	}
	if req.TimeoutSeconds < 1 || req.TimeoutSeconds > s.maxTimeoutSeconds {
		return nil, fmt.Errorf("%w: timeout_seconds must be between 1 and %d",
			entity.ErrInvalidJobRequest, s.maxTimeoutSeconds)
	}

	job := &entity.Job{
		ID:             uuid.New(),
		Command:        req.Command,
		Priority:       req.Priority,
		TimeoutSeconds: req.TimeoutSeconds,
		Status:         entity.StatusQueued,
		CreatedAt:      time.Now().UTC(),
	}

	if err := s.repo.Create(ctx, job); err != nil {
		return nil, err
	}

	if err := s.queue.Enqueue(ctx, queue.Request{
		JobID:      job.ID,
		Priority:   job.Priority,
		EnqueuedAt: job.CreatedAt,
	}); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{"job_id": job.ID, "priority": job.Priority}).
		Info("job queued")
	return job, nil
}

func (s *JobService) GetJob(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *JobService) ListJobs(ctx context.Context, f entity.ListFilter) ([]entity.Job, int, error) {
	return s.repo.List(ctx, f)
}

// CancelJob stops a queued or running job. Queued jobs move straight to
// Cancelled and their dispatch request is removed best-effort; if the
// dispatcher got there first, the running path takes over. A job that
// is already terminal yields ErrJobAlreadyTerminal.
func (s *JobService) CancelJob(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, entity.ErrJobAlreadyTerminal
	}

	log := s.log.WithField("job_id", id.String())

	if job.Status == entity.StatusQueued {
		ok, err := s.repo.CancelQueued(ctx, id, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		if ok {
			if _, rerr := s.queue.Remove(ctx, id); rerr != nil {
				log.WithField("error", rerr).Warn("failed to remove dispatch request")
			}
			s.hub.Complete(id, entity.StatusCancelled)
			log.Info("queued job cancelled")
			return s.repo.GetByID(ctx, id)
		}
		// A worker claimed it between the read and the update.
	}

	acked, err := s.dispatcher.CancelRunning(ctx, id)
	if err != nil {
		return nil, err
	}
	if acked {
		log.Info("running job cancelled by its worker")
		return s.repo.GetByID(ctx, id)
	}

	// No local dispatch handle observed the signal (job owned by
	// another process, or the acknowledgment timed out): kill the
	// remote process directly and finalize. Forward progress of the
	// state machine wins over perfect confirmation of remote cleanup.
	return s.killAndFinalize(ctx, id)
}

func (s *JobService) killAndFinalize(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		if job.Status == entity.StatusCancelled {
			return job, nil
		}
		return nil, entity.ErrJobAlreadyTerminal
	}

	log := s.log.WithField("job_id", id.String())

	unconfirmed := false
	if job.RemoteProcessID != nil {
		if err := s.KillRemoteProcess(ctx, job); err != nil {
			log.WithField("error", err).Warn("remote termination unconfirmed")
			unconfirmed = true
		}
	}

	wrote, err := s.repo.Finalize(ctx, id, entity.Finalization{
		Status:                 entity.StatusCancelled,
		Stdout:                 job.Stdout,
		Stderr:                 job.Stderr,
		TerminationUnconfirmed: unconfirmed,
		CompletedAt:            time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	if wrote {
		s.hub.Complete(id, entity.StatusCancelled)
		log.WithField("unconfirmed", unconfirmed).Info("job cancelled out of band")
	}

	return s.repo.GetByID(ctx, id)
}

// KillRemoteProcess sends a termination signal to the job's remote
// process using its recorded PID.
func (s *JobService) KillRemoteProcess(ctx context.Context, job *entity.Job) error {
	if job.RemoteProcessID == nil {
		return fmt.Errorf("job %s has no remote process id", job.ID)
	}
	return s.killer.Kill(ctx, *job.RemoteProcessID)
}

// DeleteJob removes a terminal job's record. Queued or running jobs
// cannot be deleted.
func (s *JobService) DeleteJob(ctx context.Context, id uuid.UUID) error {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !job.Status.Terminal() {
		return entity.ErrJobNotTerminal
	}
	return s.repo.Delete(ctx, id)
}

// Subscribe attaches an observer to a job's live output. A job that is
// already terminal yields exactly one completed event carrying its
// status and no log lines.
func (s *JobService) Subscribe(ctx context.Context, id uuid.UUID) (<-chan loghub.Event, func(), error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	if job.Status.Terminal() {
		return completedOnly(job.Status), func() {}, nil
	}

	ch, cancel := s.hub.Subscribe(id)

	// The job may have finished between the read above and the
	// subscription, in which case the hub already tore the topic down
	// and this subscription would never see the terminal event.
	job, err = s.repo.GetByID(ctx, id)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	if job.Status.Terminal() {
		cancel()
		return completedOnly(job.Status), func() {}, nil
	}

	return ch, cancel, nil
}

func completedOnly(status entity.JobStatus) <-chan loghub.Event {
	ch := make(chan loghub.Event, 1)
	ch <- loghub.Event{Type: loghub.EventCompleted, Status: status}
	close(ch)
	return ch
}
