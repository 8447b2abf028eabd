// Package memory provides an in-process job store with the same
// claim/finalize semantics as the postgres repository. It backs
// single-process deployments and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vivektripaathi/remote-job-executor/internal/entity"
)

type JobRepository struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*entity.Job
}

func NewJobRepository() *JobRepository {
	return &JobRepository{jobs: make(map[uuid.UUID]*entity.Job)}
}

// clone returns a point-in-time snapshot so readers never observe
// partially written execution state.
func clone(j *entity.Job) *entity.Job {
	c := *j
	return &c
}

func (r *JobRepository) Create(_ context.Context, job *entity.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.jobs[job.ID] = clone(job)
	return nil
}

func (r *JobRepository) GetByID(_ context.Context, id uuid.UUID) (*entity.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, entity.ErrJobNotFound
	}
	return clone(job), nil
}

func (r *JobRepository) List(_ context.Context, f entity.ListFilter) ([]entity.Job, int, error) {
	r.mu.RLock()
	matched := make([]entity.Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		if f.Status != nil && job.Status != *f.Status {
			continue
		}
		if f.Priority != nil && job.Priority != *f.Priority {
			continue
		}
		matched = append(matched, *clone(job))
	}
	r.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		var less bool
		if f.SortBy == entity.SortByPriority {
			less = matched[i].Priority.Rank() < matched[j].Priority.Rank()
		} else {
			less = matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		if f.SortDesc {
			return !less
		}
		return less
	})

	total := len(matched)
	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[f.Offset:]
		}
	}
	if f.Limit > 0 && f.Limit < len(matched) {
		matched = matched[:f.Limit]
	}

	return matched, total, nil
}

func (r *JobRepository) ClaimRunning(_ context.Context, id uuid.UUID, startedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return false, entity.ErrJobNotFound
	}
	if !job.Status.CanTransition(entity.StatusRunning) {
		return false, nil
	}
	job.Status = entity.StatusRunning
	t := startedAt
	job.StartedAt = &t
	return true, nil
}

func (r *JobRepository) CancelQueued(_ context.Context, id uuid.UUID, completedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return false, entity.ErrJobNotFound
	}
	if job.Status != entity.StatusQueued {
		return false, nil
	}
	job.Status = entity.StatusCancelled
	t := completedAt
	job.CompletedAt = &t
	return true, nil
}

func (r *JobRepository) SetRemoteProcessID(_ context.Context, id uuid.UUID, pid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return entity.ErrJobNotFound
	}
	p := pid
	job.RemoteProcessID = &p
	return nil
}

func (r *JobRepository) Finalize(_ context.Context, id uuid.UUID, fin entity.Finalization) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return false, entity.ErrJobNotFound
	}
	if !job.Status.CanTransition(fin.Status) {
		if job.Status.Terminal() {
			// Lost the finalize race; the first writer's outcome stands.
			return false, nil
		}
		return false, &entity.InvalidTransitionError{From: job.Status, To: fin.Status}
	}
	job.Status = fin.Status
	job.Stdout = fin.Stdout
	job.Stderr = fin.Stderr
	job.ExitCode = fin.ExitCode
	job.Reason = fin.Reason
	job.TerminationUnconfirmed = fin.TerminationUnconfirmed
	t := fin.CompletedAt
	job.CompletedAt = &t
	return true, nil
}

func (r *JobRepository) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[id]; !ok {
		return entity.ErrJobNotFound
	}
	delete(r.jobs, id)
	return nil
}
