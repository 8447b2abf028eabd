package memory_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vivektripaathi/remote-job-executor/internal/entity"
	"github.com/vivektripaathi/remote-job-executor/internal/repository/memory"
)

func newJob(priority entity.JobPriority, createdAt time.Time) *entity.Job {
	return &entity.Job{
		ID:             uuid.New(),
		Command:        "echo hi",
		Priority:       priority,
		TimeoutSeconds: 5,
		Status:         entity.StatusQueued,
		CreatedAt:      createdAt,
	}
}

func TestJobRepository_CreateGet(t *testing.T) {
	repo := memory.NewJobRepository()
	ctx := context.Background()

	job := newJob(entity.PriorityMedium, time.Now())
	require.NoError(t, repo.Create(ctx, job))

	got, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.Command, got.Command)
	assert.Equal(t, entity.StatusQueued, got.Status)

	_, err = repo.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, entity.ErrJobNotFound)
}

func TestJobRepository_ClaimIsExclusive(t *testing.T) {
	repo := memory.NewJobRepository()
	ctx := context.Background()

	job := newJob(entity.PriorityHigh, time.Now())
	require.NoError(t, repo.Create(ctx, job))

	const claimers = 8
	var wg sync.WaitGroup
	wins := make(chan bool, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.ClaimRunning(ctx, job.ID, time.Now())
			assert.NoError(t, err)
			wins <- ok
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for ok := range wins {
		if ok {
			won++
		}
	}
	assert.Equal(t, 1, won, "exactly one concurrent claim must succeed")
}

func TestJobRepository_CancelQueuedOnlyWhileQueued(t *testing.T) {
	repo := memory.NewJobRepository()
	ctx := context.Background()

	job := newJob(entity.PriorityLow, time.Now())
	require.NoError(t, repo.Create(ctx, job))

	ok, err := repo.ClaimRunning(ctx, job.ID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = repo.CancelQueued(ctx, job.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, ok, "running job must not be cancellable via the queued path")
}

func TestJobRepository_FinalizeFirstWriterWins(t *testing.T) {
	repo := memory.NewJobRepository()
	ctx := context.Background()

	job := newJob(entity.PriorityMedium, time.Now())
	require.NoError(t, repo.Create(ctx, job))

	ok, err := repo.ClaimRunning(ctx, job.ID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	out := "hi\n"
	ok, err = repo.Finalize(ctx, job.ID, entity.Finalization{
		Status:      entity.StatusSuccess,
		Stdout:      &out,
		CompletedAt: time.Now(),
	})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = repo.Finalize(ctx, job.ID, entity.Finalization{
		Status:      entity.StatusCancelled,
		CompletedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.False(t, ok, "second finalize must lose")

	got, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusSuccess, got.Status)
	require.NotNil(t, got.Stdout)
	assert.Equal(t, "hi\n", *got.Stdout)
}

func TestJobRepository_FinalizeFollowsTransitionTable(t *testing.T) {
	repo := memory.NewJobRepository()
	ctx := context.Background()

	// Success is not reachable from Queued.
	job := newJob(entity.PriorityMedium, time.Now())
	require.NoError(t, repo.Create(ctx, job))

	_, err := repo.Finalize(ctx, job.ID, entity.Finalization{
		Status:      entity.StatusSuccess,
		CompletedAt: time.Now(),
	})
	var invalid *entity.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, entity.StatusQueued, invalid.From)
	assert.Equal(t, entity.StatusSuccess, invalid.To)

	got, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusQueued, got.Status)

	// Cancelled is, so a queued job can be finalized straight to it.
	other := newJob(entity.PriorityMedium, time.Now())
	require.NoError(t, repo.Create(ctx, other))

	ok, err := repo.Finalize(ctx, other.ID, entity.Finalization{
		Status:      entity.StatusCancelled,
		CompletedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestJobRepository_ListFilterAndPaging(t *testing.T) {
	repo := memory.NewJobRepository()
	ctx := context.Background()

	base := time.Now()
	var queued []*entity.Job
	for i := 0; i < 5; i++ {
		j := newJob(entity.PriorityMedium, base.Add(time.Duration(i)*time.Second))
		queued = append(queued, j)
		require.NoError(t, repo.Create(ctx, j))
	}
	high := newJob(entity.PriorityHigh, base.Add(10*time.Second))
	require.NoError(t, repo.Create(ctx, high))

	p := entity.PriorityMedium
	jobs, total, err := repo.List(ctx, entity.ListFilter{Priority: &p, Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, jobs, 2)
	assert.Equal(t, queued[1].ID, jobs[0].ID)
	assert.Equal(t, queued[2].ID, jobs[1].ID)

	jobs, _, err = repo.List(ctx, entity.ListFilter{SortBy: entity.SortByPriority, SortDesc: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, high.ID, jobs[0].ID)
}

func TestJobRepository_SnapshotIsolation(t *testing.T) {
	repo := memory.NewJobRepository()
	ctx := context.Background()

	job := newJob(entity.PriorityLow, time.Now())
	require.NoError(t, repo.Create(ctx, job))

	snap, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)

	_, err = repo.ClaimRunning(ctx, job.ID, time.Now())
	require.NoError(t, err)

	assert.Equal(t, entity.StatusQueued, snap.Status, "snapshot must not observe later writes")
}
