package service_test

import (
	"context"
	"errors"
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
	"github.com/vivektripaathi/remote-job-executor/internal/service"
)

type fakeDispatcher struct {
	mu     sync.Mutex
	acked  bool
	calls  int
	onCall func()
}

func (d *fakeDispatcher) CancelRunning(context.Context, uuid.UUID) (bool, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	if d.onCall != nil {
		d.onCall()
	}
	return d.acked, nil
}

type fakeKiller struct {
	mu     sync.Mutex
	killed []string
	err    error
}

func (k *fakeKiller) Kill(_ context.Context, pid string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.killed = append(k.killed, pid)
	return k.err
}

func newService(t *testing.T) (*service.JobService, *memory.JobRepository, queue.Queue, *fakeDispatcher, *fakeKiller, *loghub.Hub) {
	t.Helper()
	repo := memory.NewJobRepository()
	q := queue.NewMemory()
	d := &fakeDispatcher{}
	k := &fakeKiller{}
	hub := loghub.New()
	svc := service.NewJobService(repo, q, d, k, hub, 3600)
	return svc, repo, q, d, k, hub
}

func TestCreateJob_Valid(t *testing.T) {
	svc, _, q, _, _, _ := newService(t)

	job, err := svc.CreateJob(context.Background(), service.CreateJobRequest{
		Command:        "echo hi",
		Priority:       entity.PriorityHigh,
		TimeoutSeconds: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, entity.StatusQueued, job.Status)
	assert.Equal(t, entity.PriorityHigh, job.Priority)
	assert.NotEqual(t, uuid.Nil, job.ID)

	req, err := q.Claim(context.Background())
	require.NoError(t, err)
	assert.Equal(t, job.ID, req.JobID)
	assert.Equal(t, entity.PriorityHigh, req.Priority)
}

func TestCreateJob_Defaults(t *testing.T) {
	svc, _, _, _, _, _ := newService(t)

	job, err := svc.CreateJob(context.Background(), service.CreateJobRequest{Command: "uptime"})
	require.NoError(t, err)
	assert.Equal(t, entity.PriorityMedium, job.Priority)
	assert.Equal(t, 60, job.TimeoutSeconds)
}

func TestCreateJob_Invalid(t *testing.T) {
	svc, _, _, _, _, _ := newService(t)
	ctx := context.Background()

	cases := []service.CreateJobRequest{
		{Command: ""},
		{Command: "   "},
		{Command: "echo hi", TimeoutSeconds: -1},
		{Command: "echo hi", TimeoutSeconds: 4000},
		{Command: "echo hi", Priority: "Urgent"},
	}
	for _, req := range cases {
		_, err := svc.CreateJob(ctx, req)
		assert.ErrorIs(t, err, entity.ErrInvalidJobRequest, "request %+v", req)
	}
}

func TestCancelJob_QueuedGoesStraightToCancelled(t *testing.T) {
	svc, _, q, d, k, _ := newService(t)
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, service.CreateJobRequest{Command: "sleep 100", TimeoutSeconds: 200})
	require.NoError(t, err)

	got, err := svc.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusCancelled, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Nil(t, got.StartedAt, "a cancelled queued job must never have run")

	// The dispatch request is gone and no remote work happened.
	removed, err := q.Remove(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Empty(t, k.killed)
	assert.Zero(t, d.calls)
}

func TestCancelJob_RunningAcknowledgedByWorker(t *testing.T) {
	svc, repo, _, d, k, _ := newService(t)
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, service.CreateJobRequest{Command: "sleep 100", TimeoutSeconds: 200})
	require.NoError(t, err)

	ok, err := repo.ClaimRunning(ctx, job.ID, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, ok)

	// Simulate the owning worker finalizing on acknowledgment.
	d.acked = true
	d.onCall = func() {
		_, _ = repo.Finalize(ctx, job.ID, entity.Finalization{
			Status:      entity.StatusCancelled,
			CompletedAt: time.Now().UTC(),
		})
	}

	got, err := svc.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusCancelled, got.Status)
	assert.Empty(t, k.killed, "acknowledged cancels must not trigger the out-of-band kill")
}

func TestCancelJob_RunningWithoutLocalHandleKillsRemote(t *testing.T) {
	svc, repo, _, _, k, _ := newService(t)
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, service.CreateJobRequest{Command: "sleep 100", TimeoutSeconds: 200})
	require.NoError(t, err)

	ok, err := repo.ClaimRunning(ctx, job.ID, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, repo.SetRemoteProcessID(ctx, job.ID, "31337"))

	got, err := svc.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusCancelled, got.Status)
	assert.False(t, got.TerminationUnconfirmed)
	assert.Equal(t, []string{"31337"}, k.killed)
}

func TestCancelJob_UnreachableRemoteSetsAdvisoryFlag(t *testing.T) {
	svc, repo, _, _, k, _ := newService(t)
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, service.CreateJobRequest{Command: "sleep 100", TimeoutSeconds: 200})
	require.NoError(t, err)

	ok, err := repo.ClaimRunning(ctx, job.ID, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, repo.SetRemoteProcessID(ctx, job.ID, "31337"))

	k.err = errors.New("host unreachable")

	got, err := svc.CancelJob(ctx, job.ID)
	require.NoError(t, err, "cancel must still succeed when the remote kill cannot be confirmed")
	assert.Equal(t, entity.StatusCancelled, got.Status)
	assert.True(t, got.TerminationUnconfirmed)
}

func TestCancelJob_TerminalFailsWithJobAlreadyTerminal(t *testing.T) {
	svc, repo, _, _, _, _ := newService(t)
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, service.CreateJobRequest{Command: "echo hi", TimeoutSeconds: 5})
	require.NoError(t, err)

	ok, err := repo.ClaimRunning(ctx, job.ID, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, ok)
	_, err = repo.Finalize(ctx, job.ID, entity.Finalization{
		Status:      entity.StatusSuccess,
		CompletedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	// Concurrent cancel attempts after completion must all fail the
	// same way and the status must never regress.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, cerr := svc.CancelJob(ctx, job.ID)
			assert.ErrorIs(t, cerr, entity.ErrJobAlreadyTerminal)
		}()
	}
	wg.Wait()

	got, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusSuccess, got.Status)
}

func TestCancelJob_NotFound(t *testing.T) {
	svc, _, _, _, _, _ := newService(t)
	_, err := svc.CancelJob(context.Background(), uuid.New())
	assert.ErrorIs(t, err, entity.ErrJobNotFound)
}

func TestDeleteJob_OnlyTerminal(t *testing.T) {
	svc, repo, _, _, _, _ := newService(t)
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, service.CreateJobRequest{Command: "echo hi", TimeoutSeconds: 5})
	require.NoError(t, err)

	err = svc.DeleteJob(ctx, job.ID)
	assert.ErrorIs(t, err, entity.ErrJobNotTerminal)

	ok, err := repo.ClaimRunning(ctx, job.ID, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, ok)
	_, err = repo.Finalize(ctx, job.ID, entity.Finalization{
		Status:      entity.StatusFailed,
		Reason:      entity.ReasonNonZeroExit,
		CompletedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	require.NoError(t, svc.DeleteJob(ctx, job.ID))
	_, err = svc.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, entity.ErrJobNotFound)
}

func TestSubscribe_TerminalJobYieldsSingleCompletedEvent(t *testing.T) {
	svc, repo, _, _, _, _ := newService(t)
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, service.CreateJobRequest{Command: "echo hi", TimeoutSeconds: 5})
	require.NoError(t, err)

	ok, err := repo.ClaimRunning(ctx, job.ID, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, ok)
	_, err = repo.Finalize(ctx, job.ID, entity.Finalization{
		Status:      entity.StatusSuccess,
		CompletedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	ch, cancel, err := svc.Subscribe(ctx, job.ID)
	require.NoError(t, err)
	defer cancel()

	var events []loghub.Event
	for ev := range ch {
		events = append(events, ev)
	}
	require.Len(t, events, 1)
	assert.Equal(t, loghub.EventCompleted, events[0].Type)
	assert.Equal(t, entity.StatusSuccess, events[0].Status)
}

// staleOnceRepo serves one stale job snapshot before delegating, so a
// reader can observe a status that has since moved on.
type staleOnceRepo struct {
	*memory.JobRepository
	mu    sync.Mutex
	stale *entity.Job
}

func (r *staleOnceRepo) GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	r.mu.Lock()
	s := r.stale
	r.stale = nil
	r.mu.Unlock()
	if s != nil && s.ID == id {
		return s, nil
	}
	return r.JobRepository.GetByID(ctx, id)
}

func TestSubscribe_JobFinishingDuringSubscribeStillCompletes(t *testing.T) {
	base := memory.NewJobRepository()
	repo := &staleOnceRepo{JobRepository: base}
	q := queue.NewMemory()
	t.Cleanup(func() { _ = q.Close() })
	hub := loghub.New()
	svc := service.NewJobService(repo, q, &fakeDispatcher{}, &fakeKiller{}, hub, 3600)
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, service.CreateJobRequest{Command: "echo hi", TimeoutSeconds: 5})
	require.NoError(t, err)

	ok, err := base.ClaimRunning(ctx, job.ID, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, ok)

	running, err := base.GetByID(ctx, job.ID)
	require.NoError(t, err)

	// The job finishes, and the hub tears its topic down, right after
	// the subscriber's status check observed it as Running.
	_, err = base.Finalize(ctx, job.ID, entity.Finalization{
		Status:      entity.StatusSuccess,
		CompletedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	hub.Complete(job.ID, entity.StatusSuccess)
	repo.stale = running

	ch, cancel, err := svc.Subscribe(ctx, job.ID)
	require.NoError(t, err)
	defer cancel()

	var events []loghub.Event
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			events = append(events, ev)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription never terminated")
	}
	require.Len(t, events, 1)
	assert.Equal(t, loghub.EventCompleted, events[0].Type)
	assert.Equal(t, entity.StatusSuccess, events[0].Status)
	assert.Equal(t, 0, hub.Subscribers(job.ID), "raced subscription must be torn down")
}

func TestSubscribe_LiveJobReceivesLines(t *testing.T) {
	svc, _, _, _, _, hub := newService(t)
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, service.CreateJobRequest{Command: "echo hi", TimeoutSeconds: 5})
	require.NoError(t, err)

	ch, cancel, err := svc.Subscribe(ctx, job.ID)
	require.NoError(t, err)
	defer cancel()

	hub.Publish(job.ID, loghub.StreamStdout, "hello")
	hub.Complete(job.ID, entity.StatusSuccess)

	var events []loghub.Event
	for ev := range ch {
		events = append(events, ev)
	}
	require.Len(t, events, 2)
	assert.Equal(t, "hello", events[0].Line)
	assert.Equal(t, loghub.EventCompleted, events[1].Type)
}
