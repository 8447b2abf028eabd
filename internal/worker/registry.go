package worker

import (
	"sync"

	"github.com/google/uuid"
)

// Handle is the dispatch handle for one in-flight job: a cancellation
// signal observed by the session runner and a done channel closed once
// the job has been finalized.
type Handle struct {
	cancelOnce sync.Once
	cancelCh   chan struct{}
	doneOnce   sync.Once
	doneCh     chan struct{}
}

func newHandle() *Handle {
	return &Handle{
		cancelCh: make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Cancel signals the owning worker. Safe to call more than once.
func (h *Handle) Cancel() {
	h.cancelOnce.Do(func() { close(h.cancelCh) })
}

// CancelCh is the channel the runner selects on at its checkpoints.
func (h *Handle) CancelCh() <-chan struct{} { return h.cancelCh }

// Done is closed once the job reached a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.doneCh }

func (h *Handle) finish() {
	h.doneOnce.Do(func() { close(h.doneCh) })
}

// Registry tracks the dispatch handles of jobs currently owned by
// workers in this process.
type Registry struct {
	mu      sync.Mutex
	handles map[uuid.UUID]*Handle
}

func NewRegistry() *Registry {
	return &Registry{handles: make(map[uuid.UUID]*Handle)}
}

func (r *Registry) Register(jobID uuid.UUID) *Handle {
	h := newHandle()
	r.mu.Lock()
	r.handles[jobID] = h
	r.mu.Unlock()
	return h
}

func (r *Registry) Lookup(jobID uuid.UUID) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[jobID]
	return h, ok
}

// Remove drops the registration, but only if jobID still maps to h: a
// worker that lost the claim race must not unregister the winner.
func (r *Registry) Remove(jobID uuid.UUID, h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handles[jobID] == h {
		delete(r.handles, jobID)
	}
}
