package queue

import (
	"container/heap"
	"context"
	"sync"

	"github.com/google/uuid"
)

type item struct {
	req Request
	seq uint64
}

type requestHeap []*item

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	ri, rj := h[i].req.Priority.Rank(), h[j].req.Priority.Rank()
	if ri != rj {
		return ri > rj
	}
	// FIFO tie-break within a priority. The monotonic sequence number
	// also disambiguates equal enqueue timestamps.
	return h[i].seq < h[j].seq
}

func (h requestHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *requestHeap) Push(x any) { *h = append(*h, x.(*item)) }

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// memoryQueue is the in-process dispatch queue used by a single-process
// engine: a priority heap guarded by a mutex, with a condition variable
// to block claimers until work arrives.
type memoryQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  requestHeap
	seq    uint64
	closed bool
}

// NewMemory creates an empty in-process priority queue.
func NewMemory() Queue {
	q := &memoryQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *memoryQueue) Enqueue(_ context.Context, req Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	q.seq++
	heap.Push(&q.items, &item{req: req, seq: q.seq})
	q.cond.Signal()
	return nil
}

func (q *memoryQueue) Claim(ctx context.Context) (Request, error) {
	// Wake this claimer when the caller gives up waiting.
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if ctx.Err() != nil {
			return Request{}, ctx.Err()
		}
		if q.closed {
			return Request{}, ErrClosed
		}
		if q.items.Len() > 0 {
			it := heap.Pop(&q.items).(*item)
			return it.req, nil
		}
		q.cond.Wait()
	}
}

func (q *memoryQueue) Ack(context.Context, uuid.UUID) error { return nil }

func (q *memoryQueue) Remove(_ context.Context, jobID uuid.UUID) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, it := range q.items {
		if it.req.JobID == jobID {
			heap.Remove(&q.items, i)
			return true, nil
		}
	}
	return false, nil
}

func (q *memoryQueue) RequeueStale(context.Context, int64) (int64, error) { return 0, nil }

func (q *memoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
	return nil
}
