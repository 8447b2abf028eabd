// Package loghub provides the per-job broadcast point between one
// producer (the session runner) and any number of live subscribers.
// Lines are delivered from the moment of subscription onward; there is
// no replay, and nothing is buffered once a job ends.
package loghub

import (
	"sync"

	"github.com/google/uuid"

	"github.com/vivektripaathi/remote-job-executor/internal/entity"
)

type EventType string

const (
	EventLog       EventType = "log"
	EventCompleted EventType = "completed"
)

type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// Event is a single item pushed to subscribers: either one output line
// or the final completed notification carrying the terminal status.
type Event struct {
	Type   EventType        `json:"type"`
	Stream Stream           `json:"stream,omitempty"`
	Line   string           `json:"line,omitempty"`
	Status entity.JobStatus `json:"status,omitempty"`
}

// subscriberBuffer caps each subscriber's pending events. A subscriber
// whose buffer fills is dropped so it can never slow the producer.
const subscriberBuffer = 64

type topic struct {
	subs map[chan Event]struct{}
}

// Hub maps job ids to their broadcast topics. All methods are safe for
// concurrent use.
type Hub struct {
	mu     sync.Mutex
	topics map[uuid.UUID]*topic
}

func New() *Hub {
	return &Hub{topics: make(map[uuid.UUID]*topic)}
}

// Subscribe attaches an observer to the job's broadcast point, creating
// it if needed, and returns the event channel plus an unsubscribe
// function. The channel is closed after the completed event or on
// unsubscribe.
func (h *Hub) Subscribe(jobID uuid.UUID) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	t, ok := h.topics[jobID]
	if !ok {
		t = &topic{subs: make(map[chan Event]struct{})}
		h.topics[jobID] = t
	}
	t.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		t, ok := h.topics[jobID]
		if !ok {
			return
		}
		if _, live := t.subs[ch]; live {
			delete(t.subs, ch)
			close(ch)
		}
		if len(t.subs) == 0 {
			delete(h.topics, jobID)
		}
	}

	return ch, cancel
}

// Publish broadcasts one output line to the job's subscribers. A
// subscriber that cannot keep up is dropped on the spot.
func (h *Hub) Publish(jobID uuid.UUID, stream Stream, line string) {
	h.publish(jobID, Event{Type: EventLog, Stream: stream, Line: line})
}

func (h *Hub) publish(jobID uuid.UUID, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[jobID]
	if !ok {
		return
	}
	for ch := range t.subs {
		select {
		case ch <- ev:
		default:
			delete(t.subs, ch)
			close(ch)
		}
	}
	if len(t.subs) == 0 {
		delete(h.topics, jobID)
	}
}

// Complete emits the terminal event to every subscriber, closes their
// channels and tears the topic down. Further publishes for the job are
// no-ops.
func (h *Hub) Complete(jobID uuid.UUID, status entity.JobStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[jobID]
	if !ok {
		return
	}
	delete(h.topics, jobID)

	ev := Event{Type: EventCompleted, Status: status}
	for ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// Full buffer; the subscriber loses the terminal event rather
			// than blocking teardown.
		}
		close(ch)
	}
}

// Subscribers returns the number of live subscribers for a job.
func (h *Hub) Subscribers(jobID uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[jobID]
	if !ok {
		return 0
	}
	return len(t.subs)
}
