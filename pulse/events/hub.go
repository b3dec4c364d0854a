// Package events fans job lifecycle changes out to in-process subscribers
// such as the websocket stream.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/teranos/backtestq/pulse/queue"
)

// SubscriberBufferSize is the buffer size for subscriber channels
const SubscriberBufferSize = 100

// Type names a lifecycle change
type Type string

const (
	JobEnqueued  Type = "job.enqueued"
	JobStarted   Type = "job.started"
	JobCompleted Type = "job.completed"
	JobFailed    Type = "job.failed"
	JobCancelled Type = "job.cancelled"
	JobRetried   Type = "job.retried"
	JobUpdated   Type = "job.updated"
	JobRequeued  Type = "job.requeued"
	JobsPurged   Type = "jobs.purged"
)

// Event is a single notification. Job is a snapshot and may be nil for
// bulk events like purges.
type Event struct {
	Type      Type       `json:"type"`
	JobID     string     `json:"job_id,omitempty"`
	OwnerID   string     `json:"owner_id,omitempty"`
	Status    string     `json:"status,omitempty"`
	Job       *queue.Job `json:"job,omitempty"`
	Count     int64      `json:"count,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// ForJob builds an event carrying a snapshot of job
func ForJob(t Type, job *queue.Job) Event {
	return Event{
		Type:      t,
		JobID:     job.ID,
		OwnerID:   job.OwnerID,
		Status:    string(job.Status),
		Job:       job.Clone(),
		Timestamp: time.Now().UTC(),
	}
}

// ForTerminal maps a terminal job to its completed/failed/cancelled event
func ForTerminal(job *queue.Job) Event {
	switch job.Status {
	case queue.StatusCompleted:
		return ForJob(JobCompleted, job)
	case queue.StatusFailed:
		return ForJob(JobFailed, job)
	case queue.StatusCancelled:
		return ForJob(JobCancelled, job)
	default:
		return ForJob(JobUpdated, job)
	}
}

// Publisher is what producers of events depend on
type Publisher interface {
	Publish(ev Event)
}

// Hub is a non-blocking fan-out. Slow subscribers miss events rather than
// stall the dispatcher.
type Hub struct {
	mu          sync.RWMutex
	subscribers []chan Event
	dropped     atomic.Int64
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{subscribers: make([]chan Event, 0)}
}

// Subscribe returns a buffered channel that receives every published event.
// The caller is responsible for calling Unsubscribe when done.
func (h *Hub) Subscribe() chan Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, SubscriberBufferSize)
	h.subscribers = append(h.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel. The channel is NOT closed;
// the caller owns its lifecycle.
func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, sub := range h.subscribers {
		if sub == ch {
			h.subscribers = append(h.subscribers[:i], h.subscribers[i+1:]...)
			return
		}
	}
}

// Publish delivers ev to every subscriber without blocking
func (h *Hub) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subscribers {
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of live subscribers
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Dropped returns how many deliveries were skipped because a subscriber was full
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Nop discards events
type Nop struct{}

func (Nop) Publish(Event) {}
