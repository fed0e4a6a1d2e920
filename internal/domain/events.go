package domain

import "time"

// EventType enumerates lifecycle events emitted by the queue, dispatcher,
// and worker pool. Observers (UI, audit) update from these.
type EventType string

const (
	EventJobSubmitted  EventType = "job_submitted"
	EventJobQueued     EventType = "job_queued"
	EventJobStarted    EventType = "job_started"
	EventJobCompleted  EventType = "job_completed"
	EventJobFailed     EventType = "job_failed"
	EventJobCancelled  EventType = "job_cancelled"
	EventJobRetry      EventType = "job_retry"
	EventWaitingInput  EventType = "waiting_input"
	EventWorkerSpawned EventType = "worker_spawned"
	EventWorkerRemoved EventType = "worker_removed"
)

// Event is one lifecycle notification.
type Event struct {
	Type     EventType `json:"type"`
	JobID    string    `json:"job_id,omitempty"`
	WorkerID string    `json:"worker_id,omitempty"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// EventSink receives lifecycle events. Implementations must not block.
type EventSink interface {
	Publish(ctx Context, ev Event)
}

// NopSink discards all events.
type NopSink struct{}

// Publish implements EventSink.
func (NopSink) Publish(Context, Event) {}
