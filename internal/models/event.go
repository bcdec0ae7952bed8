package models

import "time"

// EventType names a lifecycle event topic.
type EventType string

const (
	EventJobCreated   EventType = "job_created"
	EventJobProgress  EventType = "job_progress"
	EventJobCompleted EventType = "job_completed"
	EventJobFailed    EventType = "job_failed"
	EventJobCancelled EventType = "job_cancelled"
	EventCostAlert    EventType = "cost_alert"
)

// AllEventTypes lists every lifecycle topic.
func AllEventTypes() []EventType {
	return []EventType{
		EventJobCreated,
		EventJobProgress,
		EventJobCompleted,
		EventJobFailed,
		EventJobCancelled,
		EventCostAlert,
	}
}

// IsTerminal reports whether the event closes a job's event stream.
func (t EventType) IsTerminal() bool {
	return t == EventJobCompleted || t == EventJobFailed || t == EventJobCancelled
}

// Event is a best-effort lifecycle notification.
type Event struct {
	Type      EventType              `json:"type"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp time.Time              `json:"timestamp"`
}

// JobID returns the payload's jobId, or "" when absent.
func (e Event) JobID() string {
	id, _ := e.Payload["jobId"].(string)
	return id
}
