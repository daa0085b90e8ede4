package domain

import "time"

// EventKind names an entry in the session journal.
type EventKind string

const (
	EventSessionStarted   EventKind = "session.started"
	EventFrameProcessed   EventKind = "frame.processed"
	EventQuestionAnswered EventKind = "question.answered"
	EventStepVerified     EventKind = "step.verified"
	EventStepEscalated    EventKind = "step.escalated"
	EventSessionCompleted EventKind = "session.completed"
	EventSessionDeleted   EventKind = "session.deleted"
	EventSessionExpired   EventKind = "session.expired"
)

// Event is an audit record of something that happened to a session.
// Events are write-only history; sessions are never rebuilt from them.
type Event struct {
	ID        int64          `json:"id"`
	SessionID string         `json:"session_id"`
	Kind      EventKind      `json:"kind"`
	Status    Status         `json:"status"`
	StepID    string         `json:"step_id,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
