package bus

import "time"

// Connection lifecycle topics.
const (
	TopicConnectionOpened = "connection.opened"
	TopicConnectionClosed = "connection.closed"
)

// Request lifecycle topics. Subscribe to "request." for both.
const (
	TopicRequestStarted  = "request.started"
	TopicRequestFinished = "request.finished"
)

// Outcomes carried by RequestFinished.
const (
	OutcomeCompleted = "completed"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
)

// ConnectionEvent is published when a user's channel is installed or removed.
type ConnectionEvent struct {
	UserID string
	// Superseded is set on close events caused by a newer connection.
	Superseded bool
}

// RequestStarted is published once the orchestrator begins a run.
type RequestStarted struct {
	UserID    string
	RequestID string
	Button    string
	Role      string
	Input     string
	StartedAt time.Time
}

// RequestFinished is published when a run leaves the ledger.
type RequestFinished struct {
	UserID    string
	RequestID string
	Button    string
	Role      string
	Input     string
	Output    string // concatenated chunk contents
	Outcome   string
	Error     string
	Chunks    int
	StartedAt time.Time
	Duration  time.Duration
}
