package dispatch

import (
	"fmt"
	"time"

	"dispatchd/internal/recipient"
	"dispatchd/internal/transport"
)

type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// ParsePriority accepts "", "normal" and "high".
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case "", PriorityNormal:
		return PriorityNormal, nil
	case PriorityHigh:
		return PriorityHigh, nil
	}
	return "", fmt.Errorf("unknown priority %q", s)
}

type Status string

const (
	StatusQueued    Status = "queued"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusRetrying  Status = "retrying"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the job has left the live queue for good.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusCancelled
}

// Job is a read-only copy of a job's state.
type Job struct {
	ID           string    `json:"id"`
	Recipient    string    `json:"recipient"`
	Priority     Priority  `json:"priority"`
	Status       Status    `json:"status"`
	Attachment   bool      `json:"attachment,omitempty"`
	RetryCount   int       `json:"retry_count"`
	Attempts     int       `json:"attempts"`
	Deferrals    int       `json:"deferrals,omitempty"`
	LastDeferral string    `json:"last_deferral,omitempty"`
	MessageID    string    `json:"message_id,omitempty"`
	Code         Code      `json:"code,omitempty"`
	Error        string    `json:"error,omitempty"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	SentAt       time.Time `json:"sent_at,omitempty"`
	FinishedAt   time.Time `json:"finished_at,omitempty"`
}

// entry is the mutable job owned by the queue or, during an attempt, by the
// processing loop. All fields are guarded by Service.mu.
type entry struct {
	Job
	to       recipient.Recipient
	payload  transport.Payload
	dedupKey string
}

func (e *entry) snapshot() Job { return e.Job }

// JobEvent is the Data of every job_* event.
type JobEvent struct {
	Job      Job           `json:"job"`
	Position int           `json:"position,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	RetryIn  time.Duration `json:"retry_in,omitempty"`
}
