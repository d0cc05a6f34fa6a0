package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config selects a driver:
//   - "file": JSON Lines delivery log plus a dedup snapshot and journal
//   - "sqlite": a SQLite database file
//
// An empty Driver or "none" disables storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only
}

// Delivery is one terminal job outcome.
type Delivery struct {
	JobID      string    `json:"job_id"`
	Recipient  string    `json:"recipient"`
	Status     string    `json:"status"`
	Priority   string    `json:"priority"`
	MessageID  string    `json:"message_id,omitempty"`
	Attempts   int       `json:"attempts"`
	Code       string    `json:"code,omitempty"`
	Error      string    `json:"error,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	FinishedAt time.Time `json:"finished_at"`
}
