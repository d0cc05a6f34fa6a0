package dispatch

import (
	"errors"
	"fmt"

	"dispatchd/internal/guard"
)

var (
	ErrStopped   = errors.New("dispatcher stopped")
	ErrQueueFull = errors.New("dispatch queue full")
	ErrNotFound  = errors.New("job not found")
	ErrInFlight  = errors.New("job is not queued")
)

// Code is a stable machine-readable reason for a rejection or a terminal
// failure.
type Code string

const (
	CodeInvalidRecipient Code = "invalid_recipient"
	CodeEmptyBody        Code = "empty_body"
	CodeInvalidTemplate  Code = "invalid_template"
	CodeInvalidPriority  Code = "invalid_priority"
	CodeDuplicate        Code = "duplicate"
	CodeQueueFull        Code = "queue_full"
	CodeNotRunning       Code = "not_running"
	CodeContentFlagged   Code = Code(guard.CodeContentFlagged)
	CodeRecipientLimit   Code = Code(guard.CodeRecipientLimit)
	CodeMinSpacing       Code = Code(guard.CodeMinSpacing)
	CodeQuietHours       Code = Code(guard.CodeQuietHours)
	CodeMinuteLimit      Code = Code(guard.CodeMinuteLimit)
	CodeHourLimit        Code = Code(guard.CodeHourLimit)
	CodeDayLimit         Code = Code(guard.CodeDayLimit)

	// Terminal failure codes.
	CodeUnknownRecipient Code = "unknown_recipient"
	CodeSendFailed       Code = "send_failed"
)

// Rejection is returned by Submit when a job is not admitted.
type Rejection struct {
	Code   Code
	Reason string
	Err    error
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("rejected (%s): %s", r.Code, r.Reason)
}

func (r *Rejection) Unwrap() error { return r.Err }

func reject(code Code, reason string) *Rejection {
	return &Rejection{Code: code, Reason: reason}
}

// AsRejection extracts a *Rejection from err.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}
