package dispatch

import (
	"context"
	"time"

	"dispatchd/internal/transport"
)

// Connection is the view of the connection machine the dispatcher needs.
type Connection interface {
	Phase() transport.Phase
	Account() *transport.AccountInfo
	Notify(ctx context.Context, ev transport.Event)
}

// ContactChecker answers whether an address belongs to a platform user.
// Implementations decide their own fail-open policy and return an error only
// when the send should not proceed yet.
type ContactChecker interface {
	Known(ctx context.Context, to string) (bool, error)
}

// SentCache records remote message ids of successful sends.
type SentCache interface {
	StoreSent(ctx context.Context, jobID, messageID string, sentAt time.Time) error
}

// Observer is told about every job outcome synchronously. Implementations
// must not block.
type Observer interface {
	Admitted(j Job)
	Rejected(code Code)
	Deferred(j Job, code Code)
	Retried(j Job)
	Sent(j Job)
	Failed(j Job)
	Cancelled(j Job)
}

type nopObserver struct{}

func (nopObserver) Admitted(Job)       {}
func (nopObserver) Rejected(Code)      {}
func (nopObserver) Deferred(Job, Code) {}
func (nopObserver) Retried(Job)        {}
func (nopObserver) Sent(Job)           {}
func (nopObserver) Failed(Job)         {}
func (nopObserver) Cancelled(Job)      {}
