package dispatch

import (
	"context"
	"time"

	"dispatchd/internal/storage"
	logx "dispatchd/pkg/logx"
)

type sentRecord struct {
	jobID     string
	messageID string
	at        time.Time
}

// persistOp is one best-effort write, applied off the dispatch lock.
type persistOp struct {
	delivery *storage.Delivery
	dedupKey string
	until    time.Time
	sent     *sentRecord
}

// persistLocked queues op for the writer goroutine, dropping it when the
// writer is gone or backed up.
func (s *Service) persistLocked(op persistOp) {
	if s.store == nil {
		op.delivery, op.dedupKey = nil, ""
	}
	if s.sent == nil {
		op.sent = nil
	}
	if op.delivery == nil && op.dedupKey == "" && op.sent == nil {
		return
	}
	if s.persistCh == nil {
		return
	}
	select {
	case s.persistCh <- op:
	default:
		s.log.Warn("persist queue full; write dropped")
	}
}

func (s *Service) persistLoop(ch <-chan persistOp, done chan<- struct{}) {
	defer close(done)
	for op := range ch {
		s.applyPersist(op)
	}
}

func (s *Service) applyPersist(op persistOp) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if op.delivery != nil {
		if err := s.store.AppendDelivery(ctx, *op.delivery); err != nil {
			s.log.Warn("delivery log write failed", logx.String("job", op.delivery.JobID), logx.Err(err))
		}
	}
	if op.dedupKey != "" {
		if err := s.store.PutDedup(ctx, op.dedupKey, op.until); err != nil {
			s.log.Debug("dedup persist failed", logx.Err(err))
		}
	}
	if op.sent != nil {
		if err := s.sent.StoreSent(ctx, op.sent.jobID, op.sent.messageID, op.sent.at); err != nil {
			s.log.Warn("sent cache write failed", logx.String("job", op.sent.jobID), logx.Err(err))
		}
	}
}
