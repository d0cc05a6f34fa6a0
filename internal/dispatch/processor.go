package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dispatchd/internal/clock"
	"dispatchd/internal/eventbus"
	"dispatchd/internal/guard"
	"dispatchd/internal/transport"
	logx "dispatchd/pkg/logx"
)

func (s *Service) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if s.step(ctx) {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}
	}
}

// step runs one iteration against the head job. It reports false when the
// loop has nothing to do (paused or empty).
func (s *Service) step(ctx context.Context) bool {
	s.mu.Lock()
	if !s.ready || s.drainCtx == nil || s.q.Len() == 0 {
		s.mu.Unlock()
		return false
	}
	drain := s.drainCtx
	e := s.q.Pop()
	d := s.guard.Evaluate(guard.Request{
		Stage:     guard.StageDispatch,
		Recipient: e.to.Digits(),
		Body:      e.payload.Body(),
		Now:       s.clock.Now(),
	})
	if !d.Allowed {
		// Not yet, rather than never: back to the tail of its tier.
		s.q.PushBack(e)
		e.Deferrals++
		e.LastDeferral = d.Reason
		j := e.snapshot()
		s.mu.Unlock()
		s.deferJob(drain, j, d)
		return true
	}
	e.Status = StatusSending
	s.inflight = e
	conn := s.conn
	s.mu.Unlock()

	switch err := s.preflight(ctx, drain, conn, e); {
	case errors.Is(err, errRequeued):
		return true
	case errors.Is(err, errUnknownRecipient):
		s.onFailure(drain, e, err, CodeUnknownRecipient, true)
		return true
	case err != nil:
		s.onFailure(drain, e, err, CodeSendFailed, false)
		return true
	}

	s.mu.Lock()
	e.Attempts++
	attempt := e.Attempts
	s.mu.Unlock()

	s.log.Debug("sending", logx.String("job", e.ID), logx.String("to", e.to.Masked()), logx.Int("attempt", attempt))
	// The send outlives a pause; only the timeout bounds it.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.SendTimeout)
	res, err := s.tr.Send(sctx, e.to.Address(), e.payload)
	timedOut := errors.Is(sctx.Err(), context.DeadlineExceeded)
	cancel()

	switch {
	case err == nil:
		s.onSent(drain, e, res)
	case timedOut:
		s.onFailure(drain, e, fmt.Errorf("send timed out after %s: %w", s.cfg.SendTimeout, err), CodeSendFailed, false)
	default:
		s.onFailure(drain, e, err, CodeSendFailed, errors.Is(err, transport.ErrInvalidRecipient))
	}
	return true
}

func (s *Service) deferJob(drain context.Context, j Job, d guard.Decision) {
	wait := d.RetryAfter
	if wait <= 0 || wait > s.cfg.MaxDeferWait {
		wait = s.cfg.MaxDeferWait
	}
	s.log.Warn("job deferred",
		logx.String("job", j.ID),
		logx.String("code", string(d.Code)),
		logx.String("reason", d.Reason),
		logx.Duration("wait", wait))
	s.obs.Deferred(j, Code(d.Code))
	s.publish(eventbus.JobDeferred, JobEvent{Job: j, Reason: d.Reason, RetryIn: wait})
	_ = clock.Sleep(drain, wait)
}

var (
	errRequeued         = errors.New("job returned to queue")
	errUnknownRecipient = errors.New("recipient is not a platform user")
)

// preflight probes the session and the recipient before a send. It returns
// errRequeued when the job went back to the front of its tier.
func (s *Service) preflight(ctx, drain context.Context, conn Connection, e *entry) error {
	if s.cfg.StateTimeout > 0 {
		pctx, cancel := context.WithTimeout(drain, s.cfg.StateTimeout)
		phase, err := s.tr.State(pctx)
		cancel()
		switch {
		case drain.Err() != nil:
			s.requeueFront(e, false)
			return errRequeued
		case err == nil && phase != transport.PhaseReady:
			s.lost(ctx, conn, e, "state probe reports "+string(phase))
			return errRequeued
		case err != nil:
			if conn == nil || conn.Account() == nil {
				s.lost(ctx, conn, e, "state probe failed: "+err.Error())
				return errRequeued
			}
			s.log.Debug("state probe failed; trusting cached account", logx.Err(err))
		}
	}
	if s.contacts != nil {
		known, err := s.contacts.Known(drain, e.to.Address())
		if drain.Err() != nil {
			s.requeueFront(e, false)
			return errRequeued
		}
		if err != nil {
			return fmt.Errorf("contact check: %w", err)
		}
		if !known {
			return errUnknownRecipient
		}
	}
	return nil
}

// lost handles a session found dead before sending: the job goes back to the
// front, dispatching pauses, and the machine is told.
func (s *Service) lost(ctx context.Context, conn Connection, e *entry, reason string) {
	s.log.Warn("transport not connected; job requeued", logx.String("job", e.ID), logx.String("reason", reason))
	s.requeueFront(e, true)
	if conn != nil {
		conn.Notify(ctx, transport.Event{Kind: transport.EventDisconnected, Reason: reason})
	}
}

func (s *Service) requeueFront(e *entry, pause bool) {
	s.mu.Lock()
	s.inflight = nil
	e.Status = StatusQueued
	s.q.PushFront(e)
	if pause {
		s.pauseLocked()
	}
	s.mu.Unlock()
}

func (s *Service) onSent(drain context.Context, e *entry, res transport.SendResult) {
	now := s.clock.Now()
	s.mu.Lock()
	s.inflight = nil
	e.Status = StatusSent
	e.SentAt = now
	e.MessageID = res.MessageID
	e.Error, e.Code = "", ""
	tr := s.guard.Tracker()
	tr.RecordSend(e.to.Digits(), now)
	tr.RecomputeWarning()
	brk := s.breakDue(tr.SinceBreak(), tr.TotalSent())
	if brk > 0 {
		tr.ResetBreak()
	}
	qs := tr.Snapshot(now)
	s.finishLocked(e)
	s.persistLocked(persistOp{sent: &sentRecord{jobID: e.ID, messageID: res.MessageID, at: now}})
	j := e.snapshot()
	s.mu.Unlock()

	s.log.Info("job sent",
		logx.String("job", j.ID),
		logx.String("to", e.to.Masked()),
		logx.String("message_id", j.MessageID),
		logx.Int("attempts", j.Attempts),
		logx.Duration("latency", now.Sub(j.EnqueuedAt)))
	s.obs.Sent(j)
	s.publish(eventbus.JobSent, JobEvent{Job: j})
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.QuotaUpdate, Time: now, Data: qs})
	}
	s.pace(drain, brk)
}

func (s *Service) onFailure(drain context.Context, e *entry, err error, code Code, permanent bool) {
	s.mu.Lock()
	e.RetryCount++
	e.Error = err.Error()
	if permanent || e.RetryCount >= s.cfg.MaxAttempts {
		s.inflight = nil
		e.Status = StatusFailed
		e.Code = code
		s.finishLocked(e)
		j := e.snapshot()
		s.mu.Unlock()

		s.log.Error("job failed",
			logx.String("job", j.ID),
			logx.String("to", e.to.Masked()),
			logx.String("code", string(code)),
			logx.Int("attempts", j.Attempts),
			logx.Err(err))
		s.obs.Failed(j)
		s.publish(eventbus.JobFailed, JobEvent{Job: j, Reason: j.Error})
		s.pace(drain, 0)
		return
	}
	// The job stays in flight through the backoff so status and idle checks
	// still see it.
	e.Status = StatusRetrying
	j := e.snapshot()
	s.mu.Unlock()

	backoff := s.cfg.RetryBackoff
	s.log.Warn("send failed; retrying",
		logx.String("job", j.ID),
		logx.Int("retry", j.RetryCount),
		logx.Int("max_attempts", s.cfg.MaxAttempts),
		logx.Duration("backoff", backoff),
		logx.Err(err))
	s.obs.Retried(j)
	s.publish(eventbus.JobRetrying, JobEvent{Job: j, Reason: j.Error, RetryIn: backoff})

	_ = clock.Sleep(drain, backoff)
	s.mu.Lock()
	if s.inflight == e {
		s.inflight = nil
	}
	if e.Status == StatusRetrying {
		e.Status = StatusQueued
		s.q.PushFront(e)
	}
	s.mu.Unlock()
}

// breakDue returns the pause owed after a send, if any. A long break wins
// when both cadences land on the same send.
func (s *Service) breakDue(sinceBreak, total int) time.Duration {
	if s.cfg.LongBreakAfter > 0 && total > 0 && total%s.cfg.LongBreakAfter == 0 {
		return s.cfg.LongBreakDuration
	}
	if s.cfg.BreakAfter > 0 && sinceBreak >= s.cfg.BreakAfter {
		return s.cfg.BreakDuration
	}
	return 0
}

// pace applies the inter-message delay and any break. Both waits end early
// when dispatching pauses.
func (s *Service) pace(drain context.Context, brk time.Duration) {
	delay := s.jitter.Between(s.cfg.MinDelay, s.cfg.MaxDelay)
	if delay > 0 {
		s.log.Debug("inter-message delay", logx.Duration("delay", delay))
		if clock.Sleep(drain, delay) != nil {
			return
		}
	}
	if brk > 0 {
		s.log.Info("taking a break", logx.Duration("duration", brk))
		_ = clock.Sleep(drain, brk)
	}
}
