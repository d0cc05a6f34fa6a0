// Package alert pushes operator notifications for events that need a human:
// pairing codes, authentication failures, lost connections and jobs that
// failed for good.
//
// Alerts are best-effort. A slow or failing sender drops alerts; it never
// blocks the event bus or the dispatcher.
package alert

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"dispatchd/internal/connection"
	"dispatchd/internal/dispatch"
	"dispatchd/internal/eventbus"
	"dispatchd/internal/recipient"
	rtsup "dispatchd/internal/runtime/supervisor"
	"dispatchd/internal/transport"
	logx "dispatchd/pkg/logx"
)

var (
	ErrQueueFull = errors.New("alert queue full")
	ErrStopped   = errors.New("alert service stopped")
)

// Sender delivers one alert text.
type Sender interface {
	Send(ctx context.Context, text string) error
}

type Config struct {
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// DedupWindow suppresses an identical alert text inside the window.
	DedupWindow time.Duration
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

// Watched is the set of event types that raise an alert.
var Watched = []eventbus.Type{
	eventbus.ConnectionQR,
	eventbus.ConnectionAuthFailed,
	eventbus.ConnectionDisconnected,
	eventbus.JobFailed,
}

type Stats struct {
	Sent    uint64 `json:"sent"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
	Deduped uint64 `json:"deduped"`
}

type Service struct {
	mu sync.Mutex

	cfg     Config
	sender  Sender
	bus     eventbus.Bus
	log     logx.Logger
	limiter *rate.Limiter

	queue chan string
	sup   *rtsup.Supervisor
	unsub func()

	dmu   sync.Mutex
	dedup map[string]time.Time

	sent, failed, dropped, deduped atomic.Uint64
}

func New(cfg Config, sender Sender, bus eventbus.Bus, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		sender: sender,
		bus:    bus,
		log:    log.With(logx.Comp("alert")),
		// Token bucket: burst = rate per sec, so short spikes don't block too hard.
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		dedup:   map[string]time.Time{},
	}
}

// Start subscribes to the bus and runs the send worker. Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.queue = make(chan string, s.cfg.QueueSize)
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	q := s.queue

	if s.bus != nil {
		events, unsub := s.bus.Subscribe(32, Watched...)
		s.unsub = unsub
		s.sup.Go0("alert.listen", func(c context.Context) {
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					if text := Format(e); text != "" {
						_ = s.Notify(c, text)
					}
				}
			}
		})
	}
	s.sup.GoRestart("alert.worker", func(c context.Context) error {
		for {
			select {
			case <-c.Done():
				return c.Err()
			case text := <-q:
				s.sendWithRetry(c, text)
			}
		}
	})
	s.log.Info("alerts started", logx.Int("rate_per_sec", s.cfg.RatePerSec))
}

// Stop unsubscribes and stops the worker. Queued alerts are dropped.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup, unsub := s.sup, s.unsub
	s.sup, s.unsub, s.queue = nil, nil, nil
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	if sup != nil {
		_ = sup.Stop(ctx)
	}
}

// Notify queues text unless an identical alert was sent within DedupWindow.
func (s *Service) Notify(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		return ErrStopped
	}
	if !s.dedupAllow(text, time.Now()) {
		s.deduped.Add(1)
		return nil
	}
	select {
	case q <- text:
		return nil
	default:
		s.dropped.Add(1)
		s.log.Warn("alert dropped (queue full)")
		return ErrQueueFull
	}
}

func (s *Service) Stats() Stats {
	return Stats{Sent: s.sent.Load(), Failed: s.failed.Load(), Dropped: s.dropped.Load(), Deduped: s.deduped.Load()}
}

func (s *Service) sendWithRetry(ctx context.Context, text string) {
	attempts := 1 + s.cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		cctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
		err := s.sender.Send(cctx, text)
		cancel()
		if err == nil {
			s.sent.Add(1)
			return
		}
		lastErr = err
		s.log.Debug("alert send failed", logx.Int("attempt", attempt), logx.Int("max", attempts), logx.Err(err))
		if attempt == attempts {
			break
		}
		t := time.NewTimer(retryDelay(s.cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	s.failed.Add(1)
	s.log.Warn("alert not delivered", logx.Int("attempts", attempts), logx.Err(lastErr))
}

func (s *Service) dedupAllow(text string, now time.Time) bool {
	if s.cfg.DedupWindow <= 0 {
		return true
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	key := strconv.FormatUint(h.Sum64(), 16)

	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = now.Add(s.cfg.DedupWindow)
	return true
}

// retryDelay is base * 2^(attempt-1), capped, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}

// Format renders the alert text for e, or "" when e does not warrant one.
func Format(e eventbus.Event) string {
	switch e.Type {
	case eventbus.ConnectionQR:
		ch, _ := e.Data.(connection.Change)
		if ch.QR == "" {
			return "Pairing required: scan the QR code shown by the gateway."
		}
		return "Pairing required. Scan this code with the account's phone:\n" + ch.QR
	case eventbus.ConnectionAuthFailed:
		ch, _ := e.Data.(connection.Change)
		return fmt.Sprintf("Authentication failed: %s. Re-pair the account and restart the connection.", orUnknown(ch.Reason))
	case eventbus.ConnectionDisconnected:
		ch, _ := e.Data.(connection.Change)
		if ch.From != transport.PhaseReady {
			return ""
		}
		return fmt.Sprintf("Connection lost: %s. Dispatching is paused until it reconnects.", orUnknown(ch.Reason))
	case eventbus.JobFailed:
		ev, ok := e.Data.(dispatch.JobEvent)
		if !ok {
			return ""
		}
		to := ev.Job.Recipient
		if r, err := recipient.Normalize(to); err == nil {
			to = r.Masked()
		}
		return fmt.Sprintf("Job %s to %s failed after %d attempt(s) [%s]: %s", ev.Job.ID, to, ev.Job.Attempts, ev.Job.Code, orUnknown(ev.Job.Error))
	}
	return ""
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown reason"
	}
	return s
}
