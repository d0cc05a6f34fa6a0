// Package dispatch owns the live job queue and the single processing loop
// that releases jobs to the transport.
//
// One mutex (Service.mu) serializes the queue, the quota tracker behind the
// guard, and the pause/resume flag, so admission checks and dequeues never
// race. The loop drops the lock for every blocking step: the send itself and
// all pacing waits.
package dispatch

import (
	"context"
	"sync"
	"time"

	"dispatchd/internal/clock"
	"dispatchd/internal/eventbus"
	"dispatchd/internal/guard"
	"dispatchd/internal/quota"
	rtsup "dispatchd/internal/runtime/supervisor"
	"dispatchd/internal/storage"
	"dispatchd/internal/transport"
	logx "dispatchd/pkg/logx"
)

type Config struct {
	MinDelay          time.Duration
	MaxDelay          time.Duration
	BreakAfter        int
	BreakDuration     time.Duration
	LongBreakAfter    int
	LongBreakDuration time.Duration

	MaxAttempts  int
	RetryBackoff time.Duration

	SendTimeout  time.Duration
	StateTimeout time.Duration

	QueueMax     int
	DedupWindow  time.Duration
	MaxDeferWait time.Duration
	// HistoryMax bounds how many finished jobs stay queryable by id.
	HistoryMax int
}

func (c Config) withDefaults() Config {
	if c.MaxDelay < c.MinDelay {
		c.MaxDelay = c.MinDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff < 0 {
		c.RetryBackoff = 0
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.QueueMax <= 0 {
		c.QueueMax = 10000
	}
	if c.MaxDeferWait <= 0 {
		c.MaxDeferWait = time.Minute
	}
	if c.HistoryMax <= 0 {
		c.HistoryMax = 1000
	}
	return c
}

// Deps are the collaborators of a Service. Transport and Guard are
// required; the rest are optional.
type Deps struct {
	Log       logx.Logger
	Bus       eventbus.Bus
	Transport transport.Transport
	Guard     *guard.Guard
	Contacts  ContactChecker
	Store     storage.Store
	Sent      SentCache
	Observer  Observer
	Clock     clock.Clock
	Jitter    *clock.Jitter
}

type Service struct {
	mu sync.Mutex

	log      logx.Logger
	bus      eventbus.Bus
	tr       transport.Transport
	guard    *guard.Guard
	contacts ContactChecker
	store    storage.Store
	sent     SentCache
	obs      Observer
	clock    clock.Clock
	jitter   *clock.Jitter
	cfg      Config
	conn     Connection

	q        queue
	jobs     map[string]*entry
	finished []string
	pending  map[string]int
	dedup    map[string]time.Time
	inflight *entry

	accepting   bool
	ready       bool
	runCtx      context.Context
	drainCtx    context.Context
	drainCancel context.CancelFunc
	sup         *rtsup.Supervisor
	wake        chan struct{}

	persistCh   chan persistOp
	persistDone chan struct{}
}

func New(cfg Config, d Deps) *Service {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Observer == nil {
		d.Observer = nopObserver{}
	}
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Jitter == nil {
		d.Jitter = clock.NewJitter(0)
	}
	return &Service{
		log:      d.Log.With(logx.Comp("dispatch")),
		bus:      d.Bus,
		tr:       d.Transport,
		guard:    d.Guard,
		contacts: d.Contacts,
		store:    d.Store,
		sent:     d.Sent,
		obs:      d.Observer,
		clock:    d.Clock,
		jitter:   d.Jitter,
		cfg:      cfg.withDefaults(),
		jobs:     map[string]*entry{},
		pending:  map[string]int{},
		dedup:    map[string]time.Time{},
		wake:     make(chan struct{}, 1),
	}
}

// Bind attaches the connection machine. Call before Start.
func (s *Service) Bind(c Connection) {
	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()
}

// Start begins accepting jobs and runs the processing loop. Calling Start on
// a running service is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return nil
	}
	sup := rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.sup = sup
	s.runCtx = sup.Context()
	s.accepting = true
	if s.ready {
		s.drainCtx, s.drainCancel = context.WithCancel(s.runCtx)
	}
	s.persistCh = make(chan persistOp, 256)
	s.persistDone = make(chan struct{})
	persistCh, persistDone := s.persistCh, s.persistDone
	s.mu.Unlock()

	go s.persistLoop(persistCh, persistDone)
	sup.Go0("dispatch.loop", s.loop)
	s.signal()
	s.log.Info("dispatcher started",
		logx.Int("queue_max", s.cfg.QueueMax),
		logx.Int("max_attempts", s.cfg.MaxAttempts),
		logx.Duration("min_delay", s.cfg.MinDelay),
		logx.Duration("max_delay", s.cfg.MaxDelay))
	return nil
}

// Stop stops admission, lets the in-flight send finish (bounded by ctx), and
// discards whatever is still queued.
func (s *Service) Stop(ctx context.Context) error {
	start := time.Now()
	s.mu.Lock()
	sup := s.sup
	if sup == nil {
		s.mu.Unlock()
		return nil
	}
	s.accepting = false
	s.mu.Unlock()

	err := sup.Stop(ctx)

	s.mu.Lock()
	s.sup = nil
	if s.drainCancel != nil {
		s.drainCancel()
		s.drainCancel = nil
	}
	s.drainCtx = nil
	dropped := s.q.Drain()
	for _, e := range dropped {
		s.releaseLocked(e)
		delete(s.jobs, e.ID)
	}
	persistCh, persistDone := s.persistCh, s.persistDone
	s.persistCh = nil
	s.mu.Unlock()

	if persistCh != nil {
		close(persistCh)
		select {
		case <-persistDone:
		case <-ctx.Done():
		}
	}
	if len(dropped) > 0 {
		s.log.Warn("queued jobs discarded on stop", logx.Int("count", len(dropped)))
	}
	s.log.Info("dispatcher stopped", logx.Duration("took", time.Since(start)))
	return err
}

// Resume lets the loop dequeue. No-op when already resumed.
func (s *Service) Resume() {
	s.mu.Lock()
	if s.ready {
		s.mu.Unlock()
		return
	}
	s.ready = true
	if s.runCtx != nil && s.sup != nil {
		s.drainCtx, s.drainCancel = context.WithCancel(s.runCtx)
	}
	depth := s.q.Len()
	s.mu.Unlock()
	s.log.Info("dispatch resumed", logx.Int("queued", depth))
	s.signal()
}

// Pause stops new dequeues and cuts pacing waits short. An in-flight send is
// not interrupted.
func (s *Service) Pause() {
	s.mu.Lock()
	if !s.pauseLocked() {
		s.mu.Unlock()
		return
	}
	depth := s.q.Len()
	s.mu.Unlock()
	s.log.Info("dispatch paused", logx.Int("queued", depth))
}

func (s *Service) pauseLocked() bool {
	if !s.ready {
		return false
	}
	s.ready = false
	if s.drainCancel != nil {
		s.drainCancel()
		s.drainCancel = nil
	}
	s.drainCtx = nil
	return true
}

func (s *Service) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Snapshot is the read-only status view.
type Snapshot struct {
	Connection   transport.Phase `json:"connection_phase"`
	Running      bool            `json:"running"`
	Paused       bool            `json:"paused"`
	IsProcessing bool            `json:"is_processing"`
	QueueDepth   int             `json:"queue_depth"`
	HighDepth    int             `json:"high_depth"`
	NormalDepth  int             `json:"normal_depth"`
	InFlight     *Job            `json:"in_flight,omitempty"`
	Quota        quota.Snapshot  `json:"quota"`
}

func (s *Service) Status() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	high, normal := s.q.Depths()
	snap := Snapshot{
		Connection:  transport.PhaseDisconnected,
		Running:     s.sup != nil,
		Paused:      !s.ready,
		QueueDepth:  high + normal,
		HighDepth:   high,
		NormalDepth: normal,
		Quota:       s.guard.Tracker().Snapshot(s.clock.Now()),
	}
	if s.conn != nil {
		snap.Connection = s.conn.Phase()
	}
	if s.inflight != nil {
		j := s.inflight.snapshot()
		snap.InFlight = &j
	}
	snap.IsProcessing = snap.Running && (s.inflight != nil || (s.ready && snap.QueueDepth > 0))
	return snap
}

// Job returns the state of a live or recently finished job.
func (s *Service) Job(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return e.snapshot(), true
}

// Jobs lists queued jobs in dispatch order.
func (s *Service) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, s.q.Len())
	s.q.Each(func(_ int, e *entry) bool {
		out = append(out, e.snapshot())
		return true
	})
	return out
}

// Cancel removes a queued job or one waiting out a retry backoff. A job
// being sent cannot be cancelled.
func (s *Service) Cancel(id string) error {
	s.mu.Lock()
	e, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	switch {
	case e.Status == StatusRetrying && s.inflight == e:
		s.inflight = nil
	case e.Status != StatusQueued || s.q.Remove(id) == nil:
		s.mu.Unlock()
		return ErrInFlight
	}
	e.Status = StatusCancelled
	s.finishLocked(e)
	j := e.snapshot()
	s.mu.Unlock()

	s.log.Info("job cancelled", logx.String("job", j.ID))
	s.obs.Cancelled(j)
	s.publish(eventbus.JobCancelled, JobEvent{Job: j})
	return nil
}

// releaseLocked drops e from the per-recipient pending count.
func (s *Service) releaseLocked(e *entry) {
	k := e.to.Digits()
	if n := s.pending[k] - 1; n > 0 {
		s.pending[k] = n
	} else {
		delete(s.pending, k)
	}
}

// finishLocked retires a terminal job: releases its pending slot, records
// the outcome and keeps it queryable within HistoryMax.
func (s *Service) finishLocked(e *entry) {
	e.FinishedAt = s.clock.Now()
	s.releaseLocked(e)
	s.finished = append(s.finished, e.ID)
	for len(s.finished) > s.cfg.HistoryMax {
		delete(s.jobs, s.finished[0])
		s.finished[0] = ""
		s.finished = s.finished[1:]
	}
	s.persistLocked(persistOp{delivery: deliveryOf(e)})
}

func (s *Service) publish(t eventbus.Type, data JobEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: t, Time: s.clock.Now(), Data: data})
}

func deliveryOf(e *entry) *storage.Delivery {
	return &storage.Delivery{
		JobID:      e.ID,
		Recipient:  e.to.Digits(),
		Status:     string(e.Status),
		Priority:   string(e.Priority),
		MessageID:  e.MessageID,
		Attempts:   e.Attempts,
		Code:       string(e.Code),
		Error:      e.Error,
		EnqueuedAt: e.EnqueuedAt,
		FinishedAt: e.FinishedAt,
	}
}
