// Package stats derives operator-facing counters from dispatch outcomes and
// exports them to Prometheus.
package stats

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"dispatchd/internal/dispatch"
	"dispatchd/internal/transport"
)

// Snapshot is the counter view exposed on /status and in quota_update events.
type Snapshot struct {
	Admitted    uint64            `json:"admitted"`
	Rejected    uint64            `json:"rejected"`
	RejectedBy  map[string]uint64 `json:"rejected_by,omitempty"`
	Deferred    uint64            `json:"deferred"`
	DeferredBy  map[string]uint64 `json:"deferred_by,omitempty"`
	Retried     uint64            `json:"retried"`
	Sent        uint64            `json:"sent"`
	Failed      uint64            `json:"failed"`
	Cancelled   uint64            `json:"cancelled"`
	SuccessRate float64           `json:"success_rate"`
	AvgAttempts float64           `json:"avg_attempts"`
	AvgLatency  time.Duration     `json:"avg_latency"`
	LastSentAt  time.Time         `json:"last_sent_at,omitempty"`
	LastFailure string            `json:"last_failure,omitempty"`
	Uptime      time.Duration     `json:"uptime"`
}

// Aggregator implements dispatch.Observer.
type Aggregator struct {
	mu         sync.Mutex
	started    time.Time
	admitted   uint64
	rejected   map[dispatch.Code]uint64
	deferred   map[dispatch.Code]uint64
	retried    uint64
	sent       uint64
	failed     uint64
	cancelled  uint64
	attempts   uint64
	latency    time.Duration
	lastSentAt time.Time
	lastFail   string

	mAdmitted  prometheus.Counter
	mRejected  *prometheus.CounterVec
	mDeferred  *prometheus.CounterVec
	mRetried   prometheus.Counter
	mOutcome   *prometheus.CounterVec
	mAttempts  prometheus.Histogram
	mLatency   prometheus.Histogram
	collectors []prometheus.Collector
}

var _ dispatch.Observer = (*Aggregator)(nil)

const namespace = "dispatchd"

func NewAggregator() *Aggregator {
	a := &Aggregator{
		started:  time.Now(),
		rejected: map[dispatch.Code]uint64{},
		deferred: map[dispatch.Code]uint64{},
		mAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_admitted_total",
			Help: "Jobs accepted into the queue.",
		}),
		mRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_rejected_total",
			Help: "Submissions rejected at admission, by code.",
		}, []string{"code"}),
		mDeferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_deferred_total",
			Help: "Dispatch-time guard denials that requeued a job, by code.",
		}, []string{"code"}),
		mRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_retried_total",
			Help: "Failed send attempts that were scheduled for retry.",
		}),
		mOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_finished_total",
			Help: "Jobs that reached a terminal status.",
		}, []string{"status"}),
		mAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "send_attempts",
			Help:    "Send attempts per successfully sent job.",
			Buckets: []float64{1, 2, 3, 5},
		}),
		mLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "queue_latency_seconds",
			Help:    "Time from admission to successful send.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),
	}
	a.collectors = []prometheus.Collector{a.mAdmitted, a.mRejected, a.mDeferred, a.mRetried, a.mOutcome, a.mAttempts, a.mLatency}
	return a
}

// Register adds the aggregator's collectors to reg.
func (a *Aggregator) Register(reg prometheus.Registerer) error {
	for _, c := range a.collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (a *Aggregator) Admitted(dispatch.Job) {
	a.mu.Lock()
	a.admitted++
	a.mu.Unlock()
	a.mAdmitted.Inc()
}

func (a *Aggregator) Rejected(code dispatch.Code) {
	a.mu.Lock()
	a.rejected[code]++
	a.mu.Unlock()
	a.mRejected.WithLabelValues(string(code)).Inc()
}

func (a *Aggregator) Deferred(_ dispatch.Job, code dispatch.Code) {
	a.mu.Lock()
	a.deferred[code]++
	a.mu.Unlock()
	a.mDeferred.WithLabelValues(string(code)).Inc()
}

func (a *Aggregator) Retried(dispatch.Job) {
	a.mu.Lock()
	a.retried++
	a.mu.Unlock()
	a.mRetried.Inc()
}

func (a *Aggregator) Sent(j dispatch.Job) {
	lat := j.SentAt.Sub(j.EnqueuedAt)
	if lat < 0 {
		lat = 0
	}
	a.mu.Lock()
	a.sent++
	a.attempts += uint64(j.Attempts)
	a.latency += lat
	a.lastSentAt = j.SentAt
	a.mu.Unlock()
	a.mOutcome.WithLabelValues(string(dispatch.StatusSent)).Inc()
	a.mAttempts.Observe(float64(j.Attempts))
	a.mLatency.Observe(lat.Seconds())
}

func (a *Aggregator) Failed(j dispatch.Job) {
	a.mu.Lock()
	a.failed++
	a.lastFail = j.Error
	a.mu.Unlock()
	a.mOutcome.WithLabelValues(string(dispatch.StatusFailed)).Inc()
}

func (a *Aggregator) Cancelled(dispatch.Job) {
	a.mu.Lock()
	a.cancelled++
	a.mu.Unlock()
	a.mOutcome.WithLabelValues(string(dispatch.StatusCancelled)).Inc()
}

func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := Snapshot{
		Admitted:    a.admitted,
		RejectedBy:  byCode(a.rejected),
		DeferredBy:  byCode(a.deferred),
		Retried:     a.retried,
		Sent:        a.sent,
		Failed:      a.failed,
		Cancelled:   a.cancelled,
		LastSentAt:  a.lastSentAt,
		LastFailure: a.lastFail,
		Uptime:      time.Since(a.started),
	}
	for _, n := range a.rejected {
		s.Rejected += n
	}
	for _, n := range a.deferred {
		s.Deferred += n
	}
	if done := a.sent + a.failed; done > 0 {
		s.SuccessRate = float64(a.sent) / float64(done)
	}
	if a.sent > 0 {
		s.AvgAttempts = float64(a.attempts) / float64(a.sent)
		s.AvgLatency = a.latency / time.Duration(a.sent)
	}
	return s
}

func byCode(m map[dispatch.Code]uint64) map[string]uint64 {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]uint64, len(m))
	for k, v := range m {
		out[string(k)] = v
	}
	return out
}

// StatusFunc returns the live dispatcher view.
type StatusFunc func() dispatch.Snapshot

// RegisterStatus exports gauges read from fn at scrape time.
func RegisterStatus(reg prometheus.Registerer, fn StatusFunc) error {
	gauge := func(name, help string, v func(dispatch.Snapshot) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help},
			func() float64 { return v(fn()) })
	}
	cs := []prometheus.Collector{
		gauge("queue_depth", "Jobs waiting in the queue.", func(s dispatch.Snapshot) float64 { return float64(s.QueueDepth) }),
		gauge("connection_ready", "1 when the transport session is ready.", func(s dispatch.Snapshot) float64 {
			if s.Connection == transport.PhaseReady {
				return 1
			}
			return 0
		}),
		gauge("dispatch_paused", "1 when dispatching is paused.", func(s dispatch.Snapshot) float64 {
			if s.Paused {
				return 1
			}
			return 0
		}),
		gauge("quota_minute_used", "Sends in the current minute.", func(s dispatch.Snapshot) float64 { return float64(s.Quota.Minute.Count) }),
		gauge("quota_hour_used", "Sends in the current hour.", func(s dispatch.Snapshot) float64 { return float64(s.Quota.Hour.Count) }),
		gauge("quota_day_used", "Sends today.", func(s dispatch.Snapshot) float64 { return float64(s.Quota.Today.Count) }),
		gauge("unique_recipients_today", "Distinct recipients today.", func(s dispatch.Snapshot) float64 { return float64(s.Quota.UniqueRecipients) }),
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
