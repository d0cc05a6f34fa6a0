package stats

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"dispatchd/internal/eventbus"
	"dispatchd/internal/quota"
	"dispatchd/internal/transport"
	logx "dispatchd/pkg/logx"
)

// Report is the Data of a quota_update event.
type Report struct {
	At         time.Time       `json:"at"`
	Connection transport.Phase `json:"connection_phase"`
	QueueDepth int             `json:"queue_depth"`
	Quota      quota.Snapshot  `json:"quota"`
	Stats      Snapshot        `json:"stats"`
}

const DefaultSpec = "@every 1m"

// Reporter periodically publishes a quota_update event on a cron schedule.
type Reporter struct {
	spec   string
	loc    *time.Location
	status StatusFunc
	agg    *Aggregator
	bus    eventbus.Bus
	log    logx.Logger

	parser cron.Parser
	mu     sync.Mutex
	c      *cron.Cron
}

func NewReporter(spec string, loc *time.Location, status StatusFunc, agg *Aggregator, bus eventbus.Bus, log logx.Logger) *Reporter {
	if strings.TrimSpace(spec) == "" {
		spec = DefaultSpec
	}
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reporter{
		spec:   spec,
		loc:    loc,
		status: status,
		agg:    agg,
		bus:    bus,
		log:    log.With(logx.Comp("stats")),
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Start schedules the report. A second Start is a no-op.
func (r *Reporter) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c != nil {
		return nil
	}
	sched, err := r.parser.Parse(r.spec)
	if err != nil {
		return fmt.Errorf("reporter spec %q: %w", r.spec, err)
	}
	r.c = cron.New(cron.WithParser(r.parser), cron.WithLocation(r.loc))
	r.c.Schedule(sched, cron.FuncJob(func() { r.Report() }))
	r.c.Start()
	r.log.Info("reporter started", logx.String("spec", r.spec))
	return nil
}

func (r *Reporter) Stop(ctx context.Context) {
	r.mu.Lock()
	c := r.c
	r.c = nil
	r.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Report publishes one quota_update now and returns it.
func (r *Reporter) Report() Report {
	rep := Report{At: time.Now()}
	if r.status != nil {
		s := r.status()
		rep.Connection, rep.QueueDepth, rep.Quota = s.Connection, s.QueueDepth, s.Quota
	}
	if r.agg != nil {
		rep.Stats = r.agg.Snapshot()
	}
	r.log.Info("quota report",
		logx.String("connection", string(rep.Connection)),
		logx.Int("queue_depth", rep.QueueDepth),
		logx.Int("sent_today", rep.Quota.Today.Count),
		logx.Int("sent_hour", rep.Quota.Hour.Count),
		logx.Int("unique_recipients", rep.Quota.UniqueRecipients),
		logx.String("warning", string(rep.Quota.Warning)),
		logx.Int64("failed", int64(rep.Stats.Failed)),
		logx.Float64("success_rate", rep.Stats.SuccessRate))
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.QuotaUpdate, Time: rep.At, Data: rep})
	}
	return rep
}
