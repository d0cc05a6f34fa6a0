package stats

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"dispatchd/internal/dispatch"
	"dispatchd/internal/eventbus"
	"dispatchd/internal/quota"
	"dispatchd/internal/transport"
	logx "dispatchd/pkg/logx"
)

func TestAggregatorSnapshot(t *testing.T) {
	t.Parallel()
	a := NewAggregator()
	t0 := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)

	a.Admitted(dispatch.Job{})
	a.Admitted(dispatch.Job{})
	a.Admitted(dispatch.Job{})
	a.Rejected(dispatch.CodeDuplicate)
	a.Rejected(dispatch.CodeRecipientLimit)
	a.Rejected(dispatch.CodeRecipientLimit)
	a.Deferred(dispatch.Job{}, dispatch.CodeMinuteLimit)
	a.Retried(dispatch.Job{})
	a.Sent(dispatch.Job{Attempts: 1, EnqueuedAt: t0, SentAt: t0.Add(10 * time.Second)})
	a.Sent(dispatch.Job{Attempts: 2, EnqueuedAt: t0, SentAt: t0.Add(30 * time.Second)})
	a.Failed(dispatch.Job{Error: "gateway 502"})
	a.Cancelled(dispatch.Job{})

	s := a.Snapshot()
	if s.Admitted != 3 || s.Rejected != 3 || s.RejectedBy["recipient_limit"] != 2 || s.Deferred != 1 {
		t.Fatalf("snapshot = %+v", s)
	}
	if s.Sent != 2 || s.Failed != 1 || s.Cancelled != 1 || s.Retried != 1 {
		t.Fatalf("snapshot = %+v", s)
	}
	if s.AvgAttempts != 1.5 || s.AvgLatency != 20*time.Second {
		t.Fatalf("averages = %v, %v", s.AvgAttempts, s.AvgLatency)
	}
	if s.SuccessRate < 0.66 || s.SuccessRate > 0.67 {
		t.Fatalf("success rate = %v", s.SuccessRate)
	}
	if s.LastFailure != "gateway 502" || !s.LastSentAt.Equal(t0.Add(30*time.Second)) {
		t.Fatalf("last = %q %v", s.LastFailure, s.LastSentAt)
	}
}

func metricValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		var sum float64
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				sum += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				sum += m.GetGauge().GetValue()
			}
		}
		return sum
	}
	t.Fatalf("metric %s not gathered", name)
	return 0
}

func TestPrometheusExport(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	a := NewAggregator()
	if err := a.Register(reg); err != nil {
		t.Fatal(err)
	}
	if err := a.Register(reg); err == nil {
		t.Fatal("double registration should fail")
	}
	snap := dispatch.Snapshot{Connection: transport.PhaseReady, QueueDepth: 7, Quota: quota.Snapshot{Today: quota.WindowUsage{Count: 12}}}
	if err := RegisterStatus(reg, func() dispatch.Snapshot { return snap }); err != nil {
		t.Fatal(err)
	}

	a.Rejected(dispatch.CodeQuietHours)
	a.Rejected(dispatch.CodeDuplicate)
	a.Sent(dispatch.Job{Attempts: 1})
	a.Failed(dispatch.Job{})

	cases := map[string]float64{
		"dispatchd_jobs_rejected_total": 2,
		"dispatchd_jobs_finished_total": 2,
		"dispatchd_queue_depth":         7,
		"dispatchd_connection_ready":    1,
		"dispatchd_quota_day_used":      12,
	}
	for name, want := range cases {
		if got := metricValue(t, reg, name); got != want {
			t.Fatalf("%s = %v, want %v", name, got, want)
		}
	}
}

func TestReporterPublishes(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4, eventbus.QuotaUpdate)
	defer unsub()
	agg := NewAggregator()
	agg.Sent(dispatch.Job{Attempts: 1})
	status := func() dispatch.Snapshot {
		return dispatch.Snapshot{Connection: transport.PhaseReady, QueueDepth: 3}
	}
	r := NewReporter("@every 1s", time.UTC, status, agg, bus, logx.Nop())

	rep := r.Report()
	if rep.QueueDepth != 3 || rep.Stats.Sent != 1 {
		t.Fatalf("report = %+v", rep)
	}
	<-ch

	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	defer r.Stop(context.Background())
	select {
	case e := <-ch:
		if got := e.Data.(Report); got.Connection != transport.PhaseReady {
			t.Fatalf("scheduled report = %+v", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no scheduled quota_update")
	}
}

func TestReporterBadSpec(t *testing.T) {
	t.Parallel()
	r := NewReporter("every now and then", nil, nil, nil, nil, logx.Nop())
	if err := r.Start(context.Background()); err == nil {
		t.Fatal("expected parse error")
	}
	r.Stop(context.Background())
}
