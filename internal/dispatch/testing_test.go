package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"dispatchd/internal/content"
	"dispatchd/internal/eventbus"
	"dispatchd/internal/guard"
	"dispatchd/internal/quota"
	"dispatchd/internal/transport"
	"dispatchd/internal/transport/loopback"
	logx "dispatchd/pkg/logx"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeConn struct {
	mu       sync.Mutex
	account  *transport.AccountInfo
	notified []transport.Event
}

func (c *fakeConn) Phase() transport.Phase { return transport.PhaseReady }

func (c *fakeConn) Account() *transport.AccountInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.account
}

func (c *fakeConn) Notify(ctx context.Context, ev transport.Event) {
	c.mu.Lock()
	c.notified = append(c.notified, ev)
	c.mu.Unlock()
}

func (c *fakeConn) events() []transport.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transport.Event(nil), c.notified...)
}

type harness struct {
	svc   *Service
	tr    *loopback.Transport
	conn  *fakeConn
	clock *fakeClock
	bus   eventbus.Bus
}

type setup struct {
	cfg    Config
	limits quota.Limits
	policy guard.Policy
	tr     *loopback.Transport
	deps   func(*Deps)
}

func newHarness(t *testing.T, s setup) *harness {
	t.Helper()
	clk := &fakeClock{now: time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)}
	if s.tr == nil {
		s.tr = loopback.New()
	}
	s.policy.Location = time.UTC
	g := guard.New(quota.New(s.limits, time.UTC, clk.Now()), content.New(content.DefaultConfig()), s.policy)
	bus := eventbus.New()
	d := Deps{Log: logx.Nop(), Bus: bus, Transport: s.tr, Guard: g, Clock: clk}
	if s.deps != nil {
		s.deps(&d)
	}
	svc := New(s.cfg, d)
	conn := &fakeConn{}
	svc.Bind(conn)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Stop(ctx)
	})
	s.tr.Emit(transport.Event{Kind: transport.EventReady})
	return &harness{svc: svc, tr: s.tr, conn: conn, clock: clk, bus: bus}
}

func (h *harness) submit(t *testing.T, to, text string, prio Priority) Receipt {
	t.Helper()
	r, err := h.svc.Submit(context.Background(), Request{To: to, Payload: transport.Payload{Text: text}, Priority: prio})
	if err != nil {
		t.Fatalf("Submit(%s): %v", to, err)
	}
	return r
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) waitStatus(t *testing.T, id string, want Status) Job {
	t.Helper()
	var j Job
	waitFor(t, "job "+id+" "+string(want), func() bool {
		var ok bool
		j, ok = h.svc.Job(id)
		return ok && j.Status == want
	})
	return j
}
