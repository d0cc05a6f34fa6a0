package alert

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"dispatchd/internal/connection"
	"dispatchd/internal/dispatch"
	"dispatchd/internal/eventbus"
	"dispatchd/internal/transport"
	logx "dispatchd/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	texts []string
	fails int
}

func (f *fakeSender) Send(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("telegram 502")
	}
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeSender) got() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
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

func fastConfig() Config {
	return Config{RatePerSec: 1000, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}
}

func TestFormat(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		ev   eventbus.Event
		want string
	}{
		{"qr", eventbus.Event{Type: eventbus.ConnectionQR, Data: connection.Change{QR: "2@abc"}}, "2@abc"},
		{"auth", eventbus.Event{Type: eventbus.ConnectionAuthFailed, Data: connection.Change{Reason: "revoked"}}, "Authentication failed: revoked"},
		{"lost", eventbus.Event{Type: eventbus.ConnectionDisconnected, Data: connection.Change{From: transport.PhaseReady, Reason: "ws closed"}}, "Connection lost: ws closed"},
		{"reconnect attempt", eventbus.Event{Type: eventbus.ConnectionDisconnected, Data: connection.Change{From: transport.PhaseConnecting}}, ""},
		{"job", eventbus.Event{Type: eventbus.JobFailed, Data: dispatch.JobEvent{Job: dispatch.Job{ID: "j1", Recipient: "15550001234", Attempts: 3, Code: dispatch.CodeSendFailed, Error: "timeout"}}}, "failed after 3 attempt(s) [send_failed]: timeout"},
		{"ignored", eventbus.Event{Type: eventbus.JobSent}, ""},
	}
	for _, tc := range cases {
		got := Format(tc.ev)
		if tc.want == "" {
			if got != "" {
				t.Fatalf("%s: got %q, want no alert", tc.name, got)
			}
			continue
		}
		if !strings.Contains(got, tc.want) {
			t.Fatalf("%s: got %q, want it to contain %q", tc.name, got, tc.want)
		}
	}
	if got := Format(cases[4].ev); strings.Contains(got, "15550001234") {
		t.Fatalf("recipient should be masked: %q", got)
	}
}

func TestAlertsFromBus(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	snd := &fakeSender{}
	s := New(fastConfig(), snd, bus, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	bus.Publish(eventbus.Event{Type: eventbus.ConnectionAuthFailed, Data: connection.Change{Reason: "logged out"}})
	bus.Publish(eventbus.Event{Type: eventbus.JobSent})
	bus.Publish(eventbus.Event{Type: eventbus.JobFailed, Data: dispatch.JobEvent{Job: dispatch.Job{ID: "j9", Error: "boom"}}})

	waitFor(t, "two alerts", func() bool { return len(snd.got()) == 2 })
	got := snd.got()
	if !strings.Contains(got[0], "logged out") || !strings.Contains(got[1], "j9") {
		t.Fatalf("alerts = %q", got)
	}
}

func TestRetryThenGiveUp(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{fails: 2}
	s := New(fastConfig(), snd, nil, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Notify(context.Background(), "first"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "retried delivery", func() bool { return s.Stats().Sent == 1 })

	snd.mu.Lock()
	snd.fails = 10
	snd.mu.Unlock()
	_ = s.Notify(context.Background(), "second")
	waitFor(t, "give up", func() bool { return s.Stats().Failed == 1 })
	if got := snd.got(); len(got) != 1 || got[0] != "first" {
		t.Fatalf("delivered = %q", got)
	}
}

func TestDedupAndStopped(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.DedupWindow = time.Hour
	snd := &fakeSender{}
	s := New(cfg, snd, nil, logx.Nop())
	ctx := context.Background()

	if err := s.Notify(ctx, "x"); !errors.Is(err, ErrStopped) {
		t.Fatalf("before Start: %v", err)
	}
	s.Start(ctx)
	s.Start(ctx)
	_ = s.Notify(ctx, "same")
	_ = s.Notify(ctx, "same")
	_ = s.Notify(ctx, "other")
	waitFor(t, "deliveries", func() bool { return len(snd.got()) == 2 })
	if st := s.Stats(); st.Deduped != 1 {
		t.Fatalf("stats = %+v", st)
	}
	s.Stop(ctx)
	if err := s.Notify(ctx, "late"); !errors.Is(err, ErrStopped) {
		t.Fatalf("after Stop: %v", err)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 6; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > time.Second {
			t.Fatalf("attempt %d: delay %v out of bounds", attempt, d)
		}
	}
	if d := retryDelay(cfg, 1); d < 70*time.Millisecond || d > 130*time.Millisecond {
		t.Fatalf("first delay = %v", d)
	}
}

func TestNewTelegramValidates(t *testing.T) {
	t.Parallel()
	if _, err := NewTelegram("", 1); err == nil {
		t.Fatal("empty token should fail")
	}
	if _, err := NewTelegram("123:abc", 0); err == nil {
		t.Fatal("empty chat should fail")
	}
	tg, err := NewTelegram("123:abc", 42)
	if err != nil {
		t.Fatalf("offline bot: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := tg.Send(ctx, "hi"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Send with canceled ctx = %v", err)
	}
}
