package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"

	logx "dispatchd/pkg/logx"
)

const minimalYAML = `
transport:
  base_url: http://127.0.0.1:8080
`

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("c.yaml", []byte(minimalYAML))
	if err != nil {
		t.Fatal(err)
	}
	rt, err := Resolve(cfg)
	if err != nil {
		t.Fatal(err)
	}
	checks := []struct {
		name      string
		got, want any
	}{
		{"kind", rt.Transport.Kind, "webhook"},
		{"per_minute", rt.PerMinute, 10},
		{"per_hour", rt.PerHour, 120},
		{"per_day", rt.PerDay, 0},
		{"per_recipient", rt.PerRecipient, 5},
		{"min_delay", rt.MinDelay, 8 * time.Second},
		{"max_delay", rt.MaxDelay, 20 * time.Second},
		{"break_after", rt.BreakAfter, 20},
		{"break_duration", rt.BreakDuration, 2 * time.Minute},
		{"long_break_after", rt.LongBreakAfter, 100},
		{"long_break_duration", rt.LongBreakDuration, 10 * time.Minute},
		{"max_attempts", rt.MaxAttempts, 3},
		{"backoff", rt.RetryBackoff, 30 * time.Second},
		{"reconnect", rt.ReconnectDelay, 10 * time.Second},
		{"send_timeout", rt.Transport.SendTimeout, 30 * time.Second},
		{"state_timeout", rt.Transport.StateTimeout, 5 * time.Second},
		{"poll_interval", rt.Transport.PollInterval, 3 * time.Second},
		{"min_length", rt.Content.MinLength, 1},
		{"max_length", rt.Content.MaxLength, 4096},
		{"max_urls", rt.Content.MaxURLs, 3},
		{"threshold", rt.Content.PatternThreshold, 2},
		{"queue_max", rt.QueueMax, 10000},
		{"dedup", rt.DedupWindow, time.Duration(0)},
		{"max_defer_wait", rt.MaxDeferWait, time.Minute},
		{"fail_open", rt.Contacts.FailOpen, true},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestExplicitZeroKept(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("c.yaml", []byte(minimalYAML+`
limits:
  per_minute: 0
pacing:
  min_delay: 0s
  max_delay: 0s
  break_after: 0
`))
	if err != nil {
		t.Fatal(err)
	}
	rt, err := Resolve(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if rt.PerMinute != 0 || rt.MinDelay != 0 || rt.MaxDelay != 0 || rt.BreakAfter != 0 {
		t.Fatalf("explicit zeros replaced: %+v", rt)
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	if _, err := Decode("c.yaml", []byte(minimalYAML+"bogus: 1\n")); err == nil {
		t.Fatal("expected unknown field error")
	}
	if _, err := Decode("c.json", []byte(`{"transport":{"base_url":"http://x"}}{}`)); err == nil {
		t.Fatal("expected trailing data error")
	}
	cfg, err := Decode("c.json", []byte(`{"transport":{"kind":"loopback"}}`))
	if err != nil || cfg.Transport.Kind != "loopback" {
		t.Fatalf("json decode: %v %+v", err, cfg)
	}
}

func TestResolveAggregatesErrors(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("c.yaml", []byte(`
transport:
  kind: webhook
pacing:
  min_delay: 30s
  max_delay: 10s
retry:
  backoff: soon
quiet_hours:
  start: 25
alerts:
  enabled: true
`))
	if err != nil {
		t.Fatal(err)
	}
	_, err = Resolve(cfg)
	var merr *multierror.Error
	if !errors.As(err, &merr) {
		t.Fatalf("want *multierror.Error, got %T %v", err, err)
	}
	msg := err.Error()
	for _, want := range []string{
		"transport.base_url",
		"pacing.max_delay",
		"retry.backoff",
		"quiet_hours.start",
		"alerts.telegram_token",
		"alerts.chat_id",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("error missing %q:\n%s", want, msg)
		}
	}
	if len(merr.Errors) != 6 {
		t.Errorf("got %d errors, want 6", len(merr.Errors))
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()
	env := map[string]string{
		EnvGatewayToken:  "gw",
		EnvTelegramToken: "tg",
		EnvRedisPassword: "pw",
	}
	cfg := &Config{Transport: TransportConfig{Token: "file"}, Cache: &CacheConfig{RedisAddr: "x:6379"}}
	ApplyEnv(cfg, func(k string) string { return env[k] })
	if cfg.Transport.Token != "gw" || cfg.Alerts == nil || cfg.Alerts.TelegramToken != "tg" || cfg.Cache.Password != "pw" {
		t.Fatalf("env not applied: %+v %+v %+v", cfg.Transport, cfg.Alerts, cfg.Cache)
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	a, _ := Decode("c.yaml", []byte(minimalYAML))
	b, _ := Decode("c.yaml", []byte(minimalYAML+"logging:\n  level: debug\n"))
	changed, _ := SummarizeChange(a, b)
	if len(changed) != 1 || changed[0] != "logging" || len(RestartRequired(changed)) != 0 {
		t.Fatalf("changed = %v", changed)
	}

	c, _ := Decode("c.yaml", []byte(minimalYAML+"limits:\n  per_minute: 3\n"))
	c.Transport.Token = "secret"
	changed, _ = SummarizeChange(a, c)
	if got := strings.Join(RestartRequired(changed), ","); got != "limits,transport" {
		t.Fatalf("restart required = %q", got)
	}
	if changed, _ := SummarizeChange(a, a); len(changed) != 0 {
		t.Fatalf("identical configs changed %v", changed)
	}
}

func TestManagerLoadAndWatch(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "dispatchd.yaml")
	writeFile(t, path, minimalYAML)

	m := NewManager(path, logx.Nop())
	m.getenv = func(string) string { return "" }
	m.debounce = 20 * time.Millisecond
	cfg, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}
	if m.Get() != cfg {
		t.Fatal("Get should return the committed config")
	}

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// An invalid edit is not published; the next valid one is.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	writeFile(t, path, "retry:\n  backoff: nope\n")
	for {
		select {
		case got := <-ch:
			if got.Logging.Level != "debug" {
				t.Fatalf("published unexpected config: %+v", got.Logging)
			}
			if m.Get().Logging.Level != "debug" {
				t.Fatal("reloaded config not committed")
			}
			return
		case <-tick.C:
			// Rewrite until the watcher is up and sees a change.
			writeFile(t, path, minimalYAML+"logging:\n  level: debug\n")
		case <-deadline:
			t.Fatal("no config published")
		}
	}
}
