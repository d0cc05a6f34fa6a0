package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"dispatchd/internal/config"
	"dispatchd/internal/dispatch"
	"dispatchd/internal/transport"
	"dispatchd/internal/transport/loopback"
)

type fakeSender struct {
	mu   sync.Mutex
	msgs []string
}

func (f *fakeSender) Send(ctx context.Context, text string) error {
	f.mu.Lock()
	f.msgs = append(f.msgs, text)
	f.mu.Unlock()
	return nil
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dispatchd.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func baseConfig(dir string) string {
	return `
logging:
  level: error
  console: true
transport:
  kind: loopback
pacing:
  min_delay: 0s
  max_delay: 0s
retry:
  backoff: 0s
storage:
  driver: file
  path: ` + filepath.Join(dir, "store") + `
alerts:
  enabled: true
  telegram_token: test
  chat_id: 42
debug:
  enabled: true
  addr: 127.0.0.1:0
`
}

func TestAppEndToEnd(t *testing.T) {
	path := writeConfig(t, baseConfig(t.TempDir()))
	sender := &fakeSender{}
	tr := loopback.New(loopback.WithAutoReady(transport.AccountInfo{ID: "acct"}))

	ctx := context.Background()
	a, err := New(ctx, path, WithTransport(tr), WithAlertSender(sender))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	stopped := false
	t.Cleanup(func() {
		if !stopped {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = a.Stop(sctx, StopDone)
		}
	})

	results := a.Dispatcher().BulkSubmit(ctx, []dispatch.BulkItem{
		{To: "+1 (555) 010-0001", Template: "hello {{.name}}", Vars: map[string]string{"name": "ann"}},
		{To: "15550100002", Template: "hello {{.name}}", Vars: map[string]string{"name": "bob"}},
		{To: "12", Template: "bad recipient"},
	}, dispatch.PriorityNormal)
	if !results[0].Accepted() || !results[1].Accepted() || results[2].Accepted() {
		t.Fatalf("unexpected admission results: %+v", results)
	}

	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.WaitIdle(wctx); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}
	sent := tr.Sent()
	if len(sent) != 2 || sent[0].Payload.Text != "hello ann" || sent[1].Payload.Text != "hello bob" {
		t.Fatalf("sent = %+v", sent)
	}
	for _, r := range results[:2] {
		j, ok := a.Dispatcher().Job(r.Receipt.JobID)
		if !ok || j.Status != dispatch.StatusSent {
			t.Fatalf("job %s = %+v", r.Receipt.JobID, j)
		}
	}

	// Observers run just after the job leaves flight.
	deadline := time.Now().Add(3 * time.Second)
	for a.Status().Stats.Sent < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	st := a.Status()
	if st.Stats.Sent != 2 || st.Stats.Rejected != 1 || st.Connection.Phase != transport.PhaseReady {
		t.Fatalf("status = %+v", st)
	}
	if err := a.Healthy(); err != nil {
		t.Fatalf("Healthy: %v", err)
	}

	resp, err := http.Get("http://" + a.Debug().Addr() + "/status")
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]json.RawMessage
	err = json.NewDecoder(resp.Body).Decode(&doc)
	resp.Body.Close()
	if err != nil || doc["dispatch"] == nil || doc["connection"] == nil {
		t.Fatalf("status doc: %v %v", err, doc)
	}
	resp, err = http.Get("http://" + a.Debug().Addr() + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "dispatchd_queue_depth") {
		t.Fatalf("metrics missing queue depth gauge")
	}

	sctx, scancel := context.WithTimeout(ctx, 5*time.Second)
	defer scancel()
	if err := a.Stop(sctx, StopDone); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	stopped = true
	select {
	case <-a.Done():
	default:
		t.Fatal("Done should be closed after Stop")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
transport:
  kind: carrier-pigeon
limits:
  per_minute: -1
`)
	_, err := New(context.Background(), path)
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"transport.kind", "limits.per_minute"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestApplyReloadLogging(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "logging:\n  level: error\ntransport:\n  kind: loopback\n")
	a, err := New(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Stop(context.Background(), StopDone)

	prev := a.cfgm.Get()
	next, err := config.Decode(path, []byte("logging:\n  level: warn\ntransport:\n  kind: loopback\nlimits:\n  per_minute: 1\n"))
	if err != nil {
		t.Fatal(err)
	}
	a.applyReload(prev, next)
	if got := a.logs.Config().Level; got != "warn" {
		t.Fatalf("logging level = %q, want warn", got)
	}
	// Policy sections are not applied live.
	if a.Runtime().PerMinute != 10 {
		t.Fatalf("per_minute changed live: %d", a.Runtime().PerMinute)
	}
}
