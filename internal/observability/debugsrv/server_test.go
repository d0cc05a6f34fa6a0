package debugsrv

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	logx "dispatchd/pkg/logx"
)

func newTestServer(t *testing.T, cfg Config, src Sources) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(New(cfg, src, logx.Nop()).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url, token string) (int, string) {
	t.Helper()
	return do(t, http.MethodGet, url, token)
}

func do(t *testing.T, method, url, token string) (int, string) {
	t.Helper()
	req, _ := http.NewRequest(method, url, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestEndpoints(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatchd_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Add(3)

	srv := newTestServer(t, Config{}, Sources{
		Gatherer: reg,
		Status:   func() any { return map[string]int{"queue_depth": 4} },
	})

	if code, body := get(t, srv.URL+"/healthz", ""); code != 200 || body != "ok" {
		t.Fatalf("healthz = %d %q", code, body)
	}
	code, body := get(t, srv.URL+"/status", "")
	var st map[string]int
	if code != 200 || json.Unmarshal([]byte(body), &st) != nil || st["queue_depth"] != 4 {
		t.Fatalf("status = %d %q", code, body)
	}
	if code, body := get(t, srv.URL+"/metrics", ""); code != 200 || !strings.Contains(body, "dispatchd_test_total 3") {
		t.Fatalf("metrics = %d %q", code, body)
	}
	if code, _ := get(t, srv.URL+"/debug/pprof/", ""); code != http.StatusNotFound {
		t.Fatalf("pprof should be off, got %d", code)
	}
}

func TestHealthFailure(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, Config{PProf: true}, Sources{Health: func() error { return errors.New("dispatcher stopped") }})
	if code, body := get(t, srv.URL+"/healthz", ""); code != http.StatusServiceUnavailable || !strings.Contains(body, "dispatcher stopped") {
		t.Fatalf("healthz = %d %q", code, body)
	}
	if code, _ := get(t, srv.URL+"/debug/pprof/", ""); code != 200 {
		t.Fatalf("pprof index = %d", code)
	}
}

func TestToken(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, Config{Token: "t0k"}, Sources{})
	if code, _ := get(t, srv.URL+"/status", ""); code != http.StatusUnauthorized {
		t.Fatalf("no token = %d", code)
	}
	if code, _ := get(t, srv.URL+"/status", "wrong"); code != http.StatusUnauthorized {
		t.Fatalf("wrong token = %d", code)
	}
	if code, _ := get(t, srv.URL+"/status", "t0k"); code != 200 {
		t.Fatalf("bearer = %d", code)
	}
	if code, _ := get(t, srv.URL+"/status?token=t0k", ""); code != 200 {
		t.Fatalf("query token = %d", code)
	}
}

func TestConnectionRetry(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	retryErr := errors.New("connection is not auth_failed or disconnected: phase is ready")
	var fail atomic.Bool
	srv := newTestServer(t, Config{Token: "t0k"}, Sources{Retry: func() error {
		calls.Add(1)
		if fail.Load() {
			return retryErr
		}
		return nil
	}})

	if code, _ := do(t, http.MethodPost, srv.URL+"/connection/retry", ""); code != http.StatusUnauthorized {
		t.Fatalf("no token = %d", code)
	}
	if code, _ := get(t, srv.URL+"/connection/retry", "t0k"); code != http.StatusMethodNotAllowed {
		t.Fatalf("GET = %d", code)
	}
	if code, _ := do(t, http.MethodPost, srv.URL+"/connection/retry", "t0k"); code != http.StatusAccepted {
		t.Fatalf("POST = %d", code)
	}
	fail.Store(true)
	if code, body := do(t, http.MethodPost, srv.URL+"/connection/retry", "t0k"); code != http.StatusConflict || !strings.Contains(body, "phase is ready") {
		t.Fatalf("POST while ready = %d %q", code, body)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("retry calls = %d, want 2", got)
	}

	plain := newTestServer(t, Config{}, Sources{})
	if code, _ := do(t, http.MethodPost, plain.URL+"/connection/retry", ""); code != http.StatusNotFound {
		t.Fatalf("retry without source = %d", code)
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	s := New(Config{Addr: "127.0.0.1:0"}, Sources{}, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	addr := s.Addr()
	if code, _ := get(t, "http://"+addr+"/healthz", ""); code != 200 {
		t.Fatalf("healthz = %d", code)
	}
	s.Stop(context.Background())
	if s.Addr() != "" {
		t.Fatal("Addr should be empty after Stop")
	}
	s.Stop(context.Background())
}

func TestRefusesPublicBindWithoutToken(t *testing.T) {
	t.Parallel()
	s := New(Config{Addr: "0.0.0.0:0"}, Sources{}, logx.Nop())
	if err := s.Start(context.Background()); err == nil {
		s.Stop(context.Background())
		t.Fatal("expected refusal")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"127.0.0.1:9090": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":9090":          false,
		"0.0.0.0:9090":   false,
		"10.0.0.1:9090":  false,
		"nonsense":       false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v", addr, got)
		}
	}
}
