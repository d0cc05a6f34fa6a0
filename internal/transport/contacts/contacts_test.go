package contacts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dispatchd/internal/transport"
	logx "dispatchd/pkg/logx"
)

type fakeSource struct {
	mu    sync.Mutex
	known map[string]bool
	err   error
	calls int
}

func (f *fakeSource) ContactInfo(ctx context.Context, to string) (transport.ContactInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return transport.ContactInfo{}, f.err
	}
	return transport.ContactInfo{IsKnownUser: f.known[to]}, nil
}

func (f *fakeSource) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestKnownCachesAnswers(t *testing.T) {
	t.Parallel()
	src := &fakeSource{known: map[string]bool{"a@c.us": true}}
	c := New(src, Config{RatePerSec: 1000, Burst: 10}, logx.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if ok, err := c.Known(ctx, "a@c.us"); err != nil || !ok {
			t.Fatalf("Known(a) = %v, %v", ok, err)
		}
		if ok, err := c.Known(ctx, "b@c.us"); err != nil || ok {
			t.Fatalf("Known(b) = %v, %v", ok, err)
		}
	}
	if n := src.count(); n != 2 {
		t.Fatalf("source calls = %d, want 2", n)
	}
	if st := c.Stats(); st.Hits != 4 || st.Lookups != 2 {
		t.Fatalf("stats = %+v", st)
	}

	c.Forget("a@c.us")
	_, _ = c.Known(ctx, "a@c.us")
	if n := src.count(); n != 3 {
		t.Fatalf("Forget should force a lookup, calls = %d", n)
	}
}

func TestFailOpen(t *testing.T) {
	t.Parallel()
	src := &fakeSource{err: errors.New("gateway down")}
	c := New(src, Config{FailOpen: true, RatePerSec: 1000, Burst: 10}, logx.Nop())
	ok, err := c.Known(context.Background(), "a@c.us")
	if err != nil || !ok {
		t.Fatalf("Known = %v, %v; want allowed", ok, err)
	}
	if st := c.Stats(); st.Errors != 1 {
		t.Fatalf("stats = %+v", st)
	}
	// Errors are not cached.
	_, _ = c.Known(context.Background(), "a@c.us")
	if n := src.count(); n != 2 {
		t.Fatalf("calls = %d", n)
	}
}

func TestFailClosedReturnsError(t *testing.T) {
	t.Parallel()
	want := errors.New("gateway down")
	c := New(&fakeSource{err: want}, Config{RatePerSec: 1000, Burst: 10}, logx.Nop())
	if _, err := c.Known(context.Background(), "a@c.us"); !errors.Is(err, want) {
		t.Fatalf("err = %v", err)
	}
}

func TestThrottleFailOpenSkipsLookup(t *testing.T) {
	t.Parallel()
	src := &fakeSource{known: map[string]bool{}}
	c := New(src, Config{FailOpen: true, RatePerSec: 0.001, Burst: 1}, logx.Nop())
	ctx := context.Background()

	if ok, _ := c.Known(ctx, "a@c.us"); ok {
		t.Fatal("first lookup should reach the source and say unknown")
	}
	if ok, err := c.Known(ctx, "b@c.us"); err != nil || !ok {
		t.Fatalf("throttled lookup = %v, %v; want allowed", ok, err)
	}
	if n := src.count(); n != 1 {
		t.Fatalf("calls = %d", n)
	}
	if st := c.Stats(); st.Throttled != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestThrottleFailClosedWaitsForContext(t *testing.T) {
	t.Parallel()
	c := New(&fakeSource{known: map[string]bool{}}, Config{RatePerSec: 0.001, Burst: 1}, logx.Nop())
	_, _ = c.Known(context.Background(), "a@c.us")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.Known(ctx, "b@c.us"); !errors.Is(err, ErrThrottled) {
		t.Fatalf("err = %v", err)
	}
}
