// Package loopback is an in-process Transport. It can auto-connect for local
// runs, and tests script its events and send outcomes.
package loopback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"dispatchd/internal/transport"
)

// SendFunc decides the outcome of one send. Returning a zero SendResult with
// a nil error gets a generated message id.
type SendFunc func(ctx context.Context, to string, p transport.Payload) (transport.SendResult, error)

type Sent struct {
	To      string
	Payload transport.Payload
	ID      string
	At      time.Time
}

type Option func(*Transport)

// WithAutoReady makes Start emit ready (with account) on its own.
func WithAutoReady(account transport.AccountInfo) Option {
	return func(t *Transport) {
		a := account
		t.autoReady = &a
	}
}

func WithSendFunc(fn SendFunc) Option { return func(t *Transport) { t.sendFn = fn } }

// WithSendDelay simulates network latency; the delay observes ctx.
func WithSendDelay(d time.Duration) Option { return func(t *Transport) { t.sendDelay = d } }

type Transport struct {
	mu         sync.Mutex
	out        chan<- transport.Event
	phase      transport.Phase
	starts     int
	seq        int
	sent       []Sent
	autoReady  *transport.AccountInfo
	sendFn     SendFunc
	sendDelay  time.Duration
	stateErr   error
	contacts   map[string]bool
	contactErr error
}

var _ transport.Transport = (*Transport)(nil)

func New(opts ...Option) *Transport {
	t := &Transport{phase: transport.PhaseDisconnected, contacts: map[string]bool{}}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Transport) Start(ctx context.Context, out chan<- transport.Event) error {
	t.mu.Lock()
	t.out = out
	t.starts++
	t.phase = transport.PhaseConnecting
	acct := t.autoReady
	t.mu.Unlock()
	if acct != nil {
		go t.Emit(transport.Event{Kind: transport.EventReady, Account: acct})
	}
	return nil
}

func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	t.phase = transport.PhaseDisconnected
	t.mu.Unlock()
	return nil
}

// Emit raises ev to the consumer given to Start and updates the session
// phase accordingly. It is dropped when Start has not been called.
func (t *Transport) Emit(ev transport.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	t.mu.Lock()
	switch ev.Kind {
	case transport.EventQR:
		t.phase = transport.PhaseQRPending
	case transport.EventAuthenticated:
		t.phase = transport.PhaseAuthenticated
	case transport.EventReady:
		t.phase = transport.PhaseReady
	case transport.EventDisconnected:
		t.phase = transport.PhaseDisconnected
	case transport.EventAuthFailure:
		t.phase = transport.PhaseAuthFailed
	}
	out := t.out
	t.mu.Unlock()
	if out != nil {
		out <- ev
	}
}

// Drop marks the session gone without emitting an event, so only a state
// probe notices.
func (t *Transport) Drop() {
	t.mu.Lock()
	t.phase = transport.PhaseDisconnected
	t.mu.Unlock()
}

func (t *Transport) Send(ctx context.Context, to string, p transport.Payload) (transport.SendResult, error) {
	t.mu.Lock()
	phase, fn, delay := t.phase, t.sendFn, t.sendDelay
	t.mu.Unlock()
	if phase != transport.PhaseReady {
		return transport.SendResult{}, transport.ErrNotConnected
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return transport.SendResult{}, ctx.Err()
		case <-timer.C:
		}
	}
	var res transport.SendResult
	if fn != nil {
		var err error
		if res, err = fn(ctx, to, p); err != nil {
			return transport.SendResult{}, err
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	if res.MessageID == "" {
		res.MessageID = fmt.Sprintf("loop-%d", t.seq)
	}
	t.sent = append(t.sent, Sent{To: to, Payload: p, ID: res.MessageID, At: time.Now()})
	return res, nil
}

func (t *Transport) State(ctx context.Context) (transport.Phase, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stateErr != nil {
		return "", t.stateErr
	}
	return t.phase, nil
}

// SetStateError makes State fail with err (nil restores it).
func (t *Transport) SetStateError(err error) {
	t.mu.Lock()
	t.stateErr = err
	t.mu.Unlock()
}

func (t *Transport) SetSendFunc(fn SendFunc) {
	t.mu.Lock()
	t.sendFn = fn
	t.mu.Unlock()
}

// SetContact records whether to is a platform user. Unset recipients are known.
func (t *Transport) SetContact(to string, known bool) {
	t.mu.Lock()
	t.contacts[to] = known
	t.mu.Unlock()
}

func (t *Transport) SetContactError(err error) {
	t.mu.Lock()
	t.contactErr = err
	t.mu.Unlock()
}

func (t *Transport) ContactInfo(ctx context.Context, to string) (transport.ContactInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.contactErr != nil {
		return transport.ContactInfo{}, t.contactErr
	}
	known, ok := t.contacts[to]
	return transport.ContactInfo{IsKnownUser: !ok || known}, nil
}

func (t *Transport) Sent() []Sent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Sent(nil), t.sent...)
}

func (t *Transport) Starts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.starts
}
