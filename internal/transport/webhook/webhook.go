// Package webhook implements transport.Transport against an HTTP messaging
// gateway that owns the actual platform session.
//
// Gateway API (JSON, optional bearer token):
//
//	POST /session/start        ask the gateway to (re)connect
//	GET  /session/state        {"state", "qr", "account", "reason"}
//	POST /messages             {"to", "text", "attachment"} -> {"messageId"}
//	GET  /contacts/{to}        {"isKnownUser"}
//
// Lifecycle events are derived by polling /session/state.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	rtsup "dispatchd/internal/runtime/supervisor"
	"dispatchd/internal/transport"
	logx "dispatchd/pkg/logx"
)

type Config struct {
	BaseURL string
	Token   string
	// PollInterval is how often the session state is polled for events.
	PollInterval time.Duration
	// MaxPollFailures is the number of consecutive failed polls after which
	// a ready session is reported disconnected.
	MaxPollFailures int
	HTTPTimeout     time.Duration
}

type Transport struct {
	cfg  Config
	log  logx.Logger
	http *http.Client
	base *url.URL

	runMu sync.Mutex
	sup   *rtsup.Supervisor
	out   chan<- transport.Event

	stMu     sync.Mutex
	last     transport.Phase
	lastQR   string
	failures int
}

var _ transport.Transport = (*Transport)(nil)

func New(cfg Config, log logx.Logger) (*Transport, error) {
	raw := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if raw == "" {
		return nil, errors.New("webhook base url is empty")
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("webhook base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("webhook base url: unsupported scheme %q", base.Scheme)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.MaxPollFailures <= 0 {
		cfg.MaxPollFailures = 3
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 60 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Transport{
		cfg:  cfg,
		log:  log.With(logx.Comp("transport.webhook")),
		http: &http.Client{Timeout: cfg.HTTPTimeout},
		base: base,
		last: transport.PhaseDisconnected,
	}, nil
}

// Start asks the gateway to connect and starts the state poller. Calling it
// again while polling only re-issues the connect request.
func (t *Transport) Start(ctx context.Context, out chan<- transport.Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := t.do(ctx, http.MethodPost, "/session/start", nil, nil, http.StatusOK, http.StatusAccepted, http.StatusNoContent); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	t.stMu.Lock()
	t.last = transport.PhaseConnecting
	t.lastQR = ""
	t.failures = 0
	t.stMu.Unlock()

	t.runMu.Lock()
	defer t.runMu.Unlock()
	t.out = out
	if t.sup != nil {
		return nil
	}
	t.sup = rtsup.New(ctx, rtsup.WithLogger(t.log))
	t.sup.GoRestart("webhook.poll", t.pollLoop, rtsup.WithBackoff(500*time.Millisecond, 10*time.Second))
	t.log.Info("polling gateway", logx.String("base", t.base.Redacted()), logx.Duration("interval", t.cfg.PollInterval))
	return nil
}

func (t *Transport) Stop(ctx context.Context) error {
	t.runMu.Lock()
	sup := t.sup
	t.sup = nil
	t.out = nil
	t.runMu.Unlock()
	if sup == nil {
		return nil
	}
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		t.log.Warn("webhook stop", logx.Err(err))
	}
	return nil
}

func (t *Transport) pollLoop(ctx context.Context) error {
	tick := time.NewTicker(t.cfg.PollInterval)
	defer tick.Stop()
	for {
		t.poll(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

func (t *Transport) poll(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, t.cfg.PollInterval+5*time.Second)
	st, err := t.state(pctx)
	cancel()
	if ctx.Err() != nil {
		return
	}

	t.stMu.Lock()
	if err != nil {
		t.failures++
		lost := t.failures == t.cfg.MaxPollFailures && t.last == transport.PhaseReady
		if lost {
			t.last = transport.PhaseDisconnected
		}
		n := t.failures
		t.stMu.Unlock()
		t.log.Debug("state poll failed", logx.Int("consecutive", n), logx.Err(err))
		if lost {
			t.emit(ctx, transport.Event{Kind: transport.EventDisconnected, Reason: "gateway unreachable: " + err.Error()})
		}
		return
	}
	t.failures = 0
	ev, changed := translate(t.last, t.lastQR, st)
	if changed {
		t.last = st.phase()
		t.lastQR = st.QR
	}
	t.stMu.Unlock()
	if changed && ev.Kind != "" {
		t.emit(ctx, ev)
	}
}

// translate turns a state observation into the event it implies. A connecting
// gateway implies nothing; neither does an unchanged phase, except for a new
// pairing code.
func translate(last transport.Phase, lastQR string, st stateResponse) (transport.Event, bool) {
	p := st.phase()
	if p == last && (p != transport.PhaseQRPending || st.QR == lastQR) {
		return transport.Event{}, false
	}
	ev := transport.Event{Time: time.Now(), Reason: st.Reason}
	switch p {
	case transport.PhaseQRPending:
		ev.Kind, ev.QR = transport.EventQR, st.QR
	case transport.PhaseAuthenticated:
		ev.Kind = transport.EventAuthenticated
	case transport.PhaseReady:
		ev.Kind = transport.EventReady
		if st.Account != nil {
			a := *st.Account
			ev.Account = &a
		}
	case transport.PhaseDisconnected:
		ev.Kind = transport.EventDisconnected
	case transport.PhaseAuthFailed:
		ev.Kind = transport.EventAuthFailure
	}
	return ev, true
}

func (t *Transport) emit(ctx context.Context, ev transport.Event) {
	t.runMu.Lock()
	out := t.out
	t.runMu.Unlock()
	if out == nil {
		return
	}
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}

type stateResponse struct {
	State   string                 `json:"state"`
	QR      string                 `json:"qr,omitempty"`
	Account *transport.AccountInfo `json:"account,omitempty"`
	Reason  string                 `json:"reason,omitempty"`
}

// phase maps the gateway's state string; unknown values read as connecting.
func (s stateResponse) phase() transport.Phase {
	p := transport.Phase(strings.ToLower(strings.TrimSpace(s.State)))
	switch p {
	case "qr", "pairing":
		return transport.PhaseQRPending
	case "connected", "open":
		return transport.PhaseReady
	}
	if !p.Valid() {
		return transport.PhaseConnecting
	}
	return p
}

func (t *Transport) state(ctx context.Context) (stateResponse, error) {
	var st stateResponse
	err := t.do(ctx, http.MethodGet, "/session/state", nil, &st, http.StatusOK)
	return st, err
}

func (t *Transport) State(ctx context.Context) (transport.Phase, error) {
	st, err := t.state(ctx)
	if err != nil {
		return "", err
	}
	return st.phase(), nil
}

type sendRequest struct {
	To         string          `json:"to"`
	Text       string          `json:"text,omitempty"`
	Attachment *attachmentBody `json:"attachment,omitempty"`
}

// attachmentBody carries Data base64-encoded, as encoding/json does for []byte.
type attachmentBody struct {
	Name     string `json:"name"`
	MIMEType string `json:"mimeType,omitempty"`
	Data     []byte `json:"data"`
	Caption  string `json:"caption,omitempty"`
}

type sendResponse struct {
	MessageID string `json:"messageId"`
}

func (t *Transport) Send(ctx context.Context, to string, p transport.Payload) (transport.SendResult, error) {
	req := sendRequest{To: to, Text: p.Text}
	if a := p.Attachment; a != nil {
		req.Text = ""
		req.Attachment = &attachmentBody{Name: a.Name, MIMEType: a.MIMEType, Data: a.Data, Caption: a.Caption}
	}
	var resp sendResponse
	if err := t.do(ctx, http.MethodPost, "/messages", req, &resp, http.StatusOK, http.StatusCreated, http.StatusAccepted); err != nil {
		return transport.SendResult{}, err
	}
	if resp.MessageID == "" {
		return transport.SendResult{}, errors.New("gateway response is missing messageId")
	}
	return transport.SendResult{MessageID: resp.MessageID}, nil
}

func (t *Transport) ContactInfo(ctx context.Context, to string) (transport.ContactInfo, error) {
	var resp struct {
		IsKnownUser bool `json:"isKnownUser"`
	}
	if err := t.do(ctx, http.MethodGet, "/contacts/"+url.PathEscape(to), nil, &resp, http.StatusOK); err != nil {
		if errors.Is(err, transport.ErrInvalidRecipient) {
			return transport.ContactInfo{IsKnownUser: false}, nil
		}
		return transport.ContactInfo{}, err
	}
	return transport.ContactInfo{IsKnownUser: resp.IsKnownUser}, nil
}

// StatusError is a non-success gateway response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway %s %s: http %d body=%q", e.Method, e.Path, e.Code, e.Body)
}

// Unwrap maps status codes onto transport sentinels: 404 and 422 reject the
// recipient, 409 and 503 mean no live session.
func (e *StatusError) Unwrap() error {
	switch e.Code {
	case http.StatusNotFound, http.StatusUnprocessableEntity:
		return transport.ErrInvalidRecipient
	case http.StatusConflict, http.StatusServiceUnavailable:
		return transport.ErrNotConnected
	}
	return nil
}

const maxErrorBody = 512

func (t *Transport) do(ctx context.Context, method, path string, in, out any, okCodes ...int) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.base.String()+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := strings.TrimSpace(t.cfg.Token); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := t.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	ok := false
	for _, c := range okCodes {
		if resp.StatusCode == c {
			ok = true
			break
		}
	}
	if !ok {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
