// Package connection tracks the transport session lifecycle.
//
// Transport events and internal commands (reconnect timer, operator retry)
// are funneled into one Run loop, which applies them against a central
// transition table. Entering ready resumes the dispatcher; leaving ready
// pauses it. Entering disconnected schedules exactly one reconnect.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"dispatchd/internal/eventbus"
	"dispatchd/internal/transport"
	logx "dispatchd/pkg/logx"
)

var (
	ErrRunning      = errors.New("connection machine already running")
	ErrNotRetryable = errors.New("connection is not auth_failed or disconnected")
)

// Controller is the dispatcher side of the machine.
type Controller interface {
	Resume()
	Pause()
}

type Config struct {
	ReconnectDelay time.Duration
}

// legal[from][to]. Disconnected and auth_failed are reachable from anywhere,
// except that auth_failed is left only through an operator retry.
var legal = map[transport.Phase]map[transport.Phase]bool{
	transport.PhaseDisconnected: {
		transport.PhaseConnecting: true,
	},
	transport.PhaseConnecting: {
		transport.PhaseQRPending:     true,
		transport.PhaseAuthenticated: true,
		transport.PhaseReady:         true,
	},
	transport.PhaseQRPending: {
		transport.PhaseQRPending:     true,
		transport.PhaseAuthenticated: true,
		transport.PhaseReady:         true,
	},
	transport.PhaseAuthenticated: {
		transport.PhaseReady: true,
	},
	transport.PhaseReady:      {},
	transport.PhaseAuthFailed: {transport.PhaseConnecting: true},
}

// Legal reports whether from -> to is an allowed transition.
func Legal(from, to transport.Phase) bool {
	if from == transport.PhaseAuthFailed && to == transport.PhaseDisconnected {
		return false
	}
	if to == transport.PhaseDisconnected || to == transport.PhaseAuthFailed {
		return true
	}
	return legal[from][to]
}

// Change is the Data of every connection_* event.
type Change struct {
	From    transport.Phase        `json:"from"`
	To      transport.Phase        `json:"to"`
	Reason  string                 `json:"reason,omitempty"`
	QR      string                 `json:"qr,omitempty"`
	Account *transport.AccountInfo `json:"account,omitempty"`
}

type Status struct {
	Phase            transport.Phase        `json:"phase"`
	Since            time.Time              `json:"since"`
	Account          *transport.AccountInfo `json:"account,omitempty"`
	LastReason       string                 `json:"last_reason,omitempty"`
	Reconnects       int                    `json:"reconnects"`
	ReconnectPending bool                   `json:"reconnect_pending"`
}

type command int

const (
	cmdReconnect command = iota + 1
	cmdRetry
)

type Machine struct {
	log  logx.Logger
	bus  eventbus.Bus
	tr   transport.Transport
	ctrl Controller
	cfg  Config

	events  chan transport.Event
	cmds    chan command
	running atomic.Bool

	mu         sync.Mutex
	phase      transport.Phase
	since      time.Time
	account    *transport.AccountInfo
	lastReason string
	reconnects int
	timer      *time.Timer
}

func New(log logx.Logger, bus eventbus.Bus, tr transport.Transport, ctrl Controller, cfg Config) *Machine {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 10 * time.Second
	}
	return &Machine{
		log:    log.With(logx.Comp("connection")),
		bus:    bus,
		tr:     tr,
		ctrl:   ctrl,
		cfg:    cfg,
		events: make(chan transport.Event, 64),
		cmds:   make(chan command, 4),
		phase:  transport.PhaseDisconnected,
		since:  time.Now(),
	}
}

func (m *Machine) Phase() transport.Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Account is the account reported by the last ready event, nil before that.
func (m *Machine) Account() *transport.AccountInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.account
}

func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Phase:            m.phase,
		Since:            m.since,
		Account:          m.account,
		LastReason:       m.lastReason,
		Reconnects:       m.reconnects,
		ReconnectPending: m.timer != nil,
	}
}

// Notify feeds an event into the loop as if the transport had raised it.
// The dispatcher uses it when a state probe finds the session gone.
func (m *Machine) Notify(ctx context.Context, ev transport.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	select {
	case m.events <- ev:
	case <-ctx.Done():
	}
}

// Retry requests a fresh connect after auth_failed or while disconnected.
// It is the only way out of auth_failed.
func (m *Machine) Retry() error {
	if p := m.Phase(); p != transport.PhaseAuthFailed && p != transport.PhaseDisconnected {
		return fmt.Errorf("%w: phase is %s", ErrNotRetryable, p)
	}
	select {
	case m.cmds <- cmdRetry:
	default:
	}
	return nil
}

// Run connects and then processes events until ctx is cancelled.
func (m *Machine) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer m.running.Store(false)

	m.connect(ctx)
	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return nil
		case ev := <-m.events:
			m.handle(ctx, ev)
		case c := <-m.cmds:
			switch c {
			case cmdReconnect:
				m.mu.Lock()
				m.timer = nil
				due := m.phase == transport.PhaseDisconnected
				if due {
					m.reconnects++
				}
				m.mu.Unlock()
				if due {
					m.log.Info("reconnecting")
					m.connect(ctx)
				}
			case cmdRetry:
				if p := m.Phase(); p == transport.PhaseAuthFailed || p == transport.PhaseDisconnected {
					m.cancelReconnect()
					m.connect(ctx)
				}
			}
		}
	}
}

func (m *Machine) connect(ctx context.Context) {
	if !m.apply(transport.PhaseConnecting, Change{}) {
		return
	}
	if err := m.tr.Start(ctx, m.events); err != nil {
		m.log.Warn("transport start failed", logx.Err(err))
		m.apply(transport.PhaseDisconnected, Change{Reason: err.Error()})
	}
}

func (m *Machine) handle(ctx context.Context, ev transport.Event) {
	switch ev.Kind {
	case transport.EventQR:
		m.apply(transport.PhaseQRPending, Change{QR: ev.QR})
	case transport.EventAuthenticated:
		m.apply(transport.PhaseAuthenticated, Change{})
	case transport.EventReady:
		m.apply(transport.PhaseReady, Change{Account: ev.Account})
	case transport.EventDisconnected:
		m.apply(transport.PhaseDisconnected, Change{Reason: ev.Reason})
	case transport.EventAuthFailure:
		m.apply(transport.PhaseAuthFailed, Change{Reason: ev.Reason})
	default:
		m.log.Warn("unknown transport event", logx.String("kind", string(ev.Kind)))
	}
}

var phaseEvents = map[transport.Phase]eventbus.Type{
	transport.PhaseConnecting:    eventbus.ConnectionConnecting,
	transport.PhaseQRPending:     eventbus.ConnectionQR,
	transport.PhaseAuthenticated: eventbus.ConnectionAuthenticated,
	transport.PhaseReady:         eventbus.ConnectionReady,
	transport.PhaseDisconnected:  eventbus.ConnectionDisconnected,
	transport.PhaseAuthFailed:    eventbus.ConnectionAuthFailed,
}

// apply performs one transition and its side effects. It reports whether
// the transition happened.
func (m *Machine) apply(to transport.Phase, ch Change) bool {
	m.mu.Lock()
	from := m.phase
	if from == to && to != transport.PhaseQRPending {
		// Repeated disconnects still make sure a reconnect is pending.
		m.mu.Unlock()
		if to == transport.PhaseDisconnected {
			m.scheduleReconnect()
		}
		return false
	}
	if from == transport.PhaseAuthFailed && to == transport.PhaseDisconnected {
		// Clients commonly report a disconnect right after an auth failure.
		m.mu.Unlock()
		m.log.Debug("disconnect ignored while auth_failed", logx.String("reason", ch.Reason))
		return false
	}
	if !Legal(from, to) {
		m.mu.Unlock()
		m.log.Warn("illegal transition ignored", logx.String("from", string(from)), logx.String("to", string(to)))
		return false
	}
	m.phase = to
	m.since = time.Now()
	if ch.Reason != "" {
		m.lastReason = ch.Reason
	}
	if to == transport.PhaseReady && ch.Account != nil {
		m.account = ch.Account
	}
	m.mu.Unlock()

	ch.From, ch.To = from, to
	lf := []logx.Field{logx.String("from", string(from)), logx.String("to", string(to))}
	if ch.Reason != "" {
		lf = append(lf, logx.String("reason", ch.Reason))
	}
	switch to {
	case transport.PhaseReady:
		m.log.Info("connection ready", lf...)
	case transport.PhaseAuthFailed:
		m.log.Error("authentication failed; operator action required", lf...)
	case transport.PhaseDisconnected:
		m.log.Warn("connection lost", lf...)
	default:
		m.log.Debug("connection transition", lf...)
	}

	if from == transport.PhaseReady {
		m.ctrl.Pause()
	}
	switch to {
	case transport.PhaseReady:
		m.cancelReconnect()
		m.ctrl.Resume()
	case transport.PhaseDisconnected:
		m.scheduleReconnect()
	case transport.PhaseAuthFailed:
		m.cancelReconnect()
	}

	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: phaseEvents[to], Data: ch})
	}
	return true
}

// scheduleReconnect arms the reconnect timer unless one is already armed.
func (m *Machine) scheduleReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		return
	}
	m.log.Info("reconnect scheduled", logx.Duration("in", m.cfg.ReconnectDelay))
	m.timer = time.AfterFunc(m.cfg.ReconnectDelay, func() {
		select {
		case m.cmds <- cmdReconnect:
		default:
		}
	})
}

func (m *Machine) cancelReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Machine) shutdown() {
	m.cancelReconnect()
	m.mu.Lock()
	wasReady := m.phase == transport.PhaseReady
	m.phase = transport.PhaseDisconnected
	m.since = time.Now()
	m.mu.Unlock()
	if wasReady {
		m.ctrl.Pause()
	}
}
