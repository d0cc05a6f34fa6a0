// Package app wires the dispatcher, its transport and the supporting
// services from one config file, and owns their start/stop ordering.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"dispatchd/internal/alert"
	"dispatchd/internal/cache"
	"dispatchd/internal/config"
	"dispatchd/internal/connection"
	"dispatchd/internal/dispatch"
	"dispatchd/internal/eventbus"
	"dispatchd/internal/observability/debugsrv"
	rtsup "dispatchd/internal/runtime/supervisor"
	"dispatchd/internal/stats"
	"dispatchd/internal/storage"
	"dispatchd/internal/transport"
	"dispatchd/internal/transport/contacts"
	logx "dispatchd/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	rt   *config.Runtime
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	reg  *prometheus.Registry

	store    storage.Store
	sent     *cache.RedisCache
	tr       transport.Transport
	contacts *contacts.Checker
	disp     *dispatch.Service
	machine  *connection.Machine
	agg      *stats.Aggregator
	reporter *stats.Reporter
	alerts   *alert.Service
	debug    *debugsrv.Service

	started time.Time
}

type Option func(*options)

type options struct {
	tr     transport.Transport
	sender alert.Sender
}

// WithTransport replaces the configured transport.
func WithTransport(tr transport.Transport) Option { return func(o *options) { o.tr = tr } }

// WithAlertSender replaces the Telegram alert sender.
func WithAlertSender(s alert.Sender) Option { return func(o *options) { o.sender = s } }

// New loads cfgPath and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	logSvc, boot := logx.New(logx.Config{Level: "info", Console: true})
	cfgm := config.NewManager(cfgPath, boot)
	cfg, err := cfgm.Load()
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	rt, err := config.Resolve(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	if err := logSvc.Apply(mapLogging(cfg)); err != nil {
		boot.Warn("logging config partially applied", logx.Err(err))
	}
	log := logSvc.Logger()

	a := &App{
		cfgm: cfgm,
		rt:   rt,
		log:  log.With(logx.Comp("app")),
		logs: logSvc,
		bus:  eventbus.New(),
		reg:  prometheus.NewRegistry(),
	}
	ok := false
	defer func() {
		if !ok {
			a.closeResources()
			_ = a.logs.Close()
		}
	}()

	if rt.Storage.Driver != "" && rt.Storage.Driver != "none" {
		if a.store, err = storage.Open(mapStorageConfig(rt), log); err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		a.log.Info("storage enabled", logx.String("driver", rt.Storage.Driver))
	}
	if a.sent, err = dialCache(ctx, rt); err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}

	a.tr = o.tr
	if a.tr == nil {
		if a.tr, err = buildTransport(rt, log); err != nil {
			return nil, fmt.Errorf("transport: %w", err)
		}
	}
	a.contacts = buildContacts(rt, a.tr, log)

	a.agg = stats.NewAggregator()
	deps := dispatch.Deps{
		Log:       log,
		Bus:       a.bus,
		Transport: a.tr,
		Guard:     buildGuard(rt, time.Now()),
		Store:     a.store,
		Observer:  a.agg,
	}
	// Typed nils must not reach the interfaces.
	if a.contacts != nil {
		deps.Contacts = a.contacts
	}
	if a.sent != nil {
		deps.Sent = a.sent
	}
	a.disp = dispatch.New(mapDispatchConfig(rt), deps)
	a.machine = connection.New(log, a.bus, a.tr, a.disp, connection.Config{ReconnectDelay: rt.ReconnectDelay})
	a.disp.Bind(a.machine)

	a.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := a.agg.Register(a.reg); err != nil {
		return nil, err
	}
	if err := stats.RegisterStatus(a.reg, a.disp.Status); err != nil {
		return nil, err
	}

	if rt.Reporter.Enabled {
		a.reporter = stats.NewReporter(rt.Reporter.Spec, rt.Reporter.Location, a.disp.Status, a.agg, a.bus, log)
	}

	if rt.Alerts.Enabled {
		sender := o.sender
		if sender == nil {
			tg, err := alert.NewTelegram(rt.Alerts.Token, rt.Alerts.ChatID)
			if err != nil {
				return nil, fmt.Errorf("alerts: %w", err)
			}
			sender = tg
		}
		a.alerts = alert.New(mapAlertConfig(rt), sender, a.bus, log)
	}

	if rt.Debug.Enabled {
		a.debug = debugsrv.New(debugsrv.Config{
			Addr:          rt.Debug.Addr,
			Token:         rt.Debug.Token,
			AllowInsecure: rt.Debug.AllowInsecure,
			PProf:         rt.Debug.PProf,
		}, debugsrv.Sources{
			Gatherer: a.reg,
			Status:   func() any { return a.Status() },
			Health:   a.Healthy,
			Retry:    a.machine.Retry,
		}, log)
	}

	ok = true
	return a, nil
}

func (a *App) Dispatcher() *dispatch.Service   { return a.disp }
func (a *App) Connection() *connection.Machine { return a.machine }
func (a *App) Bus() eventbus.Bus               { return a.bus }
func (a *App) Registry() *prometheus.Registry  { return a.reg }
func (a *App) Runtime() *config.Runtime        { return a.rt }
func (a *App) Debug() *debugsrv.Service        { return a.debug }
func (a *App) Transport() transport.Transport  { return a.tr }

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return nil
	}
	a.started = time.Now()
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	// Alerts first so the first pairing code is not missed.
	if a.alerts != nil {
		a.alerts.Start(runCtx)
	}
	if err := a.disp.Start(runCtx); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	a.sup.Go("connection.machine", a.machine.Run)

	if a.reporter != nil {
		if err := a.reporter.Start(runCtx); err != nil {
			return fmt.Errorf("reporter: %w", err)
		}
	}
	if a.debug != nil {
		if err := a.debug.Start(runCtx); err != nil {
			return fmt.Errorf("debug server: %w", err)
		}
	}

	updates := a.cfgm.Subscribe(1)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(updates)
		prev := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case cfg := <-updates:
				a.applyReload(prev, cfg)
				prev = cfg
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", func(c context.Context) { watchdog(c, a.log, a.Healthy) })

	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started",
		logx.String("transport", a.rt.Transport.Kind),
		logx.Bool("storage", a.store != nil),
		logx.Bool("cache", a.sent != nil),
		logx.Bool("alerts", a.alerts != nil),
		logx.Bool("debug", a.debug != nil))
	return nil
}

// applyReload applies live sections and reports the rest.
func (a *App) applyReload(prev, cfg *config.Config) {
	sections, attrs := config.SummarizeChange(prev, cfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		if s == "logging" {
			if err := a.logs.Apply(mapLogging(cfg)); err != nil {
				a.log.Warn("logging config partially applied", logx.Err(err))
			}
		}
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	if pending := config.RestartRequired(sections); len(pending) > 0 {
		a.log.Warn("config change requires restart", logx.String("sections", strings.Join(pending, ",")))
	}
}

// Healthy reports nil while the app is running and the session is not
// stuck on an authentication failure.
func (a *App) Healthy() error {
	if a.sup == nil {
		return errors.New("not started")
	}
	if err := a.sup.Context().Err(); err != nil {
		if cause := a.sup.Err(); cause != nil {
			return cause
		}
		return errors.New("stopping")
	}
	if a.machine.Phase() == transport.PhaseAuthFailed {
		return errors.New("transport authentication failed")
	}
	return nil
}

// Status is the /status document.
type Status struct {
	Dispatch      dispatch.Snapshot `json:"dispatch"`
	Connection    connection.Status `json:"connection"`
	Stats         stats.Snapshot    `json:"stats"`
	Alerts        *alert.Stats      `json:"alerts,omitempty"`
	Contacts      *contacts.Stats   `json:"contacts,omitempty"`
	Tasks         []rtsup.TaskStats `json:"tasks,omitempty"`
	EventsDropped uint64            `json:"events_dropped"`
	Uptime        string            `json:"uptime"`
}

func (a *App) Status() Status {
	st := Status{
		Dispatch:      a.disp.Status(),
		Connection:    a.machine.Status(),
		Stats:         a.agg.Snapshot(),
		EventsDropped: a.bus.Dropped(),
	}
	if a.alerts != nil {
		as := a.alerts.Stats()
		st.Alerts = &as
	}
	if a.contacts != nil {
		cs := a.contacts.Stats()
		st.Contacts = &cs
	}
	if a.sup != nil {
		st.Tasks = a.sup.Snapshot()
		st.Uptime = time.Since(a.started).Round(time.Second).String()
	}
	return st
}

// WaitIdle blocks until the queue is empty and nothing is in flight.
func (a *App) WaitIdle(ctx context.Context) error {
	t := time.NewTicker(200 * time.Millisecond)
	defer t.Stop()
	for {
		s := a.disp.Status()
		if s.QueueDepth == 0 && s.InFlight == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.Done():
			return errors.New("app stopped")
		case <-t.C:
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			// respect the caller's deadline; never extend it
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (deadline)", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("debug", time.Second, func(c context.Context) error {
		if a.debug != nil {
			a.debug.Stop(c)
		}
		return nil
	})
	step("reporter", time.Second, func(c context.Context) error {
		if a.reporter != nil {
			a.reporter.Stop(c)
		}
		return nil
	})
	// The in-flight send gets the longest budget.
	step("dispatch", a.rt.Transport.SendTimeout+time.Second, a.disp.Stop)
	step("supervisor", 2*time.Second, a.sup.Stop)
	step("transport", 2*time.Second, a.tr.Stop)
	step("alerts", 2*time.Second, func(c context.Context) error {
		if a.alerts != nil {
			a.alerts.Stop(c)
		}
		return nil
	})
	a.closeResources()
	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}

func (a *App) closeResources() {
	if a.sent != nil {
		if err := a.sent.Close(); err != nil {
			a.log.Warn("cache close failed", logx.Err(err))
		}
		a.sent = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
		a.store = nil
	}
}
