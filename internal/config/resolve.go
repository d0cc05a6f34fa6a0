package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Secrets that may be supplied through the environment. Env wins over file.
const (
	EnvGatewayToken  = "DISPATCHD_GATEWAY_TOKEN"
	EnvTelegramToken = "DISPATCHD_TELEGRAM_TOKEN"
	EnvRedisPassword = "DISPATCHD_REDIS_PASSWORD"
)

// ApplyEnv overlays secret env vars on cfg.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg == nil || getenv == nil {
		return
	}
	if v := strings.TrimSpace(getenv(EnvGatewayToken)); v != "" {
		cfg.Transport.Token = v
	}
	if v := strings.TrimSpace(getenv(EnvTelegramToken)); v != "" {
		if cfg.Alerts == nil {
			cfg.Alerts = &AlertsConfig{}
		}
		cfg.Alerts.TelegramToken = v
	}
	if v := strings.TrimSpace(getenv(EnvRedisPassword)); v != "" && cfg.Cache != nil {
		cfg.Cache.Password = v
	}
}

// Runtime is a fully defaulted and parsed view of Config.
type Runtime struct {
	Transport struct {
		Kind         string
		BaseURL      string
		Token        string
		SendTimeout  time.Duration
		StateTimeout time.Duration
		PollInterval time.Duration
	}
	Contacts struct {
		Enabled     bool
		FailOpen    bool
		TTL         time.Duration
		NegativeTTL time.Duration
		RatePerSec  float64
		Burst       int
	}
	ReconnectDelay time.Duration

	PerMinute    int
	PerHour      int
	PerDay       int
	PerRecipient int

	MinDelay          time.Duration
	MaxDelay          time.Duration
	BreakAfter        int
	BreakDuration     time.Duration
	LongBreakAfter    int
	LongBreakDuration time.Duration

	Quiet struct {
		Enabled    bool
		Start, End int
		Location   *time.Location
	}

	MaxAttempts  int
	RetryBackoff time.Duration

	Content struct {
		MinLength        int
		MaxLength        int
		MaxURLs          int
		PatternThreshold int
		Keywords         []string
	}

	QueueMax     int
	DedupWindow  time.Duration
	MaxDeferWait time.Duration
	HistoryMax   int

	Storage struct {
		Driver      string
		Path        string
		BusyTimeout time.Duration
	}
	Cache struct {
		Addr     string
		Password string
		DB       int
		TTL      time.Duration
		Prefix   string
	}
	Alerts struct {
		Enabled       bool
		Token         string
		ChatID        int64
		QueueSize     int
		RatePerSec    int
		RetryMax      int
		RetryBase     time.Duration
		RetryMaxDelay time.Duration
		DedupWindow   time.Duration
	}
	Debug struct {
		Enabled       bool
		Addr          string
		Token         string
		AllowInsecure bool
		PProf         bool
	}
	Reporter struct {
		Enabled  bool
		Spec     string
		Location *time.Location
	}
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

// Resolve applies defaults and validates cfg. All problems are reported at
// once as a *multierror.Error.
func Resolve(cfg *Config) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	var errs *multierror.Error
	add := func(err error) {
		if err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	dur := func(path, raw string, def time.Duration) time.Duration {
		d, err := ParseDurationOrDefault(path, raw, def)
		add(err)
		return d
	}
	nonNeg := func(path string, v int) {
		if v < 0 {
			add(fmt.Errorf("%s: must be >= 0", path))
		}
	}
	loc := func(path, name string) *time.Location {
		name = strings.TrimSpace(name)
		if name == "" {
			return time.Local
		}
		l, err := time.LoadLocation(name)
		if err != nil {
			add(fmt.Errorf("%s: %w", path, err))
			return time.Local
		}
		return l
	}

	rt := &Runtime{}

	t := cfg.Transport
	rt.Transport.Kind = strings.ToLower(strings.TrimSpace(t.Kind))
	if rt.Transport.Kind == "" {
		rt.Transport.Kind = "webhook"
	}
	rt.Transport.BaseURL = strings.TrimSpace(t.BaseURL)
	rt.Transport.Token = strings.TrimSpace(t.Token)
	rt.Transport.SendTimeout = dur("transport.send_timeout", t.SendTimeout, 30*time.Second)
	rt.Transport.StateTimeout = dur("transport.state_timeout", t.StateTimeout, 5*time.Second)
	rt.Transport.PollInterval = dur("transport.poll_interval", t.PollInterval, 3*time.Second)
	switch rt.Transport.Kind {
	case "webhook":
		if rt.Transport.BaseURL == "" {
			add(errors.New("transport.base_url: required for webhook transport"))
		} else if u, err := url.Parse(rt.Transport.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add(fmt.Errorf("transport.base_url: %q is not an http(s) URL", rt.Transport.BaseURL))
		}
	case "loopback":
	default:
		add(fmt.Errorf("transport.kind: unknown %q (want webhook or loopback)", t.Kind))
	}
	if rt.Transport.SendTimeout == 0 {
		add(errors.New("transport.send_timeout: must be > 0"))
	}

	cc := t.ContactCheck
	rt.Contacts.Enabled = cc.Enabled
	rt.Contacts.FailOpen = cc.FailOpen == nil || *cc.FailOpen
	rt.Contacts.TTL = dur("transport.contact_check.ttl", cc.TTL, time.Hour)
	rt.Contacts.NegativeTTL = dur("transport.contact_check.negative_ttl", cc.NegativeTTL, 10*time.Minute)
	rt.Contacts.RatePerSec = cc.RatePerSec
	if rt.Contacts.RatePerSec < 0 {
		add(errors.New("transport.contact_check.rate_per_sec: must be >= 0"))
	}
	rt.Contacts.Burst = cc.Burst
	nonNeg("transport.contact_check.burst", cc.Burst)

	rt.ReconnectDelay = dur("connection.reconnect_delay", cfg.Connection.ReconnectDelay, 10*time.Second)

	l := cfg.Limits
	rt.PerMinute = intOr(l.PerMinute, 10)
	rt.PerHour = intOr(l.PerHour, 120)
	rt.PerDay = intOr(l.PerDay, 0)
	rt.PerRecipient = intOr(l.PerRecipient, 5)
	nonNeg("limits.per_minute", rt.PerMinute)
	nonNeg("limits.per_hour", rt.PerHour)
	nonNeg("limits.per_day", rt.PerDay)
	nonNeg("limits.per_recipient", rt.PerRecipient)

	p := cfg.Pacing
	rt.MinDelay = dur("pacing.min_delay", p.MinDelay, 8*time.Second)
	rt.MaxDelay = dur("pacing.max_delay", p.MaxDelay, 20*time.Second)
	if rt.MaxDelay < rt.MinDelay {
		add(fmt.Errorf("pacing.max_delay: %s is below min_delay %s", rt.MaxDelay, rt.MinDelay))
	}
	rt.BreakAfter = intOr(p.BreakAfter, 20)
	rt.BreakDuration = dur("pacing.break_duration", p.BreakDuration, 2*time.Minute)
	rt.LongBreakAfter = intOr(p.LongBreakAfter, 100)
	rt.LongBreakDuration = dur("pacing.long_break_duration", p.LongBreakDuration, 10*time.Minute)
	nonNeg("pacing.break_after", rt.BreakAfter)
	nonNeg("pacing.long_break_after", rt.LongBreakAfter)

	q := cfg.QuietHours
	rt.Quiet.Enabled = q.Enabled
	rt.Quiet.Start, rt.Quiet.End = q.Start, q.End
	if q.Start < 0 || q.Start > 23 {
		add(fmt.Errorf("quiet_hours.start: %d not in 0-23", q.Start))
	}
	if q.End < 0 || q.End > 23 {
		add(fmt.Errorf("quiet_hours.end: %d not in 0-23", q.End))
	}
	rt.Quiet.Location = loc("quiet_hours.timezone", q.Timezone)

	rt.MaxAttempts = cfg.Retry.MaxAttempts
	if rt.MaxAttempts == 0 {
		rt.MaxAttempts = 3
	}
	if rt.MaxAttempts < 0 {
		add(errors.New("retry.max_attempts: must be >= 1"))
	}
	rt.RetryBackoff = dur("retry.backoff", cfg.Retry.Backoff, 30*time.Second)

	c := cfg.Content
	rt.Content.MinLength = c.MinLength
	if rt.Content.MinLength == 0 {
		rt.Content.MinLength = 1
	}
	rt.Content.MaxLength = c.MaxLength
	if rt.Content.MaxLength == 0 {
		rt.Content.MaxLength = 4096
	}
	if rt.Content.MinLength < 0 || rt.Content.MaxLength < rt.Content.MinLength {
		add(fmt.Errorf("content: invalid length range %d-%d", rt.Content.MinLength, rt.Content.MaxLength))
	}
	rt.Content.MaxURLs = intOr(c.MaxURLs, 3)
	nonNeg("content.max_urls", rt.Content.MaxURLs)
	rt.Content.PatternThreshold = c.PatternThreshold
	if rt.Content.PatternThreshold == 0 {
		rt.Content.PatternThreshold = 2
	}
	nonNeg("content.pattern_threshold", rt.Content.PatternThreshold)
	rt.Content.Keywords = c.Keywords

	d := cfg.Dispatch
	rt.QueueMax = d.QueueMax
	if rt.QueueMax == 0 {
		rt.QueueMax = 10000
	}
	nonNeg("dispatch.queue_max", rt.QueueMax)
	rt.DedupWindow = dur("dispatch.dedup_window", d.DedupWindow, 0)
	rt.MaxDeferWait = dur("dispatch.max_defer_wait", d.MaxDeferWait, time.Minute)
	rt.HistoryMax = d.HistoryMax
	nonNeg("dispatch.history_max", rt.HistoryMax)

	if s := cfg.Storage; s != nil {
		rt.Storage.Driver = strings.ToLower(strings.TrimSpace(s.Driver))
		rt.Storage.Path = strings.TrimSpace(s.Path)
		rt.Storage.BusyTimeout = dur("storage.busy_timeout", s.BusyTimeout, 5*time.Second)
		switch rt.Storage.Driver {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			add(fmt.Errorf("storage.driver: unknown %q", s.Driver))
		}
	}

	if ch := cfg.Cache; ch != nil {
		rt.Cache.Addr = strings.TrimSpace(ch.RedisAddr)
		rt.Cache.Password = ch.Password
		rt.Cache.DB = ch.DB
		rt.Cache.TTL = dur("cache.ttl", ch.TTL, 24*time.Hour)
		rt.Cache.Prefix = ch.Prefix
		nonNeg("cache.db", ch.DB)
	}

	if a := cfg.Alerts; a != nil && a.Enabled {
		rt.Alerts.Enabled = true
		rt.Alerts.Token = strings.TrimSpace(a.TelegramToken)
		rt.Alerts.ChatID = a.ChatID
		rt.Alerts.QueueSize = a.QueueSize
		rt.Alerts.RatePerSec = a.RatePerSec
		rt.Alerts.RetryMax = a.RetryMax
		rt.Alerts.RetryBase = dur("alerts.retry_base", a.RetryBase, time.Second)
		rt.Alerts.RetryMaxDelay = dur("alerts.retry_max_delay", a.RetryMaxDelay, 30*time.Second)
		rt.Alerts.DedupWindow = dur("alerts.dedup_window", a.DedupWindow, time.Minute)
		if rt.Alerts.Token == "" {
			add(fmt.Errorf("alerts.telegram_token: required when alerts are enabled (or set %s)", EnvTelegramToken))
		}
		if rt.Alerts.ChatID == 0 {
			add(errors.New("alerts.chat_id: required when alerts are enabled"))
		}
	}

	if dbg := cfg.Debug; dbg != nil && dbg.Enabled {
		rt.Debug.Enabled = true
		rt.Debug.Addr = strings.TrimSpace(dbg.Addr)
		rt.Debug.Token = strings.TrimSpace(dbg.Token)
		rt.Debug.AllowInsecure = dbg.AllowInsecure
		rt.Debug.PProf = dbg.PProf
	}

	if r := cfg.Reporter; r != nil && r.Enabled {
		rt.Reporter.Enabled = true
		rt.Reporter.Spec = strings.TrimSpace(r.Spec)
		rt.Reporter.Location = loc("reporter.timezone", r.Timezone)
	}

	if errs != nil {
		return nil, errs.ErrorOrNil()
	}
	return rt, nil
}
