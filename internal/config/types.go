package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("8s", "2m"). Omitted fields take the defaults documented on each section;
// pointer fields distinguish an explicit zero from an omitted value.
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Transport  TransportConfig  `json:"transport"`
	Connection ConnectionConfig `json:"connection"`
	Limits     LimitsConfig     `json:"limits"`
	Pacing     PacingConfig     `json:"pacing"`
	QuietHours QuietHoursConfig `json:"quiet_hours"`
	Retry      RetryConfig      `json:"retry"`
	Content    ContentConfig    `json:"content"`
	Dispatch   DispatchConfig   `json:"dispatch"`

	Storage  *StorageConfig  `json:"storage,omitempty"`
	Cache    *CacheConfig    `json:"cache,omitempty"`
	Alerts   *AlertsConfig   `json:"alerts,omitempty"`
	Debug    *DebugConfig    `json:"debug,omitempty"`
	Reporter *ReporterConfig `json:"reporter,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// TransportConfig selects the messaging gateway.
//
// Kind is "webhook" (default) or "loopback". The token may come from
// DISPATCHD_GATEWAY_TOKEN instead of the file.
//
// Defaults: send_timeout 30s, state_timeout 5s, poll_interval 3s.
type TransportConfig struct {
	Kind         string             `json:"kind,omitempty"`
	BaseURL      string             `json:"base_url,omitempty"`
	Token        string             `json:"token,omitempty"`
	SendTimeout  string             `json:"send_timeout,omitempty"`
	StateTimeout string             `json:"state_timeout,omitempty"`
	PollInterval string             `json:"poll_interval,omitempty"`
	ContactCheck ContactCheckConfig `json:"contact_check"`
}

// ContactCheckConfig controls the pre-send "is this a platform user" lookup.
// FailOpen defaults to true: lookup errors and throttling allow the send.
type ContactCheckConfig struct {
	Enabled     bool    `json:"enabled"`
	FailOpen    *bool   `json:"fail_open,omitempty"`
	TTL         string  `json:"ttl,omitempty"`
	NegativeTTL string  `json:"negative_ttl,omitempty"`
	RatePerSec  float64 `json:"rate_per_sec,omitempty"`
	Burst       int     `json:"burst,omitempty"`
}

type ConnectionConfig struct {
	ReconnectDelay string `json:"reconnect_delay,omitempty"`
}

// LimitsConfig caps sends per window. Zero means unlimited.
// Defaults: per_minute 10, per_hour 120, per_day 0, per_recipient 5.
type LimitsConfig struct {
	PerMinute    *int `json:"per_minute,omitempty"`
	PerHour      *int `json:"per_hour,omitempty"`
	PerDay       *int `json:"per_day,omitempty"`
	PerRecipient *int `json:"per_recipient,omitempty"`
}

// PacingConfig shapes the gaps between sends.
//
// Defaults: min_delay 8s, max_delay 20s, break_after 20, break_duration 2m,
// long_break_after 100, long_break_duration 10m. A zero *_after disables
// that break.
type PacingConfig struct {
	MinDelay          string `json:"min_delay,omitempty"`
	MaxDelay          string `json:"max_delay,omitempty"`
	BreakAfter        *int   `json:"break_after,omitempty"`
	BreakDuration     string `json:"break_duration,omitempty"`
	LongBreakAfter    *int   `json:"long_break_after,omitempty"`
	LongBreakDuration string `json:"long_break_duration,omitempty"`
}

// QuietHoursConfig blocks sends in [start, end) local hours of Timezone
// (process local time when empty).
type QuietHoursConfig struct {
	Enabled  bool   `json:"enabled"`
	Start    int    `json:"start"`
	End      int    `json:"end"`
	Timezone string `json:"timezone,omitempty"`
}

type RetryConfig struct {
	MaxAttempts int    `json:"max_attempts,omitempty"`
	Backoff     string `json:"backoff,omitempty"`
}

// ContentConfig tunes the content analyzer. Keywords replaces the built-in
// denylist when set.
type ContentConfig struct {
	MinLength        int      `json:"min_length,omitempty"`
	MaxLength        int      `json:"max_length,omitempty"`
	MaxURLs          *int     `json:"max_urls,omitempty"`
	PatternThreshold int      `json:"pattern_threshold,omitempty"`
	Keywords         []string `json:"keywords,omitempty"`
}

// DispatchConfig bounds the queue. dedup_window "0s" disables duplicate
// suppression.
type DispatchConfig struct {
	QueueMax     int    `json:"queue_max,omitempty"`
	DedupWindow  string `json:"dedup_window,omitempty"`
	MaxDeferWait string `json:"max_defer_wait,omitempty"`
	HistoryMax   int    `json:"history_max,omitempty"`
}

// StorageConfig controls the delivery log. Nil or driver "none" disables it.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// CacheConfig enables the Redis sent-id cache when RedisAddr is set.
// The password may come from DISPATCHD_REDIS_PASSWORD.
type CacheConfig struct {
	RedisAddr string `json:"redis_addr"`
	Password  string `json:"password,omitempty"`
	DB        int    `json:"db,omitempty"`
	TTL       string `json:"ttl,omitempty"`
	Prefix    string `json:"prefix,omitempty"`
}

// AlertsConfig sends operator alerts to a Telegram chat. The bot token may
// come from DISPATCHD_TELEGRAM_TOKEN.
type AlertsConfig struct {
	Enabled       bool   `json:"enabled"`
	TelegramToken string `json:"telegram_token,omitempty"`
	ChatID        int64  `json:"chat_id"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	DedupWindow   string `json:"dedup_window,omitempty"`
}

// DebugConfig serves /metrics, /status, /healthz and optional pprof.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	PProf         bool   `json:"pprof,omitempty"`
}

// ReporterConfig publishes periodic quota snapshots. Spec is a cron spec
// (seconds optional, descriptors like "@every 1m" accepted).
type ReporterConfig struct {
	Enabled  bool   `json:"enabled"`
	Spec     string `json:"spec,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}
