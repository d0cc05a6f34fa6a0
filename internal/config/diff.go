package config

import (
	"reflect"
	"sort"
	"strings"

	logx "dispatchd/pkg/logx"
)

// LiveSections can be re-applied without a restart.
var LiveSections = map[string]bool{"logging": true}

// SummarizeChange returns the sorted list of changed top-level sections and
// safe structured attrs for logging. Secrets are reported only as *_set.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 12)
	mark := func(name string, differ bool, fields ...logx.Field) {
		if differ {
			changed = append(changed, name)
			attrs = append(attrs, fields...)
		}
	}

	mark("logging", oldCfg.Logging != newCfg.Logging,
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.console", newCfg.Logging.Console),
		logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled))

	ot, nt := oldCfg.Transport, newCfg.Transport
	tokenChanged := strings.TrimSpace(ot.Token) != strings.TrimSpace(nt.Token)
	ot.Token, nt.Token = "", ""
	mark("transport", tokenChanged || !reflect.DeepEqual(ot, nt),
		logx.String("transport.kind", nt.Kind),
		logx.String("transport.base_url", nt.BaseURL),
		logx.Bool("transport.token_changed", tokenChanged))

	mark("connection", oldCfg.Connection != newCfg.Connection,
		logx.String("connection.reconnect_delay", newCfg.Connection.ReconnectDelay))
	mark("limits", !reflect.DeepEqual(oldCfg.Limits, newCfg.Limits))
	mark("pacing", !reflect.DeepEqual(oldCfg.Pacing, newCfg.Pacing))
	mark("quiet_hours", oldCfg.QuietHours != newCfg.QuietHours,
		logx.Bool("quiet_hours.enabled", newCfg.QuietHours.Enabled))
	mark("retry", oldCfg.Retry != newCfg.Retry)
	mark("content", !reflect.DeepEqual(oldCfg.Content, newCfg.Content),
		logx.Int("content.keyword_count", len(newCfg.Content.Keywords)))
	mark("dispatch", oldCfg.Dispatch != newCfg.Dispatch)
	mark("storage", !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage))

	oc, nc := derefCache(oldCfg.Cache), derefCache(newCfg.Cache)
	passChanged := oc.Password != nc.Password
	oc.Password, nc.Password = "", ""
	mark("cache", passChanged || oc != nc,
		logx.Bool("cache.redis_set", nc.RedisAddr != ""))

	oa, na := derefAlerts(oldCfg.Alerts), derefAlerts(newCfg.Alerts)
	botChanged := oa.TelegramToken != na.TelegramToken
	oa.TelegramToken, na.TelegramToken = "", ""
	mark("alerts", botChanged || oa != na,
		logx.Bool("alerts.enabled", na.Enabled),
		logx.Bool("alerts.token_changed", botChanged))

	od, nd := derefDebug(oldCfg.Debug), derefDebug(newCfg.Debug)
	mark("debug", od != nd,
		logx.Bool("debug.enabled", nd.Enabled),
		logx.String("debug.addr", nd.Addr),
		logx.Bool("debug.token_set", nd.Token != ""))

	mark("reporter", !reflect.DeepEqual(oldCfg.Reporter, newCfg.Reporter))

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists the changed sections that are not live.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		if !LiveSections[s] {
			out = append(out, s)
		}
	}
	return out
}

func derefCache(c *CacheConfig) CacheConfig {
	if c == nil {
		return CacheConfig{}
	}
	return *c
}

func derefAlerts(a *AlertsConfig) AlertsConfig {
	if a == nil {
		return AlertsConfig{}
	}
	return *a
}

func derefDebug(d *DebugConfig) DebugConfig {
	if d == nil {
		return DebugConfig{}
	}
	return *d
}
