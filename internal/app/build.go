package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"dispatchd/internal/alert"
	"dispatchd/internal/cache"
	"dispatchd/internal/config"
	"dispatchd/internal/content"
	"dispatchd/internal/dispatch"
	"dispatchd/internal/guard"
	"dispatchd/internal/quota"
	"dispatchd/internal/storage"
	"dispatchd/internal/transport"
	"dispatchd/internal/transport/contacts"
	"dispatchd/internal/transport/loopback"
	"dispatchd/internal/transport/webhook"
	logx "dispatchd/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapDispatchConfig(rt *config.Runtime) dispatch.Config {
	return dispatch.Config{
		MinDelay:          rt.MinDelay,
		MaxDelay:          rt.MaxDelay,
		BreakAfter:        rt.BreakAfter,
		BreakDuration:     rt.BreakDuration,
		LongBreakAfter:    rt.LongBreakAfter,
		LongBreakDuration: rt.LongBreakDuration,
		MaxAttempts:       rt.MaxAttempts,
		RetryBackoff:      rt.RetryBackoff,
		SendTimeout:       rt.Transport.SendTimeout,
		StateTimeout:      rt.Transport.StateTimeout,
		QueueMax:          rt.QueueMax,
		DedupWindow:       rt.DedupWindow,
		MaxDeferWait:      rt.MaxDeferWait,
		HistoryMax:        rt.HistoryMax,
	}
}

// buildGuard wires the quota tracker and content analyzer into one guard.
// Windows roll in the quiet-hours timezone so "day" means the same thing
// to both.
func buildGuard(rt *config.Runtime, now time.Time) *guard.Guard {
	tracker := quota.New(quota.Limits{
		PerMinute:    rt.PerMinute,
		PerHour:      rt.PerHour,
		PerDay:       rt.PerDay,
		PerRecipient: rt.PerRecipient,
	}, rt.Quiet.Location, now)
	analyzer := content.New(content.Config{
		Keywords:         rt.Content.Keywords,
		PatternThreshold: rt.Content.PatternThreshold,
		MinLength:        rt.Content.MinLength,
		MaxLength:        rt.Content.MaxLength,
		MaxURLs:          rt.Content.MaxURLs,
	})
	return guard.New(tracker, analyzer, guard.Policy{
		MinDelay: rt.MinDelay,
		QuietHours: guard.QuietHours{
			Enabled: rt.Quiet.Enabled,
			Start:   rt.Quiet.Start,
			End:     rt.Quiet.End,
		},
		Location: rt.Quiet.Location,
	})
}

func buildTransport(rt *config.Runtime, log logx.Logger) (transport.Transport, error) {
	switch rt.Transport.Kind {
	case "loopback":
		host, _ := os.Hostname()
		return loopback.New(loopback.WithAutoReady(transport.AccountInfo{ID: "loopback", Name: host})), nil
	case "webhook":
		return webhook.New(webhook.Config{
			BaseURL:      rt.Transport.BaseURL,
			Token:        rt.Transport.Token,
			PollInterval: rt.Transport.PollInterval,
		}, log)
	}
	return nil, fmt.Errorf("unknown transport kind %q", rt.Transport.Kind)
}

func buildContacts(rt *config.Runtime, tr transport.Transport, log logx.Logger) *contacts.Checker {
	if !rt.Contacts.Enabled {
		return nil
	}
	return contacts.New(tr, contacts.Config{
		TTL:         rt.Contacts.TTL,
		NegativeTTL: rt.Contacts.NegativeTTL,
		RatePerSec:  rt.Contacts.RatePerSec,
		Burst:       rt.Contacts.Burst,
		Timeout:     rt.Transport.StateTimeout,
		FailOpen:    rt.Contacts.FailOpen,
	}, log)
}

func mapStorageConfig(rt *config.Runtime) storage.Config {
	return storage.Config{
		Driver:      rt.Storage.Driver,
		Path:        rt.Storage.Path,
		BusyTimeout: rt.Storage.BusyTimeout,
	}
}

func dialCache(ctx context.Context, rt *config.Runtime) (*cache.RedisCache, error) {
	if rt.Cache.Addr == "" {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return cache.Dial(ctx, cache.Config{
		Addr:     rt.Cache.Addr,
		Password: rt.Cache.Password,
		DB:       rt.Cache.DB,
		TTL:      rt.Cache.TTL,
		Prefix:   rt.Cache.Prefix,
	})
}

func mapAlertConfig(rt *config.Runtime) alert.Config {
	return alert.Config{
		QueueSize:     rt.Alerts.QueueSize,
		RatePerSec:    rt.Alerts.RatePerSec,
		RetryMax:      rt.Alerts.RetryMax,
		RetryBase:     rt.Alerts.RetryBase,
		RetryMaxDelay: rt.Alerts.RetryMaxDelay,
		DedupWindow:   rt.Alerts.DedupWindow,
	}
}
