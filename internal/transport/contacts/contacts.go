// Package contacts answers "is this recipient a platform user?" with a TTL
// cache in front of the transport and a rate limit on cache misses.
package contacts

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"dispatchd/internal/transport"
	logx "dispatchd/pkg/logx"
)

// ErrThrottled is returned by a fail-closed Checker whose wait for a lookup
// slot was cut short.
var ErrThrottled = errors.New("contact lookup throttled")

// Source is the transport side of a lookup.
type Source interface {
	ContactInfo(ctx context.Context, to string) (transport.ContactInfo, error)
}

type Config struct {
	TTL         time.Duration
	NegativeTTL time.Duration
	RatePerSec  float64
	Burst       int
	Timeout     time.Duration
	// FailOpen allows the send when the lookup errors or would have to wait
	// for the rate limit. When false, lookups wait for a slot and errors are
	// returned to the caller.
	FailOpen bool
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = time.Hour
	}
	if c.NegativeTTL <= 0 {
		c.NegativeTTL = 10 * time.Minute
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.Burst <= 0 {
		c.Burst = 3
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	return c
}

type Stats struct {
	Hits      uint64 `json:"hits"`
	Lookups   uint64 `json:"lookups"`
	Errors    uint64 `json:"errors"`
	Throttled uint64 `json:"throttled"`
}

type Checker struct {
	src   Source
	cfg   Config
	log   logx.Logger
	cache *gocache.Cache
	lim   *rate.Limiter

	hits, lookups, errs, throttled atomic.Uint64
}

func New(src Source, cfg Config, log logx.Logger) *Checker {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Checker{
		src:   src,
		cfg:   cfg,
		log:   log.With(logx.Comp("contacts")),
		cache: gocache.New(cfg.TTL, 2*cfg.TTL),
		lim:   rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
	}
}

// Known reports whether to (a transport address) is a platform user.
func (c *Checker) Known(ctx context.Context, to string) (bool, error) {
	if v, ok := c.cache.Get(to); ok {
		c.hits.Add(1)
		return v.(bool), nil
	}

	if c.cfg.FailOpen {
		if !c.lim.Allow() {
			c.throttled.Add(1)
			c.log.Debug("contact lookup skipped (throttled)")
			return true, nil
		}
	} else if err := c.lim.Wait(ctx); err != nil {
		c.throttled.Add(1)
		return false, errors.Join(ErrThrottled, err)
	}

	c.lookups.Add(1)
	lctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	info, err := c.src.ContactInfo(lctx, to)
	cancel()
	if err != nil {
		c.errs.Add(1)
		if c.cfg.FailOpen {
			c.log.Debug("contact lookup failed; allowing send", logx.Err(err))
			return true, nil
		}
		return false, err
	}

	ttl := c.cfg.TTL
	if !info.IsKnownUser {
		ttl = c.cfg.NegativeTTL
	}
	c.cache.Set(to, info.IsKnownUser, ttl)
	return info.IsKnownUser, nil
}

// Forget drops a cached answer.
func (c *Checker) Forget(to string) { c.cache.Delete(to) }

func (c *Checker) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Lookups:   c.lookups.Load(),
		Errors:    c.errs.Load(),
		Throttled: c.throttled.Load(),
	}
}
