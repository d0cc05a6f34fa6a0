// Package cache records sent message ids in Redis so other systems can
// correlate a job with the platform's message id.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type Config struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
	Prefix   string
}

type RedisCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
	owned  bool
}

// New wraps an existing client. It does not close rdb.
func New(rdb *redis.Client, ttl time.Duration, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "job:"
	}
	return &RedisCache{rdb: rdb, ttl: ttl, prefix: prefix}
}

// Dial connects to cfg.Addr and checks the connection with a PING.
func Dial(ctx context.Context, cfg Config) (*RedisCache, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("redis addr is empty")
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	c := New(rdb, cfg.TTL, cfg.Prefix)
	c.owned = true
	return c, nil
}

// SentValue is the JSON stored under <prefix><jobID>.
type SentValue struct {
	MessageID string    `json:"messageId"`
	SentAt    time.Time `json:"sentAt"`
}

func (c *RedisCache) key(jobID string) string { return c.prefix + jobID }

func (c *RedisCache) StoreSent(ctx context.Context, jobID, messageID string, sentAt time.Time) error {
	b, err := json.Marshal(SentValue{MessageID: messageID, SentAt: sentAt.UTC()})
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, c.key(jobID), b, c.ttl).Err()
}

// LookupSent returns the stored value for jobID, if any.
func (c *RedisCache) LookupSent(ctx context.Context, jobID string) (SentValue, bool, error) {
	raw, err := c.rdb.Get(ctx, c.key(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return SentValue{}, false, nil
	}
	if err != nil {
		return SentValue{}, false, err
	}
	var v SentValue
	if err := json.Unmarshal(raw, &v); err != nil {
		return SentValue{}, false, err
	}
	return v, true, nil
}

func (c *RedisCache) Close() error {
	if !c.owned {
		return nil
	}
	return c.rdb.Close()
}
