// Package dedupe keeps the short-lived keys that stop notification storms:
// the per-(thread,user) debounce marks and the delivery ledger that makes
// retried deliveries idempotent.
package dedupe

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultInterval    = 3 * time.Second
	DefaultDebounceTTL = time.Hour
	DefaultLedgerTTL   = 24 * time.Hour
)

type Options struct {
	// Interval is the window in which a repeat notification is suppressed.
	Interval time.Duration
	// DebounceTTL bounds how long a debounce mark is kept at all.
	DebounceTTL time.Duration
	LedgerTTL   time.Duration
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.DebounceTTL <= 0 {
		o.DebounceTTL = DefaultDebounceTTL
	}
	if o.DebounceTTL < o.Interval {
		o.DebounceTTL = o.Interval
	}
	if o.LedgerTTL <= 0 {
		o.LedgerTTL = DefaultLedgerTTL
	}
	return o
}

// RedisStore shares debounce and ledger state across API instances.
type RedisStore struct {
	client *redis.Client
	prefix string
	opts   Options
	now    func() time.Time
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(redisURL string, opts Options) (*RedisStore, error) {
	parsed, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(parsed)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, opts), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client, opts Options) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "threadline:",
		opts:   opts.withDefaults(),
		now:    time.Now,
	}
}

func (s *RedisStore) debounceKey(key string) string {
	return s.prefix + "debounce:" + key
}

func (s *RedisStore) ledgerKey(key string) string {
	return s.prefix + "delivered:" + key
}

// ShouldSuppress reports whether key was marked sent less than Interval ago.
func (s *RedisStore) ShouldSuppress(ctx context.Context, key string) (bool, error) {
	raw, err := s.client.Get(ctx, s.debounceKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read debounce mark: %w", err)
	}
	sentAtMillis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false, nil
	}
	return s.now().Sub(time.UnixMilli(sentAtMillis)) < s.opts.Interval, nil
}

func (s *RedisStore) MarkSent(ctx context.Context, key string) error {
	value := strconv.FormatInt(s.now().UnixMilli(), 10)
	if err := s.client.Set(ctx, s.debounceKey(key), value, s.opts.DebounceTTL).Err(); err != nil {
		return fmt.Errorf("write debounce mark: %w", err)
	}
	return nil
}

// Claim reserves a delivery key. It returns false when another attempt
// already claimed or completed the same delivery.
func (s *RedisStore) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.ledgerKey(key), s.now().UnixMilli(), s.opts.LedgerTTL).Result()
	if err != nil {
		return false, fmt.Errorf("claim delivery: %w", err)
	}
	return ok, nil
}

// Release drops a claim after a failed delivery so a retry can take it.
func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.ledgerKey(key)).Err(); err != nil {
		return fmt.Errorf("release delivery: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
