// Package redissink appends gateway events to Redis Streams, one
// stream per (event type, day partition). It suits deployments where a
// separate consumer tails the audit log instead of scraping files.
package redissink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/sqlfront/sqlfront/events"
)

// Config for the Redis-backed event sink. Defaults can be loaded via
// envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all stream keys. ENV: EVENTS_KEY_PREFIX
	KeyPrefix string `env:"EVENTS_KEY_PREFIX,default=sqlfront:events:"`
	// MaxLen caps each stream (approximate trimming); 0 disables.
	// ENV: EVENTS_STREAM_MAXLEN
	MaxLen int64 `env:"EVENTS_STREAM_MAXLEN,default=0"`
}

type Sink struct {
	client    *redis.Client
	keyPrefix string
	maxLen    int64
}

func New(cfg Config) (*Sink, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "sqlfront:events:"
	}
	return &Sink{client: cl, keyPrefix: prefix, maxLen: cfg.MaxLen}, nil
}

// NewFromEnv builds a Sink using envdecode to populate Config.
func NewFromEnv() (*Sink, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

func (s *Sink) streamKey(ev events.Event) string {
	return s.keyPrefix + ev.Type + ":" + ev.Time.Format("2006-01-02")
}

func (s *Sink) Append(ctx context.Context, ev events.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: s.streamKey(ev),
		Values: map[string]interface{}{"d": body},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd event: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (s *Sink) Close() error { return s.client.Close() }
