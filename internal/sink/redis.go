package sink

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures a Redis list sink
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// Key of the list envelopes are pushed to
	Key string

	// MaxLen trims the list to its newest MaxLen entries (0 = unbounded)
	MaxLen int64
}

// RedisSink pushes encoded envelopes onto a Redis list
type RedisSink struct {
	client redis.UniversalClient
	key    string
	maxLen int64
}

// NewRedisSink connects to Redis and verifies the connection
func NewRedisSink(ctx context.Context, cfg RedisConfig) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return NewRedisSinkWithClient(client, cfg.Key, cfg.MaxLen), nil
}

// NewRedisSinkWithClient creates a sink over an existing client
func NewRedisSinkWithClient(client redis.UniversalClient, key string, maxLen int64) *RedisSink {
	return &RedisSink{
		client: client,
		key:    key,
		maxLen: maxLen,
	}
}

// Send pushes the envelope to the head of the list
func (s *RedisSink) Send(ctx context.Context, env *Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.key, data)
	if s.maxLen > 0 {
		pipe.LTrim(ctx, s.key, 0, s.maxLen-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push to redis list %s: %w", s.key, err)
	}
	return nil
}

// Name returns the sink name
func (s *RedisSink) Name() string {
	return "redis"
}

// Close closes the Redis connection
func (s *RedisSink) Close() error {
	return s.client.Close()
}
