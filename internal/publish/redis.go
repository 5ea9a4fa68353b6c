package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"pricefeed/internal/model"
)

// RedisConfig configures the Redis mirror.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	LatestKey string
	Channel   string
}

// RedisSink mirrors every snapshot to a Redis key and pub/sub channel so other
// processes can serve prices without talking to the manager.
type RedisSink struct {
	client  *goredis.Client
	key     string
	channel string
	logger  zerolog.Logger
}

// NewRedisSink connects and pings the server.
func NewRedisSink(ctx context.Context, cfg RedisConfig, logger zerolog.Logger) (*RedisSink, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	key := cfg.LatestKey
	if key == "" {
		key = "pricefeed:latest"
	}
	channel := cfg.Channel
	if channel == "" {
		channel = "pricefeed:prices"
	}

	l := logger.With().Str("component", "redis_sink").Logger()
	l.Info().Str("addr", cfg.Addr).Msg("connected to redis")
	return &RedisSink{client: client, key: key, channel: channel, logger: l}, nil
}

// Name identifies the sink in logs.
func (r *RedisSink) Name() string { return "redis" }

// Send writes the latest key and publishes on the channel in one transaction.
func (r *RedisSink) Send(ctx context.Context, prices []model.DerivedPrice) error {
	payload, err := json.Marshal(prices)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, r.key, payload, 0)
		pipe.Publish(ctx, r.channel, payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Latest reads back the mirrored snapshot.
func (r *RedisSink) Latest(ctx context.Context) ([]model.DerivedPrice, error) {
	raw, err := r.client.Get(ctx, r.key).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var prices []model.DerivedPrice
	if err := json.Unmarshal(raw, &prices); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return prices, nil
}

// Close releases the client.
func (r *RedisSink) Close() error {
	return r.client.Close()
}

var _ Sink = (*RedisSink)(nil)
