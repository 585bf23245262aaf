package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/ghalamif/ProxiFlow/internal/ports"
)

// DefaultChannel is the broadcast action announced after every flush.
const DefaultChannel = "ACTION_AWARE_PROXIMITY"

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// Redis publishes a small JSON event on a channel after each successful flush.
type Redis struct {
	client   *redis.Client
	channel  string
	deviceID string
	now      func() time.Time
}

type changeEvent struct {
	Action    string `json:"action"`
	DeviceID  string `json:"device_id"`
	Timestamp int64  `json:"timestamp"`
}

func NewRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func NewRedis(client *redis.Client, channel, deviceID string) *Redis {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Redis{client: client, channel: channel, deviceID: deviceID, now: time.Now}
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Notify(ctx context.Context) error {
	b, err := json.Marshal(changeEvent{
		Action:    r.channel,
		DeviceID:  r.deviceID,
		Timestamp: r.now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, b).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", r.channel, err)
	}
	return nil
}

func (r *Redis) Close() error { return r.client.Close() }

var _ ports.Notifier = (*Redis)(nil)
