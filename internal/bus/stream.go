package bus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StreamConfig selects the Redis stream and consumer group the gateway uses.
type StreamConfig struct {
	Stream   string
	Group    string
	Consumer string
}

type streamConn struct {
	client *redis.Client
	cfg    StreamConfig
	log    *zap.Logger
}

// StreamDialer returns a Dialer establishing Redis Streams links. host is
// the redis address.
func StreamDialer(cfg StreamConfig, password string, db int, log *zap.Logger) Dialer {
	return func(ctx context.Context, host string) (Conn, error) {
		client := redis.NewClient(&redis.Options{
			Addr:     host,
			Password: password,
			DB:       db,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("redis stream ping: %w", err)
		}
		err := client.XGroupCreateMkStream(ctx, cfg.Stream, cfg.Group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			client.Close()
			return nil, fmt.Errorf("redis stream group create: %w", err)
		}
		return &streamConn{
			client: client,
			cfg:    cfg,
			log:    log.With(zap.String("module", "bus-stream")),
		}, nil
	}
}

func (c *streamConn) Publish(ctx context.Context, msg Message) error {
	return c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.cfg.Stream,
		Values: map[string]interface{}{
			"name": msg.Name,
			"data": msg.Payload,
		},
	}).Err()
}

func (c *streamConn) Consume(ctx context.Context) (<-chan Delivery, error) {
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    c.cfg.Group,
				Consumer: c.cfg.Consumer,
				Streams:  []string{c.cfg.Stream, ">"},
				Count:    16,
				Block:    5 * time.Second,
			}).Result()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				if ctx.Err() == nil {
					c.log.Warn("redis stream read failed", zap.Error(err))
				}
				return
			}
			for _, stream := range res {
				for _, m := range stream.Messages {
					id := m.ID
					data, _ := m.Values["data"].(string)
					select {
					case out <- Delivery{
						Payload: []byte(data),
						ack: func() error {
							return c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, id).Err()
						},
					}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}

func (c *streamConn) Close() error {
	return c.client.Close()
}
