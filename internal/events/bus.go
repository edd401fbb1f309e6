// Package events publishes job lifecycle transitions on a Redis channel so
// interested consumers (live status pushes, dashboards) can follow progress
// without polling the job store. Publication is best-effort: the bus must
// never break the processing path.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Event is a job status transition.
type Event struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Bus publishes job events. A nil *RedisBus is a valid no-op bus.
type Bus interface {
	Publish(ctx context.Context, ev Event)
}

// RedisBus implements Bus over Redis pub/sub.
type RedisBus struct {
	rdb     *goredis.Client
	channel string
	logger  *slog.Logger
}

// NewRedisBus connects to Redis and verifies the connection.
func NewRedisBus(addr, password string, db int, channel string, logger *slog.Logger) (*RedisBus, error) {
	if channel == "" {
		channel = "job-events"
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisBus{
		rdb:     rdb,
		channel: channel,
		logger:  logger,
	}, nil
}

// Publish emits the event; failures are logged and swallowed.
func (b *RedisBus) Publish(ctx context.Context, ev Event) {
	if b == nil || b.rdb == nil {
		return
	}

	raw, err := json.Marshal(ev)
	if err != nil {
		b.logger.Warn("Failed to marshal job event",
			slog.String("job_id", ev.JobID),
			slog.Any("error", err),
		)
		return
	}

	if err := b.rdb.Publish(ctx, b.channel, raw).Err(); err != nil {
		b.logger.Warn("Failed to publish job event",
			slog.String("job_id", ev.JobID),
			slog.String("status", ev.Status),
			slog.Any("error", err),
		)
	}
}

// Subscribe delivers events to onEvent until the context is cancelled.
func (b *RedisBus) Subscribe(ctx context.Context, onEvent func(Event)) error {
	if b == nil || b.rdb == nil {
		return fmt.Errorf("event bus not initialized")
	}

	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					b.logger.Warn("Dropping malformed job event",
						slog.Any("error", err),
					)
					continue
				}
				onEvent(ev)
			}
		}
	}()

	return nil
}

// Close shuts down the Redis connection.
func (b *RedisBus) Close() error {
	if b == nil || b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}
