package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Feed is the cross-process presence change feed. Records published by one
// API instance reach the Tracker of every other instance.
type Feed interface {
	Publish(ctx context.Context, rec Record) error
	Subscribe(ctx context.Context) (<-chan Record, error)
}

const feedChannel = "presence:updates"

// RedisFeed fans presence changes out over a Redis pub/sub channel.
// Payloads are the JSON encoding of Record; malformed payloads are dropped
// with a warn log rather than trusted.
type RedisFeed struct {
	rdb *redis.Client
	log *slog.Logger
}

func NewRedisFeed(rdb *redis.Client, log *slog.Logger) *RedisFeed {
	if log == nil {
		log = slog.Default()
	}
	return &RedisFeed{rdb: rdb, log: log}
}

func (f *RedisFeed) Publish(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal presence record: %w", err)
	}
	if err := f.rdb.Publish(ctx, feedChannel, payload).Err(); err != nil {
		return fmt.Errorf("publish presence record: %w", err)
	}
	return nil
}

func (f *RedisFeed) Subscribe(ctx context.Context) (<-chan Record, error) {
	ps := f.rdb.Subscribe(ctx, feedChannel)
	// Force the subscription to be established before returning.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", feedChannel, err)
	}

	out := make(chan Record)
	go func() {
		defer close(out)
		defer func() { _ = ps.Close() }()

		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var rec Record
				if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil {
					f.log.Warn("dropping undecodable presence payload", "err", err)
					continue
				}
				select {
				case out <- rec:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
