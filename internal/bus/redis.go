package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/callsight/callsight/internal/retry"
)

const (
	// Streams are trimmed approximately; with 20 ms frames this comfortably
	// covers the one-hour retention floor.
	streamMaxLen = 500_000

	payloadField = "payload"

	readBlock = 5 * time.Second
	readCount = 64
)

var (
	redisOnce sync.Once
	redisInst *redisBus
	redisErr  error
)

// sharedRedis returns the process-wide Redis bus. One producer client and one
// consumer client are held for the process lifetime regardless of how many
// components publish or subscribe.
func sharedRedis(url string) (Bus, error) {
	redisOnce.Do(func() {
		opts, err := redis.ParseURL(url)
		if err != nil {
			redisErr = fmt.Errorf("bus: parse redis url: %w", err)
			return
		}
		redisInst = &redisBus{
			producer: redis.NewClient(opts),
			consumer: redis.NewClient(opts),
			log:      slog.With("component", "bus"),
		}
	})
	return redisInst, redisErr
}

type redisBus struct {
	producer *redis.Client
	consumer *redis.Client
	log      *slog.Logger

	mu     sync.Mutex
	closed bool
}

func (b *redisBus) Publish(ctx context.Context, topic string, payload []byte) (string, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", ErrClosed
	}
	b.mu.Unlock()

	id, err := b.producer.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{payloadField: payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("bus: xadd %s: %w", topic, err)
	}
	return id, nil
}

func (b *redisBus) Subscribe(ctx context.Context, topic, group, consumer string, h Handler) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	if err := b.ensureGroup(ctx, topic, group); err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &redisSubscription{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(sub.done)
		b.consumeLoop(subCtx, topic, group, consumer, h)
	}()

	return sub, nil
}

// ensureGroup creates the stream and group lazily. Starting at "0" makes a
// group's first join read from the oldest entry.
func (b *redisBus) ensureGroup(ctx context.Context, topic, group string) error {
	err := b.consumer.XGroupCreateMkStream(ctx, topic, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("bus: create group %s on %s: %w", group, topic, err)
	}
	return nil
}

func (b *redisBus) consumeLoop(ctx context.Context, topic, group, consumer string, h Handler) {
	// Drain messages already pending under this consumer name first (crash
	// recovery), then follow live delivery.
	cursor := "0"
	backoff := retry.BusConfig()
	interval := backoff.InitialInterval

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streams, err := b.consumer.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{topic, cursor},
			Count:    readCount,
			Block:    readBlock,
		}).Result()

		if err != nil {
			if errors.Is(err, redis.Nil) {
				interval = backoff.InitialInterval
				continue
			}
			if ctx.Err() != nil {
				return
			}
			wait := interval
			if retry.IsCapacityError(err) {
				wait = backoff.MaxInterval
			} else {
				interval *= 2
				if interval > backoff.MaxInterval {
					interval = backoff.MaxInterval
				}
			}
			b.log.Warn("read failed, backing off", "topic", topic, "wait", wait, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		interval = backoff.InitialInterval

		delivered := 0
		for _, stream := range streams {
			for _, entry := range stream.Messages {
				delivered++
				payload, _ := entry.Values[payloadField].(string)
				msg := Message{ID: entry.ID, Topic: topic, Payload: []byte(payload)}

				if err := h(ctx, msg); err != nil {
					// Not acked: stays pending for redelivery.
					b.log.Warn("handler failed, message left pending",
						"topic", topic, "id", entry.ID, "error", err)
					continue
				}
				if err := b.consumer.XAck(ctx, topic, group, entry.ID).Err(); err != nil && ctx.Err() == nil {
					b.log.Warn("ack failed", "topic", topic, "id", entry.ID, "error", err)
				}
			}
		}

		if cursor == "0" && delivered == 0 {
			// Pending backlog drained; switch to live delivery.
			cursor = ">"
		}
	}
}

func (b *redisBus) ListTopics(ctx context.Context, pattern string) ([]string, error) {
	var topics []string
	var cursor uint64
	for {
		keys, next, err := b.consumer.ScanType(ctx, cursor, pattern, 100, "stream").Result()
		if err != nil {
			return nil, fmt.Errorf("bus: scan %s: %w", pattern, err)
		}
		topics = append(topics, keys...)
		if next == 0 {
			return topics, nil
		}
		cursor = next
	}
}

func (b *redisBus) Ping(ctx context.Context) error {
	return b.producer.Ping(ctx).Err()
}

func (b *redisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	perr := b.producer.Close()
	cerr := b.consumer.Close()
	if perr != nil {
		return perr
	}
	return cerr
}

type redisSubscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *redisSubscription) Cancel() {
	s.cancel()
	<-s.done
}
