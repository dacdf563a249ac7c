// Package bus provides a durable topic log with consumer-group semantics:
// at-least-once delivery, per-topic ordering, and lazy stream/group creation.
//
// Two adapters exist: a Redis Streams adapter ("stream-log") for deployments
// and an in-memory adapter for tests and single-process runs. Handlers that
// return nil are acked exactly once; handlers that return an error leave the
// message pending for redelivery.
package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/callsight/callsight/internal/config"
)

var ErrClosed = errors.New("bus: closed")

// Message is one delivered bus entry.
type Message struct {
	ID      string
	Topic   string
	Payload []byte
}

// Handler processes one message. Returning nil acks it; returning an error
// leaves it pending.
type Handler func(ctx context.Context, msg Message) error

// Subscription is a live consumer loop.
type Subscription interface {
	// Cancel stops delivery. In-flight handler calls run to completion.
	Cancel()
}

// Bus is the topic log shared by all pipeline components.
type Bus interface {
	// Publish appends payload to topic, creating the topic lazily.
	Publish(ctx context.Context, topic string, payload []byte) (string, error)

	// Subscribe joins group on topic as consumer and starts delivery. On the
	// group's first join the cursor starts at the topic's oldest entry. The
	// consumer first drains messages already pending under its own name, then
	// follows live delivery.
	Subscribe(ctx context.Context, topic, group, consumer string, h Handler) (Subscription, error)

	// ListTopics returns topic names matching a glob pattern. Used only for
	// the transcript consumer's one-shot crash-recovery sweep.
	ListTopics(ctx context.Context, pattern string) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}

// Topics used by the pipeline.
const (
	TopicAudio          = "audio_stream"
	TopicTranscriptGlob = "transcript.*"
	topicTranscriptStem = "transcript."
)

// TranscriptTopic returns the per-call transcript topic name.
func TranscriptTopic(callID string) string {
	return topicTranscriptStem + callID
}

// CallIDFromTranscriptTopic extracts the callId, or "" if the topic is not a
// transcript stream.
func CallIDFromTranscriptTopic(topic string) string {
	if len(topic) > len(topicTranscriptStem) && topic[:len(topicTranscriptStem)] == topicTranscriptStem {
		return topic[len(topicTranscriptStem):]
	}
	return ""
}

// New constructs the adapter selected by cfg. Adapters are process-wide
// singletons: repeated calls return the same instance so the process holds at
// most one producer and one consumer connection.
func New(cfg config.BusConfig) (Bus, error) {
	switch cfg.Adapter {
	case "stream-log", "redis", "":
		return sharedRedis(cfg.RedisURL)
	case "in-memory", "memory":
		return sharedMemory(), nil
	default:
		return nil, fmt.Errorf("bus: unknown adapter %q", cfg.Adapter)
	}
}
