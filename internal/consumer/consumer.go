// Package consumer forwards bus-published transcript fragments to the app
// ingest endpoint. Subscriptions are strictly activity-driven: the ingest
// endpoint requests one when it sees a call's first fragment, and a one-shot
// sweep at startup recovers streams left over from a crash. Continuous topic
// scanning is deliberately absent.
package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/callsight/callsight/internal/bus"
	"github.com/callsight/callsight/internal/domain"
	"github.com/callsight/callsight/internal/id"
	"github.com/callsight/callsight/internal/metrics"
	"github.com/callsight/callsight/internal/retry"
)

const (
	consumerGroup  = "transcript-consumers"
	gcPeriod       = 30 * time.Second
	forwardTimeout = 30 * time.Second
	deadLetterCap  = 50
)

// forwardedFragment is the body posted to the app ingest endpoint. Seq is
// carried through so a redelivered bus message upserts the same row.
type forwardedFragment struct {
	CallID  string    `json:"callId"`
	Text    string    `json:"text"`
	TS      time.Time `json:"ts"`
	Seq     uint64    `json:"seq"`
	Speaker string    `json:"speaker,omitempty"`
}

// DeadLetter is one fragment that exhausted its forward retries. The queue
// exists for observability; entries are never replayed from here because the
// unacked bus message is redelivered anyway.
type DeadLetter struct {
	CallID   string    `json:"callId"`
	Seq      uint64    `json:"seq"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failedAt"`
}

type subscription struct {
	callID             string
	sub                bus.Subscription
	subscribedAt       time.Time
	fragmentsForwarded int64
	lastActivityAt     time.Time
}

// Consumer owns the per-call transcript subscriptions of this process.
type Consumer struct {
	bus      bus.Bus
	client   *http.Client
	endpoint string
	name     string
	idleMax  time.Duration
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs map[string]*subscription
	dlq  []DeadLetter
}

// New builds a consumer posting to baseURL's ingest-transcript endpoint.
// Subscriptions idle longer than idleMax are garbage collected.
func New(b bus.Bus, baseURL string, idleMax time.Duration, log *slog.Logger) *Consumer {
	return &Consumer{
		bus:      b,
		client:   &http.Client{Timeout: forwardTimeout},
		endpoint: baseURL + "/api/calls/ingest-transcript",
		name:     id.New().GenerateConsumerID(),
		idleMax:  idleMax,
		log:      log.With("component", "consumer"),
	}
}

// Run performs the startup crash-recovery sweep, then garbage collects idle
// subscriptions until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.mu.Lock()
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.subs = make(map[string]*subscription)
	c.mu.Unlock()

	c.recoverySweep(ctx)

	ticker := time.NewTicker(gcPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		case <-ticker.C:
			c.collectIdle()
		}
	}
}

// recoverySweep subscribes to transcript streams that already exist, once.
// Streams for finished calls fall out through the idle GC.
func (c *Consumer) recoverySweep(ctx context.Context) {
	topics, err := c.bus.ListTopics(ctx, bus.TopicTranscriptGlob)
	if err != nil {
		c.log.Warn("recovery sweep failed", "error", err)
		return
	}
	for _, topic := range topics {
		if callID := bus.CallIDFromTranscriptTopic(topic); callID != "" {
			c.RequestSubscribe(callID)
		}
	}
	if len(topics) > 0 {
		c.log.Info("recovery sweep complete", "streams", len(topics))
	}
}

// RequestSubscribe starts forwarding a call's transcript stream. Repeat
// requests for a live subscription are no-ops.
func (c *Consumer) RequestSubscribe(callID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs == nil || c.ctx.Err() != nil {
		return
	}
	if _, ok := c.subs[callID]; ok {
		return
	}

	topic := bus.TranscriptTopic(callID)
	sub, err := c.bus.Subscribe(c.ctx, topic, consumerGroup, c.name, func(ctx context.Context, msg bus.Message) error {
		return c.handle(ctx, callID, msg)
	})
	if err != nil {
		c.log.Error("subscribe failed", "callId", callID, "error", err)
		return
	}

	now := time.Now()
	c.subs[callID] = &subscription{
		callID:         callID,
		sub:            sub,
		subscribedAt:   now,
		lastActivityAt: now,
	}
	c.log.Info("subscribed to transcript stream", "callId", callID)
}

// Unsubscribe drops a call's subscription, typically at disposition time.
func (c *Consumer) Unsubscribe(callID string) {
	c.mu.Lock()
	s, ok := c.subs[callID]
	if ok {
		delete(c.subs, callID)
	}
	c.mu.Unlock()
	if ok {
		s.sub.Cancel()
		c.log.Info("unsubscribed from transcript stream", "callId", callID)
	}
}

func (c *Consumer) handle(ctx context.Context, callID string, msg bus.Message) error {
	var ev domain.TranscriptEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		c.log.Warn("dropping malformed transcript message", "callId", callID, "error", err)
		return nil
	}

	c.touch(callID)

	if ev.IsTerminal() {
		// End-of-stream marker: the worker is done with this call.
		go c.Unsubscribe(callID)
		return nil
	}
	if ev.Kind != domain.KindFinal || ev.Text == "" {
		return nil
	}

	if err := c.forward(ctx, &ev); err != nil {
		c.addDeadLetter(&ev, err)
		// Leave the message unacked so the bus redelivers it.
		return err
	}

	metrics.TranscriptsForwarded.Inc()
	c.recordForward(callID)
	return nil
}

func (c *Consumer) forward(ctx context.Context, ev *domain.TranscriptEvent) error {
	body, err := json.Marshal(forwardedFragment{
		CallID: ev.CallID,
		Text:   ev.Text,
		TS:     ev.CreatedAt,
		Seq:    ev.Seq,
	})
	if err != nil {
		return fmt.Errorf("marshal fragment: %w", err)
	}

	return retry.WithBackoffHTTP(ctx, retry.ForwardConfig(), func() (int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return 0, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return 0, err
		}
		resp.Body.Close()
		return resp.StatusCode, nil
	})
}

func (c *Consumer) touch(callID string) {
	c.mu.Lock()
	if s, ok := c.subs[callID]; ok {
		s.lastActivityAt = time.Now()
	}
	c.mu.Unlock()
}

func (c *Consumer) recordForward(callID string) {
	c.mu.Lock()
	if s, ok := c.subs[callID]; ok {
		s.fragmentsForwarded++
	}
	c.mu.Unlock()
}

func (c *Consumer) addDeadLetter(ev *domain.TranscriptEvent, err error) {
	c.mu.Lock()
	c.dlq = append(c.dlq, DeadLetter{
		CallID:   ev.CallID,
		Seq:      ev.Seq,
		Error:    err.Error(),
		FailedAt: time.Now(),
	})
	if len(c.dlq) > deadLetterCap {
		c.dlq = c.dlq[len(c.dlq)-deadLetterCap:]
	}
	metrics.ForwardDeadLetters.Set(float64(len(c.dlq)))
	c.mu.Unlock()
}

// DeadLetters returns a snapshot of the dead-letter queue, oldest first.
func (c *Consumer) DeadLetters() []DeadLetter {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]DeadLetter, len(c.dlq))
	copy(out, c.dlq)
	return out
}

// ActiveSubscriptions reports how many transcript streams are being followed.
func (c *Consumer) ActiveSubscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

func (c *Consumer) collectIdle() {
	now := time.Now()
	var stale []*subscription
	c.mu.Lock()
	for callID, s := range c.subs {
		if now.Sub(s.lastActivityAt) > c.idleMax {
			delete(c.subs, callID)
			stale = append(stale, s)
		}
	}
	c.mu.Unlock()

	for _, s := range stale {
		s.sub.Cancel()
		c.log.Info("dropped idle transcript subscription",
			"callId", s.callID,
			"forwarded", s.fragmentsForwarded,
			"idle", now.Sub(s.lastActivityAt).Round(time.Second))
	}
}

func (c *Consumer) shutdown() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.cancel()
	c.mu.Unlock()

	for _, s := range subs {
		s.sub.Cancel()
	}
}
