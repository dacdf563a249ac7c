// Package asr implements the transcription worker: it consumes the
// audio_stream topic, owns one task per active call, drives the streaming
// provider through the chunk aggregator, and publishes transcript events to
// per-call bus topics.
package asr

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/callsight/callsight/internal/asr/provider"
	"github.com/callsight/callsight/internal/bus"
	"github.com/callsight/callsight/internal/config"
	"github.com/callsight/callsight/internal/domain"
	"github.com/callsight/callsight/internal/metrics"
)

// audio_stream is a single un-partitioned topic, so the group must hold
// exactly one live consumer: a second one would split a call's frames across
// workers and break per-call seq order. Scaling out needs callId-sharded
// audio topics first. The consumer name is stable so a restarted worker
// drains its own pending entries before following live delivery.
const (
	consumerGroup   = "asr-workers"
	defaultConsumer = "asr-1"
)

// Worker consumes audio and owns the per-call tasks. Calls are isolated:
// a panic or provider failure on one call never affects another.
type Worker struct {
	bus          bus.Bus
	factory      provider.Factory
	timing       provider.Timing
	consumer     string
	maxReconnect int
	idleMax      time.Duration
	log          *slog.Logger

	// opener collapses concurrent session opens for the same call into one
	// in-flight dial, so a call can never hold two live sessions.
	opener singleflight.Group

	mu    sync.Mutex
	tasks map[string]*callTask
	wg    sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

func NewWorker(b bus.Bus, factory provider.Factory, cfg config.WorkerConfig, idleMax time.Duration, log *slog.Logger) *Worker {
	consumer := cfg.ConsumerName
	if consumer == "" {
		consumer = defaultConsumer
	}
	return &Worker{
		bus:          b,
		factory:      factory,
		timing:       applyOverrides(factory.Timing(), cfg.Timing),
		consumer:     consumer,
		maxReconnect: cfg.MaxReconnect,
		idleMax:      idleMax,
		log:          log.With("component", "asr-worker"),
		tasks:        make(map[string]*callTask),
	}
}

// applyOverrides merges deployment tuning over the provider's defaults.
// Zero values keep the default.
func applyOverrides(t provider.Timing, o config.TimingOverrides) provider.Timing {
	if o.InitialBurst > 0 {
		t.InitialBurst = o.InitialBurst
	}
	if o.MinChunk > 0 {
		t.MinChunk = o.MinChunk
	}
	if o.MaxWait > 0 {
		t.MaxWait = o.MaxWait
	}
	if o.TimeoutFallbackMin > 0 {
		t.TimeoutFallbackMin = o.TimeoutFallbackMin
	}
	if o.MaxChunk > 0 {
		t.MaxChunk = o.MaxChunk
	}
	if o.KeepAlivePeriod > 0 {
		t.KeepAlivePeriod = o.KeepAlivePeriod
	}
	if o.ProcessingTick > 0 {
		t.ProcessingTick = o.ProcessingTick
	}
	if o.FirstAudioDeadline > 0 {
		t.FirstAudioDeadline = o.FirstAudioDeadline
	}
	return t
}

// Run subscribes to the audio topic and blocks until ctx is cancelled. On
// return every call task has been torn down.
func (w *Worker) Run(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	defer w.cancel()

	sub, err := w.bus.Subscribe(w.ctx, bus.TopicAudio, consumerGroup, w.consumer, w.handle)
	if err != nil {
		return fmt.Errorf("asr: subscribe %s: %w", bus.TopicAudio, err)
	}
	defer sub.Cancel()

	w.log.Info("worker started", "provider", w.factory.Name(), "consumer", w.consumer)
	<-w.ctx.Done()

	w.log.Info("worker stopping, waiting for call tasks")
	w.wg.Wait()
	return nil
}

// handle routes one audio_stream message. Returning nil acks it: delivery
// into the task inbox is the handoff point, and the inbox applies
// backpressure when a call falls behind.
func (w *Worker) handle(ctx context.Context, msg bus.Message) error {
	var probe struct {
		Event  string `json:"event"`
		CallID string `json:"callId"`
	}
	if err := json.Unmarshal(msg.Payload, &probe); err != nil {
		w.log.Warn("dropping undecodable audio_stream message", "id", msg.ID, "error", err)
		return nil
	}
	if probe.CallID == "" {
		w.log.Warn("dropping message without callId", "id", msg.ID)
		return nil
	}

	if probe.Event != "" {
		var ev domain.ControlEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return nil
		}
		if t := w.existing(ev.CallID); t != nil {
			t.deliver(taskMsg{control: &ev})
		}
		return nil
	}

	var frame domain.AudioFrame
	if err := json.Unmarshal(msg.Payload, &frame); err != nil {
		w.log.Warn("dropping malformed audio frame", "id", msg.ID, "error", err)
		return nil
	}
	if frame.SampleRate <= 0 || frame.Channels <= 0 {
		w.log.Warn("dropping frame with invalid format", "callId", frame.CallID)
		return nil
	}

	w.task(frame.CallID, frame.TenantID).deliver(taskMsg{frame: &frame})
	return nil
}

// task returns the live task for callID, creating it on first audio.
func (w *Worker) task(callID, tenantID string) *callTask {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.tasks[callID]; ok {
		return t
	}
	t := newCallTask(w, callID, tenantID)
	w.tasks[callID] = t
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				w.log.Error("call task panicked", "callId", callID, "panic", r)
				w.remove(callID)
			}
		}()
		t.run(w.ctx)
	}()
	return t
}

func (w *Worker) existing(callID string) *callTask {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tasks[callID]
}

func (w *Worker) remove(callID string) {
	w.mu.Lock()
	delete(w.tasks, callID)
	w.mu.Unlock()
}

// ActiveCalls reports how many call tasks are live, for health reporting.
func (w *Worker) ActiveCalls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.tasks)
}

func (w *Worker) openSession(ctx context.Context, cfg provider.SessionConfig) (provider.Session, error) {
	v, err, _ := w.opener.Do(cfg.CallID, func() (interface{}, error) {
		return w.factory.Open(ctx, cfg)
	})
	if err != nil {
		return nil, err
	}
	return v.(provider.Session), nil
}

// publishTranscript writes one event to the call's transcript topic with a
// short bounded retry. Audio consumption is never blocked on downstream
// publish failures beyond this.
func (w *Worker) publishTranscript(ctx context.Context, ev domain.TranscriptEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("asr: marshal transcript: %w", err)
	}

	topic := bus.TranscriptTopic(ev.CallID)
	var lastErr error
	wait := 100 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		if _, lastErr = w.bus.Publish(ctx, topic, payload); lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	metrics.BusPublishErrors.WithLabelValues(topic).Inc()
	return lastErr
}
