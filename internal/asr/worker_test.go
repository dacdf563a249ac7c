package asr

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/callsight/callsight/internal/asr/provider"
	"github.com/callsight/callsight/internal/bus"
	"github.com/callsight/callsight/internal/config"
	"github.com/callsight/callsight/internal/domain"
)

func fastTiming() provider.Timing {
	return provider.Timing{
		InitialBurst:       40 * time.Millisecond,
		MinChunk:           40 * time.Millisecond,
		MaxWait:            120 * time.Millisecond,
		TimeoutFallbackMin: 20 * time.Millisecond,
		MaxChunk:           100 * time.Millisecond,
		KeepAlivePeriod:    200 * time.Millisecond,
		ProcessingTick:     20 * time.Millisecond,
		FirstAudioDeadline: 100 * time.Millisecond,
	}
}

func startWorker(t *testing.T, factory *provider.MockFactory, maxReconnect int) (bus.Bus, *Worker, context.CancelFunc) {
	t.Helper()
	b := bus.NewMemory()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := NewWorker(b, factory, config.WorkerConfig{MaxReconnect: maxReconnect}, time.Minute, log)

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	t.Cleanup(func() {
		cancel()
		b.Close()
	})
	return b, w, cancel
}

func publishFrames(t *testing.T, b bus.Bus, callID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		frame := domain.AudioFrame{
			CallID:     callID,
			Seq:        uint64(i + 1),
			SampleRate: 16000,
			Channels:   1,
			Encoding:   "linear16",
			Payload:    frame20ms(),
		}
		payload, err := json.Marshal(frame)
		require.NoError(t, err)
		_, err = b.Publish(context.Background(), bus.TopicAudio, payload)
		require.NoError(t, err)
	}
}

func publishCallEnd(t *testing.T, b bus.Bus, callID string) {
	t.Helper()
	payload, err := json.Marshal(domain.ControlEvent{Event: domain.EventCallEnd, CallID: callID})
	require.NoError(t, err)
	_, err = b.Publish(context.Background(), bus.TopicAudio, payload)
	require.NoError(t, err)
}

func collectTranscripts(t *testing.T, b bus.Bus, callID string) <-chan domain.TranscriptEvent {
	t.Helper()
	out := make(chan domain.TranscriptEvent, 32)
	sub, err := b.Subscribe(context.Background(), bus.TranscriptTopic(callID), "test", "c1",
		func(ctx context.Context, msg bus.Message) error {
			var ev domain.TranscriptEvent
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				return err
			}
			out <- ev
			return nil
		})
	require.NoError(t, err)
	t.Cleanup(sub.Cancel)
	return out
}

func waitEvent(t *testing.T, ch <-chan domain.TranscriptEvent) domain.TranscriptEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for transcript event")
		return domain.TranscriptEvent{}
	}
}

func firstSession(t *testing.T, f *provider.MockFactory) *provider.MockSession {
	t.Helper()
	var sess *provider.MockSession
	require.Eventually(t, func() bool {
		if s := f.Sessions(); len(s) > 0 {
			sess = s[0]
			return true
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "no provider session opened")
	return sess
}

func TestWorkerPublishesTranscriptsInOrder(t *testing.T) {
	f := provider.NewMockFactory()
	timing := fastTiming()
	f.TimingOverride = &timing
	b, _, _ := startWorker(t, f, 3)
	events := collectTranscripts(t, b, "CA1")

	publishFrames(t, b, "CA1", 4)
	sess := firstSession(t, f)

	require.Eventually(t, func() bool {
		return len(sess.Sends()) > 0
	}, 2*time.Second, 10*time.Millisecond, "no audio reached the provider")

	sess.Emit(provider.Transcript{Kind: "partial", Text: "hello", Confidence: 0.4})
	sess.Emit(provider.Transcript{Kind: "final", Text: "hello world", Confidence: 0.92, StartMs: 0, EndMs: 900})

	ev := waitEvent(t, events)
	assert.Equal(t, uint64(1), ev.Seq)
	assert.Equal(t, domain.KindPartial, ev.Kind)
	assert.Equal(t, "hello", ev.Text)

	ev = waitEvent(t, events)
	assert.Equal(t, uint64(2), ev.Seq)
	assert.Equal(t, domain.KindFinal, ev.Kind)
	assert.Equal(t, "hello world", ev.Text)
}

func TestWorkerDropsEmptyPartialsKeepsEmptyFinals(t *testing.T) {
	f := provider.NewMockFactory()
	timing := fastTiming()
	f.TimingOverride = &timing
	b, _, _ := startWorker(t, f, 3)
	events := collectTranscripts(t, b, "CA2")

	publishFrames(t, b, "CA2", 4)
	sess := firstSession(t, f)

	sess.Emit(provider.Transcript{Kind: "partial", Text: ""})
	sess.Emit(provider.Transcript{Kind: "final", Text: ""})
	sess.Emit(provider.Transcript{Kind: "final", Text: "done"})

	ev := waitEvent(t, events)
	assert.Equal(t, uint64(1), ev.Seq, "empty partial must not consume a seq")
	assert.Equal(t, domain.KindFinal, ev.Kind)
	assert.Equal(t, "", ev.Text)

	ev = waitEvent(t, events)
	assert.Equal(t, uint64(2), ev.Seq)
	assert.Equal(t, "done", ev.Text)
}

func TestWorkerEmitsTerminalMarkerOnCallEnd(t *testing.T) {
	f := provider.NewMockFactory()
	timing := fastTiming()
	f.TimingOverride = &timing
	b, w, _ := startWorker(t, f, 3)
	events := collectTranscripts(t, b, "CA3")

	publishFrames(t, b, "CA3", 4)
	sess := firstSession(t, f)
	sess.Emit(provider.Transcript{Kind: "final", Text: "bye", Confidence: 0.8})

	ev := waitEvent(t, events)
	require.Equal(t, uint64(1), ev.Seq)

	publishCallEnd(t, b, "CA3")

	ev = waitEvent(t, events)
	assert.Equal(t, uint64(2), ev.Seq, "marker continues the sequence")
	assert.True(t, ev.IsTerminal())

	require.Eventually(t, func() bool {
		return w.ActiveCalls() == 0
	}, 3*time.Second, 20*time.Millisecond, "task not removed after call end")
}

func TestWorkerReopensSessionAfterTransportError(t *testing.T) {
	f := provider.NewMockFactory()
	timing := fastTiming()
	f.TimingOverride = &timing
	b, _, _ := startWorker(t, f, 3)
	events := collectTranscripts(t, b, "CA4")

	publishFrames(t, b, "CA4", 4)
	sess := firstSession(t, f)
	sess.Emit(provider.Transcript{Kind: "final", Text: "before drop", Confidence: 0.8})
	require.Equal(t, uint64(1), waitEvent(t, events).Seq)

	sess.FailTransport(errors.New("websocket: close 1006 (abnormal closure)"))

	require.Eventually(t, func() bool {
		return len(f.Sessions()) == 2
	}, 3*time.Second, 10*time.Millisecond, "session was not reopened")

	publishFrames(t, b, "CA4", 4)
	second := f.Sessions()[1]
	require.Eventually(t, func() bool {
		return len(second.Sends()) > 0
	}, 2*time.Second, 10*time.Millisecond, "audio did not resume on the new session")

	second.Emit(provider.Transcript{Kind: "final", Text: "after drop", Confidence: 0.8})
	ev := waitEvent(t, events)
	assert.Equal(t, uint64(2), ev.Seq, "seq continues across reconnects")
	assert.Equal(t, "after drop", ev.Text)
}

func TestWorkerAbandonsCallAfterMaxReconnects(t *testing.T) {
	f := provider.NewMockFactory()
	timing := fastTiming()
	f.TimingOverride = &timing
	b, w, _ := startWorker(t, f, 2)
	events := collectTranscripts(t, b, "CA5")

	publishFrames(t, b, "CA5", 4)
	sess := firstSession(t, f)
	require.Eventually(t, func() bool {
		return len(sess.Sends()) > 0
	}, 2*time.Second, 10*time.Millisecond)

	f.SetOpenErr(errors.New("dial tcp: connection refused"))
	sess.FailTransport(errors.New("websocket: close 1011 (internal server error)"))

	ev := waitEvent(t, events)
	assert.True(t, ev.IsTerminal())
	assert.NotEmpty(t, ev.Error, "abandonment must be annotated")

	require.Eventually(t, func() bool {
		return w.ActiveCalls() == 0
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWorkerSparseCarrierKeepsSessionAlive(t *testing.T) {
	f := provider.NewMockFactory()
	timing := fastTiming()
	f.TimingOverride = &timing
	b, _, _ := startWorker(t, f, 3)

	// A single 20 ms frame, then quiet. The first-audio deadline must flush
	// it and keep-alives must flow during the silence.
	publishFrames(t, b, "CA6", 1)
	sess := firstSession(t, f)

	require.Eventually(t, func() bool {
		return len(sess.Sends()) > 0
	}, 2*time.Second, 10*time.Millisecond, "lone frame never flushed")

	require.Eventually(t, func() bool {
		return sess.KeepAlives() > 0
	}, 2*time.Second, 10*time.Millisecond, "no keep-alive during silence")
}

func TestWorkerSkipsSilentFrames(t *testing.T) {
	f := provider.NewMockFactory()
	timing := fastTiming()
	f.TimingOverride = &timing
	b, _, _ := startWorker(t, f, 3)

	// All-zero frames: skipped while the gap is narrow, but once the send
	// ceiling approaches a minimal silent payload still goes out.
	for i := 0; i < 4; i++ {
		frame := domain.AudioFrame{
			CallID:     "CA7",
			Seq:        uint64(i + 1),
			SampleRate: 16000,
			Channels:   1,
			Encoding:   "linear16",
			Payload:    make([]byte, 640),
		}
		payload, err := json.Marshal(frame)
		require.NoError(t, err)
		_, err = b.Publish(context.Background(), bus.TopicAudio, payload)
		require.NoError(t, err)
		time.Sleep(50 * time.Millisecond)
	}

	sess := firstSession(t, f)
	require.Eventually(t, func() bool {
		return len(sess.Sends()) > 0
	}, 2*time.Second, 10*time.Millisecond, "ceiling breach without any send")
}

type subscribeSpy struct {
	bus.Bus
	mu       sync.Mutex
	group    string
	consumer string
}

func (s *subscribeSpy) Subscribe(ctx context.Context, topic, group, consumer string, h bus.Handler) (bus.Subscription, error) {
	s.mu.Lock()
	if topic == bus.TopicAudio {
		s.group, s.consumer = group, consumer
	}
	s.mu.Unlock()
	return s.Bus.Subscribe(ctx, topic, group, consumer, h)
}

func TestWorkerSubscribesUnderStableConsumerName(t *testing.T) {
	f := provider.NewMockFactory()
	spy := &subscribeSpy{Bus: bus.NewMemory()}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	w := NewWorker(spy, f, config.WorkerConfig{ConsumerName: "asr-blue", MaxReconnect: 3}, time.Minute, log)
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	t.Cleanup(func() {
		cancel()
		spy.Bus.Close()
	})

	require.Eventually(t, func() bool {
		spy.mu.Lock()
		defer spy.mu.Unlock()
		return spy.consumer != ""
	}, 2*time.Second, 10*time.Millisecond, "worker never subscribed to the audio topic")

	spy.mu.Lock()
	assert.Equal(t, "asr-workers", spy.group)
	assert.Equal(t, "asr-blue", spy.consumer, "a restart must resume under the same consumer name")
	spy.mu.Unlock()

	// Unconfigured deployments still get a deterministic name.
	w2 := NewWorker(bus.NewMemory(), f, config.WorkerConfig{MaxReconnect: 3}, time.Minute, log)
	assert.Equal(t, "asr-1", w2.consumer)
}

func TestApplyOverrides(t *testing.T) {
	base := fastTiming()
	out := applyOverrides(base, config.TimingOverrides{
		MinChunk: 300 * time.Millisecond,
		MaxWait:  400 * time.Millisecond,
	})
	assert.Equal(t, 300*time.Millisecond, out.MinChunk)
	assert.Equal(t, 400*time.Millisecond, out.MaxWait)
	assert.Equal(t, base.InitialBurst, out.InitialBurst)
	assert.Equal(t, base.ProcessingTick, out.ProcessingTick)
}
