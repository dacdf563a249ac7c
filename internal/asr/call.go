package asr

import (
	"context"
	"log/slog"
	"time"

	"github.com/callsight/callsight/internal/asr/provider"
	"github.com/callsight/callsight/internal/domain"
	"github.com/callsight/callsight/internal/metrics"
)

type sessionState int

const (
	stateIdle sessionState = iota
	stateOpening
	stateReady
	stateDraining
	stateReopening
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateOpening:
		return "opening"
	case stateReady:
		return "ready"
	case stateDraining:
		return "draining"
	case stateReopening:
		return "reopening"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

const (
	sendGatePoll    = 50 * time.Millisecond
	sendGateTimeout = 3 * time.Second
	drainGrace      = 2 * time.Second
	inboxSize       = 256
)

// taskMsg is one entry in the call task's inbox. Session-originated fields
// carry the epoch of the session that produced them so messages from a
// replaced session are discarded.
type taskMsg struct {
	frame      *domain.AudioFrame
	control    *domain.ControlEvent
	transcript *provider.Transcript
	sessionErr error
	// sessionGone marks the session's transcript channel closing.
	sessionGone bool
	epoch       int
}

// callTask owns all Buffer and Connection state for one callId. All
// mutations happen on the task goroutine; the bus handler and the session
// reply loop communicate with it exclusively through the inbox.
type callTask struct {
	callID   string
	tenantID string
	w        *Worker
	log      *slog.Logger

	inbox chan taskMsg
	done  chan struct{}

	timing provider.Timing
	agg    *aggregator

	sess       provider.Session
	sessEpoch  int
	state      sessionState
	reconnects int

	seq         uint64
	sampleRate  int
	channels    int
	encoding    string
	lastAudioAt time.Time

	drainDeadline time.Time
}

func newCallTask(w *Worker, callID, tenantID string) *callTask {
	return &callTask{
		callID:   callID,
		tenantID: tenantID,
		w:        w,
		log:      w.log.With("callId", callID),
		inbox:    make(chan taskMsg, inboxSize),
		done:     make(chan struct{}),
		timing:   w.timing,
		state:    stateIdle,
	}
}

// deliver routes a message to the task unless it already finished.
func (t *callTask) deliver(msg taskMsg) {
	select {
	case t.inbox <- msg:
	case <-t.done:
	}
}

func (t *callTask) run(ctx context.Context) {
	defer close(t.done)
	defer t.w.remove(t.callID)

	tick := time.NewTicker(t.timing.ProcessingTick)
	defer tick.Stop()
	keepAlive := time.NewTicker(t.timing.KeepAlivePeriod)
	defer keepAlive.Stop()

	t.lastAudioAt = time.Now()

	for {
		select {
		case <-ctx.Done():
			t.teardown("worker stopping")
			return

		case msg := <-t.inbox:
			t.handleMsg(ctx, msg)

		case now := <-tick.C:
			t.onTick(ctx, now)

		case <-keepAlive.C:
			if t.state == stateReady && t.sess != nil {
				if err := t.sess.KeepAlive(); err != nil {
					t.log.Warn("keep-alive failed", "error", err)
				}
			}
		}

		if t.state == stateClosed {
			return
		}
	}
}

func (t *callTask) handleMsg(ctx context.Context, msg taskMsg) {
	switch {
	case msg.frame != nil:
		t.onFrame(ctx, msg.frame)

	case msg.control != nil:
		if msg.control.Event == domain.EventCallEnd {
			t.beginDrain(ctx, "call_end")
		}

	case msg.transcript != nil:
		if msg.epoch == t.sessEpoch {
			t.onTranscript(ctx, *msg.transcript)
		}

	case msg.sessionErr != nil:
		if msg.epoch == t.sessEpoch {
			t.log.Warn("provider session error", "error", msg.sessionErr, "state", t.state.String())
			t.reopen(ctx, "transport error")
		}

	case msg.sessionGone:
		if msg.epoch != t.sessEpoch {
			return
		}
		if t.state == stateDraining {
			t.finish(ctx)
		} else if t.state == stateReady || t.state == stateOpening {
			t.reopen(ctx, "session closed by provider")
		}
	}
}

func (t *callTask) onFrame(ctx context.Context, f *domain.AudioFrame) {
	now := time.Now()
	t.lastAudioAt = now

	if t.state == stateDraining || t.state == stateClosed {
		return
	}

	if t.agg == nil {
		t.sampleRate = f.SampleRate
		t.channels = f.Channels
		t.encoding = f.Encoding
		t.agg = newAggregator(t.timing, f.SampleRate, f.Channels, now)
	}

	// Silent frames are skipped while skipping cannot breach the send
	// ceiling; once the gap approaches MaxWait the frame is buffered so the
	// next flush carries at least a minimal silent payload.
	if isSilent(f.Payload) && t.agg.buffered() == 0 && t.agg.gapSinceSend(now) < t.timing.MaxWait {
		return
	}

	t.agg.push(f.Payload)
	t.pump(ctx, now)
}

func (t *callTask) onTick(ctx context.Context, now time.Time) {
	if t.state == stateDraining {
		if !t.drainDeadline.IsZero() && now.After(t.drainDeadline) {
			t.finish(ctx)
		}
		return
	}
	if t.state == stateClosed {
		return
	}

	if t.w.idleMax > 0 && now.Sub(t.lastAudioAt) >= t.w.idleMax {
		t.log.Info("call idle, tearing down", "idle", now.Sub(t.lastAudioAt).String())
		t.beginDrain(ctx, "idle timeout")
		return
	}

	if t.agg != nil {
		t.pump(ctx, now)
	}
}

// pump flushes the aggregator until it reports nothing due. Repeated flushes
// within one pass only happen on force-flush, since the first flush resets
// the gap.
func (t *callTask) pump(ctx context.Context, now time.Time) {
	for t.state != stateClosed && t.state != stateDraining {
		payload, starved := t.agg.decide(now)
		if payload == nil {
			return
		}
		if starved {
			metrics.AggregatorStarvation.Inc()
		}
		t.send(ctx, payload)
	}
}

// send ships one payload fire-and-forget. On gate timeout or a rejected
// write the bytes go back to the buffer head and the session is reopened;
// the retry happens on the next pump pass.
func (t *callTask) send(ctx context.Context, payload []byte) {
	if err := t.ensureSession(ctx); err != nil {
		t.agg.requeue(payload)
		t.reopen(ctx, "open failed")
		return
	}

	if !t.waitOpen(ctx) {
		metrics.SendsBlockedNotReady.Inc()
		t.agg.requeue(payload)
		t.reopen(ctx, "send gate timeout")
		return
	}

	if err := t.sess.Send(payload); err != nil {
		t.agg.requeue(payload)
		t.reopen(ctx, "send rejected")
		return
	}

	metrics.ProviderSends.WithLabelValues(t.w.factory.Name()).Inc()
	metrics.ProviderSendBytes.Add(float64(len(payload)))
}

// waitOpen polls for full session openness: protocol readiness and the
// transport in OPEN state. Both must hold before a send.
func (t *callTask) waitOpen(ctx context.Context) bool {
	deadline := time.Now().Add(sendGateTimeout)
	for {
		if t.sess == nil {
			return false
		}
		if t.sess.Ready() && t.sess.TransportOpen() {
			if t.state == stateOpening || t.state == stateReopening {
				t.state = stateReady
			}
			return true
		}
		if !t.sess.TransportOpen() && t.state == stateReady {
			// Transport dropped between check and send.
			return false
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(sendGatePoll):
		}
	}
}

func (t *callTask) ensureSession(ctx context.Context) error {
	if t.sess != nil && t.sess.TransportOpen() {
		return nil
	}
	t.state = stateOpening

	sess, err := t.w.openSession(ctx, provider.SessionConfig{
		CallID:     t.callID,
		SampleRate: t.sampleRate,
		Channels:   t.channels,
		Encoding:   t.encoding,
	})
	if err != nil {
		return err
	}

	t.sess = sess
	t.sessEpoch++
	metrics.ProviderSessionsActive.Inc()
	go t.replyLoop(sess, t.sessEpoch)
	return nil
}

// replyLoop drains one session's channels into the inbox. It exits when the
// transcript channel closes, which every session guarantees on shutdown.
func (t *callTask) replyLoop(sess provider.Session, epoch int) {
	for {
		select {
		case tr, ok := <-sess.Transcripts():
			if !ok {
				t.deliver(taskMsg{sessionGone: true, epoch: epoch})
				return
			}
			trCopy := tr
			t.deliver(taskMsg{transcript: &trCopy, epoch: epoch})
		case err := <-sess.Errors():
			if err != nil {
				t.deliver(taskMsg{sessionErr: err, epoch: epoch})
			}
		}
	}
}

// reopen tears the current session down and opens a fresh one, bounded by
// maxReconnect per call. Exhaustion abandons the call with a synthetic
// error-annotated final so downstream state is not stuck.
func (t *callTask) reopen(ctx context.Context, reason string) {
	if t.state == stateClosed || t.state == stateDraining {
		return
	}
	t.closeSession()

	t.reconnects++
	metrics.ProviderReconnects.Inc()
	if t.reconnects > t.w.maxReconnect {
		t.log.Error("provider reconnects exhausted, abandoning call",
			"reason", reason, "attempts", t.reconnects-1)
		t.publishTranscript(ctx, domain.TranscriptEvent{
			CallID:    t.callID,
			TenantID:  t.tenantID,
			Seq:       t.seq + 1,
			Kind:      domain.KindFinal,
			Text:      "",
			CreatedAt: time.Now(),
			Error:     "provider unavailable: " + reason,
		})
		t.state = stateClosed
		return
	}

	t.log.Info("reopening provider session", "reason", reason, "attempt", t.reconnects)
	t.state = stateReopening
	if err := t.ensureSession(ctx); err != nil {
		t.log.Warn("reopen failed", "error", err)
		t.reopen(ctx, "reopen failed")
	}
}

func (t *callTask) onTranscript(ctx context.Context, tr provider.Transcript) {
	// Empty partials are provider noise; empty finals are forwarded so the
	// downstream sequence stays contiguous.
	if tr.Text == "" && tr.Kind != domain.KindFinal {
		return
	}

	t.seq++
	t.publishTranscript(ctx, domain.TranscriptEvent{
		CallID:     t.callID,
		TenantID:   t.tenantID,
		Seq:        t.seq,
		Kind:       tr.Kind,
		Text:       tr.Text,
		Confidence: tr.Confidence,
		StartMs:    tr.StartMs,
		EndMs:      tr.EndMs,
		CreatedAt:  time.Now(),
	})
}

func (t *callTask) publishTranscript(ctx context.Context, ev domain.TranscriptEvent) {
	if err := t.w.publishTranscript(ctx, ev); err != nil {
		t.log.Error("transcript publish failed", "seq", ev.Seq, "error", err)
		return
	}
	metrics.TranscriptsPublished.WithLabelValues(ev.Kind).Inc()
}

// beginDrain flushes what remains in the buffer, closes the session cleanly
// and waits (bounded) for the provider's trailing finals before publishing
// the end-of-stream marker.
func (t *callTask) beginDrain(ctx context.Context, reason string) {
	if t.state == stateDraining || t.state == stateClosed {
		return
	}
	t.log.Info("draining call", "reason", reason)

	if t.agg != nil && t.sess != nil {
		if payload := t.agg.drain(); len(payload) > 0 &&
			time.Duration(t.agg.durationMs(payload))*time.Millisecond >= t.timing.TimeoutFallbackMin {
			if t.sess.Ready() && t.sess.TransportOpen() {
				if err := t.sess.Send(payload); err == nil {
					metrics.ProviderSends.WithLabelValues(t.w.factory.Name()).Inc()
					metrics.ProviderSendBytes.Add(float64(len(payload)))
				}
			}
		}
	}

	t.state = stateDraining
	t.drainDeadline = time.Now().Add(drainGrace)
	if t.sess != nil {
		t.sess.Close()
	} else {
		t.finish(ctx)
	}
}

// finish publishes the termination marker and closes the task.
func (t *callTask) finish(ctx context.Context) {
	t.closeSession()
	t.publishTranscript(ctx, domain.TranscriptEvent{
		CallID:    t.callID,
		TenantID:  t.tenantID,
		Seq:       t.seq + 1,
		Kind:      domain.KindFinal,
		Text:      "",
		CreatedAt: time.Now(),
	})
	t.state = stateClosed
}

func (t *callTask) teardown(reason string) {
	if t.state == stateClosed {
		return
	}
	t.log.Info("closing call task", "reason", reason)
	t.closeSession()
	t.state = stateClosed
}

func (t *callTask) closeSession() {
	if t.sess == nil {
		return
	}
	t.sess.Close()
	t.sess = nil
	metrics.ProviderSessionsActive.Dec()
}

// silenceThreshold is the mean absolute PCM16 amplitude below which a frame
// counts as silence.
const silenceThreshold = 120

func isSilent(pcm []byte) bool {
	if len(pcm) < 2 {
		return true
	}
	var sum int64
	n := len(pcm) / 2
	for i := 0; i < n; i++ {
		v := int64(int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8))
		if v < 0 {
			v = -v
		}
		sum += v
	}
	return sum/int64(n) < silenceThreshold
}
