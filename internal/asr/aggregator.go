package asr

import (
	"time"

	"github.com/callsight/callsight/internal/asr/provider"
)

// minTimeBetweenSends is the floor on the gap between two consecutive
// provider sends in normal mode. Sending faster than this buys no latency
// and wastes provider quota.
const minTimeBetweenSends = 50 * time.Millisecond

// aggregator converts the carrier's 20 ms frames into provider-sized sends.
// Providers close the stream when fed chunks below their floor or when the
// gap between sends grows past their ceiling; the aggregator buffers frames
// and decides, on every tick and on every inbound frame, whether a flush is
// due and how large it should be.
//
// The aggregator is owned by exactly one call task and is never touched
// concurrently. Flush decisions are synchronous; the caller performs the
// actual send fire-and-forget.
type aggregator struct {
	timing provider.Timing

	// bytesPerMs converts payload sizes to audio durations. PCM16.
	bytesPerMs int

	chunks     [][]byte
	bufferedMs int64

	createdAt      time.Time
	lastSendAt     time.Time // preserved across buffer clears
	hasSentInitial bool
	processing     bool
}

func newAggregator(timing provider.Timing, sampleRate, channels int, now time.Time) *aggregator {
	return &aggregator{
		timing:     timing,
		bytesPerMs: sampleRate * channels * 2 / 1000,
		createdAt:  now,
	}
}

// push appends one inbound frame to the buffer.
func (a *aggregator) push(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	a.chunks = append(a.chunks, pcm)
	a.bufferedMs += a.durationMs(pcm)
}

// requeue puts a failed send back at the head of the buffer so the same
// bytes are retried after the session reopens.
func (a *aggregator) requeue(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	a.chunks = append([][]byte{pcm}, a.chunks...)
	a.bufferedMs += a.durationMs(pcm)
}

func (a *aggregator) buffered() time.Duration {
	return time.Duration(a.bufferedMs) * time.Millisecond
}

func (a *aggregator) durationMs(pcm []byte) int64 {
	if a.bytesPerMs <= 0 {
		return 0
	}
	return int64(len(pcm)) / int64(a.bytesPerMs)
}

// decide runs the tick algorithm and returns the payload to send now, or nil
// when no flush is due. starved reports that the first-audio deadline forced
// the flush before the initial burst filled.
func (a *aggregator) decide(now time.Time) (payload []byte, starved bool) {
	if a.processing || len(a.chunks) == 0 {
		return nil, false
	}
	a.processing = true
	defer func() { a.processing = false }()

	buffered := a.buffered()

	if !a.hasSentInitial {
		deadline := now.Sub(a.createdAt) >= a.timing.FirstAudioDeadline
		if buffered >= a.timing.InitialBurst || deadline {
			target := buffered
			if target > a.timing.MaxChunk {
				target = a.timing.MaxChunk
			}
			a.hasSentInitial = true
			a.lastSendAt = now
			return a.take(target), deadline && buffered < a.timing.InitialBurst
		}
		return nil, false
	}

	gap := now.Sub(a.lastSendAt)
	tooLong := gap >= a.timing.MaxWait
	hasOptimal := buffered >= a.timing.MinChunk
	forceFlush := buffered >= a.timing.MaxChunk

	flushNow := forceFlush ||
		(tooLong && buffered >= a.timing.TimeoutFallbackMin) ||
		(gap >= minTimeBetweenSends && hasOptimal)
	if !flushNow {
		return nil, false
	}

	target := a.timing.MinChunk
	if tooLong || target > buffered {
		target = buffered
	}
	a.lastSendAt = now
	return a.take(target), false
}

// drain empties the buffer for the end-of-call flush.
func (a *aggregator) drain() []byte {
	if len(a.chunks) == 0 {
		return nil
	}
	payload := a.take(a.buffered())
	return payload
}

// take removes whole frames from the head of the buffer until their combined
// duration reaches target, rounded down to a frame boundary. At least one
// frame is always taken.
func (a *aggregator) take(target time.Duration) []byte {
	var (
		taken   time.Duration
		n       int
		payload []byte
	)
	for i, c := range a.chunks {
		d := time.Duration(a.durationMs(c)) * time.Millisecond
		if i > 0 && taken+d > target {
			break
		}
		payload = append(payload, c...)
		taken += d
		n = i + 1
	}
	a.chunks = a.chunks[n:]
	a.bufferedMs -= int64(taken / time.Millisecond)
	if len(a.chunks) == 0 {
		a.chunks = nil
	}
	return payload
}

// gapSinceSend reports how long ago the last flush happened. Before the
// first send it measures from buffer creation.
func (a *aggregator) gapSinceSend(now time.Time) time.Duration {
	if a.lastSendAt.IsZero() {
		return now.Sub(a.createdAt)
	}
	return now.Sub(a.lastSendAt)
}
