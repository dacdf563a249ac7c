package asr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/callsight/callsight/internal/asr/provider"
)

func lowLatencyTiming() provider.Timing {
	return provider.Timing{
		InitialBurst:       250 * time.Millisecond,
		MinChunk:           100 * time.Millisecond,
		MaxWait:            200 * time.Millisecond,
		TimeoutFallbackMin: 20 * time.Millisecond,
		MaxChunk:           250 * time.Millisecond,
		KeepAlivePeriod:    3 * time.Second,
		ProcessingTick:     100 * time.Millisecond,
		FirstAudioDeadline: 1 * time.Second,
	}
}

// frame20ms is 20 ms of non-silent PCM16 at 16 kHz mono: 320 samples.
func frame20ms() []byte {
	f := make([]byte, 640)
	for i := 0; i < len(f); i += 2 {
		f[i] = 0x00
		f[i+1] = 0x10 // amplitude 4096
	}
	return f
}

func TestNoSendBeforeInitialBurst(t *testing.T) {
	now := time.Now()
	a := newAggregator(lowLatencyTiming(), 16000, 1, now)

	// 240 ms buffered, burst is 250 ms.
	for i := 0; i < 12; i++ {
		a.push(frame20ms())
	}
	payload, starved := a.decide(now.Add(100 * time.Millisecond))
	assert.Nil(t, payload)
	assert.False(t, starved)
}

func TestInitialBurstFlush(t *testing.T) {
	now := time.Now()
	a := newAggregator(lowLatencyTiming(), 16000, 1, now)

	for i := 0; i < 13; i++ { // 260 ms
		a.push(frame20ms())
	}
	payload, starved := a.decide(now.Add(100 * time.Millisecond))
	require.NotNil(t, payload)
	assert.False(t, starved)

	// Capped at MaxChunk (250 ms), rounded down to the 240 ms frame boundary.
	assert.Equal(t, int64(240), a.durationMs(payload))
	assert.Equal(t, 20*time.Millisecond, a.buffered())
}

func TestFirstAudioDeadlineForcesPartialFlush(t *testing.T) {
	now := time.Now()
	a := newAggregator(lowLatencyTiming(), 16000, 1, now)

	a.push(frame20ms()) // 20 ms, far below the burst

	payload, starved := a.decide(now.Add(500 * time.Millisecond))
	assert.Nil(t, payload, "deadline not reached yet")
	assert.False(t, starved)

	payload, starved = a.decide(now.Add(1100 * time.Millisecond))
	require.NotNil(t, payload)
	assert.True(t, starved)
	assert.Equal(t, int64(20), a.durationMs(payload))
}

func TestNormalModeFlushAtMinChunk(t *testing.T) {
	now := time.Now()
	a := newAggregator(lowLatencyTiming(), 16000, 1, now)

	for i := 0; i < 13; i++ {
		a.push(frame20ms())
	}
	first, _ := a.decide(now)
	require.NotNil(t, first)

	// 80 ms buffered: below MinChunk, gap below MaxWait -> hold.
	for i := 0; i < 3; i++ {
		a.push(frame20ms())
	}
	payload, _ := a.decide(now.Add(60 * time.Millisecond))
	assert.Nil(t, payload)

	// 100 ms buffered and gap past the between-sends floor -> flush MinChunk.
	a.push(frame20ms())
	payload, _ = a.decide(now.Add(60 * time.Millisecond))
	require.NotNil(t, payload)
	assert.Equal(t, int64(100), a.durationMs(payload))
}

func TestSparseInputFallsBackToMinimalFlush(t *testing.T) {
	now := time.Now()
	a := newAggregator(lowLatencyTiming(), 16000, 1, now)

	for i := 0; i < 13; i++ {
		a.push(frame20ms())
	}
	first, _ := a.decide(now)
	require.NotNil(t, first)

	// A lone 20 ms frame left over, then a quiet stretch: the ceiling forces
	// a minimal send even though MinChunk is not met.
	require.Equal(t, 20*time.Millisecond, a.buffered())
	payload, _ := a.decide(now.Add(150 * time.Millisecond))
	assert.Nil(t, payload, "gap below MaxWait must hold")

	payload, _ = a.decide(now.Add(210 * time.Millisecond))
	require.NotNil(t, payload)
	assert.Equal(t, int64(20), a.durationMs(payload))
}

func TestForceFlushSendsMinChunkSlice(t *testing.T) {
	now := time.Now()
	a := newAggregator(lowLatencyTiming(), 16000, 1, now)

	for i := 0; i < 13; i++ {
		a.push(frame20ms())
	}
	first, _ := a.decide(now)
	require.NotNil(t, first)

	// 280 ms buffered with a tiny gap: force-flush fires but the payload is
	// the MinChunk slice, not the whole buffer.
	for i := 0; i < 13; i++ {
		a.push(frame20ms())
	}
	payload, _ := a.decide(now.Add(10 * time.Millisecond))
	require.NotNil(t, payload)
	assert.Equal(t, int64(100), a.durationMs(payload))
	assert.Equal(t, 180*time.Millisecond, a.buffered())
}

func TestConservativeTimingHoldsSmallBuffers(t *testing.T) {
	timing := provider.Timing{
		InitialBurst:       500 * time.Millisecond,
		MinChunk:           300 * time.Millisecond,
		MaxWait:            400 * time.Millisecond,
		TimeoutFallbackMin: 300 * time.Millisecond,
		MaxChunk:           600 * time.Millisecond,
		ProcessingTick:     100 * time.Millisecond,
		FirstAudioDeadline: 1 * time.Second,
	}
	now := time.Now()
	a := newAggregator(timing, 16000, 1, now)

	for i := 0; i < 25; i++ { // 500 ms
		a.push(frame20ms())
	}
	first, _ := a.decide(now)
	require.NotNil(t, first)

	// 100 ms buffered is under the 300 ms fallback floor: even a ceiling
	// breach must not flush.
	for i := 0; i < 5; i++ {
		a.push(frame20ms())
	}
	payload, _ := a.decide(now.Add(450 * time.Millisecond))
	assert.Nil(t, payload)
}

func TestRequeuePutsBytesAtHead(t *testing.T) {
	now := time.Now()
	a := newAggregator(lowLatencyTiming(), 16000, 1, now)

	for i := 0; i < 13; i++ {
		a.push(frame20ms())
	}
	payload, _ := a.decide(now)
	require.NotNil(t, payload)

	a.requeue(payload)
	assert.Equal(t, 260*time.Millisecond, a.buffered())

	next := a.take(a.buffered())
	assert.Equal(t, payload, next[:len(payload)])
}

func TestDrainEmptiesBuffer(t *testing.T) {
	now := time.Now()
	a := newAggregator(lowLatencyTiming(), 16000, 1, now)

	for i := 0; i < 4; i++ {
		a.push(frame20ms())
	}
	payload := a.drain()
	assert.Equal(t, int64(80), a.durationMs(payload))
	assert.Equal(t, time.Duration(0), a.buffered())
	assert.Nil(t, a.drain())
}

func TestSteadyInputRespectsGapBound(t *testing.T) {
	timing := lowLatencyTiming()
	start := time.Now()
	a := newAggregator(timing, 16000, 1, start)

	// Simulate 5 s of steady 20 ms frames with a 100 ms tick, tracking the
	// widest gap between consecutive flushes after the initial burst.
	var sendTimes []time.Time
	for ms := 0; ms <= 5000; ms += 20 {
		now := start.Add(time.Duration(ms) * time.Millisecond)
		a.push(frame20ms())
		if ms%100 == 0 {
			if payload, _ := a.decide(now); payload != nil {
				sendTimes = append(sendTimes, now)
			}
		}
	}

	require.Greater(t, len(sendTimes), 2)
	bound := timing.MaxWait + timing.ProcessingTick
	for i := 1; i < len(sendTimes); i++ {
		gap := sendTimes[i].Sub(sendTimes[i-1])
		assert.LessOrEqual(t, gap, bound, "send gap %v exceeded %v", gap, bound)
	}
}

func TestSilenceDetection(t *testing.T) {
	assert.True(t, isSilent(make([]byte, 640)))
	assert.False(t, isSilent(frame20ms()))
	assert.True(t, isSilent(nil))
}
