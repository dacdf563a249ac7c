package consumer

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/callsight/callsight/internal/bus"
	"github.com/callsight/callsight/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type ingestRecorder struct {
	mu        sync.Mutex
	fragments []forwardedFragment
	status    int
}

func (r *ingestRecorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var frag forwardedFragment
	if err := json.NewDecoder(req.Body).Decode(&frag); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	r.mu.Lock()
	r.fragments = append(r.fragments, frag)
	status := r.status
	r.mu.Unlock()
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
}

func (r *ingestRecorder) received() []forwardedFragment {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]forwardedFragment, len(r.fragments))
	copy(out, r.fragments)
	return out
}

func startConsumer(t *testing.T, b bus.Bus, baseURL string) (*Consumer, context.CancelFunc) {
	t.Helper()
	c := New(b, baseURL, time.Minute, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	t.Cleanup(cancel)

	// Wait for Run to initialize before subscribing.
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.subs != nil
	}, time.Second, 5*time.Millisecond)
	return c, cancel
}

func publishTranscript(t *testing.T, b bus.Bus, ev domain.TranscriptEvent) {
	t.Helper()
	payload, err := json.Marshal(ev)
	require.NoError(t, err)
	_, err = b.Publish(context.Background(), bus.TranscriptTopic(ev.CallID), payload)
	require.NoError(t, err)
}

func TestForwardsOnlyNonEmptyFinals(t *testing.T) {
	b := bus.NewMemory()
	rec := &ingestRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	c, _ := startConsumer(t, b, srv.URL)
	c.RequestSubscribe("CA1")

	publishTranscript(t, b, domain.TranscriptEvent{CallID: "CA1", Seq: 1, Kind: domain.KindPartial, Text: "hel"})
	publishTranscript(t, b, domain.TranscriptEvent{CallID: "CA1", Seq: 2, Kind: domain.KindFinal, Text: "hello there"})

	require.Eventually(t, func() bool {
		return len(rec.received()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	got := rec.received()[0]
	assert.Equal(t, "CA1", got.CallID)
	assert.Equal(t, uint64(2), got.Seq)
	assert.Equal(t, "hello there", got.Text)

	// Partials never reach the app.
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, rec.received(), 1)
}

func TestTerminalMarkerDropsSubscription(t *testing.T) {
	b := bus.NewMemory()
	rec := &ingestRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	c, _ := startConsumer(t, b, srv.URL)
	c.RequestSubscribe("CA1")
	assert.Equal(t, 1, c.ActiveSubscriptions())

	publishTranscript(t, b, domain.TranscriptEvent{CallID: "CA1", Seq: 5, Kind: domain.KindFinal, Text: ""})

	require.Eventually(t, func() bool {
		return c.ActiveSubscriptions() == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, rec.received())
}

func TestRecoverySweepSubscribesToExistingStreams(t *testing.T) {
	b := bus.NewMemory()
	rec := &ingestRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	// The stream exists before the consumer starts, as after a crash.
	publishTranscript(t, b, domain.TranscriptEvent{CallID: "CA9", Seq: 1, Kind: domain.KindFinal, Text: "leftover"})

	startConsumer(t, b, srv.URL)

	require.Eventually(t, func() bool {
		got := rec.received()
		return len(got) == 1 && got[0].CallID == "CA9"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRepeatSubscribeIsNoop(t *testing.T) {
	b := bus.NewMemory()
	srv := httptest.NewServer(&ingestRecorder{})
	defer srv.Close()

	c, _ := startConsumer(t, b, srv.URL)
	c.RequestSubscribe("CA1")
	c.RequestSubscribe("CA1")
	assert.Equal(t, 1, c.ActiveSubscriptions())

	c.Unsubscribe("CA1")
	c.Unsubscribe("CA1")
	assert.Equal(t, 0, c.ActiveSubscriptions())
}

func TestForwardFailureIsDeadLetteredAndUnacked(t *testing.T) {
	b := bus.NewMemory()
	rec := &ingestRecorder{status: http.StatusBadRequest}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	c, _ := startConsumer(t, b, srv.URL)
	c.RequestSubscribe("CA1")

	publishTranscript(t, b, domain.TranscriptEvent{CallID: "CA1", Seq: 1, Kind: domain.KindFinal, Text: "hello"})

	require.Eventually(t, func() bool {
		return len(c.DeadLetters()) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	dl := c.DeadLetters()[0]
	assert.Equal(t, "CA1", dl.CallID)
	assert.Equal(t, uint64(1), dl.Seq)
	assert.NotEmpty(t, dl.Error)

	// Unacked messages are redelivered and fail again; the queue stays
	// bounded regardless.
	time.Sleep(200 * time.Millisecond)
	assert.LessOrEqual(t, len(c.DeadLetters()), deadLetterCap)
	assert.GreaterOrEqual(t, len(rec.received()), 2)
}

func TestDeadLetterQueueKeepsNewestEntries(t *testing.T) {
	c := New(bus.NewMemory(), "http://127.0.0.1:0", time.Minute, testLogger())

	for seq := uint64(1); seq <= deadLetterCap+10; seq++ {
		c.addDeadLetter(&domain.TranscriptEvent{CallID: "CA1", Seq: seq}, assert.AnError)
	}

	dlq := c.DeadLetters()
	require.Len(t, dlq, deadLetterCap)
	assert.Equal(t, uint64(11), dlq[0].Seq)
	assert.Equal(t, uint64(deadLetterCap+10), dlq[len(dlq)-1].Seq)
}

func TestIdleSubscriptionsAreCollected(t *testing.T) {
	b := bus.NewMemory()
	srv := httptest.NewServer(&ingestRecorder{})
	defer srv.Close()

	c, _ := startConsumer(t, b, srv.URL)
	c.RequestSubscribe("CA1")
	c.RequestSubscribe("CA2")

	c.mu.Lock()
	c.subs["CA1"].lastActivityAt = time.Now().Add(-2 * time.Minute)
	c.mu.Unlock()

	c.collectIdle()
	assert.Equal(t, 1, c.ActiveSubscriptions())
	c.mu.Lock()
	_, ok := c.subs["CA2"]
	c.mu.Unlock()
	assert.True(t, ok)
}
