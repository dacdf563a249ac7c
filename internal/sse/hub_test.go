package sse

import (
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(max int) *Hub {
	return NewHub(max, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func receive(t *testing.T, c *Client) string {
	t.Helper()
	select {
	case msg := <-c.Events():
		return string(msg)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for sse event")
		return ""
	}
}

func TestBroadcastReachesOnlyCallClients(t *testing.T) {
	h := newTestHub(20)
	a := h.AddClient("CA1")
	b := h.AddClient("CA2")

	h.Broadcast("CA1", EventTranscript, map[string]string{"text": "hi"})

	msg := receive(t, a)
	assert.Contains(t, msg, "event: transcript_line")
	assert.Contains(t, msg, `"text":"hi"`)

	select {
	case got := <-b.Events():
		t.Fatalf("client on another call received %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCapEvictsOldestClient(t *testing.T) {
	h := newTestHub(2)
	first := h.AddClient("CA1")
	h.AddClient("CA1")

	third := h.AddClient("CA1")
	assert.Equal(t, 2, h.ClientCount())

	// The oldest got a close event and its done channel.
	msg := receive(t, first)
	assert.Contains(t, msg, "event: close")
	assert.Contains(t, msg, "capacity")
	select {
	case <-first.Done():
	case <-time.After(time.Second):
		t.Fatal("evicted client not closed")
	}

	// The newcomer still receives broadcasts.
	h.Broadcast("CA1", EventIntent, map[string]string{"intent": "billing"})
	assert.Contains(t, receive(t, third), "intent_update")
}

func TestSlowClientIsEvictedOthersUnaffected(t *testing.T) {
	h := newTestHub(20)
	slow := h.AddClient("CA1")
	fast := h.AddClient("CA1")

	// Fill both buffers, then drain only the fast client.
	for i := 0; i < clientBuffer; i++ {
		h.Broadcast("CA1", EventTranscript, map[string]int{"n": i})
	}
	for i := 0; i < clientBuffer; i++ {
		receive(t, fast)
	}

	// The next broadcast overflows only the slow client.
	h.Broadcast("CA1", EventTranscript, map[string]string{"text": "overflow"})

	select {
	case <-slow.Done():
	case <-time.After(time.Second):
		t.Fatal("slow client was not evicted")
	}
	receive(t, fast)
	assert.Equal(t, 1, h.ClientCount())

	h.Broadcast("CA1", EventCallEnd, map[string]string{"callId": "CA1"})
	assert.Contains(t, receive(t, fast), "call_end")
}

func TestSweepEvictsIdleClients(t *testing.T) {
	h := newTestHub(20)
	c := h.AddClient("CA1")

	h.mu.Lock()
	h.clients[c.ID].lastActive = time.Now().Add(-11 * time.Minute)
	h.mu.Unlock()

	h.sweep(time.Now())

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("idle client was not swept")
	}
	assert.Equal(t, 0, h.ClientCount())
}

func TestRemoveClientIsIdempotent(t *testing.T) {
	h := newTestHub(20)
	c := h.AddClient("CA1")
	h.RemoveClient(c.ID)
	h.RemoveClient(c.ID)
	assert.Equal(t, 0, h.ClientCount())
}

func TestFormatEvent(t *testing.T) {
	frame := string(formatEvent(EventPing, []byte(`{}`)))
	require.True(t, strings.HasPrefix(frame, "event: ping\n"))
	assert.Contains(t, frame, "data: {}")
	assert.True(t, strings.HasSuffix(frame, "\n\n"))
}

func TestHelloCarriesClientID(t *testing.T) {
	h := newTestHub(20)
	c := h.AddClient("CA9")
	msg := string(Hello(c))
	assert.Contains(t, msg, "event: hello")
	assert.Contains(t, msg, c.ID)
	assert.Contains(t, msg, "CA9")
}
