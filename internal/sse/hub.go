// Package sse is the bounded fan-out registry for server-sent events. The
// hub never blocks a broadcaster on a slow client: a client that cannot keep
// up is evicted, the rest are unaffected.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/callsight/callsight/internal/id"
	"github.com/callsight/callsight/internal/metrics"
)

// Event names on the wire.
const (
	EventHello      = "hello"
	EventPing       = "ping"
	EventTranscript = "transcript_line"
	EventIntent     = "intent_update"
	EventCallEnd    = "call_end"
	EventClose      = "close"
)

const (
	sweepPeriod  = 30 * time.Second
	idleMax      = 10 * time.Minute
	PingPeriod   = 15 * time.Second
	clientBuffer = 16
)

// Client is one connected SSE consumer.
type Client struct {
	ID     string
	CallID string

	ch          chan []byte
	connectedAt time.Time
	lastActive  time.Time
	done        chan struct{}
	closeOnce   sync.Once
}

// Events is the stream of pre-formatted SSE payloads for this client.
func (c *Client) Events() <-chan []byte { return c.ch }

// Done is closed when the hub evicts the client.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Hub tracks clients per call and enforces the process-wide cap.
type Hub struct {
	mu      sync.Mutex
	clients map[string]*Client
	byCall  map[string]map[string]*Client

	max   int
	idGen *id.Generator
	log   *slog.Logger
}

func NewHub(maxClients int, log *slog.Logger) *Hub {
	if maxClients <= 0 {
		maxClients = 20
	}
	return &Hub{
		clients: make(map[string]*Client),
		byCall:  make(map[string]map[string]*Client),
		max:     maxClients,
		idGen:   id.New(),
		log:     log.With("component", "sse-hub"),
	}
}

// AddClient registers a consumer for callID. At the cap, the oldest client
// is evicted first; the cap is load-bearing for memory on small instances.
func (h *Hub) AddClient(callID string) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.clients) >= h.max {
		h.evictOldestLocked()
	}

	now := time.Now()
	c := &Client{
		ID:          h.idGen.GenerateClientID(),
		CallID:      callID,
		ch:          make(chan []byte, clientBuffer),
		connectedAt: now,
		lastActive:  now,
		done:        make(chan struct{}),
	}
	h.clients[c.ID] = c
	if h.byCall[callID] == nil {
		h.byCall[callID] = make(map[string]*Client)
	}
	h.byCall[callID][c.ID] = c
	metrics.SSEClientsActive.Set(float64(len(h.clients)))
	return c
}

func (h *Hub) evictOldestLocked() {
	var oldest *Client
	for _, c := range h.clients {
		if oldest == nil || c.connectedAt.Before(oldest.connectedAt) {
			oldest = c
		}
	}
	if oldest == nil {
		return
	}
	h.log.Info("evicting oldest sse client", "clientId", oldest.ID, "callId", oldest.CallID)
	h.offer(oldest, formatEvent(EventClose, []byte(`{"reason":"capacity"}`)))
	h.removeLocked(oldest, "overflow")
}

// RemoveClient detaches one client, typically when its HTTP handler returns.
func (h *Hub) RemoveClient(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[clientID]; ok {
		h.removeLocked(c, "disconnect")
	}
}

func (h *Hub) removeLocked(c *Client, reason string) {
	delete(h.clients, c.ID)
	if m := h.byCall[c.CallID]; m != nil {
		delete(m, c.ID)
		if len(m) == 0 {
			delete(h.byCall, c.CallID)
		}
	}
	c.close()
	metrics.SSEClientsActive.Set(float64(len(h.clients)))
	metrics.SSEClientsEvicted.WithLabelValues(reason).Inc()
}

// Broadcast sends one event to every client on callID without blocking:
// clients whose buffers are full are evicted.
func (h *Hub) Broadcast(callID, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error("broadcast marshal failed", "event", event, "error", err)
		return
	}
	msg := formatEvent(event, data)

	h.mu.Lock()
	defer h.mu.Unlock()
	now := time.Now()
	for _, c := range h.byCall[callID] {
		if h.offer(c, msg) {
			c.lastActive = now
		} else {
			h.log.Warn("sse client too slow, evicting", "clientId", c.ID, "callId", callID)
			h.removeLocked(c, "backpressure")
		}
	}
}

// offer is the non-blocking send.
func (h *Hub) offer(c *Client, msg []byte) bool {
	select {
	case c.ch <- msg:
		return true
	default:
		return false
	}
}

// ClientCount reports the registry size, for health output.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Run sweeps idle clients every 30 s until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			h.sweep(time.Now())
		}
	}
}

func (h *Hub) sweep(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		if now.Sub(c.lastActive) > idleMax {
			h.offer(c, formatEvent(EventClose, []byte(`{"reason":"idle"}`)))
			h.removeLocked(c, "idle")
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		h.removeLocked(c, "shutdown")
	}
}

// Touch refreshes a client's activity clock, used by the ping loop.
func (h *Hub) Touch(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[clientID]; ok {
		c.lastActive = time.Now()
	}
}

// formatEvent renders one SSE frame.
func formatEvent(event string, data []byte) []byte {
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event, data))
}

// HelloPayload is sent on connect.
type HelloPayload struct {
	ClientID string `json:"clientId"`
	CallID   string `json:"callId"`
}

// Hello renders the connect greeting for a client.
func Hello(c *Client) []byte {
	data, _ := json.Marshal(HelloPayload{ClientID: c.ID, CallID: c.CallID})
	return formatEvent(EventHello, data)
}

// Ping renders the heartbeat frame.
func Ping() []byte {
	return formatEvent(EventPing, []byte(`{}`))
}
