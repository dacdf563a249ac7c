package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/callsight/callsight/internal/bus"
	"github.com/callsight/callsight/internal/domain"
	"github.com/callsight/callsight/internal/metrics"
)

type connState int

const (
	connAwaitStart connState = iota
	connStreaming
	connStopping
	connClosed
)

type protocol int

const (
	protoUnknown protocol = iota
	protoCarrier
	protoNative
)

const watchdogPeriod = time.Second

// conn is one ingest WebSocket. The read loop owns the state machine; the
// idle watchdog only observes lastMediaAt and closes the socket.
type conn struct {
	srv        *Server
	ws         *websocket.Conn
	log        *slog.Logger
	authHeader string

	writeMu sync.Mutex

	state connState
	proto protocol

	callID     string
	tenantID   string
	sampleRate int
	channels   int
	encoding   string

	seq         uint64
	mediaFrames int

	lastMediaAt atomic.Int64 // unix nanos
	stopOnce    sync.Once
	closed      chan struct{}
}

func newConn(s *Server, ws *websocket.Conn, authHeader string) *conn {
	return &conn{
		srv:        s,
		ws:         ws,
		log:        s.log,
		authHeader: authHeader,
		state:      connAwaitStart,
		closed:     make(chan struct{}),
	}
}

func (c *conn) run() {
	c.srv.connections.Add(1)
	metrics.IngestConnectionsActive.Inc()
	defer func() {
		c.srv.connections.Add(-1)
		metrics.IngestConnectionsActive.Dec()
		close(c.closed)
		c.ws.Close()
	}()

	c.lastMediaAt.Store(time.Now().UnixNano())
	go c.watchdog()

	for c.state != connClosed {
		msgType, payload, err := c.ws.ReadMessage()
		if err != nil {
			if c.state == connStreaming {
				// Abnormal close mid-stream: let ASR tear down.
				c.emitStop("connection lost")
			}
			c.state = connClosed
			return
		}

		switch msgType {
		case websocket.TextMessage:
			c.onText(payload)
		case websocket.BinaryMessage:
			c.onBinary(payload)
		}
	}
}

func (c *conn) onText(payload []byte) {
	if c.proto == protoUnknown {
		c.detect(payload)
		if c.proto == protoUnknown {
			c.fail("unrecognized first frame")
			return
		}
	}

	switch c.proto {
	case protoCarrier:
		c.onCarrierFrame(payload)
	case protoNative:
		c.onNativeFrame(payload)
	}
}

// detect sniffs the protocol from the first text frame: carrier frames carry
// an "event" field, native frames an "interactionId".
func (c *conn) detect(payload []byte) {
	var probe struct {
		Event         string `json:"event"`
		InteractionID string `json:"interactionId"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return
	}
	// Native start frames may also carry an "event" field, so the
	// interactionId is the discriminator.
	switch {
	case probe.InteractionID != "":
		c.proto = protoNative
	case probe.Event != "":
		if !c.srv.cfg.SupportCarrier {
			return
		}
		c.proto = protoCarrier
	}
}

func (c *conn) onCarrierFrame(payload []byte) {
	var frame carrierFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		c.log.Debug("undecodable carrier frame", "error", err)
		return
	}

	switch frame.Event {
	case "connected":
		// Preamble before start.

	case "start":
		if c.state != connAwaitStart || frame.Start == nil || frame.Start.callID() == "" {
			c.fail("malformed start event")
			return
		}
		c.callID = frame.Start.callID()
		c.sampleRate = frame.Start.MediaFormat.SampleRate
		c.channels = frame.Start.MediaFormat.Channels
		c.encoding = frame.Start.MediaFormat.Encoding
		c.applyFormatDefaults()
		c.state = connStreaming
		c.log = c.srv.log.With("callId", c.callID)
		c.log.Info("stream started", "protocol", "carrier", "sampleRate", c.sampleRate)

	case "media":
		if c.state != connStreaming || frame.Media == nil {
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(frame.Media.Payload)
		if err != nil {
			c.log.Debug("bad media payload", "error", err)
			return
		}
		// Some carriers leak JSON control documents into media payloads;
		// skip them like the native binary channel does.
		if len(pcm) > 0 && (pcm[0] == '{' || pcm[0] == '[') && json.Valid(pcm) {
			c.log.Debug("json document in media payload, skipping", "bytes", len(pcm))
			return
		}
		c.publishAudio(pcm)

	case "stop":
		c.stop("carrier stop")

	case "mark":
		// Carrier echo of our ACKs.
	}
}

func (c *conn) onNativeFrame(payload []byte) {
	switch c.state {
	case connAwaitStart:
		var start nativeStart
		if err := json.Unmarshal(payload, &start); err != nil || start.InteractionID == "" || start.SampleRate <= 0 {
			c.fail("malformed start frame")
			return
		}
		if err := c.srv.verifyNativeAuth(c.authHeader, &start); err != nil {
			c.failWithCode(websocket.ClosePolicyViolation, "authentication failed")
			return
		}
		c.callID = start.InteractionID
		c.tenantID = start.TenantID
		c.sampleRate = start.SampleRate
		c.channels = start.Channels
		c.encoding = start.Encoding
		c.applyFormatDefaults()
		c.state = connStreaming
		c.log = c.srv.log.With("callId", c.callID)
		c.log.Info("stream started", "protocol", "native", "sampleRate", c.sampleRate)

	case connStreaming:
		var stop nativeStop
		if err := json.Unmarshal(payload, &stop); err == nil && (stop.Type == "stop" || stop.Event == "stop") {
			c.stop("native stop")
		}
	}
}

func (c *conn) onBinary(payload []byte) {
	if c.proto != protoNative || c.state != connStreaming {
		return
	}
	// Some clients leak JSON onto the binary channel; skip it.
	if len(payload) > 0 && (payload[0] == '{' || payload[0] == '[') && json.Valid(payload) {
		c.log.Debug("json document on binary channel, skipping", "bytes", len(payload))
		return
	}
	c.publishAudio(payload)
}

func (c *conn) applyFormatDefaults() {
	if c.sampleRate <= 0 {
		c.sampleRate = 8000
	}
	if c.channels <= 0 {
		c.channels = 1
	}
	if c.encoding == "" {
		c.encoding = "linear16"
	}
}

func (c *conn) publishAudio(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	c.lastMediaAt.Store(time.Now().UnixNano())

	c.seq++
	frame := domain.AudioFrame{
		CallID:      c.callID,
		TenantID:    c.tenantID,
		Seq:         c.seq,
		SampleRate:  c.sampleRate,
		Channels:    c.channels,
		Encoding:    c.encoding,
		Payload:     pcm,
		TimestampMs: time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		c.log.Error("marshal audio frame", "error", err)
		return
	}

	if _, err := c.srv.bus.Publish(context.Background(), bus.TopicAudio, payload); err != nil {
		// Bus pressure never closes the socket; health goes degraded.
		c.log.Warn("audio publish failed", "seq", c.seq, "error", err)
		c.srv.degraded.Store(true)
		metrics.BusPublishErrors.WithLabelValues(bus.TopicAudio).Inc()
		return
	}
	c.srv.degraded.Store(false)
	metrics.AudioFramesPublished.Inc()

	c.mediaFrames++
	if n := c.srv.cfg.AckEveryFrames; n > 0 && c.mediaFrames%n == 0 {
		c.sendAck()
	}
}

// sendAck confirms receipt to the sender: a mark frame for carriers, a small
// ack object for native clients.
func (c *conn) sendAck() {
	var msg []byte
	if c.proto == protoCarrier {
		msg = []byte(fmt.Sprintf(`{"event":"mark","streamSid":%q,"mark":{"name":"ack-%d"}}`, c.callID, c.seq))
	} else {
		msg = []byte(fmt.Sprintf(`{"type":"ack","seq":%d}`, c.seq))
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
		c.log.Debug("ack write failed", "error", err)
	}
}

// stop runs the graceful path: emit call_end downstream, close frame, done.
func (c *conn) stop(reason string) {
	if c.state != connStreaming {
		return
	}
	c.state = connStopping
	c.emitStop(reason)
	c.writeClose(websocket.CloseNormalClosure, "stream complete")
	c.state = connClosed
}

// emitStop publishes the synthetic call_end exactly once per connection.
func (c *conn) emitStop(reason string) {
	c.stopOnce.Do(func() {
		if c.callID == "" {
			return
		}
		ev := domain.ControlEvent{Event: domain.EventCallEnd, CallID: c.callID, TenantID: c.tenantID, Reason: reason}
		payload, _ := json.Marshal(ev)
		if _, err := c.srv.bus.Publish(context.Background(), bus.TopicAudio, payload); err != nil {
			c.log.Error("call_end publish failed", "error", err)
			c.srv.degraded.Store(true)
		}
		c.log.Info("stream ended", "reason", reason, "frames", c.mediaFrames)
	})
}

func (c *conn) fail(reason string) {
	c.failWithCode(websocket.CloseUnsupportedData, reason)
}

func (c *conn) failWithCode(code int, reason string) {
	c.log.Warn("closing connection", "reason", reason)
	c.writeClose(code, reason)
	if c.state == connStreaming {
		c.emitStop(reason)
	}
	c.state = connClosed
}

func (c *conn) writeClose(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
}

// watchdog closes idle streams and emits the synthetic stop so the ASR
// worker tears its session down.
func (c *conn) watchdog() {
	if c.srv.cfg.IdleClose <= 0 {
		return
	}
	period := watchdogPeriod
	if c.srv.cfg.IdleClose < 2*watchdogPeriod {
		period = c.srv.cfg.IdleClose / 2
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, c.lastMediaAt.Load()))
			if idle >= c.srv.cfg.IdleClose {
				c.log.Info("idle watchdog closing stream", "idle", idle.String())
				c.emitStop("idle timeout")
				c.writeClose(websocket.CloseGoingAway, "idle timeout")
				c.ws.Close()
				return
			}
		}
	}
}
