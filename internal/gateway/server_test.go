package gateway

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/callsight/callsight/internal/bus"
	"github.com/callsight/callsight/internal/config"
	"github.com/callsight/callsight/internal/domain"
)

type busRecorder struct {
	frames   chan domain.AudioFrame
	controls chan domain.ControlEvent
}

func recordAudio(t *testing.T, b bus.Bus) *busRecorder {
	t.Helper()
	rec := &busRecorder{
		frames:   make(chan domain.AudioFrame, 64),
		controls: make(chan domain.ControlEvent, 8),
	}
	sub, err := b.Subscribe(context.Background(), bus.TopicAudio, "test", "c1",
		func(ctx context.Context, msg bus.Message) error {
			var probe struct {
				Event string `json:"event"`
			}
			if err := json.Unmarshal(msg.Payload, &probe); err != nil {
				return err
			}
			if probe.Event != "" {
				var ev domain.ControlEvent
				if err := json.Unmarshal(msg.Payload, &ev); err != nil {
					return err
				}
				rec.controls <- ev
				return nil
			}
			var frame domain.AudioFrame
			if err := json.Unmarshal(msg.Payload, &frame); err != nil {
				return err
			}
			rec.frames <- frame
			return nil
		})
	require.NoError(t, err)
	t.Cleanup(sub.Cancel)
	return rec
}

func (r *busRecorder) nextFrame(t *testing.T) domain.AudioFrame {
	t.Helper()
	select {
	case f := <-r.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for audio frame")
		return domain.AudioFrame{}
	}
}

func (r *busRecorder) nextControl(t *testing.T) domain.ControlEvent {
	t.Helper()
	select {
	case ev := <-r.controls:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for control event")
		return domain.ControlEvent{}
	}
}

func startGateway(t *testing.T, cfg config.GatewayConfig) (bus.Bus, *Server, string) {
	t.Helper()
	b := bus.NewMemory()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := NewServer(cfg, b, log)
	require.NoError(t, err)

	ts := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		ts.Close()
		b.Close()
	})
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/ingest"
	return b, s, wsURL
}

func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func sendJSON(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	payload, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, payload))
}

func pcmFrame() []byte {
	f := make([]byte, 640)
	for i := 0; i < len(f); i += 2 {
		f[i+1] = 0x10
	}
	return f
}

func carrierCfg() config.GatewayConfig {
	return config.GatewayConfig{
		SupportCarrier: true,
		IdleClose:      time.Minute,
		AckEveryFrames: 50,
	}
}

func TestCarrierStreamPublishesFramesAndStop(t *testing.T) {
	b, _, wsURL := startGateway(t, carrierCfg())
	rec := recordAudio(t, b)
	ws := dial(t, wsURL)

	sendJSON(t, ws, map[string]any{"event": "connected"})
	sendJSON(t, ws, map[string]any{
		"event": "start",
		"start": map[string]any{
			"streamSid": "MZ1",
			"callSid":   "CA1",
			"mediaFormat": map[string]any{
				"encoding": "audio/l16", "sampleRate": 16000, "channels": 1,
			},
		},
	})

	for i := 0; i < 3; i++ {
		sendJSON(t, ws, map[string]any{
			"event": "media",
			"media": map[string]any{"payload": base64.StdEncoding.EncodeToString(pcmFrame())},
		})
	}
	sendJSON(t, ws, map[string]any{"event": "stop"})

	for i := 1; i <= 3; i++ {
		frame := rec.nextFrame(t)
		assert.Equal(t, "CA1", frame.CallID, "callSid wins over streamSid")
		assert.Equal(t, uint64(i), frame.Seq)
		assert.Equal(t, 16000, frame.SampleRate)
		assert.Equal(t, 640, len(frame.Payload))
	}

	ev := rec.nextControl(t)
	assert.Equal(t, domain.EventCallEnd, ev.Event)
	assert.Equal(t, "CA1", ev.CallID)
}

func TestCarrierFallsBackToStreamSid(t *testing.T) {
	b, _, wsURL := startGateway(t, carrierCfg())
	rec := recordAudio(t, b)
	ws := dial(t, wsURL)

	sendJSON(t, ws, map[string]any{
		"event": "start",
		"start": map[string]any{
			"streamSid":   "MZ9",
			"mediaFormat": map[string]any{"sampleRate": 8000, "channels": 1},
		},
	})
	sendJSON(t, ws, map[string]any{
		"event": "media",
		"media": map[string]any{"payload": base64.StdEncoding.EncodeToString(pcmFrame())},
	})

	assert.Equal(t, "MZ9", rec.nextFrame(t).CallID)
}

func TestMalformedStartClosesConnection(t *testing.T) {
	_, _, wsURL := startGateway(t, carrierCfg())
	ws := dial(t, wsURL)

	sendJSON(t, ws, map[string]any{"event": "start", "start": map[string]any{}})

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseUnsupportedData),
		"expected unsupported-data close, got %v", err)
}

func TestMarkAcksEveryNFrames(t *testing.T) {
	cfg := carrierCfg()
	cfg.AckEveryFrames = 2
	_, _, wsURL := startGateway(t, cfg)
	ws := dial(t, wsURL)

	sendJSON(t, ws, map[string]any{
		"event": "start",
		"start": map[string]any{
			"callSid":     "CA2",
			"mediaFormat": map[string]any{"sampleRate": 16000, "channels": 1},
		},
	})
	for i := 0; i < 4; i++ {
		sendJSON(t, ws, map[string]any{
			"event": "media",
			"media": map[string]any{"payload": base64.StdEncoding.EncodeToString(pcmFrame())},
		})
	}

	for i := 0; i < 2; i++ {
		ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, payload, err := ws.ReadMessage()
		require.NoError(t, err)
		var mark carrierFrame
		require.NoError(t, json.Unmarshal(payload, &mark))
		assert.Equal(t, "mark", mark.Event)
	}
}

func signedToken(t *testing.T, key *rsa.PrivateKey) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub": "agent-desk",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func rsaKeyPEM(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pub := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return key, string(pub)
}

func TestNativeStreamWithJWT(t *testing.T) {
	key, pub := rsaKeyPEM(t)
	cfg := config.GatewayConfig{JWTPublicKey: pub, IdleClose: time.Minute, AckEveryFrames: 50}
	b, _, wsURL := startGateway(t, cfg)
	rec := recordAudio(t, b)
	ws := dial(t, wsURL)

	sendJSON(t, ws, nativeStart{
		InteractionID: "int-77",
		TenantID:      "acme",
		SampleRate:    16000,
		Channels:      1,
		Encoding:      "linear16",
		Token:         signedToken(t, key),
	})
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, pcmFrame()))
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, pcmFrame()))
	sendJSON(t, ws, nativeStop{Type: "stop"})

	frame := rec.nextFrame(t)
	assert.Equal(t, "int-77", frame.CallID)
	assert.Equal(t, "acme", frame.TenantID)
	assert.Equal(t, uint64(1), frame.Seq)
	assert.Equal(t, uint64(2), rec.nextFrame(t).Seq)

	ev := rec.nextControl(t)
	assert.Equal(t, domain.EventCallEnd, ev.Event)
	assert.Equal(t, "int-77", ev.CallID)
}

func TestNativeRejectsBadToken(t *testing.T) {
	_, pub := rsaKeyPEM(t)
	cfg := config.GatewayConfig{JWTPublicKey: pub, IdleClose: time.Minute}
	_, _, wsURL := startGateway(t, cfg)
	ws := dial(t, wsURL)

	sendJSON(t, ws, nativeStart{
		InteractionID: "int-78",
		SampleRate:    16000,
		Token:         "not-a-jwt",
	})

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation),
		"expected policy-violation close, got %v", err)
}

func TestNativeSkipsJSONOnBinaryChannel(t *testing.T) {
	key, pub := rsaKeyPEM(t)
	cfg := config.GatewayConfig{JWTPublicKey: pub, IdleClose: time.Minute}
	b, _, wsURL := startGateway(t, cfg)
	rec := recordAudio(t, b)
	ws := dial(t, wsURL)

	sendJSON(t, ws, nativeStart{
		InteractionID: "int-79",
		SampleRate:    16000,
		Token:         signedToken(t, key),
	})
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte(`{"event":"media"}`)))
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, pcmFrame()))

	frame := rec.nextFrame(t)
	assert.Equal(t, uint64(1), frame.Seq, "json document must not consume a seq")
	assert.Equal(t, 640, len(frame.Payload))
}

func TestCarrierSkipsJSONMediaPayload(t *testing.T) {
	b, _, wsURL := startGateway(t, carrierCfg())
	rec := recordAudio(t, b)
	ws := dial(t, wsURL)

	sendJSON(t, ws, map[string]any{
		"event": "start",
		"start": map[string]any{
			"callSid":     "CA3",
			"mediaFormat": map[string]any{"sampleRate": 16000, "channels": 1},
		},
	})
	sendJSON(t, ws, map[string]any{
		"event": "media",
		"media": map[string]any{"payload": base64.StdEncoding.EncodeToString([]byte(`{"event":"mark"}`))},
	})
	sendJSON(t, ws, map[string]any{
		"event": "media",
		"media": map[string]any{"payload": base64.StdEncoding.EncodeToString(pcmFrame())},
	})

	frame := rec.nextFrame(t)
	assert.Equal(t, uint64(1), frame.Seq, "json document must not consume a seq")
	assert.Equal(t, 640, len(frame.Payload))
}

func TestIdleWatchdogEmitsSyntheticStop(t *testing.T) {
	cfg := carrierCfg()
	cfg.IdleClose = 300 * time.Millisecond
	b, _, wsURL := startGateway(t, cfg)
	rec := recordAudio(t, b)
	ws := dial(t, wsURL)

	sendJSON(t, ws, map[string]any{
		"event": "start",
		"start": map[string]any{
			"callSid":     "CA5",
			"mediaFormat": map[string]any{"sampleRate": 16000, "channels": 1},
		},
	})
	sendJSON(t, ws, map[string]any{
		"event": "media",
		"media": map[string]any{"payload": base64.StdEncoding.EncodeToString(pcmFrame())},
	})
	rec.nextFrame(t)

	ev := rec.nextControl(t)
	assert.Equal(t, domain.EventCallEnd, ev.Event)
	assert.Equal(t, "CA5", ev.CallID)
	assert.Equal(t, "idle timeout", ev.Reason)
}

func TestUnknownFirstFrameCloses(t *testing.T) {
	_, _, wsURL := startGateway(t, carrierCfg())
	ws := dial(t, wsURL)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"hello":"world"}`)))

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
}
