// Package assemblyai implements the provider session against the AssemblyAI
// v3 streaming WebSocket API.
//
// Unlike Deepgram, AssemblyAI does not accept audio at transport open: the
// server first sends a Begin message carrying the session id, and sends
// before that point are dropped server-side. The session therefore reports
// Ready only after Begin arrives.
package assemblyai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/callsight/callsight/internal/asr/provider"
)

const (
	defaultEndpoint = "wss://streaming.assemblyai.com/v3/ws"

	writeWait = 10 * time.Second
)

// Option configures the Factory.
type Option func(*Factory)

func WithEndpoint(endpoint string) Option {
	return func(f *Factory) { f.endpoint = endpoint }
}

// Factory opens AssemblyAI streaming sessions.
type Factory struct {
	apiKey   string
	endpoint string
}

func New(apiKey string, opts ...Option) (*Factory, error) {
	if apiKey == "" {
		return nil, errors.New("assemblyai: apiKey must not be empty")
	}
	f := &Factory{apiKey: apiKey, endpoint: defaultEndpoint}
	for _, o := range opts {
		o(f)
	}
	return f, nil
}

func (f *Factory) Name() string { return "assemblyai" }

// Timing is the conservative contract: AssemblyAI rejects chunks shorter
// than 50 ms outright and performs noticeably worse below 300 ms, so chunks
// are larger and the cadence slower than Deepgram's.
func (f *Factory) Timing() provider.Timing {
	return provider.Timing{
		InitialBurst:       500 * time.Millisecond,
		MinChunk:           300 * time.Millisecond,
		MaxWait:            400 * time.Millisecond,
		TimeoutFallbackMin: 300 * time.Millisecond,
		MaxChunk:           600 * time.Millisecond,
		KeepAlivePeriod:    3 * time.Second,
		ProcessingTick:     100 * time.Millisecond,
		FirstAudioDeadline: 1 * time.Second,
	}
}

func (f *Factory) Open(ctx context.Context, cfg provider.SessionConfig) (provider.Session, error) {
	u, err := url.Parse(f.endpoint)
	if err != nil {
		return nil, fmt.Errorf("assemblyai: parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	q.Set("encoding", "pcm_s16le")
	q.Set("format_turns", "true")
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", f.apiKey)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("assemblyai: dial (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("assemblyai: dial: %w", err)
	}

	s := &session{
		conn:        conn,
		transcripts: make(chan provider.Transcript, 64),
		errs:        make(chan error, 8),
		done:        make(chan struct{}),
	}
	s.open.Store(true)
	// Not ready yet: readiness flips when Begin arrives.

	go s.readLoop()

	return s, nil
}

// serverMessage covers Begin, Turn and Termination frames.
type serverMessage struct {
	Type string `json:"type"`

	// Begin
	ID string `json:"id"`

	// Turn
	Transcript          string  `json:"transcript"`
	TurnIsFormatted     bool    `json:"turn_is_formatted"`
	EndOfTurn           bool    `json:"end_of_turn"`
	EndOfTurnConfidence float64 `json:"end_of_turn_confidence"`
	Words               []struct {
		Start      int64   `json:"start"`
		End        int64   `json:"end"`
		Confidence float64 `json:"confidence"`
	} `json:"words"`
}

type session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	transcripts chan provider.Transcript
	errs        chan error
	done        chan struct{}

	ready   atomic.Bool
	open    atomic.Bool
	closing atomic.Bool
	once    sync.Once
}

func (s *session) Send(pcm []byte) error {
	if !s.open.Load() {
		return provider.ErrClosed
	}
	if !s.ready.Load() {
		return provider.ErrNotReady
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		s.open.Store(false)
		return fmt.Errorf("assemblyai: send: %w", err)
	}
	return nil
}

func (s *session) KeepAlive() error {
	if !s.open.Load() {
		return provider.ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	// v3 has no dedicated keep-alive frame; a ping keeps intermediaries from
	// timing the socket out.
	if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
		s.open.Store(false)
		return fmt.Errorf("assemblyai: keepalive: %w", err)
	}
	return nil
}

func (s *session) Close() error {
	s.once.Do(func() {
		s.closing.Store(true)
		s.writeMu.Lock()
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Terminate"}`))
		s.writeMu.Unlock()
		s.open.Store(false)
		s.ready.Store(false)
		_ = s.conn.Close()
	})
	return nil
}

func (s *session) Ready() bool                             { return s.ready.Load() }
func (s *session) TransportOpen() bool                     { return s.open.Load() }
func (s *session) Transcripts() <-chan provider.Transcript { return s.transcripts }
func (s *session) Errors() <-chan error                    { return s.errs }
func (s *session) Done() <-chan struct{}                   { return s.done }

func (s *session) readLoop() {
	defer close(s.done)
	defer close(s.transcripts)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.open.Store(false)
			s.ready.Store(false)
			if !s.closing.Load() {
				select {
				case s.errs <- fmt.Errorf("assemblyai: read: %w", err):
				default:
				}
			}
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "Begin":
			s.ready.Store(true)
		case "Turn":
			kind := "partial"
			if msg.EndOfTurn && msg.TurnIsFormatted {
				kind = "final"
			}
			var startMs, endMs int64
			var conf float64
			if n := len(msg.Words); n > 0 {
				startMs = msg.Words[0].Start
				endMs = msg.Words[n-1].End
				for _, w := range msg.Words {
					conf += w.Confidence
				}
				conf /= float64(n)
			}
			s.transcripts <- provider.Transcript{
				Kind:       kind,
				Text:       msg.Transcript,
				Confidence: conf,
				StartMs:    startMs,
				EndMs:      endMs,
			}
		case "Termination":
			s.ready.Store(false)
		}
	}
}
