// Package deepgram implements the provider session against the Deepgram
// streaming WebSocket API.
package deepgram

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
	defaultEndpoint = "wss://api.deepgram.com/v1/listen"
	defaultModel    = "nova-2"
	defaultLanguage = "en"

	writeWait = 10 * time.Second
)

// Option configures the Factory.
type Option func(*Factory)

func WithModel(model string) Option {
	return func(f *Factory) { f.model = model }
}

func WithLanguage(language string) Option {
	return func(f *Factory) { f.language = language }
}

func WithEndpoint(endpoint string) Option {
	return func(f *Factory) { f.endpoint = endpoint }
}

// Factory opens Deepgram streaming sessions.
type Factory struct {
	apiKey   string
	model    string
	language string
	endpoint string
}

func New(apiKey string, opts ...Option) (*Factory, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	f := &Factory{
		apiKey:   apiKey,
		model:    defaultModel,
		language: defaultLanguage,
		endpoint: defaultEndpoint,
	}
	for _, o := range opts {
		o(f)
	}
	return f, nil
}

func (f *Factory) Name() string { return "deepgram" }

// Timing is the low-latency contract: Deepgram tolerates 100 ms chunks but
// closes the stream (code 1011) when send gaps grow past a few hundred ms.
func (f *Factory) Timing() provider.Timing {
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

func (f *Factory) Open(ctx context.Context, cfg provider.SessionConfig) (provider.Session, error) {
	wsURL, err := f.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build url: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Token "+f.apiKey)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("deepgram: dial (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	s := &session{
		conn:        conn,
		transcripts: make(chan provider.Transcript, 64),
		errs:        make(chan error, 8),
		done:        make(chan struct{}),
	}
	// Deepgram accepts audio as soon as the upgrade completes; there is no
	// separate handshake message.
	s.open.Store(true)
	s.ready.Store(true)

	go s.readLoop()

	return s, nil
}

func (f *Factory) buildURL(cfg provider.SessionConfig) (string, error) {
	u, err := url.Parse(f.endpoint)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("model", f.model)
	q.Set("language", f.language)
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// deepgramResponse is the Results message shape.
type deepgramResponse struct {
	Type     string  `json:"type"`
	IsFinal  bool    `json:"is_final"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
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
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		s.open.Store(false)
		return fmt.Errorf("deepgram: send: %w", err)
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
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"KeepAlive"}`)); err != nil {
		s.open.Store(false)
		return fmt.Errorf("deepgram: keepalive: %w", err)
	}
	return nil
}

func (s *session) Close() error {
	s.once.Do(func() {
		s.closing.Store(true)
		s.writeMu.Lock()
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		// CloseStream flushes audio still buffered provider-side.
		_ = s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
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
				case s.errs <- fmt.Errorf("deepgram: read: %w", err):
				default:
				}
			}
			return
		}

		var resp deepgramResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}
		if resp.Type != "Results" || len(resp.Channel.Alternatives) == 0 {
			continue
		}

		alt := resp.Channel.Alternatives[0]
		kind := "partial"
		if resp.IsFinal {
			kind = "final"
		}
		s.transcripts <- provider.Transcript{
			Kind:       kind,
			Text:       alt.Transcript,
			Confidence: alt.Confidence,
			StartMs:    int64(resp.Start * 1000),
			EndMs:      int64((resp.Start + resp.Duration) * 1000),
		}
	}
}
