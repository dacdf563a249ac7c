// Package provider defines the streaming ASR session capability the worker
// drives, and the per-provider timing contracts the aggregator honors.
package provider

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotReady = errors.New("provider: session not ready")
	ErrClosed   = errors.New("provider: session closed")
)

// Transcript is one recognition result from the provider.
type Transcript struct {
	Kind       string // "partial" or "final"
	Text       string
	Confidence float64
	StartMs    int64
	EndMs      int64
}

// SessionConfig describes the audio a session will receive.
type SessionConfig struct {
	CallID     string
	SampleRate int
	Channels   int
	Encoding   string
}

// Session is one live provider connection for one call. Send, KeepAlive and
// Close may be called from the call's owning task only; the channels are
// drained by a separate reply handler.
type Session interface {
	// Send writes one binary PCM payload. It never blocks on the provider's
	// reply.
	Send(pcm []byte) error

	// KeepAlive writes the provider's idle text frame on the same transport
	// as audio.
	KeepAlive() error

	Close() error

	// Ready reports protocol-level session readiness (handshake done).
	Ready() bool

	// TransportOpen reports whether the underlying socket is in OPEN state.
	// Both Ready and TransportOpen must hold before a send.
	TransportOpen() bool

	// Transcripts delivers recognition results until the session closes.
	Transcripts() <-chan Transcript

	// Errors delivers transport-level failures. The session is unusable
	// after an error; the worker reopens it.
	Errors() <-chan error

	// Done is closed when the session has fully shut down.
	Done() <-chan struct{}
}

// Timing is the aggregation contract a provider imposes on its callers.
type Timing struct {
	InitialBurst       time.Duration
	MinChunk           time.Duration
	MaxWait            time.Duration
	TimeoutFallbackMin time.Duration
	MaxChunk           time.Duration
	KeepAlivePeriod    time.Duration
	ProcessingTick     time.Duration
	FirstAudioDeadline time.Duration
}

// Factory opens sessions for one provider backend.
type Factory interface {
	Name() string
	Timing() Timing
	Open(ctx context.Context, cfg SessionConfig) (Session, error)
}
