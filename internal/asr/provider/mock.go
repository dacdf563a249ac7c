package provider

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MockFactory is an in-process provider used by tests and local runs. It
// records every send with a timestamp and lets tests script readiness delays,
// transcript replies and mid-session closes.
type MockFactory struct {
	mu       sync.Mutex
	sessions []*MockSession

	// ReadyDelay postpones protocol readiness after Open.
	ReadyDelay time.Duration
	// OpenErr, when set, fails Open outright.
	OpenErr error
	// TimingOverride replaces the default low-latency contract.
	TimingOverride *Timing
}

func NewMockFactory() *MockFactory {
	return &MockFactory{}
}

func (f *MockFactory) Name() string { return "mock" }

func (f *MockFactory) Timing() Timing {
	if f.TimingOverride != nil {
		return *f.TimingOverride
	}
	return Timing{
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

func (f *MockFactory) Open(ctx context.Context, cfg SessionConfig) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.OpenErr != nil {
		return nil, f.OpenErr
	}
	s := &MockSession{
		callID:      cfg.CallID,
		transcripts: make(chan Transcript, 64),
		errs:        make(chan error, 8),
		done:        make(chan struct{}),
	}
	if f.ReadyDelay == 0 {
		s.ready.Store(true)
	} else {
		go func(d time.Duration) {
			select {
			case <-time.After(d):
				s.ready.Store(true)
			case <-s.done:
			}
		}(f.ReadyDelay)
	}
	s.open.Store(true)
	f.sessions = append(f.sessions, s)
	return s, nil
}

// SetOpenErr makes subsequent Opens fail.
func (f *MockFactory) SetOpenErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.OpenErr = err
}

// Sessions returns every session opened so far, in order.
func (f *MockFactory) Sessions() []*MockSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*MockSession(nil), f.sessions...)
}

// SendRecord is one captured audio send.
type SendRecord struct {
	At    time.Time
	Bytes int
}

type MockSession struct {
	callID      string
	transcripts chan Transcript
	errs        chan error
	done        chan struct{}

	ready atomic.Bool
	open  atomic.Bool

	mu         sync.Mutex
	sends      []SendRecord
	keepAlives int
	closed     bool
}

func (s *MockSession) Send(pcm []byte) error {
	if !s.open.Load() {
		return ErrClosed
	}
	if !s.ready.Load() {
		return ErrNotReady
	}
	s.mu.Lock()
	s.sends = append(s.sends, SendRecord{At: time.Now(), Bytes: len(pcm)})
	s.mu.Unlock()
	return nil
}

func (s *MockSession) KeepAlive() error {
	if !s.open.Load() {
		return ErrClosed
	}
	s.mu.Lock()
	s.keepAlives++
	s.mu.Unlock()
	return nil
}

func (s *MockSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.open.Store(false)
	s.ready.Store(false)
	close(s.done)
	close(s.transcripts)
	return nil
}

func (s *MockSession) Ready() bool                    { return s.ready.Load() }
func (s *MockSession) TransportOpen() bool            { return s.open.Load() }
func (s *MockSession) Transcripts() <-chan Transcript { return s.transcripts }
func (s *MockSession) Errors() <-chan error           { return s.errs }
func (s *MockSession) Done() <-chan struct{}          { return s.done }

// Emit delivers a scripted transcript to the worker.
func (s *MockSession) Emit(tr Transcript) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if !closed {
		s.transcripts <- tr
	}
}

// FailTransport simulates a provider-side disconnect.
func (s *MockSession) FailTransport(err error) {
	s.open.Store(false)
	s.ready.Store(false)
	select {
	case s.errs <- err:
	default:
	}
}

// SetReady toggles protocol readiness, for send-gating tests.
func (s *MockSession) SetReady(v bool) { s.ready.Store(v) }

// SetTransportOpen toggles the socket state independently of readiness.
func (s *MockSession) SetTransportOpen(v bool) { s.open.Store(v) }

// Sends returns the captured send records.
func (s *MockSession) Sends() []SendRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SendRecord(nil), s.sends...)
}

// KeepAlives returns how many idle frames were sent.
func (s *MockSession) KeepAlives() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keepAlives
}

