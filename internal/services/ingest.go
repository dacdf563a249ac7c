// Package services implements the app-side pipeline stages: transcript
// ingest, intent classification with KB lookup, and call disposition.
package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/callsight/callsight/internal/domain"
	"github.com/callsight/callsight/internal/metrics"
	"github.com/callsight/callsight/internal/sse"
	"github.com/callsight/callsight/internal/store"
)

const (
	// seqCacheTTL bounds how long the in-memory next-seq counter is trusted
	// before falling back to max(seq)+1 from the store.
	seqCacheTTL = time.Second

	// reorderWindow is how long an out-of-order fragment waits for the gap
	// to fill before being broadcast anyway.
	reorderWindow = 250 * time.Millisecond

	// subscribeSeqThreshold: the consumer is asked to subscribe on a call's
	// first fragments only.
	subscribeSeqThreshold = 2
)

// Subscriber is the transcript consumer's activity hook.
type Subscriber interface {
	RequestSubscribe(callID string)
}

// Fragment is one inbound transcript line before normalization.
type Fragment struct {
	CallID  string
	Text    string
	TS      time.Time
	Seq     *uint64
	Speaker string
}

type seqEntry struct {
	next uint64
	at   time.Time
}

type callStream struct {
	lastBroadcast uint64
	pending       map[uint64]domain.Utterance
}

// IngestService normalizes, persists and fans out transcript fragments.
type IngestService struct {
	store    *store.Store
	hub      *sse.Hub
	intents  *IntentService
	consumer Subscriber
	log      *slog.Logger

	mu       sync.Mutex
	seqCache map[string]seqEntry
	streams  map[string]*callStream
	inflight map[string]bool
}

func NewIngestService(st *store.Store, hub *sse.Hub, intents *IntentService, log *slog.Logger) *IngestService {
	return &IngestService{
		store:    st,
		hub:      hub,
		intents:  intents,
		log:      log.With("component", "ingest"),
		seqCache: make(map[string]seqEntry),
		streams:  make(map[string]*callStream),
		inflight: make(map[string]bool),
	}
}

// SetSubscriber wires the transcript consumer once both exist.
func (s *IngestService) SetSubscriber(sub Subscriber) {
	s.consumer = sub
}

// Ingest runs the per-fragment pipeline and returns the assigned seq.
func (s *IngestService) Ingest(ctx context.Context, frag Fragment) (uint64, error) {
	if frag.CallID == "" || strings.TrimSpace(frag.Text) == "" {
		return 0, fmt.Errorf("%w: callId and text are required", domain.ErrInvalid)
	}
	if frag.TS.IsZero() {
		frag.TS = time.Now()
	}

	speaker, text := classifySpeaker(frag.Speaker, frag.Text)

	var seq uint64
	if frag.Seq != nil {
		seq = *frag.Seq
		s.observeSeq(frag.CallID, seq)
	} else {
		var err error
		seq, err = s.nextSeq(ctx, frag.CallID)
		if err != nil {
			return 0, err
		}
	}

	u := domain.Utterance{CallID: frag.CallID, Seq: seq, Text: text, Speaker: speaker, TS: frag.TS}
	changed, err := s.store.UpsertUtterance(ctx, &u)
	if err != nil {
		return 0, err
	}

	if changed {
		metrics.UtterancesPersisted.Inc()
		s.broadcastOrdered(u)
		s.classifyAsync(frag.CallID)
	}

	if seq <= subscribeSeqThreshold && s.consumer != nil {
		s.consumer.RequestSubscribe(frag.CallID)
	}
	return seq, nil
}

// nextSeq serves from the short-lived counter cache, falling back to the
// store. The UPSERT resolves any tie two processes could still produce.
func (s *IngestService) nextSeq(ctx context.Context, callID string) (uint64, error) {
	s.mu.Lock()
	if e, ok := s.seqCache[callID]; ok && time.Since(e.at) < seqCacheTTL {
		seq := e.next
		s.seqCache[callID] = seqEntry{next: seq + 1, at: time.Now()}
		s.mu.Unlock()
		return seq, nil
	}
	s.mu.Unlock()

	max, err := s.store.MaxSeq(ctx, callID)
	if err != nil {
		return 0, err
	}
	seq := max + 1

	s.mu.Lock()
	s.seqCache[callID] = seqEntry{next: seq + 1, at: time.Now()}
	s.mu.Unlock()
	return seq, nil
}

// observeSeq keeps the cache monotonic when callers supply their own seq.
func (s *IngestService) observeSeq(callID string, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.seqCache[callID]; !ok || seq >= e.next {
		s.seqCache[callID] = seqEntry{next: seq + 1, at: time.Now()}
	}
}

// broadcastOrdered delivers transcript_line events in non-decreasing seq,
// holding out-of-order fragments for up to the reorder window.
func (s *IngestService) broadcastOrdered(u domain.Utterance) {
	s.mu.Lock()
	st := s.streams[u.CallID]
	if st == nil {
		st = &callStream{pending: make(map[uint64]domain.Utterance)}
		s.streams[u.CallID] = st
	}

	switch {
	case st.lastBroadcast == 0 || u.Seq == st.lastBroadcast+1 || u.Seq <= st.lastBroadcast:
		s.emitLocked(st, u)
		s.drainLocked(st)
		s.mu.Unlock()

	default:
		// A gap: park it and flush after the window if the gap never fills.
		st.pending[u.Seq] = u
		s.mu.Unlock()
		time.AfterFunc(reorderWindow, func() { s.flushPending(u.CallID, u.Seq) })
	}
}

func (s *IngestService) emitLocked(st *callStream, u domain.Utterance) {
	if u.Seq > st.lastBroadcast {
		st.lastBroadcast = u.Seq
	}
	s.hub.Broadcast(u.CallID, sse.EventTranscript, u)
}

func (s *IngestService) drainLocked(st *callStream) {
	for {
		next, ok := st.pending[st.lastBroadcast+1]
		if !ok {
			return
		}
		delete(st.pending, next.Seq)
		s.emitLocked(st, next)
	}
}

func (s *IngestService) flushPending(callID string, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.streams[callID]
	if st == nil {
		return
	}
	u, ok := st.pending[seq]
	if !ok {
		return
	}
	delete(st.pending, seq)
	s.emitLocked(st, u)
	s.drainLocked(st)
}

// classifyAsync runs intent classification with at most one in-flight
// request per call; bursts collapse into the latest run.
func (s *IngestService) classifyAsync(callID string) {
	if s.intents == nil {
		return
	}
	s.mu.Lock()
	if s.inflight[callID] {
		s.mu.Unlock()
		return
	}
	s.inflight[callID] = true
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.inflight, callID)
			s.mu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.intents.Classify(ctx, callID); err != nil {
			s.log.Warn("intent classification failed", "callId", callID, "error", err)
		}
	}()
}

// Cleanup drops a call's in-memory state after disposition.
func (s *IngestService) Cleanup(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seqCache, callID)
	delete(s.streams, callID)
	delete(s.inflight, callID)
}

// classifySpeaker applies the prefix heuristic and strips a recognized
// prefix from the text.
func classifySpeaker(given, text string) (speaker, cleaned string) {
	if given != "" {
		return normalizeSpeaker(given), text
	}

	lower := strings.ToLower(text)
	for prefix, sp := range speakerPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return sp, strings.TrimSpace(text[len(prefix):])
		}
	}
	return domain.SpeakerUnknown, text
}

var speakerPrefixes = orderedPrefixes()

func orderedPrefixes() map[string]string {
	return map[string]string{
		"agent:":    domain.SpeakerAgent,
		"rep:":      domain.SpeakerAgent,
		"customer:": domain.SpeakerCustomer,
		"caller:":   domain.SpeakerCustomer,
	}
}

func normalizeSpeaker(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case domain.SpeakerAgent, "rep", "representative":
		return domain.SpeakerAgent
	case domain.SpeakerCustomer, "caller":
		return domain.SpeakerCustomer
	default:
		return domain.SpeakerUnknown
	}
}
