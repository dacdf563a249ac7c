package services

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/callsight/callsight/internal/domain"
	"github.com/callsight/callsight/internal/llm"
	"github.com/callsight/callsight/internal/sse"
	"github.com/callsight/callsight/internal/store"
)

const (
	intentCacheTTL  = 5 * time.Second
	intentWindow    = 10 // last N utterances fed to the classifier
	confidenceFloor = 0.5
	kbArticleLimit  = 3
)

const intentSystemPrompt = `You classify the intent of an in-progress customer support call.
Reply with a JSON object: {"intent": "<short-kebab-case-label>", "confidence": <0..1>}.
Use "unknown" when the conversation is too thin to classify.`

type intentReply struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

type intentCacheEntry struct {
	key   uint64
	reply intentReply
	at    time.Time
}

// IntentService classifies calls and surfaces matching KB articles.
type IntentService struct {
	store *store.Store
	llm   llm.Completer
	hub   *sse.Hub
	log   *slog.Logger

	// useEmbeddings switches KB retrieval from tag overlap to vector
	// similarity when an embedding model is configured.
	useEmbeddings bool

	mu    sync.Mutex
	cache map[string]intentCacheEntry
}

func NewIntentService(st *store.Store, completer llm.Completer, hub *sse.Hub, useEmbeddings bool, log *slog.Logger) *IntentService {
	return &IntentService{
		store:         st,
		llm:           completer,
		hub:           hub,
		useEmbeddings: useEmbeddings,
		log:           log.With("component", "intent"),
		cache:         make(map[string]intentCacheEntry),
	}
}

// Classify runs the intent pipeline for a call: prompt the LLM over the
// recent window, persist the result, and on a confident non-empty intent
// broadcast intent_update with KB articles.
func (s *IntentService) Classify(ctx context.Context, callID string) error {
	utterances, err := s.store.ListUtterances(ctx, callID)
	if err != nil {
		return err
	}
	if len(utterances) == 0 {
		return nil
	}

	window := utterances
	if len(window) > intentWindow {
		window = window[len(window)-intentWindow:]
	}
	key := windowHash(window)
	lastSeq := utterances[len(utterances)-1].Seq

	if reply, ok := s.cached(callID, key); ok {
		s.maybeBroadcast(ctx, callID, lastSeq, reply)
		return nil
	}

	var reply intentReply
	err = s.llm.CompleteJSON(ctx, "intent", intentSystemPrompt, formatConversation(window), &reply)
	if err != nil {
		// Rate limits, upstream 5xx and malformed JSON all land here: record
		// unknown, skip broadcast, no inline retry.
		s.log.Warn("intent classification error", "callId", callID, "error", err)
		reply = intentReply{Intent: "unknown", Confidence: 0}
	}
	reply.Intent = strings.TrimSpace(reply.Intent)

	if insertErr := s.store.InsertIntent(ctx, &domain.Intent{
		CallID:     callID,
		Seq:        lastSeq,
		Label:      reply.Intent,
		Confidence: reply.Confidence,
		CreatedAt:  time.Now(),
	}); insertErr != nil {
		return insertErr
	}

	s.mu.Lock()
	s.cache[callID] = intentCacheEntry{key: key, reply: reply, at: time.Now()}
	s.mu.Unlock()

	if err != nil {
		return nil
	}
	s.maybeBroadcast(ctx, callID, lastSeq, reply)
	return nil
}

func (s *IntentService) cached(callID string, key uint64) (intentReply, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache[callID]
	if !ok || e.key != key || time.Since(e.at) >= intentCacheTTL {
		return intentReply{}, false
	}
	return e.reply, true
}

func (s *IntentService) maybeBroadcast(ctx context.Context, callID string, seq uint64, reply intentReply) {
	if reply.Intent == "" || reply.Intent == "unknown" || reply.Confidence < confidenceFloor {
		return
	}

	articles, err := s.lookupArticles(ctx, reply.Intent)
	if err != nil {
		s.log.Warn("kb lookup failed", "callId", callID, "intent", reply.Intent, "error", err)
	}

	s.hub.Broadcast(callID, sse.EventIntent, map[string]any{
		"callId":     callID,
		"seq":        seq,
		"intent":     reply.Intent,
		"confidence": reply.Confidence,
		"articles":   articles,
	})
}

func (s *IntentService) lookupArticles(ctx context.Context, intent string) ([]domain.KBArticle, error) {
	if s.useEmbeddings {
		vec, err := s.llm.Embed(ctx, intent)
		if err == nil {
			return s.store.SearchArticlesByEmbedding(ctx, vec, kbArticleLimit)
		}
		s.log.Debug("embedding unavailable, falling back to tags", "error", err)
	}
	return s.store.SearchArticlesByTags(ctx, intentTags(intent), kbArticleLimit)
}

// intentTags splits a kebab-case intent label into KB tags.
func intentTags(intent string) []string {
	tags := []string{intent}
	for _, part := range strings.Split(intent, "-") {
		if part != "" && part != intent {
			tags = append(tags, part)
		}
	}
	return tags
}

// Latest returns the current classification with its articles, for the
// read API.
func (s *IntentService) Latest(ctx context.Context, callID string) (*domain.Intent, []domain.KBArticle, error) {
	in, err := s.store.LatestIntent(ctx, callID)
	if err != nil {
		return nil, nil, err
	}
	if in.Label == "" || in.Label == "unknown" || in.Confidence < confidenceFloor {
		return in, nil, nil
	}
	articles, err := s.lookupArticles(ctx, in.Label)
	if err != nil {
		return in, nil, nil
	}
	return in, articles, nil
}

// Dispose clears the call's cache and intent rows so a reused callId never
// surfaces stale suggestions.
func (s *IntentService) Dispose(ctx context.Context, callID string) error {
	s.mu.Lock()
	delete(s.cache, callID)
	s.mu.Unlock()
	return s.store.DeleteIntents(ctx, callID)
}

func windowHash(window []domain.Utterance) uint64 {
	h := fnv.New64a()
	for _, u := range window {
		fmt.Fprintf(h, "%d:%s\n", u.Seq, u.Text)
	}
	return h.Sum64()
}

func formatConversation(utterances []domain.Utterance) string {
	var b strings.Builder
	for _, u := range utterances {
		b.WriteString(u.Speaker)
		b.WriteString(": ")
		b.WriteString(u.Text)
		b.WriteByte('\n')
	}
	return b.String()
}
