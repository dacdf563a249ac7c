package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/callsight/callsight/internal/domain"
	"github.com/callsight/callsight/internal/llm"
	"github.com/callsight/callsight/internal/sse"
	"github.com/callsight/callsight/internal/store"
)

// Taxonomy is the static category list dispositions choose from.
var Taxonomy = []string{
	"billing",
	"cancellation",
	"complaint",
	"account-access",
	"technical-issue",
	"order-status",
	"product-question",
	"upgrade",
	"refund",
	"other",
}

const dispositionSystemPrompt = `You summarize a finished customer support call.
Reply with a JSON object:
{"issue": "...", "resolution": "...", "nextSteps": "...", "confidence": <0..1>, "categories": ["...", "...", "..."]}.
Pick up to three categories, best first, from exactly this list: billing, cancellation, complaint, account-access, technical-issue, order-status, product-question, upgrade, refund, other.`

type dispositionReply struct {
	Issue      string   `json:"issue"`
	Resolution string   `json:"resolution"`
	NextSteps  string   `json:"nextSteps"`
	Confidence float64  `json:"confidence"`
	Categories []string `json:"categories"`
}

// Unsubscriber detaches the transcript consumer from a finished call.
type Unsubscriber interface {
	Unsubscribe(callID string)
}

// DispositionService produces the end-of-call summary exactly once per call.
type DispositionService struct {
	store   *store.Store
	llm     llm.Completer
	hub     *sse.Hub
	intents *IntentService
	ingest  *IngestService
	log     *slog.Logger

	consumer Unsubscriber
}

func NewDispositionService(st *store.Store, completer llm.Completer, hub *sse.Hub, intents *IntentService, ingest *IngestService, log *slog.Logger) *DispositionService {
	return &DispositionService{
		store:   st,
		llm:     completer,
		hub:     hub,
		intents: intents,
		ingest:  ingest,
		log:     log.With("component", "disposition"),
	}
}

func (s *DispositionService) SetUnsubscriber(u Unsubscriber) {
	s.consumer = u
}

// EndCall returns the stored disposition when one exists, otherwise
// summarizes, persists, broadcasts call_end and cleans up call state.
func (s *DispositionService) EndCall(ctx context.Context, callID string) (*domain.Disposition, error) {
	if callID == "" {
		return nil, domain.ErrInvalid
	}

	if d, err := s.store.GetDisposition(ctx, callID); err == nil {
		return d, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	utterances, err := s.store.ListUtterances(ctx, callID)
	if err != nil {
		return nil, err
	}

	d := s.summarize(ctx, callID, utterances)
	if err := s.store.InsertDisposition(ctx, d); err != nil {
		return nil, err
	}
	// A concurrent end may have won the insert race; the stored row is
	// canonical.
	stored, err := s.store.GetDisposition(ctx, callID)
	if err == nil {
		d = stored
	}

	s.hub.Broadcast(callID, sse.EventCallEnd, d)
	s.cleanup(ctx, callID)
	return d, nil
}

// summarize never fails the call end: on LLM trouble it degrades to an
// empty low-confidence summary so the call still closes out.
func (s *DispositionService) summarize(ctx context.Context, callID string, utterances []domain.Utterance) *domain.Disposition {
	d := &domain.Disposition{
		CallID:              callID,
		SuggestedCategories: []string{"other"},
		CreatedAt:           time.Now(),
	}
	if len(utterances) == 0 {
		d.IssueSummary = "no transcript recorded"
		return d
	}

	var reply dispositionReply
	if err := s.llm.CompleteJSON(ctx, "disposition", dispositionSystemPrompt, formatConversation(utterances), &reply); err != nil {
		s.log.Warn("disposition summarization failed", "callId", callID, "error", err)
		d.IssueSummary = "summary unavailable"
		return d
	}

	d.IssueSummary = reply.Issue
	d.Resolution = reply.Resolution
	d.NextSteps = reply.NextSteps
	d.Confidence = reply.Confidence
	if cats := filterCategories(reply.Categories); len(cats) > 0 {
		d.SuggestedCategories = cats
	}
	return d
}

// Dispose clears server-side state for a call without producing a summary.
// Unlike call end it also drops the persisted transcript, so a reused callId
// starts from an empty history.
func (s *DispositionService) Dispose(ctx context.Context, callID string) error {
	if callID == "" {
		return domain.ErrInvalid
	}
	s.cleanup(ctx, callID)
	return s.store.DeleteUtterances(ctx, callID)
}

func (s *DispositionService) cleanup(ctx context.Context, callID string) {
	if s.consumer != nil {
		s.consumer.Unsubscribe(callID)
	}
	if s.ingest != nil {
		s.ingest.Cleanup(callID)
	}
	if s.intents != nil {
		if err := s.intents.Dispose(ctx, callID); err != nil {
			s.log.Warn("intent cleanup failed", "callId", callID, "error", err)
		}
	}
}

// filterCategories keeps the top three labels that belong to the taxonomy.
func filterCategories(cats []string) []string {
	var out []string
	for _, c := range cats {
		for _, t := range Taxonomy {
			if c == t {
				out = append(out, c)
				break
			}
		}
		if len(out) == 3 {
			break
		}
	}
	return out
}
