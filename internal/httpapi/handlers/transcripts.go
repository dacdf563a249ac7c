package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/callsight/callsight/internal/domain"
	"github.com/callsight/callsight/internal/httpapi/encoding"
	"github.com/callsight/callsight/internal/services"
	"github.com/callsight/callsight/internal/store"
)

type TranscriptHandler struct {
	ingest  *services.IngestService
	intents *services.IntentService
	store   *store.Store
}

func NewTranscriptHandler(ingest *services.IngestService, intents *services.IntentService, st *store.Store) *TranscriptHandler {
	return &TranscriptHandler{ingest: ingest, intents: intents, store: st}
}

type ingestRequest struct {
	CallID  string    `json:"callId"`
	Text    string    `json:"text"`
	TS      time.Time `json:"ts"`
	Seq     *uint64   `json:"seq,omitempty"`
	Speaker string    `json:"speaker,omitempty"`
}

// Ingest handles POST /api/calls/ingest-transcript.
func (h *TranscriptHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	seq, err := h.ingest.Ingest(r.Context(), services.Fragment{
		CallID:  req.CallID,
		Text:    req.Text,
		TS:      req.TS,
		Seq:     req.Seq,
		Speaker: req.Speaker,
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalid) {
			respondError(w, err.Error(), http.StatusBadRequest)
			return
		}
		respondError(w, "failed to ingest transcript", http.StatusInternalServerError)
		return
	}

	respondJSON(w, map[string]any{"callId": req.CallID, "seq": seq}, http.StatusOK)
}

// receiveRequest is the external ASR vendor payload accepted on
// /api/transcripts/receive before normalization.
type receiveRequest struct {
	CallID     string `json:"callId"`
	Transcript string `json:"transcript"`
	SessionID  string `json:"session_id,omitempty"`
	ASRService string `json:"asr_service,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"`
	IsFinal    *bool  `json:"isFinal,omitempty"`
}

// Receive handles POST /api/transcripts/receive. Interim results are
// acknowledged but not persisted; only finals enter the pipeline.
func (h *TranscriptHandler) Receive(w http.ResponseWriter, r *http.Request) {
	var req receiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.CallID == "" || req.Transcript == "" {
		respondError(w, "callId and transcript are required", http.StatusBadRequest)
		return
	}

	if req.IsFinal != nil && !*req.IsFinal {
		respondJSON(w, map[string]string{"status": "ignored"}, http.StatusAccepted)
		return
	}

	ts := time.Now()
	if req.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339, req.Timestamp); err == nil {
			ts = parsed
		}
	}

	seq, err := h.ingest.Ingest(r.Context(), services.Fragment{
		CallID: req.CallID,
		Text:   req.Transcript,
		TS:     ts,
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalid) {
			respondError(w, err.Error(), http.StatusBadRequest)
			return
		}
		respondError(w, "failed to ingest transcript", http.StatusInternalServerError)
		return
	}

	respondJSON(w, map[string]any{"callId": req.CallID, "seq": seq}, http.StatusOK)
}

// Latest handles GET /api/transcripts/latest?callId=X. The response carries
// the full ordered transcript plus the current intent and its articles, as
// JSON or msgpack per the Accept header.
func (h *TranscriptHandler) Latest(w http.ResponseWriter, r *http.Request) {
	callID := r.URL.Query().Get("callId")
	if callID == "" {
		encoding.Error(w, r, "callId is required", http.StatusBadRequest)
		return
	}

	utterances, err := h.store.ListUtterances(r.Context(), callID)
	if err != nil {
		encoding.Error(w, r, "failed to load transcript", http.StatusInternalServerError)
		return
	}

	resp := map[string]any{
		"callId":     callID,
		"utterances": utterances,
	}

	if h.intents != nil {
		in, articles, err := h.intents.Latest(r.Context(), callID)
		if err == nil {
			resp["intent"] = in
			resp["articles"] = articles
		} else if !errors.Is(err, domain.ErrNotFound) {
			encoding.Error(w, r, "failed to load intent", http.StatusInternalServerError)
			return
		}
	}

	encoding.Respond(w, r, resp, http.StatusOK)
}
