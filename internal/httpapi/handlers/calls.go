package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/callsight/callsight/internal/domain"
	"github.com/callsight/callsight/internal/services"
)

type CallHandler struct {
	disposition *services.DispositionService
}

func NewCallHandler(disposition *services.DispositionService) *CallHandler {
	return &CallHandler{disposition: disposition}
}

// End handles POST /api/calls/end. Ending an already-ended call returns the
// stored disposition.
func (h *CallHandler) End(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CallID string `json:"callId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	d, err := h.disposition.EndCall(r.Context(), req.CallID)
	if err != nil {
		if errors.Is(err, domain.ErrInvalid) {
			respondError(w, "callId is required", http.StatusBadRequest)
			return
		}
		respondError(w, "failed to end call", http.StatusInternalServerError)
		return
	}

	respondJSON(w, d, http.StatusOK)
}

// Dispose handles POST /api/calls/{callId}/dispose: clear server-side state
// without generating a summary.
func (h *CallHandler) Dispose(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callId")

	if err := h.disposition.Dispose(r.Context(), callID); err != nil {
		if errors.Is(err, domain.ErrInvalid) {
			respondError(w, "callId is required", http.StatusBadRequest)
			return
		}
		respondError(w, "failed to dispose call", http.StatusInternalServerError)
		return
	}

	respondJSON(w, map[string]string{"status": "disposed"}, http.StatusOK)
}
