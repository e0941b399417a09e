package api

import (
	"errors"
	"net/http"

	"github.com/okian/fedlab/internal/adapters/repository"
	"github.com/okian/fedlab/internal/domain/bestmodel"
)

// HistoryHandler serves the recorded round documents of a run.
type HistoryHandler struct {
	history HistoryProvider
}

// NewHistoryHandler creates a new history handler.
func NewHistoryHandler(history HistoryProvider) *HistoryHandler {
	return &HistoryHandler{history: history}
}

type historyResponse struct {
	RunID  string                `json:"run_id,omitempty"`
	Rounds []repository.RoundDoc `json:"rounds"`
}

// HandleHistory handles GET /history?run_id=<id>.
func (h *HistoryHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	docs, err := h.history.RoundHistory(r.Context(), runID)
	if err != nil {
		writeRepositoryError(w, err)
		return
	}
	if docs == nil {
		docs = []repository.RoundDoc{}
	}
	writeJSON(w, http.StatusOK, historyResponse{RunID: runID, Rounds: docs})
}

func writeRepositoryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, bestmodel.ErrNoBestModel):
		writeError(w, http.StatusNotFound, "not_found", err)
	case errors.Is(err, repository.ErrNotConnected):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err)
	default:
		writeError(w, http.StatusInternalServerError, "internal", err)
	}
}
