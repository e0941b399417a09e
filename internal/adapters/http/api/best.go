package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/okian/fedlab/internal/adapters/repository"
	"github.com/okian/fedlab/internal/domain/bestmodel"
	"github.com/okian/fedlab/internal/domain/model"
)

// BestHandler serves the best-model metadata.
type BestHandler struct {
	best   BestProvider
	stored StoredBestProvider
}

// NewBestHandler creates a new best-model handler.
func NewBestHandler(best BestProvider) *BestHandler {
	return &BestHandler{best: best}
}

type bestResponse struct {
	Round   int               `json:"round"`
	Loss    float64           `json:"loss"`
	Metrics model.EvalMetrics `json:"metrics"`
	Shapes  [][]int           `json:"shapes"`
	SavedAt time.Time         `json:"saved_at"`
}

// HandleBest handles GET /best. It answers 404 until a model was saved.
func (h *BestHandler) HandleBest(w http.ResponseWriter, _ *http.Request) {
	if h.best == nil {
		writeError(w, http.StatusNotFound, "not_found", bestmodel.ErrNoBestModel)
		return
	}
	rec, err := h.best.Best()
	switch {
	case errors.Is(err, bestmodel.ErrNoBestModel):
		writeError(w, http.StatusNotFound, "not_found", err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal", err)
		return
	}
	writeJSON(w, http.StatusOK, bestResponse{
		Round:   rec.Round,
		Loss:    rec.Loss,
		Metrics: rec.Metrics,
		Shapes:  rec.Parameters.Shapes(),
		SavedAt: rec.SavedAt,
	})
}

// HandleStored handles GET /best/stored: the metadata of the model on disk or
// in redis, which survives restarts of the coordinator.
func (h *BestHandler) HandleStored(w http.ResponseWriter, r *http.Request) {
	if h.stored == nil {
		writeError(w, http.StatusNotFound, "not_found", repository.ErrNotFound)
		return
	}
	meta, err := h.stored.StoredBest(r.Context())
	if err != nil {
		writeRepositoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}
