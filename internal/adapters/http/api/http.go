// Package api exposes the coordinator over HTTP: the client join endpoint,
// Prometheus metrics and read-only run status.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/okian/fedlab/internal/adapters/repository"
	"github.com/okian/fedlab/internal/domain/model"
)

// StatsProvider reports service statistics.
type StatsProvider interface {
	GetStats() map[string]any
}

// BestProvider returns the current best-model record.
type BestProvider interface {
	Best() (model.BestModelRecord, error)
}

// StoredBestProvider reads the metadata of the persisted best model.
type StoredBestProvider interface {
	StoredBest(ctx context.Context) (map[string]any, error)
}

// HistoryProvider lists the recorded rounds of a run. An empty runID means
// the current run.
type HistoryProvider interface {
	RoundHistory(ctx context.Context, runID string) ([]repository.RoundDoc, error)
}

// Server wires HTTP routes for the coordinator.
type Server struct {
	join           http.Handler
	healthHandler  *HealthHandler
	statsHandler   *StatsHandler
	bestHandler    *BestHandler
	historyHandler *HistoryHandler
}

// ServerOption configures optional routes.
type ServerOption func(*Server)

// WithStoredBest serves GET /best/stored from p.
func WithStoredBest(p StoredBestProvider) ServerOption {
	return func(s *Server) { s.bestHandler.stored = p }
}

// WithHistory serves GET /history from p.
func WithHistory(p HistoryProvider) ServerOption {
	return func(s *Server) { s.historyHandler = NewHistoryHandler(p) }
}

// NewServer creates the API server. join upgrades client connections.
func NewServer(join http.Handler, stats StatsProvider, best BestProvider, opts ...ServerOption) *Server {
	s := &Server{
		join:          join,
		healthHandler: NewHealthHandler(),
		statsHandler:  NewStatsHandler(stats),
		bestHandler:   NewBestHandler(best),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register attaches all routes to r.
func (s *Server) Register(r *mux.Router) {
	if s.join != nil {
		r.Handle("/fl", MetricsMiddleware(s.join.ServeHTTP, "fl")).Methods(http.MethodGet)
	}
	r.HandleFunc("/healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz")).Methods(http.MethodGet)
	r.HandleFunc("/stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats")).Methods(http.MethodGet)
	r.HandleFunc("/best", MetricsMiddleware(s.bestHandler.HandleBest, "best")).Methods(http.MethodGet)
	r.HandleFunc("/best/stored", MetricsMiddleware(s.bestHandler.HandleStored, "best_stored")).Methods(http.MethodGet)
	if s.historyHandler != nil {
		r.HandleFunc("/history", MetricsMiddleware(s.historyHandler.HandleHistory, "history")).Methods(http.MethodGet)
	}
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}
