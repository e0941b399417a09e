// Package service wires the round coordinator, the best-model tracker, the
// websocket endpoint and the HTTP status API into one runnable unit.
package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/okian/fedlab/internal/adapters/http/api"
	"github.com/okian/fedlab/internal/adapters/http/swagger"
	"github.com/okian/fedlab/internal/adapters/repository"
	"github.com/okian/fedlab/internal/adapters/transport/ws"
	"github.com/okian/fedlab/internal/app/coordinator"
	"github.com/okian/fedlab/internal/domain/bestmodel"
	"github.com/okian/fedlab/internal/domain/model"
	"github.com/okian/fedlab/internal/domain/strategy"
	"github.com/okian/fedlab/pkg/logger"
)

// ErrNotStarted is returned by Wait before Start.
var ErrNotStarted = errors.New("service not started")

const (
	defaultBestModelPath = "best_model.zip"
	recordTimeout        = 5 * time.Second
)

// Service runs one federated training session behind the coordinator's HTTP
// endpoint.
type Service struct {
	mu sync.RWMutex

	// Configuration
	coordCfg     coordinator.Config
	strategyName string
	ruleOpts     []strategy.Option
	store        bestmodel.Store
	recorder     repository.RoundRecorder

	// Components
	clients *coordinator.ClientManager
	tracker *bestmodel.Tracker
	coord   *coordinator.Coordinator
	join    *ws.Server
	router  *mux.Router

	// State
	runID   string
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	history coordinator.History
	runErr  error

	logger logger.Logger
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithCoordinatorConfig sets rounds, quorum and timeouts.
func WithCoordinatorConfig(cfg coordinator.Config) Option {
	return func(s *Service) {
		s.coordCfg = cfg
	}
}

// WithStrategy selects the aggregation rule by name.
func WithStrategy(name string, opts ...strategy.Option) Option {
	return func(s *Service) {
		if name != "" {
			s.strategyName = name
		}
		s.ruleOpts = opts
	}
}

// WithBestModelStore sets where the best global model is persisted.
func WithBestModelStore(store bestmodel.Store) Option {
	return func(s *Service) {
		if store != nil {
			s.store = store
		}
	}
}

// WithRoundRecorder stores every aggregated round, e.g. in Mongo.
func WithRoundRecorder(rec repository.RoundRecorder) Option {
	return func(s *Service) {
		s.recorder = rec
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// New constructs a new Service with default configuration.
func New(opts ...Option) *Service {
	s := &Service{
		strategyName: strategy.NameFedAvg,
		runID:        uuid.NewString(),
		clients:      coordinator.NewClientManager(),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.store == nil {
		s.store = repository.NewArchiveStore(defaultBestModelPath)
	}
	return s
}

// RunID identifies this session in logs and round history.
func (s *Service) RunID() string { return s.runID }

// Start builds the components, mounts the HTTP routes and launches the
// coordinator in the background. Clients may join as soon as Handler is
// served.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("service")
	}
	s.logger = s.logger.With(logger.String("run_id", s.runID))

	rule, err := strategy.New(s.strategyName, append([]strategy.Option{strategy.WithLogger(s.logger.Named("strategy"))}, s.ruleOpts...)...)
	if err != nil {
		return fmt.Errorf("strategy: %w", err)
	}
	s.tracker = bestmodel.NewTracker(rule, s.store, bestmodel.WithLogger(s.logger.Named("bestmodel")))

	coordOpts := []coordinator.Option{coordinator.WithLogger(s.logger.Named("coordinator"))}
	if s.recorder != nil {
		coordOpts = append(coordOpts, coordinator.WithObserver(coordinator.ObserverFunc(s.record)))
	}
	s.coord, err = coordinator.New(s.coordCfg, s.tracker, s.clients, coordOpts...)
	if err != nil {
		return err
	}

	s.join = ws.NewServer(
		func(p *ws.Proxy) error { return s.clients.Register(p) },
		func(p *ws.Proxy) { s.clients.Unregister(p.ID()) },
		ws.WithServerLogger(s.logger.Named("ws")),
	)
	s.router = mux.NewRouter()
	api.NewServer(s.join, s, s, api.WithStoredBest(s), api.WithHistory(s)).Register(s.router)
	swagger.Register(s.router)

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.run(runCtx)

	s.started = true
	s.logger.Info(ctx, "federated service started",
		logger.String("strategy", s.strategyName),
		logger.Int("rounds", s.coord.Status().Rounds),
	)
	return nil
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)
	h, err := s.coord.Run(ctx)

	s.mu.Lock()
	s.history, s.runErr = h, err
	s.mu.Unlock()

	if err != nil {
		s.logger.Error(ctx, "federated run aborted", logger.Error(err))
		return
	}
	fields := []logger.Field{logger.Int("rounds", len(h.Results)), logger.Int("failed", len(h.Failures))}
	if best, ok := h.Best(); ok {
		fields = append(fields, logger.Int("best_round", best.Round), logger.Float64("best_loss", best.Loss))
	}
	s.logger.Info(ctx, "federated run finished", fields...)
}

func (s *Service) record(ctx context.Context, res model.AggregatedRoundResult) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := s.recorder.Record(rctx, s.runID, res); err != nil {
		s.logger.Warn(ctx, "round history not recorded", logger.Int("round", res.Round), logger.Error(err))
	}
}

// Handler returns the HTTP routes: websocket join, health, stats, best,
// round history and API docs. It is nil before Start.
func (s *Service) Handler() http.Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.router == nil {
		return nil
	}
	return s.router
}

// Done is closed when the run has ended.
func (s *Service) Done() <-chan struct{} { return s.done }

// Wait blocks until the run ends or ctx is done and returns its history.
func (s *Service) Wait(ctx context.Context) (coordinator.History, error) {
	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()
	if !started {
		return coordinator.History{}, ErrNotStarted
	}
	select {
	case <-s.done:
	case <-ctx.Done():
		return coordinator.History{}, ctx.Err()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.history, s.runErr
}

// Stop cancels a run in progress and waits for it to wind down.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	s.logger.Info(context.Background(), "stopping federated service...")
	cancel()
	<-s.done
	s.logger.Info(context.Background(), "federated service stopped")
}

// Best implements api.BestProvider.
func (s *Service) Best() (model.BestModelRecord, error) {
	s.mu.RLock()
	tracker := s.tracker
	s.mu.RUnlock()
	if tracker == nil {
		return model.BestModelRecord{}, bestmodel.ErrNoBestModel
	}
	return tracker.Best()
}

// StoredBest implements api.StoredBestProvider by reading the store's
// metadata document.
func (s *Service) StoredBest(ctx context.Context) (map[string]any, error) {
	reader, ok := s.store.(repository.MetadataReader)
	if !ok {
		return nil, repository.ErrNotFound
	}
	return reader.Metadata(ctx)
}

// RoundHistory implements api.HistoryProvider. It needs a recorder that can
// read its rounds back, such as the Mongo history.
func (s *Service) RoundHistory(ctx context.Context, runID string) ([]repository.RoundDoc, error) {
	if runID == "" {
		runID = s.runID
	}
	reader, ok := s.recorder.(repository.RoundReader)
	if !ok {
		return nil, repository.ErrNotConnected
	}
	return reader.Rounds(ctx, runID)
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]any{
		"started":  s.started,
		"run_id":   s.runID,
		"strategy": s.strategyName,
		"clients":  s.clients.Len(),
	}
	if s.coord == nil {
		stats["state"] = coordinator.StateIdle.String()
		return stats
	}

	st := s.coord.Status()
	stats["state"] = st.State
	stats["round"] = st.Round
	stats["rounds"] = st.Rounds
	stats["history"] = s.coord.History()
	if loss := s.tracker.BestLoss(); !math.IsInf(loss, 1) {
		stats["best_loss"] = loss
	}
	if s.runErr != nil {
		stats["error"] = s.runErr.Error()
	}
	return stats
}

var (
	_ api.StatsProvider      = (*Service)(nil)
	_ api.BestProvider       = (*Service)(nil)
	_ api.StoredBestProvider = (*Service)(nil)
	_ api.HistoryProvider    = (*Service)(nil)
)
