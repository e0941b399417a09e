// Package coordinator drives federated rounds: it waits for clients, fans
// fit and evaluate instructions out to them and hands the replies to an
// aggregation rule.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/okian/fedlab/internal/domain/model"
	"github.com/okian/fedlab/internal/domain/params"
	"github.com/okian/fedlab/internal/domain/strategy"
	"github.com/okian/fedlab/pkg/logger"
	"github.com/okian/fedlab/pkg/metrics"
)

// Phases of a round, used in failures and metrics.
const (
	PhaseInit     = "get_parameters"
	PhaseFit      = "fit"
	PhaseEvaluate = "evaluate"
)

const (
	defaultRounds       = 3
	defaultRoundTimeout = 10 * time.Minute
	defaultWaitTimeout  = 10 * time.Minute
	reconnectTimeout    = 10 * time.Second
)

// State of the coordinator. Transitions only go forward.
type State int

// Coordinator states.
const (
	StateIdle State = iota
	StateRunning
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Config holds the run budget, quorum and timeouts. Zero values take
// defaults; every quorum defaults to one client.
type Config struct {
	Rounds              int
	MinAvailableClients int
	MinFitClients       int
	MinEvaluateClients  int
	RoundTimeout        time.Duration
	WaitTimeout         time.Duration
	// RoundConfig builds the instruction config of a round.
	RoundConfig func(round int) model.RoundConfig
}

func (c Config) withDefaults() Config {
	if c.Rounds == 0 {
		c.Rounds = defaultRounds
	}
	c.MinAvailableClients = max(c.MinAvailableClients, 1)
	c.MinFitClients = max(c.MinFitClients, 1)
	c.MinEvaluateClients = max(c.MinEvaluateClients, 1)
	if c.RoundTimeout <= 0 {
		c.RoundTimeout = defaultRoundTimeout
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = defaultWaitTimeout
	}
	if c.RoundConfig == nil {
		c.RoundConfig = StaticRoundConfig(model.RoundConfig{
			LocalEpochs:  model.DefaultLocalEpochs,
			LearningRate: model.DefaultLearningRate,
		})
	}
	return c
}

// Validate rejects negative budgets.
func (c Config) Validate() error {
	if c.Rounds < 0 {
		return fmt.Errorf("%w: rounds must be >= 1, got %d", ErrInvalidConfig, c.Rounds)
	}
	if c.MinAvailableClients < 0 || c.MinFitClients < 0 || c.MinEvaluateClients < 0 {
		return fmt.Errorf("%w: client minimums must not be negative", ErrInvalidConfig)
	}
	return nil
}

// StaticRoundConfig returns the same config for every round.
func StaticRoundConfig(cfg model.RoundConfig) func(int) model.RoundConfig {
	return func(int) model.RoundConfig { return cfg }
}

// Status is a point-in-time view of the coordinator.
type Status struct {
	State   string `json:"state"`
	Round   int    `json:"round"`
	Rounds  int    `json:"rounds"`
	Clients int    `json:"clients"`
}

// Coordinator runs one federated training session.
type Coordinator struct {
	cfg       Config
	rule      strategy.Rule
	clients   *ClientManager
	observers []RoundObserver
	log       logger.Logger

	mu      sync.RWMutex
	state   State
	round   int
	history History
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// WithObserver adds an observer of completed rounds.
func WithObserver(o RoundObserver) Option {
	return func(c *Coordinator) {
		if o != nil {
			c.observers = append(c.observers, o)
		}
	}
}

// New creates a coordinator in the idle state.
func New(cfg Config, rule strategy.Rule, clients *ClientManager, opts ...Option) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if rule == nil {
		return nil, fmt.Errorf("%w: nil aggregation rule", ErrInvalidConfig)
	}
	if clients == nil {
		clients = NewClientManager()
	}
	c := &Coordinator{cfg: cfg.withDefaults(), rule: rule, clients: clients}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.Get().Named("coordinator")
	}
	return c, nil
}

// Clients returns the client manager.
func (c *Coordinator) Clients() *ClientManager { return c.clients }

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Status returns state, round and connected client count.
func (c *Coordinator) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{State: c.state.String(), Round: c.round, Rounds: c.cfg.Rounds, Clients: c.clients.Len()}
}

// History returns a copy of the rounds recorded so far.
func (c *Coordinator) History() History {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.history.clone()
}

// Run executes the configured number of rounds. It returns an error only
// when the run could not start, when a shape mismatch makes aggregation
// impossible, or when ctx ends; failed rounds are recorded in the history.
func (c *Coordinator) Run(ctx context.Context) (History, error) {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return History{}, ErrAlreadyStarted
	}
	c.state = StateRunning
	c.mu.Unlock()
	defer c.finish(ctx)

	c.log.Info(ctx, "waiting for clients", logger.Int("min_available", c.cfg.MinAvailableClients))
	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.WaitTimeout)
	err := c.clients.WaitFor(waitCtx, c.cfg.MinAvailableClients)
	cancel()
	if err != nil {
		return c.History(), err
	}

	global, err := c.initialParameters(ctx)
	if err != nil {
		return c.History(), err
	}
	if err := c.rule.Initialize(ctx, global); err != nil {
		return c.History(), fmt.Errorf("initialize rule: %w", err)
	}
	c.log.Info(ctx, "starting rounds", logger.Int("rounds", c.cfg.Rounds), logger.Int("tensors", len(global)))

	for r := 1; r <= c.cfg.Rounds; r++ {
		if err := ctx.Err(); err != nil {
			return c.History(), err
		}
		next, err := c.runRound(ctx, r, global)
		if errors.Is(err, params.ErrShapeMismatch) {
			c.fail(ctx, model.RoundFailure{Round: r, Phase: PhaseFit, Reason: err.Error()}, metrics.RoundAborted)
			return c.History(), fmt.Errorf("round %d: %w", r, err)
		}
		if next != nil {
			global = next
		}
	}
	return c.History(), nil
}

func (c *Coordinator) finish(ctx context.Context) {
	c.mu.Lock()
	c.state = StateDone
	c.mu.Unlock()

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reconnectTimeout)
	defer cancel()
	var wg sync.WaitGroup
	for _, p := range c.clients.All() {
		wg.Add(1)
		go func(p ClientProxy) {
			defer wg.Done()
			if err := p.Reconnect(rctx); err != nil {
				c.log.Warn(rctx, "reconnect failed", logger.String("client", p.ID()), logger.Error(err))
			}
		}(p)
	}
	wg.Wait()
	h := c.History()
	c.log.Info(ctx, "run finished", logger.Int("completed", len(h.Results)), logger.Int("failed", len(h.Failures)))
}

// initialParameters asks connected clients in turn until one answers.
func (c *Coordinator) initialParameters(ctx context.Context) (params.Parameters, error) {
	var errs []error
	for _, p := range c.clients.All() {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.RoundTimeout)
		start := time.Now()
		got, err := p.GetParameters(callCtx)
		cancel()
		if err == nil {
			err = got.Validate()
		}
		if err != nil {
			metrics.RecordClientCallFailure(PhaseInit, reason(err))
			errs = append(errs, fmt.Errorf("client %s: %w", p.ID(), err))
			continue
		}
		metrics.RecordClientCall(PhaseInit, time.Since(start).Seconds())
		c.log.Info(ctx, "received initial parameters", logger.String("client", p.ID()))
		return got, nil
	}
	return nil, fmt.Errorf("%w: %w", ErrNoInitialParams, errors.Join(errs...))
}

func (c *Coordinator) runRound(ctx context.Context, r int, global params.Parameters) (params.Parameters, error) {
	start := time.Now()
	c.mu.Lock()
	c.round = r
	c.mu.Unlock()
	metrics.SetCurrentRound(r)

	clients := c.clients.All()
	cfg := c.cfg.RoundConfig(r)
	c.log.Info(ctx, "round started", logger.Int("round", r), logger.Int("clients", len(clients)))

	fits, fitFailures := fanOut(ctx, c.cfg.RoundTimeout, clients, PhaseFit,
		func(ctx context.Context, p ClientProxy) (strategy.FitOutcome, error) {
			res, err := p.Fit(ctx, r, global.Clone(), cfg)
			if err == nil {
				err = params.CheckCompatible(global, res.Parameters)
			}
			return strategy.FitOutcome{ClientID: p.ID(), Result: res}, err
		})
	if len(fits) < c.cfg.MinFitClients {
		return nil, c.quorumFailure(ctx, r, PhaseFit, len(fits), c.cfg.MinFitClients, fitFailures)
	}
	next, fitMeta, err := c.rule.AggregateFit(ctx, r, fits, fitFailures)
	if err != nil {
		if !errors.Is(err, params.ErrShapeMismatch) {
			c.fail(ctx, model.RoundFailure{Round: r, Phase: PhaseFit, Reason: err.Error()}, metrics.RoundFailed)
		}
		return nil, err
	}

	evals, evalFailures := fanOut(ctx, c.cfg.RoundTimeout, clients, PhaseEvaluate,
		func(ctx context.Context, p ClientProxy) (strategy.EvalOutcome, error) {
			res, err := p.Evaluate(ctx, r, next.Clone(), cfg)
			return strategy.EvalOutcome{ClientID: p.ID(), Result: res}, err
		})
	if len(evals) < c.cfg.MinEvaluateClients {
		// The fit aggregation stands; only this round's result is missing.
		return next, c.quorumFailure(ctx, r, PhaseEvaluate, len(evals), c.cfg.MinEvaluateClients, evalFailures)
	}
	ev, err := c.rule.AggregateEvaluate(ctx, r, evals, evalFailures)
	if err == nil && !ev.HasLoss {
		err = ErrMissingEvaluation
	}
	if err != nil {
		c.fail(ctx, model.RoundFailure{Round: r, Phase: PhaseEvaluate, Reason: err.Error()}, metrics.RoundFailed)
		return next, nil
	}

	res := model.AggregatedRoundResult{
		Round:       r,
		Loss:        ev.Loss,
		Metrics:     ev.Metrics,
		NumClients:  ev.NumClients,
		FitMetadata: fitMeta,
		Duration:    time.Since(start),
	}
	c.mu.Lock()
	c.history.Results = append(c.history.Results, res)
	c.mu.Unlock()
	_ = metrics.RecordRound(metrics.RoundCompleted, res.Duration.Seconds())
	metrics.RecordAggregate(res.Loss, res.Metrics.Accuracy, res.Metrics.Misclassified)
	c.log.Info(ctx, "round completed",
		logger.Int("round", r),
		logger.Float64("loss", res.Loss),
		logger.Float64("accuracy", res.Metrics.Accuracy),
		logger.Int("misclassified", res.Metrics.Misclassified),
		logger.Int("clients", res.NumClients),
		logger.Duration("took", res.Duration),
	)
	for _, o := range c.observers {
		o.RoundCompleted(ctx, res)
	}
	return next, nil
}

func (c *Coordinator) quorumFailure(ctx context.Context, r int, phase string, got, want int, failures []strategy.Failure) error {
	err := fmt.Errorf("%w: %s phase got %d of %d required replies", ErrQuorumNotMet, phase, got, want)
	if len(failures) > 0 {
		err = fmt.Errorf("%w (%d failed)", err, len(failures))
	}
	c.fail(ctx, model.RoundFailure{Round: r, Phase: phase, Reason: err.Error()}, metrics.RoundFailed)
	return err
}

func (c *Coordinator) fail(ctx context.Context, f model.RoundFailure, status string) {
	c.mu.Lock()
	c.history.Failures = append(c.history.Failures, f)
	c.mu.Unlock()
	_ = metrics.RecordRound(status, 0)
	metrics.RecordErrorByComponent("coordinator", f.Phase)
	c.log.Error(ctx, "round failed",
		logger.Int("round", f.Round),
		logger.String("phase", f.Phase),
		logger.String("reason", f.Reason),
	)
}

// fanOut calls fn on every client concurrently with a shared deadline and
// returns successes and failures in client order.
func fanOut[T any](ctx context.Context, timeout time.Duration, clients []ClientProxy, phase string,
	fn func(context.Context, ClientProxy) (T, error),
) ([]T, []strategy.Failure) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type slot struct {
		v   T
		err error
	}
	slots := make([]slot, len(clients))
	var wg sync.WaitGroup
	for i, p := range clients {
		wg.Add(1)
		go func(i int, p ClientProxy) {
			defer wg.Done()
			start := time.Now()
			v, err := fn(callCtx, p)
			slots[i] = slot{v: v, err: err}
			if err != nil {
				metrics.RecordClientCallFailure(phase, reason(err))
				return
			}
			metrics.RecordClientCall(phase, time.Since(start).Seconds())
		}(i, p)
	}
	wg.Wait()

	var ok []T
	var failed []strategy.Failure
	for i, s := range slots {
		if s.err != nil {
			failed = append(failed, strategy.Failure{ClientID: clients[i].ID(), Err: s.err})
			continue
		}
		ok = append(ok, s.v)
	}
	return ok, failed
}

func reason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, params.ErrShapeMismatch):
		return "shape_mismatch"
	default:
		return "error"
	}
}
