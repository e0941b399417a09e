// Command server runs the round coordinator: it accepts client connections
// on /fl, drives the configured number of federated rounds and persists the
// best global model.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/okian/fedlab/internal/adapters/repository"
	service "github.com/okian/fedlab/internal/app"
	"github.com/okian/fedlab/internal/app/coordinator"
	"github.com/okian/fedlab/internal/config"
	"github.com/okian/fedlab/internal/domain/bestmodel"
	"github.com/okian/fedlab/pkg/logger"
)

// HTTP server timeout constants.
const (
	readHeaderTimeout = 5 * time.Second
	idleTimeout       = 60 * time.Second
	shutdownTimeout   = 30 * time.Second
	connectTimeout    = 10 * time.Second
)

func main() {
	if err := logger.Init(); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	// Root context with cancel on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		os.Stderr.WriteString("server: " + err.Error() + "\n")
		os.Exit(1)
	}
}

// parseFlags applies command-line overrides on top of the loaded config.
func parseFlags(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.IntVar(&cfg.Rounds, "num-rounds", cfg.Rounds, "Number of federated rounds")
	fs.IntVar(&cfg.Rounds, "r", cfg.Rounds, "Shorthand for -num-rounds")
	port := fs.Int("port", 0, "Port to listen on (overrides addr)")
	fs.IntVar(port, "p", 0, "Shorthand for -port")
	fs.StringVar(&cfg.Strategy, "strategy", cfg.Strategy, "Aggregation rule")
	fs.IntVar(&cfg.LocalEpochs, "local-epochs", cfg.LocalEpochs, "Local epochs sent to clients each round")
	fs.IntVar(&cfg.LocalEpochs, "e", cfg.LocalEpochs, "Shorthand for -local-epochs")
	fs.Float64Var(&cfg.LearningRate, "learning-rate", cfg.LearningRate, "Client SGD learning rate sent each round")
	fs.Float64Var(&cfg.LearningRate, "lr", cfg.LearningRate, "Shorthand for -learning-rate")
	fs.IntVar(&cfg.NumClasses, "num-classes", cfg.NumClasses, "Number of output classes clients must train")
	fs.IntVar(&cfg.NumClasses, "nc", cfg.NumClasses, "Shorthand for -num-classes")
	fs.Float64Var(&cfg.ServerLearningRate, "server-learning-rate", cfg.ServerLearningRate, "Server step size of the optimiser rules (0 keeps the rule default)")
	fs.Float64Var(&cfg.ServerMomentum, "server-momentum", cfg.ServerMomentum, "Server momentum of fedavgm")
	fs.IntVar(&cfg.MinFitClients, "min-fit-clients", cfg.MinFitClients, "Fit responses required per round")
	fs.IntVar(&cfg.MinEvaluateClients, "min-evaluate-clients", cfg.MinEvaluateClients, "Evaluate responses required per round")
	fs.IntVar(&cfg.MinAvailableClients, "min-available-clients", cfg.MinAvailableClients, "Clients to wait for before round 1")
	fs.StringVar(&cfg.BestModelPath, "best-model", cfg.BestModelPath, "Best model archive path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *port != 0 {
		cfg.Addr = net.JoinHostPort("", strconv.Itoa(*port))
	}
	return cfg.Validate()
}

// coordinatorConfig maps the process config onto the coordinator's.
func coordinatorConfig(cfg *config.Config) coordinator.Config {
	return coordinator.Config{
		Rounds:              cfg.Rounds,
		MinAvailableClients: cfg.MinAvailableClients,
		MinFitClients:       cfg.MinFitClients,
		MinEvaluateClients:  cfg.MinEvaluateClients,
		RoundTimeout:        cfg.RoundTimeout(),
		WaitTimeout:         cfg.WaitTimeout(),
		RoundConfig:         coordinator.StaticRoundConfig(cfg.RoundConfig()),
	}
}

// bestModelStore builds the configured backend. The closer, when non-nil,
// releases the connection it opened.
func bestModelStore(ctx context.Context, cfg *config.Config) (bestmodel.Store, io.Closer, error) {
	if cfg.BestModelBackend == config.BackendRedis {
		cctx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		client, err := repository.NewRedisClient(cctx, cfg.RedisAddr, cfg.RedisPassword, 0)
		if err != nil {
			return nil, nil, err
		}
		return repository.NewRedisStore(client, cfg.RedisKey), client, nil
	}
	return repository.NewArchiveStore(cfg.BestModelPath), nil, nil
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	log := logger.Get().Named("server")

	// Load configuration (defaults -> .env -> optional file -> env -> flags)
	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}
	if err := parseFlags(cfg, args); err != nil {
		return err
	}
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		log.Warn(ctx, "invalid log_level; falling back to info", logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}

	store, storeCloser, err := bestModelStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("best model store: %w", err)
	}
	if storeCloser != nil {
		defer func() { _ = storeCloser.Close() }()
	}

	opts := []service.Option{
		service.WithLogger(log),
		service.WithCoordinatorConfig(coordinatorConfig(cfg)),
		service.WithStrategy(cfg.Strategy, cfg.StrategyOptions()...),
		service.WithBestModelStore(store),
	}
	if cfg.MongoURI != "" {
		cctx, cancel := context.WithTimeout(ctx, connectTimeout)
		history, err := repository.ConnectMongo(cctx, cfg.MongoURI, cfg.MongoDatabase)
		cancel()
		if err != nil {
			return fmt.Errorf("round history: %w", err)
		}
		defer func() { _ = history.Close(context.Background()) }()
		opts = append(opts, service.WithRoundRecorder(history))
	}

	svc := service.New(opts...)
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	defer svc.Stop()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           svc.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info(ctx, "starting HTTP server", logger.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	fmt.Fprintf(stdout, "Coordinator %s listening on %s for %d rounds (%s)\n", svc.RunID(), cfg.Addr, cfg.Rounds, cfg.Strategy)

	var runErr error
	select {
	case <-svc.Done():
		var h coordinator.History
		h, runErr = svc.Wait(ctx)
		printSummary(stdout, h)
	case err := <-serveErr:
		runErr = fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		log.Info(ctx, "shutting down server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, "server shutdown failed", logger.Error(err))
	}
	log.Info(ctx, "server stopped")
	return runErr
}

func printSummary(w io.Writer, h coordinator.History) {
	for _, r := range h.Results {
		fmt.Fprintf(w, "Round %d: loss=%.4f accuracy=%.4f misclassified=%d clients=%d\n",
			r.Round, r.Loss, r.Metrics.Accuracy, r.Metrics.Misclassified, r.NumClients)
	}
	for _, f := range h.Failures {
		fmt.Fprintf(w, "Round %d failed in %s: %s\n", f.Round, f.Phase, f.Reason)
	}
	if best, ok := h.Best(); ok {
		fmt.Fprintf(w, "Best round %d with loss %.4f\n", best.Round, best.Loss)
	}
}
