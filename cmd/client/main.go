// Command client joins a coordinator as one federated participant, training
// either the CNN on its local partition or the deterministic sim learner.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/okian/fedlab/internal/adapters/dataset"
	"github.com/okian/fedlab/internal/adapters/learner/cnn"
	"github.com/okian/fedlab/internal/adapters/learner/sim"
	"github.com/okian/fedlab/internal/adapters/transport/ws"
	"github.com/okian/fedlab/internal/config"
	"github.com/okian/fedlab/internal/domain/partition"
	"github.com/okian/fedlab/internal/domain/trainer"
	"github.com/okian/fedlab/pkg/logger"
)

func main() {
	if err := logger.Init(); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		os.Stderr.WriteString("client: " + err.Error() + "\n")
		os.Exit(1)
	}
}

func parseFlags(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("client", flag.ContinueOnError)
	fs.StringVar(&cfg.ServerAddress, "server-address", cfg.ServerAddress, "Coordinator host:port")
	fs.StringVar(&cfg.ServerAddress, "s", cfg.ServerAddress, "Shorthand for -server-address")
	fs.StringVar(&cfg.ClientID, "client-id", cfg.ClientID, "Client id (partition client_<id>)")
	fs.StringVar(&cfg.ClientID, "c", cfg.ClientID, "Shorthand for -client-id")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Directory holding client_<id>/{train,test}")
	fs.StringVar(&cfg.Learner, "learner", cfg.Learner, "Learner: cnn or sim")
	fs.IntVar(&cfg.NumClasses, "num-classes", cfg.NumClasses, "Number of output classes")
	fs.IntVar(&cfg.NumClasses, "nc", cfg.NumClasses, "Shorthand for -num-classes")
	fs.IntVar(&cfg.LocalEpochs, "local-epochs", cfg.LocalEpochs, "Local epochs when the server sends none")
	fs.IntVar(&cfg.LocalEpochs, "e", cfg.LocalEpochs, "Shorthand for -local-epochs")
	fs.Float64Var(&cfg.LearningRate, "learning-rate", cfg.LearningRate, "SGD learning rate when the server sends none")
	fs.Float64Var(&cfg.LearningRate, "lr", cfg.LearningRate, "Shorthand for -learning-rate")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	return cfg.ValidateClient()
}

// newTrainer builds the configured learner. The returned closer, when
// non-nil, releases the learner's resources.
func newTrainer(ctx context.Context, cfg *config.Config, log logger.Logger) (trainer.Trainer, io.Closer, error) {
	if cfg.Learner == config.LearnerSim {
		var opts []sim.Option
		if cfg.ClientID != "" {
			opts = append(opts, sim.WithSeed(partition.Seed(cfg.ClientID)))
		}
		return sim.New(opts...), nil, nil
	}

	loader := dataset.NewLoader(dataset.WithImageSize(cfg.ImageSize), dataset.WithLogger(log.Named("dataset")))
	train, test, err := loader.LoadClient(ctx, cfg.DataDir, cfg.ClientID)
	if err != nil {
		return nil, nil, err
	}
	if len(train.Classes) > cfg.NumClasses {
		return nil, nil, fmt.Errorf("%w: partition has %d classes, num_classes is %d",
			config.ErrInvalidConfig, len(train.Classes), cfg.NumClasses)
	}

	learner, err := cnn.New(cfg.NumClasses, cnn.WithImageSize(cfg.ImageSize), cnn.WithBatchSize(cfg.BatchSize))
	if err != nil {
		return nil, nil, err
	}
	t := trainer.NewLocalTrainer(learner, train, test,
		trainer.WithBatchSize(cfg.BatchSize),
		trainer.WithDefaults(cfg.LocalEpochs, cfg.LearningRate),
		trainer.WithNumClasses(cfg.NumClasses),
		trainer.WithSeed(partition.Seed(cfg.ClientID)),
		trainer.WithLogger(log.Named("trainer")),
	)
	return t, learner, nil
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	log := logger.Get().Named("client")

	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}
	if err := parseFlags(cfg, args); err != nil {
		return err
	}
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		_ = logger.SetLevelString("info")
	}
	t, closer, err := newTrainer(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("build %s learner: %w", cfg.Learner, err)
	}
	if closer != nil {
		defer func() { _ = closer.Close() }()
	}

	client := ws.NewClient(cfg.ServerAddress, cfg.ClientID, t,
		ws.WithClientLogger(log),
		ws.WithConnectRetries(cfg.ConnectRetries, cfg.ConnectBackoff()),
	)
	log.Info(ctx, "client ready", logger.String("client_id", client.ID()), logger.String("learner", cfg.Learner))
	fmt.Fprintf(stdout, "Client %s connecting to %s (%s learner)\n", client.ID(), client.URL(), cfg.Learner)
	if err := client.Run(ctx); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Client %s finished\n", client.ID())
	return nil
}
