// Package config defines the process configuration shared by the fedlab
// binaries and the loader that layers it from defaults, .env, YAML and the
// environment.
package config

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/okian/fedlab/internal/domain/model"
	"github.com/okian/fedlab/internal/domain/strategy"
)

// Backends and learners understood by the binaries.
const (
	BackendFile  = "file"
	BackendRedis = "redis"

	LearnerCNN = "cnn"
	LearnerSim = "sim"
)

// Config contains process configuration. Server and client read the fields
// they need; unknown keys in files are ignored.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// Addr is the coordinator's HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`

	// Round budget, quorum and timeouts of the coordinator.
	Rounds              int     `koanf:"rounds"`
	MinAvailableClients int     `koanf:"min_available_clients"`
	MinFitClients       int     `koanf:"min_fit_clients"`
	MinEvaluateClients  int     `koanf:"min_evaluate_clients"`
	RoundTimeoutS       int     `koanf:"round_timeout_s"`
	WaitTimeoutS        int     `koanf:"wait_timeout_s"`
	LocalEpochs         int     `koanf:"local_epochs"`
	LearningRate        float64 `koanf:"learning_rate"`
	Strategy            string  `koanf:"strategy"`

	// Server optimiser hyperparameters; zero keeps the rule's own default.
	ServerLearningRate float64 `koanf:"server_learning_rate"`
	ServerMomentum     float64 `koanf:"server_momentum"`
	ServerBeta1        float64 `koanf:"server_beta1"`
	ServerBeta2        float64 `koanf:"server_beta2"`
	ServerTau          float64 `koanf:"server_tau"`

	// Best-model persistence.
	BestModelPath    string `koanf:"best_model_path"`
	BestModelBackend string `koanf:"best_model_backend"`
	RedisAddr        string `koanf:"redis_addr"`
	RedisPassword    string `koanf:"redis_password"`
	RedisKey         string `koanf:"redis_key"`

	// Round history in Mongo; disabled when MongoURI is empty.
	MongoURI      string `koanf:"mongo_uri"`
	MongoDatabase string `koanf:"mongo_database"`

	// Client side. An empty ClientID gets a random uuid for the sim learner;
	// the cnn learner requires it to locate client_<id>.
	ServerAddress    string `koanf:"server_address"`
	ClientID         string `koanf:"client_id"`
	DataDir          string `koanf:"data_dir"`
	NumClasses       int    `koanf:"num_classes"`
	BatchSize        int    `koanf:"batch_size"`
	ImageSize        int    `koanf:"image_size"`
	Learner          string `koanf:"learner"`
	ConnectRetries   int    `koanf:"connect_retries"`
	ConnectBackoffMS int    `koanf:"connect_backoff_ms"`
}

// New returns a Config holding the defaults.
func New(_ context.Context) *Config {
	return &Config{
		LogLevel:            "info",
		Addr:                ":8080",
		Rounds:              10,
		MinAvailableClients: 1,
		MinFitClients:       1,
		MinEvaluateClients:  1,
		RoundTimeoutS:       600,
		WaitTimeoutS:        600,
		LocalEpochs:         model.DefaultLocalEpochs,
		LearningRate:        model.DefaultLearningRate,
		Strategy:            strategy.NameFedAvg,
		BestModelPath:       "best_model.zip",
		BestModelBackend:    BackendFile,
		RedisKey:            "fedlab:best_model",
		MongoDatabase:       "fedlab",
		ServerAddress:       "127.0.0.1:8080",
		DataDir:             "client/data",
		NumClasses:          5,
		BatchSize:           32,
		ImageSize:           32,
		Learner:             LearnerCNN,
		ConnectRetries:      5,
		ConnectBackoffMS:    2000,
	}
}

// Validate reports the first invalid field wrapped in ErrInvalidConfig.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}
	switch {
	case !slices.Contains([]string{"debug", "info", "warn", "warning", "error"}, strings.ToLower(c.LogLevel)):
		return invalid("log_level %q", c.LogLevel)
	case strings.TrimSpace(c.Addr) == "":
		return invalid("addr must not be empty")
	case c.Rounds < 1:
		return invalid("rounds must be >= 1, got %d", c.Rounds)
	case c.MinAvailableClients < 1 || c.MinFitClients < 1 || c.MinEvaluateClients < 1:
		return invalid("client minimums must be >= 1")
	case c.RoundTimeoutS < 0 || c.WaitTimeoutS < 0:
		return invalid("timeouts must not be negative")
	case c.LocalEpochs < 1:
		return invalid("local_epochs must be >= 1, got %d", c.LocalEpochs)
	case !(c.LearningRate > 0):
		return invalid("learning_rate must be > 0, got %v", c.LearningRate)
	case !slices.Contains(strategy.Names(), strings.ToLower(c.Strategy)):
		return invalid("strategy %q, want one of %v", c.Strategy, strategy.Names())
	case c.ServerLearningRate < 0 || c.ServerTau < 0:
		return invalid("server_learning_rate and server_tau must not be negative")
	case !unitInterval(c.ServerMomentum) || !unitInterval(c.ServerBeta1) || !unitInterval(c.ServerBeta2):
		return invalid("server_momentum and server betas must be in [0, 1)")
	case c.BestModelBackend != BackendFile && c.BestModelBackend != BackendRedis:
		return invalid("best_model_backend %q", c.BestModelBackend)
	case c.BestModelBackend == BackendFile && strings.TrimSpace(c.BestModelPath) == "":
		return invalid("best_model_path must not be empty")
	case c.BestModelBackend == BackendRedis && strings.TrimSpace(c.RedisAddr) == "":
		return invalid("redis_addr is required for the redis backend")
	case c.NumClasses < 1:
		return invalid("num_classes must be >= 1, got %d", c.NumClasses)
	case c.BatchSize < 1:
		return invalid("batch_size must be >= 1, got %d", c.BatchSize)
	case c.ImageSize < 4 || c.ImageSize%4 != 0:
		return invalid("image_size must be a positive multiple of 4, got %d", c.ImageSize)
	case c.Learner != LearnerCNN && c.Learner != LearnerSim:
		return invalid("learner %q", c.Learner)
	case c.ConnectRetries < 0 || c.ConnectBackoffMS < 0:
		return invalid("connect retries and backoff must not be negative")
	}
	return nil
}

// ValidateClient checks the fields only the client binary needs.
func (c *Config) ValidateClient() error {
	if c.Learner == LearnerCNN && strings.TrimSpace(c.ClientID) == "" {
		return fmt.Errorf("%w: client_id is required for the %s learner", ErrInvalidConfig, LearnerCNN)
	}
	return nil
}

func unitInterval(v float64) bool { return v >= 0 && v < 1 }

// StrategyOptions turns the server optimiser keys into rule options. Unset
// keys add nothing, leaving the per-rule defaults in place.
func (c *Config) StrategyOptions() []strategy.Option {
	var opts []strategy.Option
	if c.ServerLearningRate > 0 {
		opts = append(opts, strategy.WithServerLearningRate(c.ServerLearningRate))
	}
	if c.ServerMomentum > 0 {
		opts = append(opts, strategy.WithMomentum(c.ServerMomentum))
	}
	if c.ServerBeta1 > 0 || c.ServerBeta2 > 0 {
		opts = append(opts, strategy.WithBetas(c.ServerBeta1, c.ServerBeta2))
	}
	if c.ServerTau > 0 {
		opts = append(opts, strategy.WithTau(c.ServerTau))
	}
	return opts
}

// RoundTimeout is the per-phase client call deadline.
func (c *Config) RoundTimeout() time.Duration { return time.Duration(c.RoundTimeoutS) * time.Second }

// WaitTimeout bounds the wait for the first clients.
func (c *Config) WaitTimeout() time.Duration { return time.Duration(c.WaitTimeoutS) * time.Second }

// ConnectBackoff is the pause between client dial attempts.
func (c *Config) ConnectBackoff() time.Duration {
	return time.Duration(c.ConnectBackoffMS) * time.Millisecond
}

// RoundConfig is the instruction config sent with every round.
func (c *Config) RoundConfig() model.RoundConfig {
	return model.RoundConfig{LocalEpochs: c.LocalEpochs, LearningRate: c.LearningRate, NumClasses: c.NumClasses}
}
