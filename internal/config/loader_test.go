package config_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/okian/fedlab/internal/config"
	"github.com/smartystreets/goconvey/convey"
)

func TestConfigLoader(t *testing.T) {
	convey.Convey("Given a config loader", t, func() {
		ctx := context.Background()
		clearConfigEnvVars()

		convey.Convey("When loading config with defaults only", func() {
			cfg, err := config.Load(ctx)

			convey.Convey("Then it should load successfully with defaults", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg, convey.ShouldResemble, config.New(ctx))
			})
		})

		convey.Convey("When loading config with environment variables", func() {
			_ = os.Setenv("FEDLAB_ADDR", ":9090")
			_ = os.Setenv("FEDLAB_ROUNDS", "3")
			_ = os.Setenv("FEDLAB_MIN_FIT_CLIENTS", "2")
			_ = os.Setenv("FEDLAB_LEARNING_RATE", "0.05")
			_ = os.Setenv("FEDLAB_STRATEGY", "fedyogi")
			defer clearConfigEnvVars()

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should override defaults with env vars", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":9090")
				convey.So(cfg.Rounds, convey.ShouldEqual, 3)
				convey.So(cfg.MinFitClients, convey.ShouldEqual, 2)
				convey.So(cfg.LearningRate, convey.ShouldEqual, 0.05)
				convey.So(cfg.Strategy, convey.ShouldEqual, "fedyogi")
				convey.So(cfg.LocalEpochs, convey.ShouldEqual, 1)
			})
		})

		convey.Convey("When loading config with both file and environment variables", func() {
			tmpFile := createTempConfigFile(t, `
addr: ":7070"
rounds: 4
learner: sim
best_model_path: /tmp/fedlab/best.zip
`)
			_ = os.Setenv("FEDLAB_CONFIG", tmpFile)
			_ = os.Setenv("FEDLAB_ROUNDS", "6") // wins over the file
			defer clearConfigEnvVars()

			cfg, err := config.Load(ctx)

			convey.Convey("Then environment variables should override file values", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":7070")
				convey.So(cfg.Rounds, convey.ShouldEqual, 6)
				convey.So(cfg.Learner, convey.ShouldEqual, config.LearnerSim)
				convey.So(cfg.BestModelPath, convey.ShouldEqual, "/tmp/fedlab/best.zip")
				convey.So(cfg.NumClasses, convey.ShouldEqual, 5)
			})
		})

		convey.Convey("When a .env file is present", func() {
			dotenv := filepath.Join(t.TempDir(), "fedlab.env")
			convey.So(os.WriteFile(dotenv, []byte("FEDLAB_CLIENT_ID=9\nFEDLAB_ROUNDS=2\n"), 0o600), convey.ShouldBeNil)
			_ = os.Setenv("FEDLAB_DOTENV", dotenv)
			_ = os.Setenv("FEDLAB_ROUNDS", "8")
			defer clearConfigEnvVars()

			cfg, err := config.Load(ctx)

			convey.Convey("Then it fills gaps without overriding the real environment", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.ClientID, convey.ShouldEqual, "9")
				convey.So(cfg.Rounds, convey.ShouldEqual, 8)
			})
		})

		convey.Convey("When loading config with invalid YAML file", func() {
			tmpFile := createTempConfigFile(t, `invalid: yaml: content: [`)
			_ = os.Setenv("FEDLAB_CONFIG", tmpFile)
			defer clearConfigEnvVars()

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should return a load error", func() {
				convey.So(errors.Is(err, config.ErrLoadConfig), convey.ShouldBeTrue)
				convey.So(cfg, convey.ShouldBeNil)
			})
		})

		convey.Convey("When loading config with non-existent file", func() {
			_ = os.Setenv("FEDLAB_CONFIG", "/non/existent/file.yaml")
			defer clearConfigEnvVars()

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should return an error", func() {
				convey.So(err, convey.ShouldNotBeNil)
				convey.So(cfg, convey.ShouldBeNil)
			})
		})

		convey.Convey("When loading config with empty addr", func() {
			_ = os.Setenv("FEDLAB_ADDR", "")
			defer clearConfigEnvVars()

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should return a validation error", func() {
				convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
				convey.So(err.Error(), convey.ShouldContainSubstring, "addr must not be empty")
				convey.So(cfg, convey.ShouldBeNil)
			})
		})
	})
}

func createTempConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fedlab.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func clearConfigEnvVars() {
	for _, key := range []string{
		"FEDLAB_CONFIG", "FEDLAB_DOTENV", "FEDLAB_ADDR", "FEDLAB_ROUNDS",
		"FEDLAB_MIN_FIT_CLIENTS", "FEDLAB_LEARNING_RATE", "FEDLAB_STRATEGY", "FEDLAB_CLIENT_ID",
	} {
		_ = os.Unsetenv(key)
	}
}
