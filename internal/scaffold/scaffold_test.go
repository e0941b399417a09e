package scaffold_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/knadh/koanf/parsers/yaml"

	"github.com/okian/fedlab/internal/scaffold"
	"github.com/okian/fedlab/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	if err := logger.Init(); err != nil {
		panic(err)
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestModeFromFlags(t *testing.T) {
	Convey("Given the mode flags", t, func() {
		m, err := scaffold.ModeFromFlags(false, false)
		So(err, ShouldBeNil)
		So(m, ShouldEqual, scaffold.ModeClientOnly)

		m, _ = scaffold.ModeFromFlags(true, false)
		So(m, ShouldEqual, scaffold.ModeServerOnly)

		m, _ = scaffold.ModeFromFlags(false, true)
		So(m, ShouldEqual, scaffold.ModeFull)

		_, err = scaffold.ModeFromFlags(true, true)
		So(errors.Is(err, scaffold.ErrConflictingMode), ShouldBeTrue)
	})

	Convey("Given a class list with blanks", t, func() {
		So(scaffold.ParseClasses(" Food, ,movie,"), ShouldResemble, []string{"Food", "movie"})
	})
}

func TestGenerate(t *testing.T) {
	ctx := context.Background()

	Convey("Given a temp base dir", t, func() {
		base := filepath.Join(t.TempDir(), "flower-fl")

		Convey("When generating the client-only layout", func() {
			opts := scaffold.Options{BaseDir: base, ClientID: "3", Classes: scaffold.DefaultClasses, Mode: scaffold.ModeClientOnly}
			res, err := scaffold.Generate(ctx, opts)

			Convey("Then every class folder exists under train and test", func() {
				So(err, ShouldBeNil)
				for _, split := range []string{"train", "test"} {
					for _, c := range scaffold.DefaultClasses {
						So(exists(filepath.Join(opts.ClientDataDir(), split, c)), ShouldBeTrue)
					}
				}
				So(exists(filepath.Join(base, "README.md")), ShouldBeTrue)
				So(exists(filepath.Join(base, "common", "utils", "README.md")), ShouldBeTrue)
				So(exists(filepath.Join(base, "server")), ShouldBeFalse)
				So(res.Files, ShouldContain, filepath.Join("client", "config.yaml"))
			})

			Convey("Then the client config parses and names the client", func() {
				data, err := os.ReadFile(filepath.Join(base, "client", "config.yaml"))
				So(err, ShouldBeNil)
				cfg, err := yaml.Parser().Unmarshal(data)
				So(err, ShouldBeNil)
				So(cfg["client_id"], ShouldEqual, "3")
				So(cfg["num_classes"], ShouldEqual, 5)
			})
		})

		Convey("When generating the server-only layout", func() {
			_, err := scaffold.Generate(ctx, scaffold.Options{BaseDir: base, Mode: scaffold.ModeServerOnly})

			Convey("Then no client folders are created", func() {
				So(err, ShouldBeNil)
				So(exists(filepath.Join(base, "server", "config.yaml")), ShouldBeTrue)
				So(exists(filepath.Join(base, "server", "Dockerfile")), ShouldBeTrue)
				So(exists(filepath.Join(base, "client")), ShouldBeFalse)
			})

			Convey("Then the server config parses", func() {
				data, err := os.ReadFile(filepath.Join(base, "server", "config.yaml"))
				So(err, ShouldBeNil)
				cfg, err := yaml.Parser().Unmarshal(data)
				So(err, ShouldBeNil)
				So(cfg["strategy"], ShouldEqual, "fedavg")
			})
		})

		Convey("When generating the full layout twice", func() {
			opts := scaffold.Options{BaseDir: base, ClientID: "1", Classes: []string{"a", "b"}, Mode: scaffold.ModeFull}
			_, err := scaffold.Generate(ctx, opts)
			So(err, ShouldBeNil)
			So(os.WriteFile(filepath.Join(base, "README.md"), []byte("edited"), 0o600), ShouldBeNil)
			keep := filepath.Join(opts.ClientDataDir(), "train", "a", "img.jpg")
			So(os.WriteFile(keep, []byte("x"), 0o600), ShouldBeNil)
			_, err = scaffold.Generate(ctx, opts)

			Convey("Then files are rewritten and data is kept", func() {
				So(err, ShouldBeNil)
				readme, err := os.ReadFile(filepath.Join(base, "README.md"))
				So(err, ShouldBeNil)
				So(string(readme), ShouldContainSubstring, "Federated Learning Project")
				So(exists(keep), ShouldBeTrue)
				So(exists(filepath.Join(base, "server", "config.yaml")), ShouldBeTrue)
			})
		})

		Convey("When the options are invalid", func() {
			_, err := scaffold.Generate(ctx, scaffold.Options{BaseDir: base, Mode: "both"})
			So(errors.Is(err, scaffold.ErrInvalidMode), ShouldBeTrue)

			_, err = scaffold.Generate(ctx, scaffold.Options{BaseDir: base, ClientID: "../x", Classes: []string{"a"}, Mode: scaffold.ModeClientOnly})
			So(errors.Is(err, scaffold.ErrInvalidClientID), ShouldBeTrue)

			_, err = scaffold.Generate(ctx, scaffold.Options{BaseDir: base, ClientID: "1", Mode: scaffold.ModeFull})
			So(errors.Is(err, scaffold.ErrNoClasses), ShouldBeTrue)
			So(exists(base), ShouldBeFalse)
		})
	})
}
