package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/okian/fedlab/internal/scaffold"
	"github.com/okian/fedlab/pkg/logger"
	"github.com/smartystreets/goconvey/convey"
)

func init() {
	if err := logger.Init(); err != nil {
		panic(err)
	}
}

func TestParseFlags(t *testing.T) {
	convey.Convey("Given no flags", t, func() {
		opts, err := parseFlags(nil)
		convey.So(err, convey.ShouldBeNil)
		convey.So(opts.Mode, convey.ShouldEqual, scaffold.ModeClientOnly)
		convey.So(opts.ClientID, convey.ShouldEqual, "1")
		convey.So(opts.BaseDir, convey.ShouldEqual, "flower-fl")
		convey.So(opts.Classes, convey.ShouldResemble, scaffold.DefaultClasses)
	})

	convey.Convey("Given both mode flags", t, func() {
		_, err := parseFlags([]string{"-server", "-full"})
		convey.So(errors.Is(err, scaffold.ErrConflictingMode), convey.ShouldBeTrue)
	})
}

func TestRun(t *testing.T) {
	convey.Convey("Given the full mode", t, func() {
		base := filepath.Join(t.TempDir(), "proj")
		var out bytes.Buffer
		err := run(context.Background(), []string{"-full", "-c", "7", "-b", base, "-classes", "x,y"}, &out)

		convey.So(err, convey.ShouldBeNil)
		convey.So(out.String(), convey.ShouldContainSubstring, "client_7 included")
		_, err = os.Stat(filepath.Join(base, "client", "data", "client_7", "test", "y"))
		convey.So(err, convey.ShouldBeNil)
	})
}
