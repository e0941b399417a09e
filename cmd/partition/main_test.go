package main

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/okian/fedlab/internal/domain/partition"
	"github.com/okian/fedlab/pkg/logger"
	"github.com/smartystreets/goconvey/convey"
)

func init() {
	if err := logger.Init(); err != nil {
		panic(err)
	}
}

func writeZip(t *testing.T, names ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.zip")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	for _, n := range names {
		w, err := zw.Create(n)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = w.Write([]byte(n))
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()
	return path
}

func TestParseFlags(t *testing.T) {
	convey.Convey("Given partition flags", t, func() {
		req, err := parseFlags([]string{"-zip", "d.zip", "-client-id", "4", "-fraction", "0.5"})
		convey.So(err, convey.ShouldBeNil)
		convey.So(req.ClientID, convey.ShouldEqual, "4")
		convey.So(req.Fraction, convey.ShouldEqual, 0.5)
		convey.So(req.TrainRatio, convey.ShouldEqual, defaultTrainRatio)
		convey.So(req.BaseDir, convey.ShouldEqual, partition.DefaultBaseDir)

		_, err = parseFlags(nil)
		convey.So(errors.Is(err, partition.ErrArchiveNotFound), convey.ShouldBeTrue)

		_, err = parseFlags([]string{"-zip", "d.zip", "-fraction", "2"})
		convey.So(errors.Is(err, partition.ErrInvalidFraction), convey.ShouldBeTrue)
	})
}

func TestRun(t *testing.T) {
	convey.Convey("Given a small archive", t, func() {
		archive := writeZip(t, "cats/a.jpg", "cats/b.jpg", "dogs/c.png", "dogs/d.png")
		base := t.TempDir()
		var out bytes.Buffer

		err := run(context.Background(), []string{"-zip", archive, "-client-id", "1", "-base-dir", base, "-fraction", "1", "-train-ratio", "0.5"}, &out)

		convey.So(err, convey.ShouldBeNil)
		convey.So(out.String(), convey.ShouldContainSubstring, "Copied 4 files")
		convey.So(out.String(), convey.ShouldContainSubstring, "Dataset split complete.")
	})
}
