package partition_test

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/okian/fedlab/internal/domain/partition"
	"github.com/okian/fedlab/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

var stamp = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// makeZip writes an archive containing the given names. Names ending in "/"
// become directory entries.
func makeZip(t *testing.T, names ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dataset.zip")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	for _, name := range names {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store, Modified: stamp})
		if err != nil {
			t.Fatal(err)
		}
		if name[len(name)-1] != '/' {
			if _, err := w.Write([]byte("img:" + name)); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func classFiles(root, class string, n int, ext string) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%s/img_%02d%s", root, class, i, ext)
	}
	return out
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func TestPlan(t *testing.T) {
	Convey("Given sampling parameters", t, func() {
		Convey("10 images at f=0.2, t=0.8 give 2 sampled, 1 train", func() {
			k, n := partition.Plan(10, 0.2, 0.8)
			So(k, ShouldEqual, 2)
			So(n, ShouldEqual, 1)
		})
		Convey("Tiny classes floor at one file", func() {
			k, n := partition.Plan(3, 0.1, 0.1)
			So(k, ShouldEqual, 1)
			So(n, ShouldEqual, 1)
		})
		Convey("Full fractions take everything", func() {
			k, n := partition.Plan(7, 1, 1)
			So(k, ShouldEqual, 7)
			So(n, ShouldEqual, 7)
		})
		Convey("Empty classes sample nothing", func() {
			k, n := partition.Plan(0, 0.5, 0.5)
			So(k, ShouldEqual, 0)
			So(n, ShouldEqual, 0)
		})
	})
}

func TestSeed(t *testing.T) {
	Convey("Given client ids", t, func() {
		So(partition.Seed("2"), ShouldEqual, 2)
		So(partition.Seed(" 42 "), ShouldEqual, 42)
		So(partition.Seed("jetson-a"), ShouldEqual, partition.Seed("jetson-a"))
		So(partition.Seed("jetson-a"), ShouldNotEqual, partition.Seed("jetson-b"))
	})
}

func TestRun(t *testing.T) {
	_ = logger.Init()
	ctx := context.Background()

	Convey("Given a nested archive with two classes of 10 images", t, func() {
		names := append(classFiles("Dataset/", "notes", 10, ".jpg"), classFiles("Dataset/", "Food", 10, ".png")...)
		names = append(names, "Dataset/Food/.DS_Store", "Dataset/Food/readme.txt", "__MACOSX/Dataset/._img.jpg", "Dataset/empty/")
		archive := makeZip(t, names...)
		base := filepath.Join(t.TempDir(), "data")
		p := partition.New()
		req := partition.Request{Archive: archive, ClientID: "2", BaseDir: base, Fraction: 0.2, TrainRatio: 0.8}

		Convey("When partitioned", func() {
			rep, err := p.Run(ctx, req)

			Convey("Then each class yields one train and one test image", func() {
				So(err, ShouldBeNil)
				So(rep.Layout, ShouldEqual, partition.LayoutNested)
				So(rep.Copied, ShouldEqual, 4)
				So(rep.Skipped, ShouldEqual, 0)
				So(rep.EmptyClasses, ShouldResemble, []string{"empty"})
				So(len(rep.Classes), ShouldEqual, 2)
				So(rep.Classes[0].Name, ShouldEqual, "Food")
				So(rep.Classes[0].Available, ShouldEqual, 10)
				So(listDir(t, filepath.Join(base, "client_2", "train", "Food")), ShouldHaveLength, 1)
				So(listDir(t, filepath.Join(base, "client_2", "test", "notes")), ShouldHaveLength, 1)
			})

			Convey("Then modification times are preserved", func() {
				So(err, ShouldBeNil)
				dir := filepath.Join(base, "client_2", "train", "notes")
				info, err := os.Stat(filepath.Join(dir, listDir(t, dir)[0]))
				So(err, ShouldBeNil)
				So(info.ModTime().Equal(stamp), ShouldBeTrue)
			})

			Convey("And when run again with the same id", func() {
				first := listDir(t, filepath.Join(base, "client_2", "train", "Food"))
				again, err := p.Run(ctx, req)

				Convey("Then the same files are chosen and none are overwritten", func() {
					So(err, ShouldBeNil)
					So(again.Existed, ShouldBeTrue)
					So(again.Copied, ShouldEqual, 0)
					So(again.Skipped, ShouldEqual, 4)
					So(listDir(t, filepath.Join(base, "client_2", "train", "Food")), ShouldResemble, first)
				})
			})
		})

		Convey("When an existing file has local edits", func() {
			_, err := p.Run(ctx, req)
			So(err, ShouldBeNil)
			dir := filepath.Join(base, "client_2", "train", "Food")
			target := filepath.Join(dir, listDir(t, dir)[0])
			So(os.WriteFile(target, []byte("edited"), 0o600), ShouldBeNil)
			_, err = p.Run(ctx, req)
			So(err, ShouldBeNil)

			Convey("Then the edit survives", func() {
				data, err := os.ReadFile(target)
				So(err, ShouldBeNil)
				So(string(data), ShouldEqual, "edited")
			})
		})
	})

	Convey("Given an archive with class folders at the root", t, func() {
		names := append(classFiles("", "movie", 5, ".jpg"), classFiles("", "shopping", 4, ".jpeg")...)
		archive := makeZip(t, names...)
		base := t.TempDir()

		rep, err := partition.New().Run(ctx, partition.Request{Archive: archive, ClientID: "node-a", BaseDir: base, Fraction: 1, TrainRatio: 0.5})

		Convey("Then the direct layout is used", func() {
			So(err, ShouldBeNil)
			So(rep.Layout, ShouldEqual, partition.LayoutDirect)
			So(rep.Copied, ShouldEqual, 9)
			So(listDir(t, filepath.Join(base, "client_node-a", "train", "movie")), ShouldHaveLength, 2)
			So(listDir(t, filepath.Join(base, "client_node-a", "test", "movie")), ShouldHaveLength, 3)
		})
	})

	Convey("Given a missing archive", t, func() {
		base := filepath.Join(t.TempDir(), "never")
		_, err := partition.New().Run(ctx, partition.Request{Archive: "/does/not/exist.zip", ClientID: "1", BaseDir: base, Fraction: 0.5, TrainRatio: 0.5})

		Convey("Then it fails before creating any directory", func() {
			So(errors.Is(err, partition.ErrArchiveNotFound), ShouldBeTrue)
			_, statErr := os.Stat(base)
			So(os.IsNotExist(statErr), ShouldBeTrue)
		})
	})

	Convey("Given an archive without folders", t, func() {
		archive := makeZip(t, "loose.jpg")
		_, err := partition.New().Run(ctx, partition.Request{Archive: archive, ClientID: "1", BaseDir: t.TempDir(), Fraction: 0.5, TrainRatio: 0.5})
		So(errors.Is(err, partition.ErrNoClassFolders), ShouldBeTrue)
	})

	Convey("Given out-of-range fractions", t, func() {
		for _, req := range []partition.Request{
			{ClientID: "1", Fraction: 0, TrainRatio: 0.5},
			{ClientID: "1", Fraction: 1.5, TrainRatio: 0.5},
			{ClientID: "1", Fraction: 0.5, TrainRatio: 0},
		} {
			_, err := partition.New().Run(ctx, req)
			So(errors.Is(err, partition.ErrInvalidFraction), ShouldBeTrue)
		}
	})

	Convey("Given an unsafe client id", t, func() {
		err := partition.Request{ClientID: "../x", Fraction: 1, TrainRatio: 1}.Validate()
		So(errors.Is(err, partition.ErrInvalidClientID), ShouldBeTrue)
	})
}
