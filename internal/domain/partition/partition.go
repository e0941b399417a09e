// Package partition carves a per-client train/test subset out of a zipped
// ImageFolder dataset.
package partition

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math/rand"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/okian/fedlab/internal/domain/dataset"
	"github.com/okian/fedlab/pkg/logger"
	"github.com/okian/fedlab/pkg/metrics"
)

// DefaultBaseDir is where client partitions are written by default.
var DefaultBaseDir = filepath.Join("flower-fl", "client", "data") //nolint:gochecknoglobals // default path

// Layouts recognised in an archive.
const (
	// LayoutDirect has class folders at the archive root.
	LayoutDirect = "direct"
	// LayoutNested has a single root folder whose subfolders are classes.
	LayoutNested = "nested"
)

// Request describes one partitioning run.
type Request struct {
	Archive    string
	ClientID   string
	BaseDir    string
	Fraction   float64
	TrainRatio float64
}

// Validate checks the numeric inputs and the client id.
func (r Request) Validate() error {
	if !(r.Fraction > 0 && r.Fraction <= 1) {
		return fmt.Errorf("%w: fraction=%v", ErrInvalidFraction, r.Fraction)
	}
	if !(r.TrainRatio > 0 && r.TrainRatio <= 1) {
		return fmt.Errorf("%w: train_ratio=%v", ErrInvalidFraction, r.TrainRatio)
	}
	id := strings.TrimSpace(r.ClientID)
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidClientID, r.ClientID)
	}
	return nil
}

// ClassReport summarises one class.
type ClassReport struct {
	Name      string `json:"name"`
	Available int    `json:"available"`
	Train     int    `json:"train"`
	Test      int    `json:"test"`
}

// Report is the outcome of a run.
type Report struct {
	ClientDir    string        `json:"client_dir"`
	Layout       string        `json:"layout"`
	Classes      []ClassReport `json:"classes"`
	EmptyClasses []string      `json:"empty_classes,omitempty"`
	Copied       int           `json:"copied"`
	Skipped      int           `json:"skipped"`
	Existed      bool          `json:"existed"`
}

// Partitioner copies sampled files out of an archive.
type Partitioner struct {
	log logger.Logger
}

// Option configures a Partitioner.
type Option func(*Partitioner)

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(p *Partitioner) {
		if l != nil {
			p.log = l
		}
	}
}

// New creates a Partitioner.
func New(opts ...Option) *Partitioner {
	p := &Partitioner{}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = logger.Get().Named("partition")
	}
	return p
}

// Run samples Fraction of every class, splits the sample TrainRatio/rest into
// <BaseDir>/client_<id>/{train,test}/<class>/ and copies the files there.
// Existing files are never overwritten.
func (p *Partitioner) Run(ctx context.Context, req Request) (Report, error) {
	if err := req.Validate(); err != nil {
		return Report{}, err
	}
	if req.BaseDir == "" {
		req.BaseDir = DefaultBaseDir
	}
	st, err := os.Stat(req.Archive)
	if err != nil || st.IsDir() {
		return Report{}, fmt.Errorf("%w: %s", ErrArchiveNotFound, req.Archive)
	}

	zr, err := zip.OpenReader(req.Archive)
	if err != nil {
		return Report{}, fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()

	layout, classes, err := detect(zr.File)
	if err != nil {
		return Report{}, err
	}

	clientDir := filepath.Join(req.BaseDir, "client_"+strings.TrimSpace(req.ClientID))
	rep := Report{ClientDir: clientDir, Layout: layout}
	if _, err := os.Stat(clientDir); err == nil {
		rep.Existed = true
		p.log.Info(ctx, "client directory exists, adding files without overwriting", logger.String("dir", clientDir))
	} else {
		p.log.Info(ctx, "creating client directory", logger.String("dir", clientDir))
	}
	for _, split := range []string{"train", "test"} {
		if err := os.MkdirAll(filepath.Join(clientDir, split), 0o755); err != nil {
			return rep, err
		}
	}

	names := make([]string, len(classes))
	for i, c := range classes {
		names[i] = c.name
	}
	seed := Seed(req.ClientID)
	p.log.Info(ctx, "detected classes",
		logger.String("layout", layout),
		logger.Any("classes", names),
		logger.Int64("seed", seed),
	)

	rng := rand.New(rand.NewSource(seed)) //nolint:gosec // reproducible sampling, not security
	for _, c := range classes {
		if len(c.files) == 0 {
			p.log.Warn(ctx, "no images in class", logger.String("class", c.name))
			rep.EmptyClasses = append(rep.EmptyClasses, c.name)
			continue
		}
		k, nTrain := Plan(len(c.files), req.Fraction, req.TrainRatio)
		perm := rng.Perm(len(c.files))[:k]
		sampled := make([]*zip.File, k)
		for i, idx := range perm {
			sampled[i] = c.files[idx]
		}

		cr := ClassReport{Name: c.name, Available: len(c.files), Train: nTrain, Test: k - nTrain}
		splits := []struct {
			name  string
			files []*zip.File
		}{{"train", sampled[:nTrain]}, {"test", sampled[nTrain:]}}
		for _, sp := range splits {
			split, files := sp.name, sp.files
			outDir := filepath.Join(clientDir, split, c.name)
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return rep, err
			}
			copied, skipped := 0, 0
			for _, f := range files {
				if err := ctx.Err(); err != nil {
					return rep, err
				}
				dest := filepath.Join(outDir, baseName(f))
				ok, err := copyEntry(f, dest)
				if err != nil {
					return rep, fmt.Errorf("copy %s: %w", f.Name, err)
				}
				if ok {
					copied++
				} else {
					skipped++
					p.log.Debug(ctx, "skipping existing file", logger.String("path", dest))
				}
			}
			rep.Copied += copied
			rep.Skipped += skipped
			metrics.RecordPartitionFiles(split, "copied", copied)
			metrics.RecordPartitionFiles(split, "skipped", skipped)
		}
		rep.Classes = append(rep.Classes, cr)
	}

	p.log.Info(ctx, "client data prepared",
		logger.String("dir", clientDir),
		logger.Int("copied", rep.Copied),
		logger.Int("skipped", rep.Skipped),
	)
	return rep, nil
}

type class struct {
	name  string
	files []*zip.File // sorted by name
}

// detect finds the class folders of the archive. Layout direct applies when
// any root folder holds files itself; those folders are the classes.
// Otherwise the first root folder's subfolders are the classes.
func detect(files []*zip.File) (string, []class, error) {
	roots := map[string]bool{}
	direct := map[string][]*zip.File{}
	hasFiles := map[string]bool{}
	nested := map[string]map[string][]*zip.File{}

	for _, f := range files {
		name := strings.TrimPrefix(strings.ReplaceAll(f.Name, "\\", "/"), "/")
		isDir := strings.HasSuffix(name, "/") || f.FileInfo().IsDir()
		parts := strings.Split(strings.TrimSuffix(name, "/"), "/")
		if len(parts) < 1 || !usable(parts[0]) {
			continue
		}
		if len(parts) == 1 {
			if isDir {
				roots[parts[0]] = true
			}
			continue
		}
		root := parts[0]
		roots[root] = true

		if len(parts) == 2 && !isDir {
			if !strings.HasPrefix(parts[1], ".") {
				hasFiles[root] = true
			}
			if dataset.IsImageFile(parts[1]) {
				direct[root] = append(direct[root], f)
			}
			continue
		}
		if !usable(parts[1]) {
			continue
		}
		if nested[root] == nil {
			nested[root] = map[string][]*zip.File{}
		}
		if _, ok := nested[root][parts[1]]; !ok {
			nested[root][parts[1]] = nil
		}
		if len(parts) == 3 && !isDir && dataset.IsImageFile(parts[2]) {
			nested[root][parts[1]] = append(nested[root][parts[1]], f)
		}
	}

	if len(roots) == 0 {
		return "", nil, fmt.Errorf("%w: archive has no directories", ErrNoClassFolders)
	}

	var out []class
	for _, root := range sortedKeys(roots) {
		if hasFiles[root] {
			out = append(out, class{name: root, files: sortByName(direct[root])})
		}
	}
	if len(out) > 0 {
		return LayoutDirect, out, nil
	}

	first := sortedKeys(roots)[0]
	sub := nested[first]
	for _, name := range sortedKeys(sub) {
		out = append(out, class{name: name, files: sortByName(sub[name])})
	}
	if len(out) == 0 {
		return "", nil, fmt.Errorf("%w under %s", ErrNoClassFolders, first)
	}
	return LayoutNested, out, nil
}

func usable(component string) bool {
	return component != "" && component != "." && component != ".." && !strings.HasPrefix(component, "__")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func baseName(f *zip.File) string {
	return path.Base(strings.ReplaceAll(f.Name, "\\", "/"))
}

func sortByName(files []*zip.File) []*zip.File {
	slices.SortFunc(files, func(a, b *zip.File) int { return strings.Compare(baseName(a), baseName(b)) })
	return files
}

// copyEntry extracts f to dest, keeping its modification time. It reports
// false without touching dest when dest already exists.
func copyEntry(f *zip.File, dest string) (bool, error) {
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644) //nolint:gosec // dest is built from sanitized archive names
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, err
	}
	in, err := f.Open()
	if err != nil {
		out.Close()
		os.Remove(dest)
		return false, err
	}
	_, err = io.Copy(out, in) //nolint:gosec // archive sizes are bounded by the caller's dataset
	in.Close()
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dest)
		return false, err
	}
	mod := f.Modified
	if mod.IsZero() {
		mod = f.FileInfo().ModTime()
	}
	return true, os.Chtimes(dest, mod, mod)
}
