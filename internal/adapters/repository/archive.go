package repository

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/okian/fedlab/internal/domain/model"
	"github.com/okian/fedlab/internal/domain/params"
	"github.com/okian/fedlab/pkg/logger"
)

const (
	metadataEntry = "metadata.json"
	tensorPrefix  = "tensors/"
	// maxEntrySize bounds a single decompressed archive entry.
	maxEntrySize = 1 << 30
)

// archiveMetadata is the JSON document stored next to the tensors.
type archiveMetadata struct {
	Round         int       `json:"round"`
	Loss          float64   `json:"loss"`
	Accuracy      float64   `json:"accuracy"`
	Misclassified int       `json:"misclassified"`
	Shapes        [][]int   `json:"shapes"`
	SavedAt       time.Time `json:"saved_at"`
}

func metadataOf(rec model.BestModelRecord) archiveMetadata {
	return archiveMetadata{
		Round:         rec.Round,
		Loss:          rec.Loss,
		Accuracy:      rec.Metrics.Accuracy,
		Misclassified: rec.Metrics.Misclassified,
		Shapes:        rec.Parameters.Shapes(),
		SavedAt:       rec.SavedAt,
	}
}

// EncodeArchive writes rec as a zip: metadata.json plus tensors/0000.bin,
// tensors/0001.bin, ... in layer order.
func EncodeArchive(rec model.BestModelRecord) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	meta, err := json.MarshalIndent(metadataOf(rec), "", "  ")
	if err != nil {
		return nil, err
	}
	w, err := zw.Create(metadataEntry)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(meta); err != nil {
		return nil, err
	}
	for i, t := range rec.Parameters {
		w, err := zw.Create(fmt.Sprintf("%s%04d.bin", tensorPrefix, i))
		if err != nil {
			return nil, err
		}
		if err := params.WriteTensor(w, t); err != nil {
			return nil, fmt.Errorf("tensor %d: %w", i, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeArchive reads an archive produced by EncodeArchive.
func DecodeArchive(data []byte) (model.BestModelRecord, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return model.BestModelRecord{}, fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	}
	entries := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		entries[f.Name] = f
	}

	mf, ok := entries[metadataEntry]
	if !ok {
		return model.BestModelRecord{}, fmt.Errorf("%w: missing %s", ErrCorruptArchive, metadataEntry)
	}
	raw, err := readEntry(mf)
	if err != nil {
		return model.BestModelRecord{}, err
	}
	var meta archiveMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return model.BestModelRecord{}, fmt.Errorf("%w: metadata: %v", ErrCorruptArchive, err)
	}

	p := make(params.Parameters, len(meta.Shapes))
	for i := range meta.Shapes {
		name := fmt.Sprintf("%s%04d.bin", tensorPrefix, i)
		f, ok := entries[name]
		if !ok {
			return model.BestModelRecord{}, fmt.Errorf("%w: missing %s", ErrCorruptArchive, name)
		}
		raw, err := readEntry(f)
		if err != nil {
			return model.BestModelRecord{}, err
		}
		t, err := params.ReadTensor(bytes.NewReader(raw))
		if err != nil {
			return model.BestModelRecord{}, fmt.Errorf("%w: %s: %v", ErrCorruptArchive, name, err)
		}
		p[i] = t
	}
	if err := params.CheckCompatible(shapesOnly(meta.Shapes), p); err != nil {
		return model.BestModelRecord{}, fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	}

	return model.BestModelRecord{
		Round:      meta.Round,
		Loss:       meta.Loss,
		Metrics:    model.EvalMetrics{Accuracy: meta.Accuracy, Misclassified: meta.Misclassified},
		Parameters: p,
		SavedAt:    meta.SavedAt,
	}, nil
}

func shapesOnly(shapes [][]int) params.Parameters {
	out := make(params.Parameters, len(shapes))
	for i, s := range shapes {
		out[i] = params.Tensor{Shape: s}
	}
	return out
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptArchive, f.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, maxEntrySize))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptArchive, f.Name, err)
	}
	return data, nil
}

// ArchiveStore keeps the best model in a single zip file on disk.
type ArchiveStore struct {
	path string
	log  logger.Logger
}

// NewArchiveStore returns a store writing to path.
func NewArchiveStore(path string, opts ...Option) *ArchiveStore {
	o := applyOptions("archive-store", opts)
	return &ArchiveStore{path: path, log: o.log}
}

// Path returns the archive location.
func (s *ArchiveStore) Path() string { return s.path }

// Save writes rec to a temporary file next to the target and renames it
// over the target.
func (s *ArchiveStore) Save(ctx context.Context, rec model.BestModelRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := EncodeArchive(rec)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".best-*.zip")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	s.log.Debug(ctx, "best model archive written",
		logger.String("path", s.path),
		logger.Int("round", rec.Round),
		logger.Int("bytes", len(data)),
	)
	return nil
}

// Load reads the archive back. ErrNotFound is returned when it does not exist.
func (s *ArchiveStore) Load(_ context.Context) (model.BestModelRecord, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return model.BestModelRecord{}, ErrNotFound
		}
		return model.BestModelRecord{}, err
	}
	return DecodeArchive(data)
}

// Metadata returns the archive's metadata.json without decoding the tensors.
func (s *ArchiveStore) Metadata(_ context.Context) (map[string]any, error) {
	zr, err := zip.OpenReader(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	}
	defer zr.Close()
	for _, f := range zr.File {
		if f.Name != metadataEntry {
			continue
		}
		raw, err := readEntry(f)
		if err != nil {
			return nil, err
		}
		var out map[string]any
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("%w: metadata: %v", ErrCorruptArchive, err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: missing %s", ErrCorruptArchive, metadataEntry)
}

var (
	_ BestModelStore = (*ArchiveStore)(nil)
	_ MetadataReader = (*ArchiveStore)(nil)
)
