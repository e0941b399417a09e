// Package dataset loads ImageFolder-style directory trees
// (<split>/<class>/<image>) into in-memory splits.
package dataset

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"  // register decoder
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"  // register decoder
	_ "golang.org/x/image/tiff" // register decoder
	_ "golang.org/x/image/webp" // register decoder

	fl "github.com/okian/fedlab/internal/domain/dataset"
	"github.com/okian/fedlab/pkg/logger"
)

const (
	channels         = 3
	defaultImageSize = 32
)

// Loader decodes and resizes images.
type Loader struct {
	imageSize int
	log       logger.Logger
}

// Option configures a Loader.
type Option func(*Loader)

// WithImageSize sets the square output size.
func WithImageSize(n int) Option {
	return func(l *Loader) {
		if n > 0 {
			l.imageSize = n
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(lg logger.Logger) Option {
	return func(l *Loader) {
		if lg != nil {
			l.log = lg
		}
	}
}

// NewLoader creates a loader producing 3-channel images.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{imageSize: defaultImageSize}
	for _, opt := range opts {
		opt(l)
	}
	if l.log == nil {
		l.log = logger.Get().Named("dataset")
	}
	return l
}

// ClientDir returns <dataDir>/client_<id>.
func ClientDir(dataDir, clientID string) string {
	return filepath.Join(dataDir, "client_"+clientID)
}

// LoadClient loads the train and test splits of one client partition. The
// test split is labelled with the training class list.
func (l *Loader) LoadClient(ctx context.Context, dataDir, clientID string) (train, test fl.Split, err error) {
	root := ClientDir(dataDir, clientID)
	train, err = l.LoadSplit(ctx, filepath.Join(root, "train"), nil)
	if err != nil {
		return fl.Split{}, fl.Split{}, fmt.Errorf("train split: %w", err)
	}
	test, err = l.LoadSplit(ctx, filepath.Join(root, "test"), train.Classes)
	if err != nil {
		return fl.Split{}, fl.Split{}, fmt.Errorf("test split: %w", err)
	}
	l.log.Info(ctx, "client partition loaded",
		logger.String("dir", root),
		logger.Int("classes", len(train.Classes)),
		logger.Int("train", train.Len()),
		logger.Int("test", test.Len()),
	)
	return train, test, nil
}

// Classes returns the sorted class directory names under dir.
func Classes(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var classes []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			classes = append(classes, e.Name())
		}
	}
	slices.Sort(classes)
	return classes, nil
}

// LoadSplit reads every image below dir/<class>/. When classes is nil the
// sorted subdirectories of dir define the labels; otherwise the given list
// does and directories outside it are rejected.
func (l *Loader) LoadSplit(ctx context.Context, dir string, classes []string) (fl.Split, error) {
	found, err := Classes(dir)
	if err != nil {
		return fl.Split{}, err
	}
	if classes == nil {
		classes = found
	}
	if len(classes) == 0 {
		return fl.Split{}, fmt.Errorf("%w in %s", ErrNoClasses, dir)
	}
	index := make(map[string]int, len(classes))
	for i, c := range classes {
		index[c] = i
	}
	for _, c := range found {
		if _, ok := index[c]; !ok {
			return fl.Split{}, fmt.Errorf("%w: unexpected class %q in %s", ErrClassMismatch, c, dir)
		}
	}

	split := fl.Split{Classes: slices.Clone(classes), Shape: [3]int{channels, l.imageSize, l.imageSize}}
	for _, c := range found {
		label := index[c]
		err := filepath.WalkDir(filepath.Join(dir, c), func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() || !fl.IsImageFile(d.Name()) {
				return nil
			}
			px, err := l.decode(path)
			if err != nil {
				l.log.Warn(ctx, "skipping unreadable image", logger.String("path", path), logger.Error(err))
				return nil
			}
			split.Samples = append(split.Samples, fl.Sample{Pixels: px, Label: label})
			return nil
		})
		if err != nil {
			return fl.Split{}, err
		}
	}
	return split, nil
}

// decode reads an image, resizes it bilinearly and returns CHW values in [0,1].
func (l *Loader) decode(path string) ([]float32, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from walking the data dir
	if err != nil {
		return nil, err
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	return ToCHW(src, l.imageSize), nil
}

// ToCHW resizes img to size x size and converts it to channel-major floats.
func ToCHW(img image.Image, size int) []float32 {
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)

	plane := size * size
	out := make([]float32, channels*plane)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			o := dst.PixOffset(x, y)
			i := y*size + x
			out[i] = float32(dst.Pix[o]) / 255
			out[plane+i] = float32(dst.Pix[o+1]) / 255
			out[2*plane+i] = float32(dst.Pix[o+2]) / 255
		}
	}
	return out
}
