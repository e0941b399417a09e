package dataset

import (
	"path"
	"strings"
)

// imageExtensions are the file extensions treated as images.
var imageExtensions = map[string]bool{ //nolint:gochecknoglobals // read-only lookup table
	".jpg": true, ".jpeg": true, ".png": true, ".ppm": true, ".bmp": true,
	".pgm": true, ".tif": true, ".tiff": true, ".webp": true, ".gif": true,
}

// IsImageFile reports whether name looks like an image: a known extension
// and not a hidden file.
func IsImageFile(name string) bool {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "" || strings.HasPrefix(base, ".") {
		return false
	}
	return imageExtensions[strings.ToLower(path.Ext(base))]
}
