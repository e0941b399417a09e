package partition

import "errors"

// Sentinel errors for dataset partitioning.
var (
	ErrArchiveNotFound = errors.New("dataset archive not found")
	ErrNoClassFolders  = errors.New("no class folders in archive")
	ErrInvalidFraction = errors.New("fraction must be in (0, 1]")
	ErrInvalidClientID = errors.New("invalid client id")
)
