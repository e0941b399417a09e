package scaffold

import "errors"

// Sentinel error kinds for this package.
var (
	ErrInvalidMode     = errors.New("invalid scaffold mode")
	ErrConflictingMode = errors.New("-server and -full are mutually exclusive")
	ErrInvalidClientID = errors.New("invalid client id")
	ErrNoClasses       = errors.New("no class names")
)
