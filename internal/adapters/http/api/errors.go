package api

import "errors"

// Sentinel kinds for API errors.
var (
	ErrHijackUnsupported = errors.New("response writer does not support hijacking")
)
