package bestmodel

import "errors"

// Sentinel errors for best-model tracking.
var (
	ErrNoBestModel = errors.New("no best model recorded")
	ErrNoCapture   = errors.New("no parameters captured for round")
)
