package trainer

import "errors"

// Sentinel errors for client-side training.
var (
	ErrEmptyPartition = errors.New("empty held-out partition")
	ErrEmptyTraining  = errors.New("empty training partition")
)
