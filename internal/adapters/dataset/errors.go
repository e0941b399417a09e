package dataset

import "errors"

// Sentinel errors for image loading.
var (
	ErrNoClasses     = errors.New("no class directories")
	ErrClassMismatch = errors.New("held-out classes differ from training classes")
)
