package params

import "errors"

// Sentinel errors for parameter handling.
var (
	ErrShapeMismatch = errors.New("parameter shape mismatch")
	ErrInvalidTensor = errors.New("invalid tensor")
	ErrCorruptData   = errors.New("corrupt parameter encoding")
)
