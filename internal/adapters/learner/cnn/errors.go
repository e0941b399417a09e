package cnn

import "errors"

// Sentinel errors for the CNN learner.
var (
	ErrInvalidConfig = errors.New("invalid cnn config")
	ErrBatchTooLarge = errors.New("batch larger than graph batch size")
)
