package repository

import "errors"

// Sentinel kinds for repository errors.
var (
	ErrNotFound       = errors.New("best model not found")
	ErrCorruptArchive = errors.New("corrupt model archive")
	ErrNotConnected   = errors.New("repository not connected")
)
