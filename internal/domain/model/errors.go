package model

import "errors"

// Sentinel errors for round configuration.
var (
	ErrInvalidRoundConfig = errors.New("invalid round config")
)
