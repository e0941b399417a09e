package coordinator

import "errors"

// Sentinel errors for the round coordinator.
var (
	ErrAlreadyStarted    = errors.New("coordinator already started")
	ErrNotEnoughClients  = errors.New("not enough clients")
	ErrNoInitialParams   = errors.New("no client provided initial parameters")
	ErrDuplicateClient   = errors.New("client already connected")
	ErrInvalidConfig     = errors.New("invalid coordinator config")
	ErrQuorumNotMet      = errors.New("quorum not met")
	ErrMissingEvaluation = errors.New("no aggregated loss")
)
