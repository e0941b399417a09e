package strategy

import "errors"

// Sentinel errors for aggregation.
var (
	ErrUnknownStrategy = errors.New("unknown aggregation strategy")
	ErrNoResults       = errors.New("no results to aggregate")
)
