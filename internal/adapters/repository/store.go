// Package repository persists best-model records and per-round history.
package repository

import (
	"context"

	"github.com/okian/fedlab/internal/domain/model"
)

// BestModelStore saves and loads the single best-model record. Save
// overwrites any previous record.
type BestModelStore interface {
	Save(ctx context.Context, rec model.BestModelRecord) error
	Load(ctx context.Context) (model.BestModelRecord, error)
}

// RoundRecorder stores one document per aggregated round.
type RoundRecorder interface {
	Record(ctx context.Context, runID string, res model.AggregatedRoundResult) error
}

// MetadataReader returns the metadata document of the stored best model
// without decoding its tensors. ErrNotFound means nothing was saved yet.
type MetadataReader interface {
	Metadata(ctx context.Context) (map[string]any, error)
}

// RoundReader lists the recorded rounds of a run in round order.
type RoundReader interface {
	Rounds(ctx context.Context, runID string) ([]RoundDoc, error)
}
