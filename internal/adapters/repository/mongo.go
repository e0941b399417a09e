package repository

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/okian/fedlab/internal/domain/model"
	"github.com/okian/fedlab/pkg/logger"
)

// RoundDoc is the Mongo document written per aggregated round.
type RoundDoc struct {
	RunID         string             `bson:"run_id" json:"run_id"`
	Round         int                `bson:"round" json:"round"`
	Loss          float64            `bson:"loss" json:"loss"`
	Accuracy      float64            `bson:"accuracy" json:"accuracy"`
	Misclassified int                `bson:"misclassified" json:"misclassified"`
	NumClients    int                `bson:"num_clients" json:"num_clients"`
	FitMetadata   map[string]float64 `bson:"fit_metadata,omitempty" json:"fit_metadata,omitempty"`
	DurationMs    int64              `bson:"duration_ms" json:"duration_ms"`
	RecordedAt    time.Time          `bson:"recorded_at" json:"recorded_at"`
}

// NewRoundDoc converts a round result into its stored form.
func NewRoundDoc(runID string, res model.AggregatedRoundResult, at time.Time) RoundDoc {
	return RoundDoc{
		RunID:         runID,
		Round:         res.Round,
		Loss:          res.Loss,
		Accuracy:      res.Metrics.Accuracy,
		Misclassified: res.Metrics.Misclassified,
		NumClients:    res.NumClients,
		FitMetadata:   res.FitMetadata,
		DurationMs:    res.Duration.Milliseconds(),
		RecordedAt:    at.UTC(),
	}
}

// MongoHistory inserts one document per aggregated round into
// <database>.rounds.
type MongoHistory struct {
	client *mongo.Client
	col    *mongo.Collection
	log    logger.Logger
}

// ConnectMongo dials uri, pings the server and returns a history bound to
// database.
func ConnectMongo(ctx context.Context, uri, database string, opts ...Option) (*MongoHistory, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	o := applyOptions("mongo-history", opts)
	h := &MongoHistory{client: client, col: client.Database(database).Collection(o.collection), log: o.log}
	h.log.Info(ctx, "connected to mongo", logger.String("database", database), logger.String("collection", o.collection))
	return h, nil
}

// Record inserts the round document.
func (h *MongoHistory) Record(ctx context.Context, runID string, res model.AggregatedRoundResult) error {
	if h == nil || h.col == nil {
		return ErrNotConnected
	}
	if _, err := h.col.InsertOne(ctx, NewRoundDoc(runID, res, time.Now())); err != nil {
		return fmt.Errorf("mongo insert round %d: %w", res.Round, err)
	}
	return nil
}

// Rounds returns the documents of a run ordered by round.
func (h *MongoHistory) Rounds(ctx context.Context, runID string) ([]RoundDoc, error) {
	if h == nil || h.col == nil {
		return nil, ErrNotConnected
	}
	cur, err := h.col.Find(ctx, bson.M{"run_id": runID}, options.Find().SetSort(bson.D{{Key: "round", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []RoundDoc
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Close disconnects the client.
func (h *MongoHistory) Close(ctx context.Context) error {
	if h == nil || h.client == nil {
		return nil
	}
	return h.client.Disconnect(ctx)
}

var (
	_ RoundRecorder = (*MongoHistory)(nil)
	_ RoundReader   = (*MongoHistory)(nil)
)
