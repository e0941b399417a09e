package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/okian/fedlab/internal/domain/model"
	"github.com/okian/fedlab/pkg/logger"
)

// RedisStore keeps the best-model archive under key and its JSON metadata
// under key+suffix.
type RedisStore struct {
	client  redis.Cmdable
	key     string
	metaKey string
	log     logger.Logger
}

// NewRedisClient connects to addr and verifies the connection with PING.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

// NewRedisStore returns a store on client writing to key.
func NewRedisStore(client redis.Cmdable, key string, opts ...Option) *RedisStore {
	o := applyOptions("redis-store", opts)
	return &RedisStore{client: client, key: key, metaKey: key + o.metaSuffix, log: o.log}
}

// Save writes the archive and its metadata in one transaction.
func (s *RedisStore) Save(ctx context.Context, rec model.BestModelRecord) error {
	if s.client == nil {
		return ErrNotConnected
	}
	data, err := EncodeArchive(rec)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(metadataOf(rec))
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key, data, 0)
		pipe.Set(ctx, s.metaKey, meta, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save %s: %w", s.key, err)
	}
	s.log.Debug(ctx, "best model stored in redis", logger.String("key", s.key), logger.Int("round", rec.Round))
	return nil
}

// Load reads the archive back. ErrNotFound is returned when the key is absent.
func (s *RedisStore) Load(ctx context.Context) (model.BestModelRecord, error) {
	if s.client == nil {
		return model.BestModelRecord{}, ErrNotConnected
	}
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.BestModelRecord{}, ErrNotFound
	}
	if err != nil {
		return model.BestModelRecord{}, err
	}
	return DecodeArchive(data)
}

// Metadata returns the stored JSON metadata without decoding the tensors.
func (s *RedisStore) Metadata(ctx context.Context) (map[string]any, error) {
	if s.client == nil {
		return nil, ErrNotConnected
	}
	raw, err := s.client.Get(ctx, s.metaKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", ErrCorruptArchive, err)
	}
	return out, nil
}

var (
	_ BestModelStore = (*RedisStore)(nil)
	_ MetadataReader = (*RedisStore)(nil)
)
