package redischan

import (
	"context"
	"errors"
	"fmt"

	"github.com/hanpama/gqlbus/internal/executor"
	"github.com/redis/go-redis/v9"
)

// QueryStore serves persisted queries from a Redis hash mapping document
// ids to query text.
type QueryStore struct {
	client *redis.Client
	key    string
}

var _ executor.QueryStore = (*QueryStore)(nil)

// QueryStore returns a store reading the hash at key through b's client.
func (b *Broker) QueryStore(key string) *QueryStore {
	return &QueryStore{client: b.client, key: key}
}

// Lookup implements executor.QueryStore with HGET.
func (s *QueryStore) Lookup(ctx context.Context, docID string) (string, error) {
	q, err := s.client.HGet(ctx, s.key, docID).Result()
	if errors.Is(err, redis.Nil) {
		return "", executor.ErrQueryNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redischan: lookup %s: %w", docID, err)
	}
	return q, nil
}

// Put stores query under docID.
func (s *QueryStore) Put(ctx context.Context, docID, query string) error {
	if err := s.client.HSet(ctx, s.key, docID, query).Err(); err != nil {
		return fmt.Errorf("redischan: store %s: %w", docID, err)
	}
	return nil
}
