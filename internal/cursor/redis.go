package cursor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-redis/redis/v8"
)

// RedisStore keeps cursors as JSON strings under prefixed keys.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore returns a RedisStore storing the cursor of a shape under
// prefix + shape ID.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// Load returns the cursor saved for the shape.
func (s *RedisStore) Load(ctx context.Context, shapeID string) (Cursor, error) {
	data, err := s.client.Get(ctx, s.prefix+shapeID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Cursor{}, ErrNotFound
		}
		return Cursor{}, fmt.Errorf("get: %w", err)
	}

	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return Cursor{}, fmt.Errorf("decode cursor: %w", err)
	}

	return c, nil
}

// Save stores the cursor of the shape without expiry.
func (s *RedisStore) Save(ctx context.Context, shapeID string, c Cursor) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode cursor: %w", err)
	}

	if err := s.client.Set(ctx, s.prefix+shapeID, data, 0).Err(); err != nil {
		return fmt.Errorf("set: %w", err)
	}

	return nil
}

// Delete removes the cursor of the shape.
func (s *RedisStore) Delete(ctx context.Context, shapeID string) error {
	if err := s.client.Del(ctx, s.prefix+shapeID).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

// List scans for all keys with the store's prefix.
func (s *RedisStore) List(ctx context.Context) ([]string, error) {
	var ids []string

	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), s.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}

	sort.Strings(ids)
	return ids, nil
}
