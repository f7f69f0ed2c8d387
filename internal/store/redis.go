package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rendis/flowcore/pkg/schema"
)

const defaultSnapshotPrefix = "flowcore:snapshots:"

// RedisSnapshotStore keeps each execution's checkpoints in an append-only
// Redis list. The tail of the list is the latest snapshot.
type RedisSnapshotStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// RedisOption configures a RedisSnapshotStore.
type RedisOption func(*RedisSnapshotStore)

// WithKeyPrefix overrides the key prefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisSnapshotStore) { s.prefix = prefix }
}

// WithTTL expires an execution's snapshot list ttl after its last write.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisSnapshotStore) { s.ttl = ttl }
}

// NewRedisSnapshotStore wraps an existing client.
func NewRedisSnapshotStore(client redis.UniversalClient, opts ...RedisOption) *RedisSnapshotStore {
	s := &RedisSnapshotStore{client: client, prefix: defaultSnapshotPrefix}
	for _, o := range opts {
		o(s)
	}
	return s
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr string, opts ...RedisOption) (*RedisSnapshotStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return NewRedisSnapshotStore(client, opts...), nil
}

func (s *RedisSnapshotStore) key(executionID string) string {
	return s.prefix + executionID
}

// SaveSnapshot appends snap. A sequence not greater than the current tail is
// a CONFLICT since checkpoints are never rewritten.
func (s *RedisSnapshotStore) SaveSnapshot(ctx context.Context, snap *schema.Snapshot) error {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	key := s.key(snap.ExecutionID)

	latest, err := s.LoadSnapshot(ctx, snap.ExecutionID)
	switch {
	case err == nil && latest.Seq >= snap.Seq:
		return schema.NewErrorf(schema.ErrCodeConflict,
			"snapshot %d of execution %q is not newer than %d", snap.Seq, snap.ExecutionID, latest.Seq)
	case err != nil && !schema.IsCode(err, schema.ErrCodeNotFound):
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "save snapshot: %s", err.Error()).WithCause(err)
	}
	return nil
}

func (s *RedisSnapshotStore) LoadSnapshot(ctx context.Context, executionID string) (*schema.Snapshot, error) {
	data, err := s.client.LIndex(ctx, s.key(executionID), -1).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storeNotFound("snapshot", executionID)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "load snapshot: %s", err.Error()).WithCause(err)
	}
	return decodeSnapshot(data)
}

// History returns the number of checkpoints recorded for an execution.
func (s *RedisSnapshotStore) History(ctx context.Context, executionID string) (int64, error) {
	return s.client.LLen(ctx, s.key(executionID)).Result()
}

// Close closes the underlying client.
func (s *RedisSnapshotStore) Close() error { return s.client.Close() }
