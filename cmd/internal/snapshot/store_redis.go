package snapshot

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the snapshot pair under two keys scoped by profile.
//
// Ownership: RedisStore does not own the client unless constructed with
// OpenRedisStore; Close is a no-op otherwise.
type RedisStore struct {
	rdb     redis.Cmdable
	userKey string
	flagKey string
	closer  func() error
}

// NewRedisStore wraps an existing client.
func NewRedisStore(rdb redis.Cmdable, profile string) (*RedisStore, error) {
	if rdb == nil {
		return nil, fmt.Errorf("%w: nil redis client", ErrConfig)
	}
	if !ValidProfile(profile) {
		return nil, fmt.Errorf("%w: invalid profile %q", ErrConfig, profile)
	}
	prefix := "warden:" + profile + ":"
	return &RedisStore{
		rdb:     rdb,
		userKey: prefix + KeyAuthUser,
		flagKey: prefix + KeyIsAuthenticated,
	}, nil
}

// OpenRedisStore dials addr, pings it and returns a store owning the client.
func OpenRedisStore(ctx context.Context, addr, profile string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("snapshot redis ping: %w", err)
	}
	st, err := NewRedisStore(client, profile)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	st.closer = client.Close
	return st, nil
}

// Client returns the underlying client, for stores sharing its connection.
func (s *RedisStore) Client() redis.Cmdable { return s.rdb }

func (s *RedisStore) Read(ctx context.Context) ([]byte, bool, error) {
	vals, err := s.rdb.MGet(ctx, s.userKey, s.flagKey).Result()
	if err != nil {
		return nil, false, fmt.Errorf("snapshot redis read: %w", err)
	}
	if len(vals) != 2 {
		return nil, false, fmt.Errorf("snapshot redis read: expected 2 values, got %d", len(vals))
	}

	payload, _ := vals[0].(string)
	flag, _ := vals[1].(string)
	return resolvePair(flag, []byte(payload))
}

func (s *RedisStore) Write(ctx context.Context, payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyPayload
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.userKey, payload, 0)
		pipe.Set(ctx, s.flagKey, flagTrue, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("snapshot redis write: %w", err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.rdb.Del(ctx, s.userKey, s.flagKey).Err(); err != nil {
		return fmt.Errorf("snapshot redis clear: %w", err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
