package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"vision_workflow/internal/core"
	"vision_workflow/pkg"
)

// optimistic transactions give up after this many conflicting writers
const maxTxRetries = 32

// NewRedisClient parses redisURL and checks the connection
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func sessionKey(id string) string { return fmt.Sprintf("session:%s", id) }

func traceKey(id string) string { return fmt.Sprintf("trace:%s", id) }

// RedisSessionStore keeps each session as one JSON document under session:<id>
type RedisSessionStore struct {
	client *redis.Client
	ttl    time.Duration // 0 = no expiry
}

func NewRedisSessionStore(client *redis.Client, ttl time.Duration) *RedisSessionStore {
	return &RedisSessionStore{client: client, ttl: ttl}
}

func (r *RedisSessionStore) CreateOrGet(ctx context.Context, id string) (*pkg.Session, bool, error) {
	if id == "" {
		return nil, false, fmt.Errorf("session id cannot be empty")
	}

	for i := 0; i < maxTxRetries; i++ {
		now := time.Now().UTC()
		fresh := &pkg.Session{
			ID:        id,
			History:   []pkg.Turn{},
			State:     make(map[string]any),
			CreatedAt: now,
			UpdatedAt: now,
		}
		data, err := sonic.Marshal(fresh)
		if err != nil {
			return nil, false, fmt.Errorf("failed to marshal session: %w", err)
		}

		created, err := r.client.SetNX(ctx, sessionKey(id), data, r.ttl).Result()
		if err != nil {
			return nil, false, fmt.Errorf("failed to create session: %w", err)
		}
		if created {
			return fresh, true, nil
		}

		session, err := r.Get(ctx, id)
		if errors.Is(err, core.ErrSessionNotFound) {
			// expired between SETNX and GET
			continue
		}
		return session, false, err
	}
	return nil, false, fmt.Errorf("session %s: could not create or load", id)
}

func (r *RedisSessionStore) Get(ctx context.Context, id string) (*pkg.Session, error) {
	data, err := r.client.Get(ctx, sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", core.ErrSessionNotFound, id)
		}
		return nil, fmt.Errorf("failed to get session data: %w", err)
	}
	return decodeSession(data)
}

func (r *RedisSessionStore) Append(ctx context.Context, id string, turn pkg.Turn) error {
	if err := ValidateTurn(turn); err != nil {
		return err
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}
	return r.update(ctx, id, func(s *pkg.Session) {
		s.History = append(s.History, turn)
	})
}

func (r *RedisSessionStore) SaveState(ctx context.Context, id string, state map[string]any) error {
	return r.update(ctx, id, func(s *pkg.Session) {
		s.State = state
	})
}

func (r *RedisSessionStore) Close() error {
	return r.client.Close()
}

// update applies fn under WATCH so concurrent writers never lose turns
func (r *RedisSessionStore) update(ctx context.Context, id string, fn func(*pkg.Session)) error {
	key := sessionKey(id)

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: %s", core.ErrSessionNotFound, id)
			}
			return fmt.Errorf("failed to get session data: %w", err)
		}
		session, err := decodeSession(data)
		if err != nil {
			return err
		}

		fn(session)
		session.UpdatedAt = time.Now().UTC()

		out, err := sonic.Marshal(session)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, r.ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("session %s: too many concurrent updates", id)
}

func decodeSession(data []byte) (*pkg.Session, error) {
	var session pkg.Session
	if err := sonic.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session data: %w", err)
	}
	if session.State == nil {
		session.State = make(map[string]any)
	}
	return &session, nil
}

// RedisTraceStore appends every run trace to the list trace:<session>
type RedisTraceStore struct {
	client *redis.Client
}

func NewRedisTraceStore(client *redis.Client) *RedisTraceStore {
	return &RedisTraceStore{client: client}
}

func (r *RedisTraceStore) Record(ctx context.Context, trace *pkg.RunTrace) error {
	key := traceKey(trace.SessionID)
	data, err := sonic.Marshal(trace)
	if err != nil {
		return &core.PersistenceError{Op: "encode trace", Key: key, Err: err}
	}
	if err := r.client.RPush(ctx, key, data).Err(); err != nil {
		return &core.PersistenceError{Op: "write trace", Key: key, Err: err}
	}
	return nil
}

func (r *RedisTraceStore) List(ctx context.Context, sessionID string) ([]*pkg.RunTrace, error) {
	key := traceKey(sessionID)
	items, err := r.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, &core.PersistenceError{Op: "read traces", Key: key, Err: err}
	}

	traces := make([]*pkg.RunTrace, 0, len(items))
	for _, item := range items {
		var trace pkg.RunTrace
		if err := sonic.UnmarshalString(item, &trace); err != nil {
			return nil, &core.PersistenceError{Op: "decode trace", Key: key, Err: err}
		}
		traces = append(traces, &trace)
	}
	return traces, nil
}

func (r *RedisTraceStore) Close() error {
	return r.client.Close()
}
