package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultSessionTTL applies to records without an absolute expiry.
	DefaultSessionTTL = 24 * time.Hour
	sessionPrefix     = "sess:"
)

// RedisStore implements SessionStore on top of a Redis client, one JSON value per session.
type RedisStore struct {
	client redis.Cmdable
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisStore creates a Redis-backed store. A non-positive ttl falls back to DefaultSessionTTL.
func NewRedisStore(client redis.Cmdable, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &RedisStore{client: client, ttl: ttl, now: time.Now}
}

func (r *RedisStore) key(id string) string {
	return sessionPrefix + id
}

// Get retrieves and decodes a record.
func (r *RedisStore) Get(ctx context.Context, id string) (Record, error) {
	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("get session: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("unmarshal session: %w", err)
	}
	if rec.Expired(r.now()) {
		return Record{}, ErrNotFound
	}
	if rec.Values == nil {
		rec.Values = map[string]any{}
	}
	return rec, nil
}

// Save encodes rec and stores it with a TTL derived from its expiry.
func (r *RedisStore) Save(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		return ErrInvalidRecord
	}

	ttl := r.ttl
	if !rec.Expires.IsZero() {
		ttl = rec.Expires.Sub(r.now())
		if ttl <= 0 {
			return r.Delete(ctx, rec.ID)
		}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := r.client.Set(ctx, r.key(rec.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("set session: %w", err)
	}
	return nil
}

// Delete removes the record.
func (r *RedisStore) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.key(id)).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
