// Package rediscache is the shared hot tier for sessions: a JSON value
// per session keyed by id, expiring with the session's sliding window.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voicewire/voicewire/pkg/session"
)

type Store struct {
	client *redis.Client
	prefix string
}

func New(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "voicewire"
	}
	return &Store{client: client, prefix: prefix}
}

func (st *Store) key(id string) string {
	return fmt.Sprintf("%s:session:%s", st.prefix, id)
}

func (st *Store) Put(ctx context.Context, s *session.Session, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("rediscache: marshal session: %w", err)
	}
	if err := st.client.Set(ctx, st.key(s.ID), body, ttl).Err(); err != nil {
		return fmt.Errorf("rediscache: set session: %w", err)
	}
	return nil
}

func (st *Store) Get(ctx context.Context, id string) (*session.Session, error) {
	body, err := st.client.Get(ctx, st.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, session.ErrCacheMiss
		}
		return nil, fmt.Errorf("rediscache: get session: %w", err)
	}
	var s session.Session
	if err := json.Unmarshal(body, &s); err != nil {
		// A corrupt entry behaves like a miss so the durable store can
		// rebuild it.
		return nil, session.ErrCacheMiss
	}
	return &s, nil
}

func (st *Store) Delete(ctx context.Context, id string) error {
	if err := st.client.Del(ctx, st.key(id)).Err(); err != nil {
		return fmt.Errorf("rediscache: delete session: %w", err)
	}
	return nil
}
