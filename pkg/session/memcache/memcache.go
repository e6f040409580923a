// Package memcache is an in-process session cache for single-node
// deployments and tests, interchangeable with the Redis tier.
package memcache

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/voicewire/voicewire/pkg/session"
)

type Store struct {
	cache *ttlcache.Cache[string, *session.Session]
}

func New() *Store {
	c := ttlcache.New(
		ttlcache.WithDisableTouchOnHit[string, *session.Session](),
	)
	go c.Start()
	return &Store{cache: c}
}

func (st *Store) Close() {
	st.cache.Stop()
}

func (st *Store) Put(_ context.Context, s *session.Session, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	cp := *s
	st.cache.Set(s.ID, &cp, ttl)
	return nil
}

func (st *Store) Get(_ context.Context, id string) (*session.Session, error) {
	item := st.cache.Get(id)
	if item == nil {
		return nil, session.ErrCacheMiss
	}
	cp := *item.Value()
	return &cp, nil
}

func (st *Store) Delete(_ context.Context, id string) error {
	st.cache.Delete(id)
	return nil
}
