package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/voicewire/voicewire/pkg/fault"
	"github.com/voicewire/voicewire/pkg/gateway/ratelimit"
	"github.com/voicewire/voicewire/pkg/resilience"
)

// StoreConfig wires the dual store with its resilience policy. Both
// breakers are required; the limiter may be nil to disable per-user
// gating (tests only).
type StoreConfig struct {
	Durable DurableStore
	Cache   CacheStore

	DurableBreaker *resilience.Breaker
	CacheBreaker   *resilience.Breaker
	Retry          resilience.RetryPolicy

	// Limiter gates every store operation per user.
	Limiter *ratelimit.Limiter

	CleanupBatchSize int

	// OnCacheMiss observes reads that fell back to the durable store.
	OnCacheMiss func()

	Logger *slog.Logger
	Now    func() time.Time
}

// Store coordinates the durable store and the cache. All mutations go
// durable-first; the cache is repopulated on read misses and treated
// as expendable on write.
type Store struct {
	durable DurableStore
	cache   CacheStore

	durableBreaker *resilience.Breaker
	cacheBreaker   *resilience.Breaker
	retry          resilience.RetryPolicy
	limiter        *ratelimit.Limiter

	cleanupBatch int
	onCacheMiss  func()

	logger *slog.Logger
	now    func() time.Time
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Durable == nil {
		return nil, errors.New("session: durable store is required")
	}
	if cfg.Cache == nil {
		return nil, errors.New("session: cache store is required")
	}
	if cfg.CleanupBatchSize <= 0 {
		cfg.CleanupBatchSize = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		durable:        cfg.Durable,
		cache:          cfg.Cache,
		durableBreaker: cfg.DurableBreaker,
		cacheBreaker:   cfg.CacheBreaker,
		retry:          cfg.Retry,
		limiter:        cfg.Limiter,
		cleanupBatch:   cfg.CleanupBatchSize,
		onCacheMiss:    cfg.OnCacheMiss,
		logger:         cfg.Logger,
		now:            cfg.Now,
	}, nil
}

func (st *Store) gate(userID string) error {
	if st.limiter == nil {
		return nil
	}
	d := st.limiter.Allow(ratelimit.PrincipalKey(userID), st.now())
	if !d.Allowed {
		return fault.RateLimited(d.RetryAfter)
	}
	return nil
}

// Create allocates a session for userID. The durable write must
// succeed for the session to exist; a cache write failure is logged
// and ignored.
func (st *Store) Create(ctx context.Context, userID string, md Metadata) (*Session, error) {
	if userID == "" {
		return nil, fault.Validation("missing_user", "userId is required")
	}
	if err := st.gate(userID); err != nil {
		return nil, err
	}

	now := st.now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		Status:         StatusActive,
		StartTime:      now,
		LastActiveTime: now,
		ExpiryTime:     now.Add(SlidingWindow),
		Metadata:       md,
	}

	err := st.durableBreaker.Do(ctx, func(ctx context.Context) error {
		return resilience.Retry(ctx, st.retry, func(ctx context.Context) error {
			if err := st.durable.Insert(ctx, s); err != nil {
				return resilience.Retryable(err)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fault.System("store_write_failed", "failed to persist session", err)
	}

	st.populateCache(ctx, s)
	return s, nil
}

// Get reads through the cache; a miss reconstructs from the durable
// store and repopulates the cache. The per-user gate applies once the
// owner is known.
func (st *Store) Get(ctx context.Context, id string) (*Session, error) {
	s, err := st.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := st.gate(s.UserID); err != nil {
		return nil, err
	}
	return s, nil
}

// load is Get without the per-user gate, for callers that gate
// themselves.
func (st *Store) load(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, fault.Validation("missing_session", "session id is required")
	}

	var cached *Session
	cacheErr := st.cacheBreaker.Do(ctx, func(ctx context.Context) error {
		s, err := st.cache.Get(ctx, id)
		if err != nil {
			return err
		}
		cached = s
		return nil
	})
	if cacheErr == nil && cached != nil {
		return cached, nil
	}
	if cacheErr != nil && !errors.Is(cacheErr, ErrCacheMiss) {
		st.logger.Warn("session cache read failed, falling back to durable store",
			"session_id", id, "error", cacheErr)
	}
	if st.onCacheMiss != nil {
		st.onCacheMiss()
	}

	var s *Session
	err := st.durableBreaker.Do(ctx, func(ctx context.Context) error {
		got, err := st.durable.Get(ctx, id)
		if err != nil {
			return err
		}
		s = got
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fault.System("store_read_failed", "failed to load session", err)
	}

	st.populateCache(ctx, s)
	return s, nil
}

// Touch refreshes the sliding expiry: lastActiveTime = now and
// expiryTime = now + the window, on every call.
func (st *Store) Touch(ctx context.Context, id string) (*Session, error) {
	return st.Update(ctx, id, nil)
}

// Update applies a partial mutation and always touches. Expiry is
// derived from observed activity, never from creation time.
func (st *Store) Update(ctx context.Context, id string, apply func(*Session)) (*Session, error) {
	s, err := st.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := st.gate(s.UserID); err != nil {
		return nil, err
	}
	if !s.Valid(st.now()) {
		return nil, ErrNotFound
	}

	if apply != nil {
		apply(s)
	}
	s.TouchAt(st.now().UTC())

	err = st.durableBreaker.Do(ctx, func(ctx context.Context) error {
		return resilience.Retry(ctx, st.retry, func(ctx context.Context) error {
			if err := st.durable.Update(ctx, s); err != nil {
				return resilience.Retryable(err)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fault.System("store_write_failed", "failed to update session", err)
	}

	st.populateCache(ctx, s)
	return s, nil
}

// End marks the durable record expired and deletes the cache entry.
// Both are attempted regardless of individual failures: a half-ended
// session must stay visible for revocation checks rather than silently
// extend.
func (st *Store) End(ctx context.Context, id string) error {
	if id == "" {
		return fault.Validation("missing_session", "session id is required")
	}
	// Gate on the owner when the session still exists; an already
	// deleted session falls through so End stays idempotent.
	if s, err := st.load(ctx, id); err == nil {
		if gerr := st.gate(s.UserID); gerr != nil {
			return gerr
		}
	}

	durableErr := st.durableBreaker.Do(ctx, func(ctx context.Context) error {
		return st.durable.MarkExpired(ctx, id, st.now().UTC())
	})
	cacheErr := st.cacheBreaker.Do(ctx, func(ctx context.Context) error {
		return st.cache.Delete(ctx, id)
	})
	if durableErr != nil && errors.Is(durableErr, ErrNotFound) {
		durableErr = nil
	}
	if err := errors.Join(durableErr, cacheErr); err != nil {
		return fault.System("end_session_failed", "failed to end session", err)
	}
	return nil
}

// CleanupExpired deletes durable rows past their expiry in batches and
// mirrors each deletion into the cache. It is idempotent and safe to
// run concurrently with itself: a row deleted by a concurrent sweep
// simply drops out of the next batch.
func (st *Store) CleanupExpired(ctx context.Context) (int64, error) {
	var total int64
	for {
		var ids []string
		err := st.durableBreaker.Do(ctx, func(ctx context.Context) error {
			got, err := st.durable.ListExpired(ctx, st.now().UTC(), st.cleanupBatch)
			if err != nil {
				return err
			}
			ids = got
			return nil
		})
		if err != nil {
			return total, fault.System("cleanup_failed", "failed to list expired sessions", err)
		}
		if len(ids) == 0 {
			return total, nil
		}

		var deleted int64
		err = st.durableBreaker.Do(ctx, func(ctx context.Context) error {
			n, err := st.durable.DeleteBatch(ctx, ids)
			if err != nil {
				return err
			}
			deleted = n
			return nil
		})
		if err != nil {
			return total, fault.System("cleanup_failed", "failed to delete expired sessions", err)
		}
		total += deleted

		for _, id := range ids {
			id := id
			if err := st.cacheBreaker.Do(ctx, func(ctx context.Context) error {
				return st.cache.Delete(ctx, id)
			}); err != nil {
				st.logger.Warn("failed to evict expired session from cache",
					"session_id", id, "error", err)
			}
		}

		if len(ids) < st.cleanupBatch {
			return total, nil
		}
	}
}

func (st *Store) populateCache(ctx context.Context, s *Session) {
	ttl := s.ExpiryTime.Sub(st.now())
	if ttl <= 0 {
		return
	}
	if err := st.cacheBreaker.Do(ctx, func(ctx context.Context) error {
		return st.cache.Put(ctx, s, ttl)
	}); err != nil {
		// Cache is read-through, not authoritative; the session exists
		// as long as the durable write succeeded.
		st.logger.Warn("session cache write failed", "session_id", s.ID, "error", err)
	}
}
