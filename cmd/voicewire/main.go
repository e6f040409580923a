// Command voicewire runs the voice gateway: the websocket transport,
// the session control surface, and the background session sweep.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/voicewire/voicewire/pkg/auth"
	"github.com/voicewire/voicewire/pkg/fault"
	"github.com/voicewire/voicewire/pkg/gateway/config"
	"github.com/voicewire/voicewire/pkg/gateway/handlers"
	"github.com/voicewire/voicewire/pkg/gateway/lifecycle"
	"github.com/voicewire/voicewire/pkg/gateway/live/conn"
	"github.com/voicewire/voicewire/pkg/gateway/live/conns"
	"github.com/voicewire/voicewire/pkg/gateway/ratelimit"
	"github.com/voicewire/voicewire/pkg/gateway/server"
	"github.com/voicewire/voicewire/pkg/metrics"
	"github.com/voicewire/voicewire/pkg/pipeline"
	"github.com/voicewire/voicewire/pkg/recognizer"
	"github.com/voicewire/voicewire/pkg/resilience"
	"github.com/voicewire/voicewire/pkg/session"
	"github.com/voicewire/voicewire/pkg/session/memcache"
	"github.com/voicewire/voicewire/pkg/session/postgres"
	"github.com/voicewire/voicewire/pkg/session/rediscache"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.LoadFromEnv()
	if err != nil {
		logger.Error("configuration invalid", "err", err)
		os.Exit(1)
	}
	if err := run(cfg, logger); err != nil {
		logger.Error("gateway exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool); err != nil {
		return err
	}
	durable := postgres.New(pool)

	var cache session.CacheStore
	if cfg.RedisDisabled {
		mc := memcache.New()
		defer mc.Close()
		cache = mc
		logger.Info("session cache: in-process")
	} else {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		cache = rediscache.New(rdb, cfg.KeyPrefix)
		logger.Info("session cache: redis", "addr", cfg.RedisAddr)
	}

	onBreaker := func(name string, _, to resilience.BreakerState) {
		m.ObserveBreaker(name, int(to))
	}
	// Domain sentinels are healthy outcomes; only infrastructure
	// failures should trip a breaker.
	healthySentinels := func(err error) bool {
		if err == nil ||
			errors.Is(err, session.ErrNotFound) ||
			errors.Is(err, session.ErrCacheMiss) {
			return true
		}
		switch fault.CategoryOf(err) {
		case fault.CategoryAuth, fault.CategoryValidation, fault.CategoryRateLimit:
			return true
		}
		return false
	}
	newBreaker := func(name string) *resilience.Breaker {
		return resilience.NewBreaker(resilience.BreakerConfig{
			Name:           name,
			RequestTimeout: cfg.RequestTimeout,
			Interval:       cfg.BreakerWindow,
			Cooldown:       cfg.BreakerCooldown,
			IsSuccessful:   healthySentinels,
		}, logger, onBreaker)
	}
	retryPolicy := resilience.RetryPolicy{
		Attempts: cfg.RetryAttempts,
		Base:     cfg.RetryBase,
	}

	store, err := session.NewStore(session.StoreConfig{
		Durable:        durable,
		Cache:          cache,
		DurableBreaker: newBreaker("postgres"),
		CacheBreaker:   newBreaker("redis"),
		Retry:          retryPolicy,
		Limiter: ratelimit.New(ratelimit.Config{
			OpsPerSecond: cfg.StoreOpsPerSecond,
			Burst:        cfg.StoreOpsBurst,
		}),
		CleanupBatchSize: cfg.CleanupBatchSize,
		OnCacheMiss:      m.SessionCacheMisses.Inc,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	authority, err := auth.New(auth.Config{
		Secret:     cfg.TokenSecret,
		Issuer:     cfg.TokenIssuer,
		AccessTTL:  cfg.AccessTTL,
		RefreshTTL: cfg.RefreshTTL,
	})
	if err != nil {
		return err
	}
	defer authority.Close()

	svc, err := session.NewService(session.ServiceConfig{
		Store:                store,
		Tokens:               authority,
		ValidateOpsPerMinute: cfg.ValidateOpsPerMinute,
		Logger:               logger,
	})
	if err != nil {
		return err
	}

	rec, err := recognizer.New(recognizer.Config{
		Endpoint:      cfg.RecognizerEndpoint,
		APIKey:        cfg.RecognizerAPIKey,
		Model:         cfg.RecognizerModel,
		Timeout:       cfg.RecognizerTimeout,
		MaxConcurrent: cfg.RecognizerMaxConcurrent,
	})
	if err != nil {
		return err
	}
	// One breaker shared by every pipeline, so the recognizer's error
	// budget is judged across all connections.
	recognizerBreaker := newBreaker("recognizer")

	life := lifecycle.New()
	registry := conns.NewRegistry()

	h := handlers.New(handlers.Config{
		Sessions:    svc,
		Tokens:      authority,
		AuthBreaker: newBreaker("auth"),
		Registry:    registry,
		Lifecycle:   life,
		Metrics:     m,
		ConnLimiter: ratelimit.New(ratelimit.Config{
			MaxConcurrentConns: cfg.MaxConnsPerUser,
		}),
		NewPipeline: func() *pipeline.Pipeline {
			return pipeline.New(pipeline.Config{
				Recognizer:   rec,
				Breaker:      recognizerBreaker,
				Retry:        retryPolicy,
				QueueSize:    cfg.PipelineQueueSize,
				LookbackSize: cfg.LookbackSize,
				OnOutcome: func(ok bool, latency time.Duration) {
					if ok {
						m.ChunksProcessed.Inc()
					} else {
						m.ChunkFailures.Inc()
					}
					m.ChunkLatency.Observe(latency.Seconds())
				},
				Logger: logger,
			})
		},
		ConnConfig: conn.Config{
			HeartbeatInterval: cfg.HeartbeatInterval,
			HeartbeatTimeout:  cfg.HeartbeatTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			MaxMessageBytes:   cfg.MaxMessageBytes,
			MsgRatePerSecond:  cfg.MsgRatePerSecond,
			TouchInterval:     cfg.TouchInterval,
			Logger:            logger,
			Metrics:           m,
		},
		Logger: logger,
	})

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.New(h, logger).Handler(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}

	go sweepExpired(ctx, svc, m, cfg.CleanupInterval, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", "grace", cfg.ShutdownGracePeriod)
	life.SetDraining()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()

	registry.WarnAll("server_draining", "server is shutting down, reconnect elsewhere")
	// Give clients a moment to act on the warning before the sweep.
	select {
	case <-time.After(2 * time.Second):
	case <-shutdownCtx.Done():
	}
	registry.TerminateAll(1000, "server shutting down")
	if !registry.Wait(shutdownCtx) {
		logger.Warn("connections still open at grace deadline", "count", registry.Count())
	}

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// sweepExpired deletes expired sessions on an interval until ctx ends.
func sweepExpired(ctx context.Context, svc *session.Service, m *metrics.Metrics, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := svc.CleanupExpired(ctx)
			if err != nil {
				logger.Warn("session sweep failed", "err", err)
				continue
			}
			if n > 0 {
				m.SessionsCleaned.Add(float64(n))
				logger.Info("session sweep", "removed", n)
			}
		}
	}
}
