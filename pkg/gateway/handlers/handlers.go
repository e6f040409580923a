// Package handlers is the gateway's HTTP surface: the session control
// endpoints, the /ws upgrade, and the health probes.
package handlers

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/voicewire/voicewire/pkg/auth"
	"github.com/voicewire/voicewire/pkg/gateway/lifecycle"
	"github.com/voicewire/voicewire/pkg/gateway/live/conn"
	"github.com/voicewire/voicewire/pkg/gateway/live/conns"
	"github.com/voicewire/voicewire/pkg/gateway/ratelimit"
	"github.com/voicewire/voicewire/pkg/metrics"
	"github.com/voicewire/voicewire/pkg/pipeline"
	"github.com/voicewire/voicewire/pkg/resilience"
	"github.com/voicewire/voicewire/pkg/session"
)

type Handler struct {
	sessions *session.Service
	tokens   *auth.Authority
	// authBreaker guards Verify so a wedged token path fails fast.
	// Auth rejections do not count against it.
	authBreaker *resilience.Breaker
	registry    *conns.Registry
	life        *lifecycle.State
	metrics     *metrics.Metrics
	// connLimiter caps live connections per user.
	connLimiter *ratelimit.Limiter

	// newPipeline builds the per-connection pipeline, callbacks unset.
	newPipeline func() *pipeline.Pipeline
	connCfg     conn.Config
	upgrader    websocket.Upgrader

	logger *slog.Logger
}

type Config struct {
	Sessions    *session.Service
	Tokens      *auth.Authority
	AuthBreaker *resilience.Breaker
	Registry    *conns.Registry
	Lifecycle   *lifecycle.State
	Metrics     *metrics.Metrics
	ConnLimiter *ratelimit.Limiter

	NewPipeline func() *pipeline.Pipeline
	ConnConfig  conn.Config

	Logger *slog.Logger
}

func New(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		sessions:    cfg.Sessions,
		tokens:      cfg.Tokens,
		authBreaker: cfg.AuthBreaker,
		registry:    cfg.Registry,
		life:        cfg.Lifecycle,
		metrics:     cfg.Metrics,
		connLimiter: cfg.ConnLimiter,
		newPipeline: cfg.NewPipeline,
		connCfg:     cfg.ConnConfig,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin policy is enforced upstream; the gateway trusts
			// its ingress.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// bearerToken pulls the access token from the Authorization header,
// falling back to the token query parameter for websocket clients that
// cannot set headers.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func randomID(prefix string) string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return prefix + "_00000000"
	}
	return prefix + "_" + hex.EncodeToString(b)
}
