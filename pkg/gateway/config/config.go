package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	// Backing stores.
	PostgresDSN string
	RedisAddr   string
	RedisDB     int
	// RedisDisabled falls back to the in-process cache; single-node
	// deployments and tests.
	RedisDisabled bool
	KeyPrefix     string

	// Token signing.
	TokenSecret []byte
	TokenIssuer string
	AccessTTL   time.Duration
	RefreshTTL  time.Duration

	// Recognition collaborator.
	RecognizerEndpoint      string
	RecognizerAPIKey        string
	RecognizerModel         string
	RecognizerTimeout       time.Duration
	RecognizerMaxConcurrent int

	// Live connection limits.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	WriteTimeout      time.Duration
	MaxMessageBytes   int64
	MsgRatePerSecond  int
	MaxConnsPerUser   int
	TouchInterval     time.Duration
	PipelineQueueSize int
	LookbackSize      int

	// Session budgets.
	ValidateOpsPerMinute int
	StoreOpsPerSecond    float64
	StoreOpsBurst        int
	CleanupInterval      time.Duration
	CleanupBatchSize     int

	// Resilience defaults per dependency.
	RequestTimeout  time.Duration
	BreakerWindow   time.Duration
	BreakerCooldown time.Duration
	RetryAttempts   int
	RetryBase       time.Duration

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                    envOr("VOICEWIRE_ADDR", ":8080"),
		PostgresDSN:             envOr("VOICEWIRE_POSTGRES_DSN", ""),
		RedisAddr:               envOr("VOICEWIRE_REDIS_ADDR", "localhost:6379"),
		RedisDB:                 envIntOr("VOICEWIRE_REDIS_DB", 0),
		RedisDisabled:           envBoolOr("VOICEWIRE_REDIS_DISABLED", false),
		KeyPrefix:               envOr("VOICEWIRE_KEY_PREFIX", "voicewire"),
		TokenSecret:             []byte(os.Getenv("VOICEWIRE_TOKEN_SECRET")),
		TokenIssuer:             envOr("VOICEWIRE_TOKEN_ISSUER", "voicewire"),
		AccessTTL:               envDurationOr("VOICEWIRE_ACCESS_TTL", 15*time.Minute),
		RefreshTTL:              envDurationOr("VOICEWIRE_REFRESH_TTL", 7*24*time.Hour),
		RecognizerEndpoint:      envOr("VOICEWIRE_RECOGNIZER_ENDPOINT", ""),
		RecognizerAPIKey:        envOr("VOICEWIRE_RECOGNIZER_API_KEY", ""),
		RecognizerModel:         envOr("VOICEWIRE_RECOGNIZER_MODEL", ""),
		RecognizerTimeout:       envDurationOr("VOICEWIRE_RECOGNIZER_TIMEOUT", 5*time.Second),
		RecognizerMaxConcurrent: envIntOr("VOICEWIRE_RECOGNIZER_MAX_CONCURRENT", 32),
		HeartbeatInterval:       envDurationOr("VOICEWIRE_HEARTBEAT_INTERVAL", 30*time.Second),
		HeartbeatTimeout:        envDurationOr("VOICEWIRE_HEARTBEAT_TIMEOUT", 75*time.Second),
		WriteTimeout:            envDurationOr("VOICEWIRE_WS_WRITE_TIMEOUT", 5*time.Second),
		MaxMessageBytes:         envInt64Or("VOICEWIRE_MAX_MESSAGE_BYTES", 1<<20), // 1 MiB
		MsgRatePerSecond:        envIntOr("VOICEWIRE_MSG_RATE_PER_SECOND", 50),
		MaxConnsPerUser:         envIntOr("VOICEWIRE_MAX_CONNS_PER_USER", 3),
		TouchInterval:           envDurationOr("VOICEWIRE_TOUCH_INTERVAL", 5*time.Second),
		PipelineQueueSize:       envIntOr("VOICEWIRE_PIPELINE_QUEUE_SIZE", 64),
		LookbackSize:            envIntOr("VOICEWIRE_LOOKBACK_SIZE", 1024),
		ValidateOpsPerMinute:    envIntOr("VOICEWIRE_VALIDATE_OPS_PER_MINUTE", 100),
		StoreOpsPerSecond:       envFloat64Or("VOICEWIRE_STORE_OPS_PER_SECOND", 20),
		StoreOpsBurst:           envIntOr("VOICEWIRE_STORE_OPS_BURST", 40),
		CleanupInterval:         envDurationOr("VOICEWIRE_CLEANUP_INTERVAL", time.Minute),
		CleanupBatchSize:        envIntOr("VOICEWIRE_CLEANUP_BATCH_SIZE", 100),
		RequestTimeout:          envDurationOr("VOICEWIRE_REQUEST_TIMEOUT", 4*time.Second),
		BreakerWindow:           envDurationOr("VOICEWIRE_BREAKER_WINDOW", 30*time.Second),
		BreakerCooldown:         envDurationOr("VOICEWIRE_BREAKER_COOLDOWN", 15*time.Second),
		RetryAttempts:           envIntOr("VOICEWIRE_RETRY_ATTEMPTS", 3),
		RetryBase:               envDurationOr("VOICEWIRE_RETRY_BASE", 500*time.Millisecond),
		ReadHeaderTimeout:       envDurationOr("VOICEWIRE_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:     envDurationOr("VOICEWIRE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	if strings.TrimSpace(cfg.PostgresDSN) == "" {
		return Config{}, fmt.Errorf("VOICEWIRE_POSTGRES_DSN must be set")
	}
	if !cfg.RedisDisabled && strings.TrimSpace(cfg.RedisAddr) == "" {
		return Config{}, fmt.Errorf("VOICEWIRE_REDIS_ADDR must be set unless VOICEWIRE_REDIS_DISABLED=true")
	}
	if len(cfg.TokenSecret) < 32 {
		return Config{}, fmt.Errorf("VOICEWIRE_TOKEN_SECRET must be at least 32 bytes")
	}
	if cfg.AccessTTL <= 0 {
		return Config{}, fmt.Errorf("VOICEWIRE_ACCESS_TTL must be > 0")
	}
	if cfg.RefreshTTL <= cfg.AccessTTL {
		return Config{}, fmt.Errorf("VOICEWIRE_REFRESH_TTL must be > VOICEWIRE_ACCESS_TTL")
	}
	if strings.TrimSpace(cfg.RecognizerEndpoint) == "" {
		return Config{}, fmt.Errorf("VOICEWIRE_RECOGNIZER_ENDPOINT must be set")
	}
	if cfg.RecognizerTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEWIRE_RECOGNIZER_TIMEOUT must be > 0")
	}
	if cfg.RecognizerMaxConcurrent <= 0 {
		return Config{}, fmt.Errorf("VOICEWIRE_RECOGNIZER_MAX_CONCURRENT must be > 0")
	}
	if cfg.HeartbeatInterval <= 0 {
		return Config{}, fmt.Errorf("VOICEWIRE_HEARTBEAT_INTERVAL must be > 0")
	}
	if cfg.HeartbeatTimeout <= cfg.HeartbeatInterval {
		return Config{}, fmt.Errorf("VOICEWIRE_HEARTBEAT_TIMEOUT must be > VOICEWIRE_HEARTBEAT_INTERVAL")
	}
	if cfg.WriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEWIRE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.MaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("VOICEWIRE_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.MsgRatePerSecond <= 0 {
		return Config{}, fmt.Errorf("VOICEWIRE_MSG_RATE_PER_SECOND must be > 0")
	}
	if cfg.MaxConnsPerUser <= 0 {
		return Config{}, fmt.Errorf("VOICEWIRE_MAX_CONNS_PER_USER must be > 0")
	}
	if cfg.TouchInterval <= 0 {
		return Config{}, fmt.Errorf("VOICEWIRE_TOUCH_INTERVAL must be > 0")
	}
	if cfg.PipelineQueueSize <= 0 {
		return Config{}, fmt.Errorf("VOICEWIRE_PIPELINE_QUEUE_SIZE must be > 0")
	}
	if cfg.LookbackSize <= 0 {
		return Config{}, fmt.Errorf("VOICEWIRE_LOOKBACK_SIZE must be > 0")
	}
	if cfg.ValidateOpsPerMinute <= 0 {
		return Config{}, fmt.Errorf("VOICEWIRE_VALIDATE_OPS_PER_MINUTE must be > 0")
	}
	if cfg.StoreOpsPerSecond <= 0 {
		return Config{}, fmt.Errorf("VOICEWIRE_STORE_OPS_PER_SECOND must be > 0")
	}
	if cfg.StoreOpsBurst <= 0 {
		return Config{}, fmt.Errorf("VOICEWIRE_STORE_OPS_BURST must be > 0")
	}
	if cfg.CleanupInterval <= 0 {
		return Config{}, fmt.Errorf("VOICEWIRE_CLEANUP_INTERVAL must be > 0")
	}
	if cfg.CleanupBatchSize <= 0 {
		return Config{}, fmt.Errorf("VOICEWIRE_CLEANUP_BATCH_SIZE must be > 0")
	}
	if cfg.RequestTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEWIRE_REQUEST_TIMEOUT must be > 0")
	}
	if cfg.BreakerWindow <= 0 {
		return Config{}, fmt.Errorf("VOICEWIRE_BREAKER_WINDOW must be > 0")
	}
	if cfg.BreakerCooldown <= 0 {
		return Config{}, fmt.Errorf("VOICEWIRE_BREAKER_COOLDOWN must be > 0")
	}
	if cfg.RetryAttempts <= 0 {
		return Config{}, fmt.Errorf("VOICEWIRE_RETRY_ATTEMPTS must be > 0")
	}
	if cfg.RetryBase <= 0 {
		return Config{}, fmt.Errorf("VOICEWIRE_RETRY_BASE must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEWIRE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VOICEWIRE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
