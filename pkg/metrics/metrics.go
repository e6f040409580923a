// Package metrics holds the Prometheus instrumentation for the
// gateway, session store, and streaming pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains every collector the service exports. Construct once
// with New and inject; promauto registers against the default
// registry.
type Metrics struct {
	// Connection metrics
	ActiveConnections prometheus.Gauge
	ConnectionsOpened prometheus.Counter
	ConnectionsClosed *prometheus.CounterVec
	HeartbeatTimeouts prometheus.Counter
	FramesReceived    *prometheus.CounterVec
	FramesRejected    *prometheus.CounterVec
	RateLimitedFrames prometheus.Counter

	// Pipeline metrics
	ChunksProcessed prometheus.Counter
	ChunkFailures   prometheus.Counter
	ChunkLatency    prometheus.Histogram
	PipelinePaused  prometheus.Gauge

	// Session metrics
	SessionsCreated    prometheus.Counter
	SessionsEnded      prometheus.Counter
	SessionsCleaned    prometheus.Counter
	SessionCacheMisses prometheus.Counter

	// Resilience metrics
	BreakerState *prometheus.GaugeVec
	AuthFailures prometheus.Counter
}

func New() *Metrics {
	return &Metrics{
		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "voicewire_active_connections",
			Help: "Current number of live duplex connections",
		}),
		ConnectionsOpened: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicewire_connections_opened_total",
			Help: "Total number of accepted connections",
		}),
		ConnectionsClosed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "voicewire_connections_closed_total",
			Help: "Total number of closed connections by reason",
		}, []string{"reason"}),
		HeartbeatTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicewire_heartbeat_timeouts_total",
			Help: "Connections force-closed after a missed heartbeat window",
		}),
		FramesReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "voicewire_frames_received_total",
			Help: "Inbound frames by envelope type",
		}, []string{"type"}),
		FramesRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "voicewire_frames_rejected_total",
			Help: "Inbound frames rejected before processing, by reason",
		}, []string{"reason"}),
		RateLimitedFrames: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicewire_rate_limited_frames_total",
			Help: "Frames rejected by the per-connection message rate limit",
		}),

		ChunksProcessed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicewire_chunks_processed_total",
			Help: "Audio chunks successfully forwarded to recognition",
		}),
		ChunkFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicewire_chunk_failures_total",
			Help: "Audio chunks that exhausted their retry budget",
		}),
		ChunkLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicewire_chunk_latency_seconds",
			Help:    "End-to-end recognition latency per chunk",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		PipelinePaused: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "voicewire_pipelines_paused",
			Help: "Pipelines currently suspended by backpressure",
		}),

		SessionsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicewire_sessions_created_total",
			Help: "Sessions created",
		}),
		SessionsEnded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicewire_sessions_ended_total",
			Help: "Sessions ended explicitly",
		}),
		SessionsCleaned: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicewire_sessions_cleaned_total",
			Help: "Expired sessions removed by the background sweep",
		}),
		SessionCacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicewire_session_cache_misses_total",
			Help: "Session reads that fell back to the durable store",
		}),

		BreakerState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "voicewire_breaker_state",
			Help: "Circuit breaker state per dependency (0 closed, 1 half-open, 2 open)",
		}, []string{"dependency"}),
		AuthFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicewire_auth_failures_total",
			Help: "Token verifications that failed",
		}),
	}
}

// ObserveBreaker records a breaker state transition.
func (m *Metrics) ObserveBreaker(dependency string, state int) {
	m.BreakerState.WithLabelValues(dependency).Set(float64(state))
}
