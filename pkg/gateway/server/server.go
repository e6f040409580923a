// Package server assembles the gateway's routes and middleware chain.
package server

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voicewire/voicewire/pkg/gateway/handlers"
	"github.com/voicewire/voicewire/pkg/gateway/mw"
)

type Server struct {
	h      *handlers.Handler
	logger *slog.Logger
	mux    *http.ServeMux
}

func New(h *handlers.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{h: h, logger: logger, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.h.Healthz)
	s.mux.HandleFunc("GET /readyz", s.h.Readyz)
	s.mux.HandleFunc("GET /statusz", s.h.Statusz)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.HandleFunc("GET /ws", s.h.WS)

	s.mux.HandleFunc("POST /v1/sessions", s.h.CreateSession)
	s.mux.HandleFunc("POST /v1/sessions/{id}/validate", s.h.ValidateSession)
	s.mux.HandleFunc("POST /v1/sessions/{id}/refresh", s.h.RefreshSession)
	s.mux.HandleFunc("DELETE /v1/sessions/{id}", s.h.EndSession)
}

// Handler returns the mux wrapped in the middleware chain, request id
// outermost so every log line carries one.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Recover(s.logger)(h)
	h = mw.AccessLog(s.logger)(h)
	h = mw.RequestID(h)
	return h
}
