package handlers

import "net/http"

// Healthz reports process liveness.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz reports readiness for new connections. Draining flips it to
// 503 so load balancers stop routing here during shutdown.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.life != nil && h.life.Draining() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Statusz exposes the aggregate health of every live pipeline.
func (h *Handler) Statusz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.Health())
}
