package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicewire/voicewire/pkg/auth"
	"github.com/voicewire/voicewire/pkg/fault"
	"github.com/voicewire/voicewire/pkg/gateway/live/conn"
	"github.com/voicewire/voicewire/pkg/gateway/live/conns"
	"github.com/voicewire/voicewire/pkg/gateway/live/protocol"
	"github.com/voicewire/voicewire/pkg/gateway/ratelimit"
	"github.com/voicewire/voicewire/pkg/pipeline"
)

// WS handles GET /ws. The handshake carries a Bearer access token; the
// socket is upgraded first and closed with a policy-violation code when
// authentication fails, so clients always get a close frame rather
// than a dropped TCP connection.
func (h *Handler) WS(w http.ResponseWriter, r *http.Request) {
	if h.life != nil && h.life.Draining() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	token := bearerToken(r)
	if token == "" {
		h.rejectSocket(ws, "missing token")
		return
	}
	claims, err := h.verify(r.Context(), token)
	if err != nil || claims.SessionID == "" {
		if h.metrics != nil {
			h.metrics.AuthFailures.Inc()
		}
		h.rejectSocket(ws, "authentication failed")
		return
	}

	sess, err := h.sessions.Validate(r.Context(), claims.SessionID, token)
	if err != nil {
		if fault.CategoryOf(err) == fault.CategoryAuth && h.metrics != nil {
			h.metrics.AuthFailures.Inc()
		}
		h.rejectSocket(ws, "authentication failed")
		return
	}

	// A user gets a bounded number of live connections across all
	// their sessions; the permit is held for the connection's lifetime.
	grant := h.connLimiter.AcquireConn(ratelimit.PrincipalKey(sess.UserID), time.Now())
	if !grant.Allowed {
		h.logger.Warn("connection cap reached", "user_id", sess.UserID)
		h.rejectSocket(ws, "too many concurrent connections")
		return
	}

	connID := randomID("c")
	pipe := h.newPipeline()
	c := conn.New(connID, sess.ID, ws, pipe, h.sessions, h.connCfg)
	pipe.SetCallbacks(c.SendTranscript, c.SendError)

	unregister := h.registry.Register(connID, conns.Handle{
		SessionID: sess.ID,
		Terminate: c.Close,
		Warn: func(code, message string) error {
			c.SendError(fault.System(code, message, nil), pipeline.Chunk{})
			return nil
		},
		Health: c.Health,
	})
	c.OnUnregister(func() {
		grant.Permit.Release()
		unregister()
	})

	if _, err := h.sessions.Bind(r.Context(), sess.ID, connID); err != nil {
		h.logger.Warn("bind connection to session failed",
			"session_id", sess.ID, "conn_id", connID, "err", err)
	}

	if h.metrics != nil {
		h.metrics.ConnectionsOpened.Inc()
		h.metrics.ActiveConnections.Inc()
		defer h.metrics.ActiveConnections.Dec()
	}
	h.logger.Info("connection opened",
		"conn_id", connID, "session_id", sess.ID, "user_id", sess.UserID)

	c.Run()
}

func (h *Handler) verify(ctx context.Context, token string) (*auth.Claims, error) {
	if h.authBreaker == nil {
		return h.tokens.Verify(token)
	}
	var claims *auth.Claims
	err := h.authBreaker.Do(ctx, func(context.Context) error {
		var verr error
		claims, verr = h.tokens.Verify(token)
		return verr
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// rejectSocket closes a just-upgraded socket with a policy violation
// frame. Clients must not learn which verification step failed.
func (h *Handler) rejectSocket(ws *websocket.Conn, reason string) {
	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(protocol.ClosePolicyViolation, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = ws.Close()
}
