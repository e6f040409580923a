package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/voicewire/voicewire/pkg/auth"
	"github.com/voicewire/voicewire/pkg/fault"
	"github.com/voicewire/voicewire/pkg/gateway/apierror"
	"github.com/voicewire/voicewire/pkg/session"
)

type createSessionRequest struct {
	UserID   string           `json:"userId"`
	Email    string           `json:"email"`
	Role     string           `json:"role"`
	Metadata session.Metadata `json:"metadata"`
}

type tokenPair struct {
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
}

type sessionResponse struct {
	Session *session.Session `json:"session"`
	Tokens  *tokenPair       `json:"tokens,omitempty"`
}

func pairOf(p auth.Pair) *tokenPair {
	return &tokenPair{
		AccessToken:      p.AccessToken,
		RefreshToken:     p.RefreshToken,
		AccessExpiresAt:  p.AccessExpiresAt,
		RefreshExpiresAt: p.RefreshExpiresAt,
	}
}

// CreateSession handles POST /v1/sessions.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.Write(w, fault.Validation("bad_json", "request body is not valid JSON"))
		return
	}
	if req.UserID == "" || req.Email == "" {
		apierror.Write(w, fault.Validation("missing_fields", "userId and email are required"))
		return
	}
	if req.Role == "" {
		req.Role = "user"
	}

	id := session.Identity{UserID: req.UserID, Email: req.Email, Role: req.Role}
	s, pair, err := h.sessions.Create(r.Context(), id, req.Metadata)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.SessionsCreated.Inc()
	}
	writeJSON(w, http.StatusCreated, sessionResponse{Session: s, Tokens: pairOf(pair)})
}

// ValidateSession handles POST /v1/sessions/{id}/validate. The access
// token must be bound to the session named in the path.
func (h *Handler) ValidateSession(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		apierror.Write(w, fault.Auth())
		return
	}
	s, err := h.sessions.Validate(r.Context(), r.PathValue("id"), token)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: s})
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// RefreshSession handles POST /v1/sessions/{id}/refresh. The consumed
// refresh token is rotated out; replaying it fails.
func (h *Handler) RefreshSession(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		apierror.Write(w, fault.Validation("missing_refresh_token", "refreshToken is required"))
		return
	}
	pair, err := h.sessions.Refresh(r.Context(), r.PathValue("id"), req.RefreshToken)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Tokens *tokenPair `json:"tokens"`
	}{Tokens: pairOf(pair)})
}

// EndSession handles DELETE /v1/sessions/{id}. The session's live
// connection, if any, is terminated as part of teardown.
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		apierror.Write(w, fault.Auth())
		return
	}
	sessionID := r.PathValue("id")
	if err := h.sessions.End(r.Context(), sessionID, token); err != nil {
		apierror.Write(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.SessionsEnded.Inc()
	}
	if h.registry.TerminateSession(sessionID, 1000, "session ended") {
		h.logger.Info("terminated connection for ended session", "session_id", sessionID)
	}
	w.WriteHeader(http.StatusNoContent)
}
