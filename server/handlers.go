package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/recent-messages/auth"
	"github.com/onnwee/recent-messages/db"
	"github.com/onnwee/recent-messages/messages"
	"github.com/onnwee/recent-messages/registry"
)

// ChannelRegistry is the slice of the registry the API uses.
type ChannelRegistry interface {
	GetRecent(ctx context.Context, login string, opts messages.ExportOptions) ([]string, bool, error)
	Purge(ctx context.Context, login string) error
	SetBlocked(ctx context.Context, login string, blocked bool) error
	IsBlocked(ctx context.Context, login string) (bool, error)
}

// SessionService is the slice of the auth service the API uses. Nil when the
// OAuth surface is not configured.
type SessionService interface {
	Create(ctx context.Context, code string) (*db.UserAuthorization, error)
	Authorize(ctx context.Context, authorizationHeader string) (*db.UserAuthorization, error)
	Extend(ctx context.Context, a *db.UserAuthorization) error
	Revoke(ctx context.Context, a *db.UserAuthorization) error
}

// Handlers holds the API dependencies.
type Handlers struct {
	registry        ChannelRegistry
	auth            SessionService
	maxLimit        int
	detailsValidFor time.Duration
}

func NewHandlers(reg ChannelRegistry, sessions SessionService, maxLimit int, detailsValidFor time.Duration) *Handlers {
	return &Handlers{registry: reg, auth: sessions, maxLimit: maxLimit, detailsValidFor: detailsValidFor}
}

// handleGetRecentMessages serves GET /api/v2/recent-messages/{channel_login}.
func (h *Handlers) handleGetRecentMessages(w http.ResponseWriter, r *http.Request) {
	login := r.PathValue("channel_login")
	opts, err := parseExportOptions(r, h.maxLimit)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, codeInvalidQuery, err.Error())
		return
	}

	lines, notJoined, err := h.registry.GetRecent(r.Context(), login, opts)
	if err != nil {
		h.writeRegistryError(w, err)
		return
	}
	resp := recentMessagesResponse{Messages: lines}
	if notJoined {
		msg := "The bot is currently not joined to this channel (in progress or failed previously)"
		code := codeChannelNotJoined
		resp.Error = &msg
		resp.ErrorCode = &code
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) writeRegistryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrInvalidChannelLogin):
		writeAPIError(w, http.StatusBadRequest, codeInvalidChannelLogin, "Invalid channel login")
	case errors.Is(err, registry.ErrChannelIgnored):
		writeAPIError(w, http.StatusForbidden, codeChannelIgnored, "The channel is excluded from this service")
	default:
		slog.Error("request failed", slog.Any("err", err))
		writeAPIError(w, http.StatusInternalServerError, codeInternalError, "Internal server error")
	}
}

// authorize resolves the session for a request, writing the error response
// itself when the request is not authorized.
func (h *Handlers) authorize(w http.ResponseWriter, r *http.Request) *db.UserAuthorization {
	if h.auth == nil {
		writeAPIError(w, http.StatusServiceUnavailable, codeUnauthorized, "Authorization is not configured on this instance")
		return nil
	}
	a, err := h.auth.Authorize(r.Context(), r.Header.Get("Authorization"))
	if errors.Is(err, auth.ErrUnauthorized) {
		writeAPIError(w, http.StatusUnauthorized, codeUnauthorized, "Unauthorized")
		return nil
	}
	if err != nil {
		slog.Error("authorization check failed", slog.Any("err", err))
		writeAPIError(w, http.StatusInternalServerError, codeInternalError, "Internal server error")
		return nil
	}
	return a
}

// authorization is the session payload returned to the frontend. The Twitch
// tokens never leave the service.
type authorization struct {
	AccessToken           string    `json:"access_token"`
	ValidUntil            time.Time `json:"valid_until"`
	UserID                string    `json:"user_id"`
	UserLogin             string    `json:"user_login"`
	UserName              string    `json:"user_name"`
	UserProfileImageURL   string    `json:"user_profile_image_url"`
	UserDetailsValidUntil time.Time `json:"user_details_valid_until"`
}

func (h *Handlers) toAuthorization(a *db.UserAuthorization) authorization {
	return authorization{
		AccessToken:           a.AccessToken,
		ValidUntil:            a.ValidUntil,
		UserID:                a.UserID,
		UserLogin:             a.UserLogin,
		UserName:              a.UserName,
		UserProfileImageURL:   a.UserProfileImageURL,
		UserDetailsValidUntil: a.TwitchAuthorizationLastValidated.Add(h.detailsValidFor),
	}
}

// handleAuthCreate serves POST /api/v2/auth/create?code=...
func (h *Handlers) handleAuthCreate(w http.ResponseWriter, r *http.Request) {
	if h.auth == nil {
		writeAPIError(w, http.StatusServiceUnavailable, codeUnauthorized, "Authorization is not configured on this instance")
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		writeAPIError(w, http.StatusBadRequest, codeInvalidQuery, "code query parameter is required")
		return
	}
	a, err := h.auth.Create(r.Context(), code)
	if err != nil {
		slog.Warn("session creation failed", slog.Any("err", err))
		writeAPIError(w, http.StatusUnauthorized, codeUnauthorized, "Failed to exchange authorization code")
		return
	}
	writeJSON(w, http.StatusOK, h.toAuthorization(a))
}

// handleAuthExtend serves POST /api/v2/auth/extend.
func (h *Handlers) handleAuthExtend(w http.ResponseWriter, r *http.Request) {
	a := h.authorize(w, r)
	if a == nil {
		return
	}
	if err := h.auth.Extend(r.Context(), a); err != nil {
		slog.Error("failed to extend session", slog.Any("err", err))
		writeAPIError(w, http.StatusInternalServerError, codeInternalError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, h.toAuthorization(a))
}

// handleAuthRevoke serves POST /api/v2/auth/revoke.
func (h *Handlers) handleAuthRevoke(w http.ResponseWriter, r *http.Request) {
	a := h.authorize(w, r)
	if a == nil {
		return
	}
	if err := h.auth.Revoke(r.Context(), a); err != nil {
		slog.Error("failed to revoke session", slog.Any("err", err))
		writeAPIError(w, http.StatusInternalServerError, codeInternalError, "Internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePurge serves POST /api/v2/purge. The session identifies the channel;
// a broadcaster can only ever purge their own.
func (h *Handlers) handlePurge(w http.ResponseWriter, r *http.Request) {
	a := h.authorize(w, r)
	if a == nil {
		return
	}
	login := a.UserLogin
	if err := h.registry.Purge(r.Context(), login); err != nil {
		h.writeRegistryError(w, err)
		return
	}
	slog.Info("purged channel", slog.String("channel", login))
	w.WriteHeader(http.StatusNoContent)
}

// handleGetIgnored serves GET /api/v2/ignored for the session user's own
// channel.
func (h *Handlers) handleGetIgnored(w http.ResponseWriter, r *http.Request) {
	a := h.authorize(w, r)
	if a == nil {
		return
	}
	ignored, err := h.registry.IsBlocked(r.Context(), a.UserLogin)
	if err != nil {
		h.writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ignored": ignored})
}

// handleSetIgnored serves POST /api/v2/ignored with body {"ignored": bool},
// flipping the blocklist flag for the session user's own channel.
func (h *Handlers) handleSetIgnored(w http.ResponseWriter, r *http.Request) {
	a := h.authorize(w, r)
	if a == nil {
		return
	}
	var body struct {
		Ignored *bool `json:"ignored"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Ignored == nil {
		writeAPIError(w, http.StatusBadRequest, codeMalformedBody, `body must be {"ignored": true|false}`)
		return
	}
	if err := h.registry.SetBlocked(r.Context(), a.UserLogin, *body.Ignored); err != nil {
		h.writeRegistryError(w, err)
		return
	}
	slog.Info("updated channel blocklist state",
		slog.String("channel", a.UserLogin), slog.Bool("ignored", *body.Ignored))
	writeJSON(w, http.StatusOK, map[string]bool{"ignored": *body.Ignored})
}

// handleHealthz reports liveness.
func (h *Handlers) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		slog.Debug("failed to write health response", slog.Any("err", err))
	}
}
