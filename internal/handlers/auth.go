package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/nkiryanov/chatscheduler/internal/handlers/render"
	"github.com/nkiryanov/chatscheduler/internal/handlers/userctx"
	"github.com/nkiryanov/chatscheduler/internal/logger"
	"github.com/nkiryanov/chatscheduler/internal/models"
	"github.com/nkiryanov/chatscheduler/internal/service/auth"
)

type authService interface {
	AuthorizeURL() string

	// Finish Slack OAuth handshake and open session for the user
	Connect(ctx context.Context, code string) (auth.Session, models.Credential, error)
}

type tokenStatusService interface {
	Status(ctx context.Context, userID string) (models.TokenStatus, error)
}

type AuthHandler struct {
	auth        authService
	tokens      tokenStatusService
	frontendURL string
	logger      logger.Logger
}

func NewAuth(a authService, tokens tokenStatusService, frontendURL string, l logger.Logger) *AuthHandler {
	return &AuthHandler{
		auth:        a,
		tokens:      tokens,
		frontendURL: frontendURL,
		logger:      l,
	}
}

func (h *AuthHandler) slackAuthorize(w http.ResponseWriter, _ *http.Request) {
	type AuthorizeResponse struct {
		AuthURL string `json:"auth_url"`
	}

	render.JSON(w, AuthorizeResponse{AuthURL: h.auth.AuthorizeURL()})
}

// Slack redirects here after user approved the app
// On success user is sent back to frontend with the session token in query
func (h *AuthHandler) slackCallback(w http.ResponseWriter, r *http.Request) {
	type sessionUser struct {
		UserID   string `json:"slack_user_id"`
		TeamName string `json:"team_name"`
		UserName string `json:"user_name"`
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		render.ServiceError(w, "Authorization code required", http.StatusBadRequest)
		return
	}

	session, c, err := h.auth.Connect(r.Context(), code)
	if err != nil {
		h.logger.Error("OAuth callback failed", "error", err)
		render.ServiceError(w, "Authentication failed", http.StatusInternalServerError)
		return
	}

	user, err := json.Marshal(sessionUser{UserID: c.UserID, TeamName: c.TeamName, UserName: c.UserName})
	if err != nil {
		render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	redirect, err := url.Parse(h.frontendURL)
	if err != nil {
		h.logger.Error("Frontend URL is invalid", "url", h.frontendURL, "error", err)
		render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	q := redirect.Query()
	q.Set("token", session.Token)
	q.Set("user", string(user))
	redirect.RawQuery = q.Encode()

	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

func (h *AuthHandler) user(w http.ResponseWriter, r *http.Request) {
	type UserResponse struct {
		UserID            string     `json:"slack_user_id"`
		TeamID            string     `json:"slack_team_id"`
		TeamName          string     `json:"team_name"`
		UserName          string     `json:"user_name"`
		TokenExpiresAt    *time.Time `json:"token_expires_at"`
		LastTokenRefresh  *time.Time `json:"last_token_refresh"`
		TokenRefreshCount int        `json:"token_refresh_count"`
	}

	c, ok := userctx.FromContext(r.Context())
	if !ok {
		render.ServiceError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	render.JSON(w, UserResponse{
		UserID:            c.UserID,
		TeamID:            c.TeamID,
		TeamName:          c.TeamName,
		UserName:          c.UserName,
		TokenExpiresAt:    c.TokenExpiresAt,
		LastTokenRefresh:  c.LastTokenRefresh,
		TokenRefreshCount: c.TokenRefreshCount,
	})
}

func (h *AuthHandler) tokenStatus(w http.ResponseWriter, r *http.Request) {
	c, ok := userctx.FromContext(r.Context())
	if !ok {
		render.ServiceError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	status, err := h.tokens.Status(r.Context(), c.UserID)
	if err != nil {
		h.logger.Error("Failed to get token status", "user_id", c.UserID, "error", err)
		render.ServiceError(w, "Failed to get token status", http.StatusInternalServerError)
		return
	}

	render.JSON(w, status)
}
