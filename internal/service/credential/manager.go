// Package credential keeps Slack access tokens usable: it refreshes them lazily
// shortly before expiry and tells when the user has to reconnect.
package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nkiryanov/chatscheduler/internal/apperrors"
	"github.com/nkiryanov/chatscheduler/internal/logger"
	"github.com/nkiryanov/chatscheduler/internal/metrics"
	"github.com/nkiryanov/chatscheduler/internal/models"
	"github.com/nkiryanov/chatscheduler/internal/repository"
	"github.com/nkiryanov/chatscheduler/internal/service/slack"
)

// Tokens expiring within the window are refreshed before use
const DefaultRefreshWindow = 5 * time.Minute

// Upper bound of a refresh detached from the caller context.
// Slack invalidates the old refresh token as soon as it returns a new one, so the write must happen
const refreshTimeout = 30 * time.Second

// Part of Slack API the manager talks to
type TokenClient interface {
	RefreshToken(ctx context.Context, refreshToken string) (slack.TokenGrant, error)
	AuthTest(ctx context.Context, token string) (slack.Identity, error)
}

type Manager struct {
	repo   repository.CredentialRepo
	client TokenClient
	logger logger.Logger

	window time.Duration
	now    func() time.Time

	// Collapses concurrent refreshes of the same user
	flight singleflight.Group
}

type Option func(*Manager)

func WithRefreshWindow(window time.Duration) Option {
	return func(m *Manager) {
		m.window = window
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func NewManager(repo repository.CredentialRepo, client TokenClient, l logger.Logger, opts ...Option) *Manager {
	m := &Manager{
		repo:   repo,
		client: client,
		logger: l,
		window: DefaultRefreshWindow,
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// GetValidAccessToken returns access token usable right now, refreshing it if it expires soon
func (m *Manager) GetValidAccessToken(ctx context.Context, userID string) (string, error) {
	c, err := m.repo.Get(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("can't get credential: %w", err)
	}

	if !c.ExpiresWithin(m.now(), m.window) {
		return c.AccessToken, nil
	}

	m.logger.Info("Access token expires soon, refreshing", "user_id", userID, "expires_at", c.TokenExpiresAt)

	token, err := m.shared(ctx, userID, func(ctx context.Context) (string, error) {
		// Somebody may have refreshed while we were waiting
		current, err := m.repo.Get(ctx, userID)
		if err != nil {
			return "", err
		}
		if !current.ExpiresWithin(m.now(), m.window) {
			return current.AccessToken, nil
		}
		return m.refresh(ctx, current)
	})
	if err != nil {
		m.logger.Warn("Failed to refresh access token", "user_id", userID, "error", err)
		return "", fmt.Errorf("%w: %w", apperrors.ErrRefreshFailed, err)
	}

	return token, nil
}

// RefreshAccessToken exchanges refresh token of the credential for a new access token and persists it.
// The credential may be stale: on rejected refresh token the stored one is revoked only if it is the same token
func (m *Manager) RefreshAccessToken(ctx context.Context, c models.Credential) (string, error) {
	return m.shared(ctx, c.UserID, func(ctx context.Context) (string, error) {
		return m.refresh(ctx, c)
	})
}

// Runs fn once per user at a time. fn gets a context that survives caller cancellation
func (m *Manager) shared(ctx context.Context, userID string, fn func(ctx context.Context) (string, error)) (string, error) {
	v, err, _ := m.flight.Do(userID, func() (any, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()

		return fn(flightCtx)
	})
	if err != nil {
		return "", err
	}

	return v.(string), nil
}

func (m *Manager) refresh(ctx context.Context, c models.Credential) (string, error) {
	if c.RefreshToken == nil {
		m.logger.Warn("No refresh token available", "user_id", c.UserID)
		metrics.TokenRefresh.WithLabelValues("rejected").Inc()
		return "", fmt.Errorf("%w: %w", apperrors.ErrAuthenticationRequired, apperrors.ErrNoRefreshToken)
	}

	grant, err := m.client.RefreshToken(ctx, *c.RefreshToken)
	if err != nil {
		if slack.ErrorCode(err) == slack.CodeInvalidRefreshToken {
			metrics.TokenRefresh.WithLabelValues("rejected").Inc()
			m.revoke(ctx, c.UserID, *c.RefreshToken)
			return "", fmt.Errorf("%w: %w: %w", apperrors.ErrAuthenticationRequired, apperrors.ErrRefreshRejected, err)
		}

		metrics.TokenRefresh.WithLabelValues("error").Inc()
		return "", fmt.Errorf("refresh call failed: %w", err)
	}

	now := m.now()
	update := models.TokenUpdate{
		AccessToken:    grant.AccessToken,
		RefreshToken:   c.RefreshToken,
		TokenExpiresAt: c.TokenExpiresAt,
		RefreshedAt:    &now,
	}
	if grant.RefreshToken != nil {
		update.RefreshToken = grant.RefreshToken
	}
	if grant.ExpiresIn > 0 {
		expiresAt := now.Add(grant.ExpiresIn)
		update.TokenExpiresAt = &expiresAt
	}

	stored, err := m.repo.UpdateTokens(ctx, c.UserID, c.Version, update)
	if errors.Is(err, apperrors.ErrCredentialConflict) {
		metrics.TokenRefresh.WithLabelValues("conflict").Inc()
		return m.resolveConflict(ctx, c.UserID, update)
	}
	if err != nil {
		metrics.TokenRefresh.WithLabelValues("error").Inc()
		return "", fmt.Errorf("can't save refreshed token: %w", err)
	}

	metrics.TokenRefresh.WithLabelValues("ok").Inc()
	m.logger.Info("Access token refreshed",
		"user_id", stored.UserID,
		"expires_at", stored.TokenExpiresAt,
		"refresh_count", stored.TokenRefreshCount,
		"rotated", grant.RefreshToken != nil,
	)

	return stored.AccessToken, nil
}

// Somebody else wrote the credential between read and write
// Winner's token is used if it is fresh, otherwise ours is written on top of the winner
func (m *Manager) resolveConflict(ctx context.Context, userID string, update models.TokenUpdate) (string, error) {
	current, err := m.repo.Get(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("can't reread credential after conflict: %w", err)
	}

	if !current.ExpiresWithin(m.now(), m.window) {
		m.logger.Info("Credential refreshed concurrently, using stored token", "user_id", userID)
		return current.AccessToken, nil
	}

	stored, err := m.repo.UpdateTokens(ctx, userID, current.Version, update)
	if err != nil {
		return "", fmt.Errorf("can't save refreshed token after conflict: %w", err)
	}

	return stored.AccessToken, nil
}

// Refresh token was rejected: the credential is dead until user reconnects.
// Stored credential is left alone if it carries another refresh token by now
func (m *Manager) revoke(ctx context.Context, userID string, rejected string) {
	current, err := m.repo.Get(ctx, userID)
	if err != nil {
		m.logger.Error("Failed to mark credential as revoked", "user_id", userID, "error", err)
		return
	}
	if current.RefreshToken == nil || *current.RefreshToken != rejected {
		m.logger.Info("Credential changed since refresh token was read, not revoking", "user_id", userID)
		return
	}

	now := m.now()
	_, err = m.repo.UpdateTokens(ctx, userID, current.Version, models.TokenUpdate{
		AccessToken:    current.AccessToken,
		RefreshToken:   nil,
		TokenExpiresAt: &now,
	})
	if err != nil {
		m.logger.Error("Failed to mark credential as revoked", "user_id", userID, "error", err)
		return
	}

	m.logger.Warn("Refresh token is invalid, user has to reconnect", "user_id", userID)
}

// NeedsReAuthentication reports whether only a new OAuth handshake may give a usable token
// Unknown user needs authentication as well
func (m *Manager) NeedsReAuthentication(ctx context.Context, userID string) (bool, error) {
	c, err := m.repo.Get(ctx, userID)

	switch {
	case err == nil:
		return c.NeedsReAuthentication(m.now()), nil
	case errors.Is(err, apperrors.ErrUserNotFound):
		return true, nil
	default:
		return false, fmt.Errorf("can't get credential: %w", err)
	}
}

// GetBotToken returns bot token if the installation has one, otherwise access token
func (m *Manager) GetBotToken(ctx context.Context, userID string) (string, error) {
	c, err := m.repo.Get(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("can't get credential: %w", err)
	}

	if c.BotToken != nil && *c.BotToken != "" {
		return *c.BotToken, nil
	}
	return c.AccessToken, nil
}

// ValidateToken probes the token against Slack. Never fails, any problem means invalid token
func (m *Manager) ValidateToken(ctx context.Context, token string) bool {
	if _, err := m.client.AuthTest(ctx, token); err != nil {
		m.logger.Warn("Token validation failed", "error", err)
		return false
	}
	return true
}

func (m *Manager) Status(ctx context.Context, userID string) (models.TokenStatus, error) {
	c, err := m.repo.Get(ctx, userID)
	if err != nil {
		return models.TokenStatus{}, fmt.Errorf("can't get credential: %w", err)
	}

	return models.NewTokenStatus(c, m.now()), nil
}
