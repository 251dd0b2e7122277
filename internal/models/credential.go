package models

import (
	"time"
)

// Credential of a Slack user the service acts on behalf of
type Credential struct {
	UserID   string // Slack user id
	TeamID   string
	TeamName string
	UserName string

	AccessToken string
	BotToken    *string // nil if the workspace installation has no bot token

	// nil means the access token can't be silently renewed
	RefreshToken *string

	// nil means the access token never expires
	TokenExpiresAt *time.Time

	LastTokenRefresh  *time.Time
	TokenRefreshCount int

	// Optimistic lock: bumped by the store on every token update
	Version int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Expiry within the window (or already past) means the token has to be refreshed before use
func (c *Credential) ExpiresWithin(now time.Time, window time.Duration) bool {
	if c.TokenExpiresAt == nil {
		return false
	}
	return !c.TokenExpiresAt.After(now.Add(window))
}

// True if the credential is dead and only a new OAuth handshake may revive it
func (c *Credential) NeedsReAuthentication(now time.Time) bool {
	return c.RefreshToken == nil && c.TokenExpiresAt != nil && !c.TokenExpiresAt.After(now)
}

// Token update produced by a refresh
type TokenUpdate struct {
	AccessToken    string
	RefreshToken   *string
	TokenExpiresAt *time.Time

	// Set on successful refresh only
	RefreshedAt *time.Time
}

// Diagnostic snapshot of the credential freshness
type TokenStatus struct {
	UserID            string     `json:"slack_user_id"`
	HasRefreshToken   bool       `json:"has_refresh_token"`
	TokenExpiresAt    *time.Time `json:"token_expires_at"`
	IsExpired         bool       `json:"is_expired"`
	ExpiresInMinutes  *int       `json:"expires_in_minutes"`
	LastTokenRefresh  *time.Time `json:"last_token_refresh"`
	TokenRefreshCount int        `json:"token_refresh_count"`
}

func NewTokenStatus(c Credential, now time.Time) TokenStatus {
	s := TokenStatus{
		UserID:            c.UserID,
		HasRefreshToken:   c.RefreshToken != nil,
		TokenExpiresAt:    c.TokenExpiresAt,
		LastTokenRefresh:  c.LastTokenRefresh,
		TokenRefreshCount: c.TokenRefreshCount,
	}

	if c.TokenExpiresAt != nil {
		s.IsExpired = !c.TokenExpiresAt.After(now)
		minutes := int(c.TokenExpiresAt.Sub(now) / time.Minute)
		s.ExpiresInMinutes = &minutes
	}

	return s
}
