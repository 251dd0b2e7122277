package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nkiryanov/chatscheduler/internal/apperrors"
	"github.com/nkiryanov/chatscheduler/internal/logger"
	"github.com/nkiryanov/chatscheduler/internal/models"
	"github.com/nkiryanov/chatscheduler/internal/repository"
	"github.com/nkiryanov/chatscheduler/internal/service/slack"
)

// Used when Slack profile can't be fetched
const UnknownUserName = "Unknown User"

// Part of Slack API used during OAuth handshake
type oauthClient interface {
	AuthorizeURL() string
	ExchangeCode(ctx context.Context, code string) (slack.TokenGrant, error)
	AuthTest(ctx context.Context, token string) (slack.Identity, error)
	UserInfo(ctx context.Context, token string, userID string) (string, error)
}

type reauthChecker interface {
	NeedsReAuthentication(ctx context.Context, userID string) (bool, error)
}

type Service struct {
	sessions    *SessionManager
	credentials repository.CredentialRepo
	slack       oauthClient
	reauth      reauthChecker
	logger      logger.Logger
	now         func() time.Time
}

func NewService(sessions *SessionManager, credentials repository.CredentialRepo, client oauthClient, reauth reauthChecker, l logger.Logger) *Service {
	return &Service{
		sessions:    sessions,
		credentials: credentials,
		slack:       client,
		reauth:      reauth,
		logger:      l,
		now:         time.Now,
	}
}

// Slack page to install the app and grant scopes
func (s *Service) AuthorizeURL() string {
	return s.slack.AuthorizeURL()
}

// Connect finishes OAuth handshake: exchanges code, stores credential and opens session
func (s *Service) Connect(ctx context.Context, code string) (Session, models.Credential, error) {
	var c models.Credential

	grant, err := s.slack.ExchangeCode(ctx, code)
	if err != nil {
		return Session{}, c, fmt.Errorf("can't exchange oauth code: %w", err)
	}

	identity, err := s.slack.AuthTest(ctx, grant.AccessToken)
	if err != nil {
		return Session{}, c, fmt.Errorf("can't identify user: %w", err)
	}

	userName, err := s.slack.UserInfo(ctx, grant.AccessToken, identity.UserID)
	if err != nil || userName == "" {
		s.logger.Warn("Could not fetch user profile", "user_id", identity.UserID, "error", err)
		userName = UnknownUserName
	}

	c = models.Credential{
		UserID:       identity.UserID,
		TeamID:       identity.TeamID,
		TeamName:     identity.TeamName,
		UserName:     userName,
		AccessToken:  grant.AccessToken,
		BotToken:     grant.BotToken,
		RefreshToken: grant.RefreshToken,
	}
	if grant.ExpiresIn > 0 {
		expiresAt := s.now().Add(grant.ExpiresIn)
		c.TokenExpiresAt = &expiresAt
	}

	c, err = s.credentials.Upsert(ctx, c)
	if err != nil {
		return Session{}, c, fmt.Errorf("can't save credential: %w", err)
	}

	session, err := s.sessions.Issue(c)
	if err != nil {
		return Session{}, c, err
	}

	s.logger.Info("User connected",
		"user_id", c.UserID,
		"team_id", c.TeamID,
		"token_expires_at", c.TokenExpiresAt,
		"has_refresh_token", c.RefreshToken != nil,
	)
	return session, c, nil
}

// Authenticate session token and return credential of its owner
// Owner whose credential can't be renewed anymore gets ErrAuthenticationRequired
func (s *Service) Authenticate(ctx context.Context, token string) (models.Credential, error) {
	userID, err := s.sessions.Parse(token)
	if err != nil {
		return models.Credential{}, err
	}

	needs, err := s.reauth.NeedsReAuthentication(ctx, userID)
	if err != nil {
		return models.Credential{}, fmt.Errorf("can't check credential: %w", err)
	}
	if needs {
		return models.Credential{}, apperrors.ErrAuthenticationRequired
	}

	c, err := s.credentials.Get(ctx, userID)
	if errors.Is(err, apperrors.ErrUserNotFound) {
		return c, apperrors.ErrAuthenticationRequired
	}
	return c, err
}
