package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/nkiryanov/chatscheduler/internal/apperrors"
	"github.com/nkiryanov/chatscheduler/internal/models"
)

const (
	defaultSessionTTL    = 7 * 24 * time.Hour
	defaultSigningMethod = "HS256"
)

// Session token payload. Subject is Slack user id
type SessionClaims struct {
	jwt.RegisteredClaims
	TeamName string `json:"team_name,omitempty"`
	UserName string `json:"user_name,omitempty"`
}

// Session manager with sensible defaults
type SessionConfig struct {
	// Secret key to sign session token
	// Required to be set
	SecretKey string

	// JWT MAC (Message Authentication Code) algorithm
	// If not set than default is used
	Alg string

	// If not set than default is used
	TTL time.Duration
}

type Session struct {
	Token     string
	ExpiresAt time.Time
}

type SessionManager struct {
	// Secret key to sign session token
	key string

	// JWT MAC (Message Authentication Code) algorithm
	alg jwt.SigningMethod

	ttl time.Duration
	now func() time.Time
}

func NewSessionManager(cfg SessionConfig) (*SessionManager, error) {
	if cfg.SecretKey == "" {
		return nil, errors.New("secret key must not be empty")
	}

	if cfg.Alg == "" {
		cfg.Alg = defaultSigningMethod
	}
	alg := jwt.GetSigningMethod(cfg.Alg)
	if alg == nil {
		return nil, fmt.Errorf("unknown signing method %q", cfg.Alg)
	}

	if cfg.TTL == 0 {
		cfg.TTL = defaultSessionTTL
	}

	return &SessionManager{
		key: cfg.SecretKey,
		alg: alg,
		ttl: cfg.TTL,
		now: time.Now,
	}, nil
}

func (m *SessionManager) Issue(c models.Credential) (Session, error) {
	now := m.now().Truncate(time.Second)
	expiresAt := now.Add(m.ttl)

	token := jwt.NewWithClaims(
		m.alg,
		SessionClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				ID:        uuid.NewString(),
				Subject:   c.UserID,
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(expiresAt),
			},
			TeamName: c.TeamName,
			UserName: c.UserName,
		},
	)
	signed, err := token.SignedString([]byte(m.key))
	if err != nil {
		return Session{}, fmt.Errorf("error while signing session token. Err: %w", err)
	}

	return Session{Token: signed, ExpiresAt: expiresAt}, nil
}

// Parse and validate session token, return Slack user id
func (m *SessionManager) Parse(token string) (string, error) {
	claims := &SessionClaims{}

	_, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (any, error) {
			return []byte(m.key), nil
		},
		jwt.WithValidMethods([]string{m.alg.Alg()}),
		jwt.WithTimeFunc(m.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", apperrors.ErrInvalidSession, err)
	}

	if claims.Subject == "" {
		return "", fmt.Errorf("%w: no subject", apperrors.ErrInvalidSession)
	}

	return claims.Subject, nil
}
