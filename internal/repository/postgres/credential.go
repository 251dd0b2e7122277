package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/nkiryanov/chatscheduler/internal/apperrors"
	"github.com/nkiryanov/chatscheduler/internal/models"
)

// Tokens are stored sealed; repo seals on write and opens on read
type CredentialRepo struct {
	DB     DBTX
	Sealer TokenSealer
}

const credentialColumns = `user_id, team_id, team_name, user_name, access_token, bot_token, refresh_token,
	token_expires_at, last_token_refresh, token_refresh_count, version, created_at, updated_at`

// Refresh audit counters survive reconnects: they are never decreased
const upsertCredential = `-- name: UpsertCredential
INSERT INTO credentials (user_id, team_id, team_name, user_name, access_token, bot_token, refresh_token, token_expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (user_id) DO UPDATE SET
	team_id = EXCLUDED.team_id,
	team_name = EXCLUDED.team_name,
	user_name = EXCLUDED.user_name,
	access_token = EXCLUDED.access_token,
	bot_token = EXCLUDED.bot_token,
	refresh_token = EXCLUDED.refresh_token,
	token_expires_at = EXCLUDED.token_expires_at,
	version = credentials.version + 1,
	updated_at = now()
RETURNING ` + credentialColumns

func (r *CredentialRepo) Upsert(ctx context.Context, c models.Credential) (models.Credential, error) {
	sealed, err := r.seal(c)
	if err != nil {
		return c, err
	}

	rows, _ := r.DB.Query(ctx, upsertCredential,
		sealed.UserID, sealed.TeamID, sealed.TeamName, sealed.UserName,
		sealed.AccessToken, sealed.BotToken, sealed.RefreshToken, sealed.TokenExpiresAt,
	)
	stored, err := pgx.CollectOneRow(rows, rowToCredential)
	if err != nil {
		return stored, fmt.Errorf("db error: %w", err)
	}

	return r.open(stored)
}

const getCredential = `-- name: GetCredential
SELECT ` + credentialColumns + `
FROM credentials
WHERE user_id = $1
`

func (r *CredentialRepo) Get(ctx context.Context, userID string) (models.Credential, error) {
	rows, _ := r.DB.Query(ctx, getCredential, userID)
	c, err := pgx.CollectOneRow(rows, rowToCredential)

	switch {
	case err == nil:
		return r.open(c)
	case errors.Is(err, pgx.ErrNoRows):
		return c, apperrors.ErrUserNotFound
	default:
		return c, fmt.Errorf("db error: %w", err)
	}
}

// Compare-and-swap on version
const updateTokens = `-- name: UpdateTokens
UPDATE credentials SET
	access_token = $3,
	refresh_token = $4,
	token_expires_at = $5,
	last_token_refresh = COALESCE($6::timestamptz, last_token_refresh),
	token_refresh_count = token_refresh_count + CASE WHEN $6::timestamptz IS NULL THEN 0 ELSE 1 END,
	version = version + 1,
	updated_at = now()
WHERE user_id = $1 AND version = $2
RETURNING ` + credentialColumns

func (r *CredentialRepo) UpdateTokens(ctx context.Context, userID string, expectedVersion int64, u models.TokenUpdate) (models.Credential, error) {
	var c models.Credential

	access, err := r.Sealer.Seal(u.AccessToken)
	if err != nil {
		return c, fmt.Errorf("can't seal access token. Err: %w", err)
	}
	refresh, err := r.Sealer.SealPtr(u.RefreshToken)
	if err != nil {
		return c, fmt.Errorf("can't seal refresh token. Err: %w", err)
	}

	rows, _ := r.DB.Query(ctx, updateTokens, userID, expectedVersion, access, refresh, u.TokenExpiresAt, u.RefreshedAt)
	c, err = pgx.CollectOneRow(rows, rowToCredential)

	switch {
	case err == nil:
		return r.open(c)
	case errors.Is(err, pgx.ErrNoRows):
		// Either there is no such user or somebody updated tokens first
		if _, getErr := r.Get(ctx, userID); getErr != nil {
			return c, getErr
		}
		return c, apperrors.ErrCredentialConflict
	default:
		return c, fmt.Errorf("db error: %w", err)
	}
}

func (r *CredentialRepo) seal(c models.Credential) (models.Credential, error) {
	var err error

	if c.AccessToken, err = r.Sealer.Seal(c.AccessToken); err != nil {
		return c, fmt.Errorf("can't seal access token. Err: %w", err)
	}
	if c.BotToken, err = r.Sealer.SealPtr(c.BotToken); err != nil {
		return c, fmt.Errorf("can't seal bot token. Err: %w", err)
	}
	if c.RefreshToken, err = r.Sealer.SealPtr(c.RefreshToken); err != nil {
		return c, fmt.Errorf("can't seal refresh token. Err: %w", err)
	}

	return c, nil
}

func (r *CredentialRepo) open(c models.Credential) (models.Credential, error) {
	var err error

	if c.AccessToken, err = r.Sealer.Open(c.AccessToken); err != nil {
		return c, fmt.Errorf("can't open access token of user %s. Err: %w", c.UserID, err)
	}
	if c.BotToken, err = r.Sealer.OpenPtr(c.BotToken); err != nil {
		return c, fmt.Errorf("can't open bot token of user %s. Err: %w", c.UserID, err)
	}
	if c.RefreshToken, err = r.Sealer.OpenPtr(c.RefreshToken); err != nil {
		return c, fmt.Errorf("can't open refresh token of user %s. Err: %w", c.UserID, err)
	}

	return c, nil
}

func rowToCredential(row pgx.CollectableRow) (models.Credential, error) {
	var c models.Credential
	err := row.Scan(
		&c.UserID, &c.TeamID, &c.TeamName, &c.UserName,
		&c.AccessToken, &c.BotToken, &c.RefreshToken,
		&c.TokenExpiresAt, &c.LastTokenRefresh, &c.TokenRefreshCount, &c.Version,
		&c.CreatedAt, &c.UpdatedAt,
	)
	return c, err
}
