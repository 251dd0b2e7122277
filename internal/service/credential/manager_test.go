package credential

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/chatscheduler/internal/apperrors"
	"github.com/nkiryanov/chatscheduler/internal/logger"
	"github.com/nkiryanov/chatscheduler/internal/models"
	"github.com/nkiryanov/chatscheduler/internal/service/slack"
)

func ptr[T any](v T) *T {
	return &v
}

// In-memory credential store with the same version and context semantics as postgres one
type fakeRepo struct {
	mu    sync.Mutex
	creds map[string]models.Credential
}

func newFakeRepo(creds ...models.Credential) *fakeRepo {
	r := &fakeRepo{creds: make(map[string]models.Credential)}
	for _, c := range creds {
		if c.Version == 0 {
			c.Version = 1
		}
		r.creds[c.UserID] = c
	}
	return r
}

func (r *fakeRepo) Upsert(ctx context.Context, c models.Credential) (models.Credential, error) {
	if err := ctx.Err(); err != nil {
		return c, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.creds[c.UserID]; ok {
		c.Version = old.Version + 1
		c.TokenRefreshCount = old.TokenRefreshCount
		c.LastTokenRefresh = old.LastTokenRefresh
	} else {
		c.Version = 1
	}
	r.creds[c.UserID] = c
	return c, nil
}

func (r *fakeRepo) Get(ctx context.Context, userID string) (models.Credential, error) {
	if err := ctx.Err(); err != nil {
		return models.Credential{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.creds[userID]
	if !ok {
		return c, apperrors.ErrUserNotFound
	}
	return c, nil
}

func (r *fakeRepo) UpdateTokens(ctx context.Context, userID string, version int64, u models.TokenUpdate) (models.Credential, error) {
	if err := ctx.Err(); err != nil {
		return models.Credential{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.creds[userID]
	if !ok {
		return c, apperrors.ErrUserNotFound
	}
	if c.Version != version {
		return c, apperrors.ErrCredentialConflict
	}

	c.AccessToken = u.AccessToken
	c.RefreshToken = u.RefreshToken
	c.TokenExpiresAt = u.TokenExpiresAt
	if u.RefreshedAt != nil {
		c.LastTokenRefresh = u.RefreshedAt
		c.TokenRefreshCount++
	}
	c.Version++
	r.creds[userID] = c
	return c, nil
}

func (r *fakeRepo) get(t *testing.T, userID string) models.Credential {
	c, err := r.Get(t.Context(), userID)
	require.NoError(t, err)
	return c
}

type fakeClient struct {
	refreshCalls atomic.Int32

	refresh  func(ctx context.Context, refreshToken string) (slack.TokenGrant, error)
	authTest func(ctx context.Context, token string) (slack.Identity, error)
}

func (c *fakeClient) RefreshToken(ctx context.Context, refreshToken string) (slack.TokenGrant, error) {
	c.refreshCalls.Add(1)
	return c.refresh(ctx, refreshToken)
}

func (c *fakeClient) AuthTest(ctx context.Context, token string) (slack.Identity, error) {
	return c.authTest(ctx, token)
}

func grantOK(access string, refresh *string, expiresIn time.Duration) func(context.Context, string) (slack.TokenGrant, error) {
	return func(context.Context, string) (slack.TokenGrant, error) {
		return slack.TokenGrant{AccessToken: access, RefreshToken: refresh, ExpiresIn: expiresIn}, nil
	}
}

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestManager(repo *fakeRepo, client *fakeClient) *Manager {
	return NewManager(repo, client, logger.NewNoOpLogger(), WithClock(func() time.Time { return now }))
}

func TestManager_GetValidAccessToken(t *testing.T) {
	t.Run("non expiring token returned as is", func(t *testing.T) {
		repo := newFakeRepo(models.Credential{UserID: "U1", AccessToken: "static"})
		client := &fakeClient{}

		token, err := newTestManager(repo, client).GetValidAccessToken(t.Context(), "U1")

		require.NoError(t, err)
		require.Equal(t, "static", token)
		require.Zero(t, client.refreshCalls.Load())
	})

	t.Run("fresh token returned as is", func(t *testing.T) {
		repo := newFakeRepo(models.Credential{
			UserID:         "U1",
			AccessToken:    "fresh",
			RefreshToken:   ptr("refresh"),
			TokenExpiresAt: ptr(now.Add(DefaultRefreshWindow + time.Second)),
		})
		client := &fakeClient{}

		token, err := newTestManager(repo, client).GetValidAccessToken(t.Context(), "U1")

		require.NoError(t, err)
		require.Equal(t, "fresh", token)
		require.Zero(t, client.refreshCalls.Load())
	})

	t.Run("expiring token refreshed and persisted", func(t *testing.T) {
		repo := newFakeRepo(models.Credential{
			UserID:         "U1",
			AccessToken:    "old",
			RefreshToken:   ptr("refresh-1"),
			TokenExpiresAt: ptr(now.Add(4 * time.Minute)),
		})
		client := &fakeClient{refresh: func(_ context.Context, refreshToken string) (slack.TokenGrant, error) {
			require.Equal(t, "refresh-1", refreshToken)
			return slack.TokenGrant{AccessToken: "new", RefreshToken: ptr("refresh-2"), ExpiresIn: 12 * time.Hour}, nil
		}}

		token, err := newTestManager(repo, client).GetValidAccessToken(t.Context(), "U1")

		require.NoError(t, err)
		require.Equal(t, "new", token)

		c := repo.get(t, "U1")
		require.Equal(t, "new", c.AccessToken)
		require.Equal(t, "refresh-2", *c.RefreshToken)
		require.Equal(t, now.Add(12*time.Hour), *c.TokenExpiresAt)
		require.Equal(t, now, *c.LastTokenRefresh)
		require.Equal(t, 1, c.TokenRefreshCount)
	})

	t.Run("expiry exactly at window edge refreshed", func(t *testing.T) {
		repo := newFakeRepo(models.Credential{
			UserID:         "U1",
			AccessToken:    "old",
			RefreshToken:   ptr("refresh"),
			TokenExpiresAt: ptr(now.Add(DefaultRefreshWindow)),
		})
		client := &fakeClient{refresh: grantOK("new", nil, time.Hour)}

		token, err := newTestManager(repo, client).GetValidAccessToken(t.Context(), "U1")

		require.NoError(t, err)
		require.Equal(t, "new", token)
		require.EqualValues(t, 1, client.refreshCalls.Load())
	})

	t.Run("no rotation no expiry keeps stored ones", func(t *testing.T) {
		expiresAt := now.Add(time.Minute)
		repo := newFakeRepo(models.Credential{
			UserID:         "U1",
			AccessToken:    "old",
			RefreshToken:   ptr("refresh"),
			TokenExpiresAt: &expiresAt,
		})
		client := &fakeClient{refresh: grantOK("new", nil, 0)}

		_, err := newTestManager(repo, client).GetValidAccessToken(t.Context(), "U1")
		require.NoError(t, err)

		c := repo.get(t, "U1")
		require.Equal(t, "refresh", *c.RefreshToken)
		require.Equal(t, expiresAt, *c.TokenExpiresAt)
		require.Equal(t, 1, c.TokenRefreshCount)
	})

	t.Run("expired without refresh token", func(t *testing.T) {
		repo := newFakeRepo(models.Credential{
			UserID:         "U1",
			AccessToken:    "old",
			TokenExpiresAt: ptr(now.Add(-time.Minute)),
		})
		client := &fakeClient{}

		_, err := newTestManager(repo, client).GetValidAccessToken(t.Context(), "U1")

		require.ErrorIs(t, err, apperrors.ErrRefreshFailed)
		require.ErrorIs(t, err, apperrors.ErrNoRefreshToken)
		require.ErrorIs(t, err, apperrors.ErrAuthenticationRequired)
		require.Zero(t, client.refreshCalls.Load(), "remote must not be called")
	})

	t.Run("rejected refresh token revokes credential", func(t *testing.T) {
		repo := newFakeRepo(models.Credential{
			UserID:         "U1",
			AccessToken:    "old",
			RefreshToken:   ptr("refresh"),
			TokenExpiresAt: ptr(now.Add(time.Minute)),
		})
		client := &fakeClient{refresh: func(context.Context, string) (slack.TokenGrant, error) {
			return slack.TokenGrant{}, slack.NewError(slack.CodeInvalidRefreshToken, 0, errors.New("oauth.v2.access failed"))
		}}
		m := newTestManager(repo, client)

		_, err := m.GetValidAccessToken(t.Context(), "U1")

		require.ErrorIs(t, err, apperrors.ErrRefreshFailed)
		require.ErrorIs(t, err, apperrors.ErrRefreshRejected)
		require.ErrorIs(t, err, apperrors.ErrAuthenticationRequired)

		c := repo.get(t, "U1")
		require.Nil(t, c.RefreshToken)
		require.Equal(t, now, *c.TokenExpiresAt)
		require.Zero(t, c.TokenRefreshCount)

		needs, err := m.NeedsReAuthentication(t.Context(), "U1")
		require.NoError(t, err)
		require.True(t, needs)
	})

	t.Run("transient refresh error keeps credential", func(t *testing.T) {
		stored := models.Credential{
			UserID:         "U1",
			AccessToken:    "old",
			RefreshToken:   ptr("refresh"),
			TokenExpiresAt: ptr(now.Add(time.Minute)),
		}
		repo := newFakeRepo(stored)
		client := &fakeClient{refresh: func(context.Context, string) (slack.TokenGrant, error) {
			return slack.TokenGrant{}, slack.NewError(slack.CodeRateLimited, 30, errors.New("throttled"))
		}}

		_, err := newTestManager(repo, client).GetValidAccessToken(t.Context(), "U1")

		require.ErrorIs(t, err, apperrors.ErrRefreshFailed)
		require.NotErrorIs(t, err, apperrors.ErrAuthenticationRequired)
		c := repo.get(t, "U1")
		require.Equal(t, "refresh", *c.RefreshToken)
		require.Equal(t, "old", c.AccessToken)
	})

	t.Run("rotated token persisted when caller goes away", func(t *testing.T) {
		repo := newFakeRepo(models.Credential{
			UserID:         "U1",
			AccessToken:    "old",
			RefreshToken:   ptr("xoxe-old"),
			TokenExpiresAt: ptr(now.Add(time.Minute)),
		})
		ctx, cancel := context.WithCancel(t.Context())
		defer cancel()
		client := &fakeClient{refresh: func(context.Context, string) (slack.TokenGrant, error) {
			// Slack already rotated the token when the request is cancelled
			cancel()
			return slack.TokenGrant{AccessToken: "new", RefreshToken: ptr("xoxe-new"), ExpiresIn: 12 * time.Hour}, nil
		}}

		token, err := newTestManager(repo, client).GetValidAccessToken(ctx, "U1")

		require.NoError(t, err)
		require.Equal(t, "new", token)
		c := repo.get(t, "U1")
		require.Equal(t, "new", c.AccessToken)
		require.Equal(t, "xoxe-new", *c.RefreshToken)
		require.Equal(t, 1, c.TokenRefreshCount)
	})

	t.Run("unknown user", func(t *testing.T) {
		_, err := newTestManager(newFakeRepo(), &fakeClient{}).GetValidAccessToken(t.Context(), "U404")

		require.ErrorIs(t, err, apperrors.ErrUserNotFound)
	})

	t.Run("concurrent callers refresh once", func(t *testing.T) {
		repo := newFakeRepo(models.Credential{
			UserID:         "U1",
			AccessToken:    "old",
			RefreshToken:   ptr("refresh"),
			TokenExpiresAt: ptr(now.Add(time.Minute)),
		})
		release := make(chan struct{})
		client := &fakeClient{refresh: func(context.Context, string) (slack.TokenGrant, error) {
			<-release
			return slack.TokenGrant{AccessToken: "new", RefreshToken: ptr("refresh-2"), ExpiresIn: time.Hour}, nil
		}}
		m := newTestManager(repo, client)

		var wg sync.WaitGroup
		tokens := make([]string, 10)
		errs := make([]error, 10)
		for i := range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				tokens[i], errs[i] = m.GetValidAccessToken(t.Context(), "U1")
			}()
		}
		time.Sleep(50 * time.Millisecond)
		close(release)
		wg.Wait()

		for i := range 10 {
			require.NoError(t, errs[i])
			require.Equal(t, "new", tokens[i])
		}
		require.EqualValues(t, 1, client.refreshCalls.Load())
		require.Equal(t, 1, repo.get(t, "U1").TokenRefreshCount)
	})
}

func TestManager_RefreshAccessToken(t *testing.T) {
	t.Run("no refresh token", func(t *testing.T) {
		c := models.Credential{UserID: "U1", AccessToken: "old", Version: 1}
		client := &fakeClient{}

		_, err := newTestManager(newFakeRepo(c), client).RefreshAccessToken(t.Context(), c)

		require.ErrorIs(t, err, apperrors.ErrNoRefreshToken)
		require.ErrorIs(t, err, apperrors.ErrAuthenticationRequired)
		require.Zero(t, client.refreshCalls.Load())
	})

	t.Run("rotated token persisted when caller goes away", func(t *testing.T) {
		repo := newFakeRepo(models.Credential{
			UserID:         "U1",
			AccessToken:    "old",
			RefreshToken:   ptr("xoxe-old"),
			TokenExpiresAt: ptr(now.Add(time.Minute)),
		})
		ctx, cancel := context.WithCancel(t.Context())
		defer cancel()
		client := &fakeClient{refresh: func(context.Context, string) (slack.TokenGrant, error) {
			cancel()
			return slack.TokenGrant{AccessToken: "new", RefreshToken: ptr("xoxe-new"), ExpiresIn: 12 * time.Hour}, nil
		}}

		token, err := newTestManager(repo, client).RefreshAccessToken(ctx, repo.get(t, "U1"))

		require.NoError(t, err)
		require.Equal(t, "new", token)
		require.Equal(t, "xoxe-new", *repo.get(t, "U1").RefreshToken)
	})

	t.Run("rejected token of stale credential revokes stored one", func(t *testing.T) {
		repo := newFakeRepo(models.Credential{
			UserID:         "U1",
			AccessToken:    "old",
			RefreshToken:   ptr("refresh"),
			TokenExpiresAt: ptr(now.Add(time.Minute)),
		})
		stale := repo.get(t, "U1")
		// Same refresh token, newer version
		_, err := repo.UpdateTokens(t.Context(), "U1", stale.Version, models.TokenUpdate{
			AccessToken:    "other",
			RefreshToken:   ptr("refresh"),
			TokenExpiresAt: ptr(now.Add(time.Minute)),
		})
		require.NoError(t, err)
		client := &fakeClient{refresh: func(context.Context, string) (slack.TokenGrant, error) {
			return slack.TokenGrant{}, slack.NewError(slack.CodeInvalidRefreshToken, 0, errors.New("oauth.v2.access failed"))
		}}

		_, err = newTestManager(repo, client).RefreshAccessToken(t.Context(), stale)

		require.ErrorIs(t, err, apperrors.ErrRefreshRejected)
		c := repo.get(t, "U1")
		require.Nil(t, c.RefreshToken)
		require.Equal(t, now, *c.TokenExpiresAt)
	})

	t.Run("rejected token already replaced in store", func(t *testing.T) {
		repo := newFakeRepo(models.Credential{
			UserID:         "U1",
			AccessToken:    "old",
			RefreshToken:   ptr("refresh"),
			TokenExpiresAt: ptr(now.Add(time.Minute)),
		})
		stale := repo.get(t, "U1")
		_, err := repo.UpdateTokens(t.Context(), "U1", stale.Version, models.TokenUpdate{
			AccessToken:    "reconnected",
			RefreshToken:   ptr("refresh-2"),
			TokenExpiresAt: ptr(now.Add(time.Hour)),
		})
		require.NoError(t, err)
		client := &fakeClient{refresh: func(context.Context, string) (slack.TokenGrant, error) {
			return slack.TokenGrant{}, slack.NewError(slack.CodeInvalidRefreshToken, 0, errors.New("oauth.v2.access failed"))
		}}

		_, err = newTestManager(repo, client).RefreshAccessToken(t.Context(), stale)

		require.ErrorIs(t, err, apperrors.ErrRefreshRejected)
		c := repo.get(t, "U1")
		require.Equal(t, "refresh-2", *c.RefreshToken, "newer refresh token must survive")
		require.Equal(t, "reconnected", c.AccessToken)
	})

	t.Run("conflict with fresh winner", func(t *testing.T) {
		repo := newFakeRepo(models.Credential{
			UserID:         "U1",
			AccessToken:    "old",
			RefreshToken:   ptr("refresh"),
			TokenExpiresAt: ptr(now.Add(time.Minute)),
		})
		stale := repo.get(t, "U1")
		client := &fakeClient{refresh: func(ctx context.Context, _ string) (slack.TokenGrant, error) {
			// Another process reconnects while our refresh is in flight
			_, err := repo.Upsert(ctx, models.Credential{
				UserID:         "U1",
				AccessToken:    "winner",
				RefreshToken:   ptr("winner-refresh"),
				TokenExpiresAt: ptr(now.Add(time.Hour)),
			})
			require.NoError(t, err)
			return slack.TokenGrant{AccessToken: "ours", ExpiresIn: time.Hour}, nil
		}}

		token, err := newTestManager(repo, client).RefreshAccessToken(t.Context(), stale)

		require.NoError(t, err)
		require.Equal(t, "winner", token)
		require.Equal(t, "winner", repo.get(t, "U1").AccessToken, "winner must not be overwritten")
	})

	t.Run("conflict with expiring winner", func(t *testing.T) {
		repo := newFakeRepo(models.Credential{
			UserID:         "U1",
			AccessToken:    "old",
			RefreshToken:   ptr("refresh"),
			TokenExpiresAt: ptr(now.Add(time.Minute)),
		})
		stale := repo.get(t, "U1")
		client := &fakeClient{refresh: func(ctx context.Context, _ string) (slack.TokenGrant, error) {
			_, err := repo.UpdateTokens(ctx, "U1", stale.Version, models.TokenUpdate{
				AccessToken:    "other",
				RefreshToken:   ptr("refresh"),
				TokenExpiresAt: ptr(now.Add(time.Minute)),
			})
			require.NoError(t, err)
			return slack.TokenGrant{AccessToken: "ours", ExpiresIn: time.Hour}, nil
		}}

		token, err := newTestManager(repo, client).RefreshAccessToken(t.Context(), stale)

		require.NoError(t, err)
		require.Equal(t, "ours", token)
		c := repo.get(t, "U1")
		require.Equal(t, "ours", c.AccessToken)
		require.Equal(t, now.Add(time.Hour), *c.TokenExpiresAt)
	})
}

func TestManager_NeedsReAuthentication(t *testing.T) {
	tests := []struct {
		name string
		cred *models.Credential
		want bool
	}{
		{
			name: "unknown user",
			cred: nil,
			want: true,
		},
		{
			name: "expired without refresh token",
			cred: &models.Credential{UserID: "U1", TokenExpiresAt: ptr(now.Add(-time.Second))},
			want: true,
		},
		{
			name: "expires right now without refresh token",
			cred: &models.Credential{UserID: "U1", TokenExpiresAt: ptr(now)},
			want: true,
		},
		{
			name: "valid without refresh token",
			cred: &models.Credential{UserID: "U1", TokenExpiresAt: ptr(now.Add(time.Second))},
			want: false,
		},
		{
			name: "expired with refresh token",
			cred: &models.Credential{UserID: "U1", RefreshToken: ptr("r"), TokenExpiresAt: ptr(now.Add(-time.Hour))},
			want: false,
		},
		{
			name: "non expiring",
			cred: &models.Credential{UserID: "U1"},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newFakeRepo()
			if tt.cred != nil {
				repo = newFakeRepo(*tt.cred)
			}

			needs, err := newTestManager(repo, &fakeClient{}).NeedsReAuthentication(t.Context(), "U1")

			require.NoError(t, err)
			require.Equal(t, tt.want, needs)
		})
	}
}

func TestManager_GetBotToken(t *testing.T) {
	t.Run("bot token present", func(t *testing.T) {
		repo := newFakeRepo(models.Credential{UserID: "U1", AccessToken: "user", BotToken: ptr("bot")})

		token, err := newTestManager(repo, &fakeClient{}).GetBotToken(t.Context(), "U1")

		require.NoError(t, err)
		require.Equal(t, "bot", token)
	})

	t.Run("fallback to access token", func(t *testing.T) {
		repo := newFakeRepo(models.Credential{UserID: "U1", AccessToken: "user"})

		token, err := newTestManager(repo, &fakeClient{}).GetBotToken(t.Context(), "U1")

		require.NoError(t, err)
		require.Equal(t, "user", token)
	})

	t.Run("unknown user", func(t *testing.T) {
		_, err := newTestManager(newFakeRepo(), &fakeClient{}).GetBotToken(t.Context(), "U1")

		require.ErrorIs(t, err, apperrors.ErrUserNotFound)
	})
}

func TestManager_ValidateToken(t *testing.T) {
	client := &fakeClient{authTest: func(_ context.Context, token string) (slack.Identity, error) {
		if token == "good" {
			return slack.Identity{UserID: "U1"}, nil
		}
		return slack.Identity{}, slack.NewError(slack.CodeInvalidAuth, 0, errors.New("auth.test failed"))
	}}
	m := newTestManager(newFakeRepo(), client)

	require.True(t, m.ValidateToken(t.Context(), "good"))
	require.False(t, m.ValidateToken(t.Context(), "bad"))
}

func TestManager_Status(t *testing.T) {
	repo := newFakeRepo(models.Credential{
		UserID:            "U1",
		AccessToken:       "token",
		RefreshToken:      ptr("refresh"),
		TokenExpiresAt:    ptr(now.Add(90 * time.Minute)),
		TokenRefreshCount: 4,
	})

	status, err := newTestManager(repo, &fakeClient{}).Status(t.Context(), "U1")

	require.NoError(t, err)
	require.Equal(t, "U1", status.UserID)
	require.True(t, status.HasRefreshToken)
	require.False(t, status.IsExpired)
	require.Equal(t, 90, *status.ExpiresInMinutes)
	require.Equal(t, 4, status.TokenRefreshCount)
}
