package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/nkiryanov/chatscheduler/internal/apperrors"
	"github.com/nkiryanov/chatscheduler/internal/handlers/render"
	"github.com/nkiryanov/chatscheduler/internal/handlers/userctx"
	"github.com/nkiryanov/chatscheduler/internal/models"
)

const (
	authHeaderName = "Authorization"
	authScheme     = "Bearer"
)

type authenticator interface {
	// Must return apperrors.ErrInvalidSession for bad or expired token
	// and apperrors.ErrAuthenticationRequired when user has to reconnect Slack
	Authenticate(ctx context.Context, token string) (models.Credential, error)
}

// Auth puts credential of the session owner into request context
func Auth(a authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				render.ServiceError(w, "Access token required", http.StatusUnauthorized)
				return
			}

			c, err := a.Authenticate(r.Context(), token)
			if err != nil {
				switch {
				case errors.Is(err, apperrors.ErrAuthenticationRequired):
					render.NeedsReauth(w, "Re-authentication required")
				case errors.Is(err, apperrors.ErrInvalidSession):
					render.ServiceError(w, "Invalid token", http.StatusForbidden)
				default:
					render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
				}
				return
			}

			ctx := userctx.New(r.Context(), c)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, found := strings.Cut(r.Header.Get(authHeaderName), " ")
	if !found || !strings.EqualFold(scheme, authScheme) || token == "" {
		return "", false
	}
	return token, true
}
