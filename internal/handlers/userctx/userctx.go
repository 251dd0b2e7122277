package userctx

import (
	"context"

	"github.com/nkiryanov/chatscheduler/internal/models"
)

type ctxKey string

const credentialKey ctxKey = "credential"

// Create a new context with the authenticated user credential
func New(ctx context.Context, c models.Credential) context.Context {
	return context.WithValue(ctx, credentialKey, c)
}

// Extract the user credential from the context
func FromContext(ctx context.Context) (models.Credential, bool) {
	c, ok := ctx.Value(credentialKey).(models.Credential)
	return c, ok
}
