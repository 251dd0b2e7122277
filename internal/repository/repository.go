package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/chatscheduler/internal/models"
)

type Storage interface {
	Credential() CredentialRepo
	Message() MessageRepo

	// Run fn within transaction; commit if fn returns nil, rollback otherwise
	InTx(ctx context.Context, fn func(Storage) error) error
}

// Credential repository interface
type CredentialRepo interface {
	// Create or replace credential after OAuth handshake
	// Refresh audit counters are kept: they never decrease
	Upsert(ctx context.Context, c models.Credential) (models.Credential, error)

	// Must return apperrors.ErrUserNotFound if there is no credential for the user
	Get(ctx context.Context, userID string) (models.Credential, error)

	// Update tokens only if the stored version equals expectedVersion
	// If version doesn't match must return apperrors.ErrCredentialConflict
	// If update.RefreshedAt is set: refresh counter incremented and last refresh stamped
	UpdateTokens(ctx context.Context, userID string, expectedVersion int64, update models.TokenUpdate) (models.Credential, error)
}

// Message store. Every transition is conditional on status = pending
type MessageRepo interface {
	Create(ctx context.Context, m models.ScheduledMessage) (models.ScheduledMessage, error)

	// Must return apperrors.ErrMessageNotFound if message not exists or belongs to other user
	Get(ctx context.Context, userID string, id uuid.UUID) (models.ScheduledMessage, error)

	List(ctx context.Context, opts ListMessagesOpts) ([]models.ScheduledMessage, error)

	// Pending messages with scheduled_time <= now not handed to remote scheduling
	// Order is not guaranteed
	ListDue(ctx context.Context, now time.Time, limit int) ([]models.ScheduledMessage, error)

	// If message is not pending anymore must return apperrors.ErrMessageNotPending
	MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) (models.ScheduledMessage, error)

	// Increment retry counter, save error, set status failed once retries reach maxAttempts
	// If message is not pending anymore must return apperrors.ErrMessageNotPending
	RecordFailure(ctx context.Context, id uuid.UUID, errMsg string, maxAttempts int) (models.ScheduledMessage, error)

	// Only owner may cancel pending message, otherwise apperrors.ErrMessageNotFound
	Cancel(ctx context.Context, userID string, id uuid.UUID, cancelledAt time.Time) (models.ScheduledMessage, error)

	// Remote scheduled messages whose time passed are considered delivered by the remote side
	MarkRemoteDelivered(ctx context.Context, now time.Time) (int64, error)
}

type ListMessagesOpts struct {
	UserID   string
	Statuses []models.MessageStatus // any status if empty
	Limit    int
}
