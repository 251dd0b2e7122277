package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nkiryanov/chatscheduler/internal/apperrors"
	"github.com/nkiryanov/chatscheduler/internal/models"
	"github.com/nkiryanov/chatscheduler/internal/repository"
)

type MessageRepo struct {
	DB DBTX
}

const messageColumns = `id, user_id, channel_id, channel_name, text, scheduled_time, remote_schedule_id,
	status, retry_count, sent_at, cancelled_at, error_message, created_at, updated_at`

const createMessage = `-- name: CreateMessage
INSERT INTO scheduled_messages (id, user_id, channel_id, channel_name, text, scheduled_time, remote_schedule_id, status, retry_count)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING ` + messageColumns

// Create message. Empty ID and status are set to defaults (new uuid, pending)
func (r *MessageRepo) Create(ctx context.Context, m models.ScheduledMessage) (models.ScheduledMessage, error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Status == "" {
		m.Status = models.MessagePending
	}

	rows, _ := r.DB.Query(ctx, createMessage,
		m.ID, m.UserID, m.ChannelID, m.ChannelName, m.Text, m.ScheduledTime, m.RemoteScheduleID,
		string(m.Status), m.RetryCount,
	)
	created, err := pgx.CollectOneRow(rows, rowToMessage)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return created, apperrors.ErrUserNotFound
		}

		return created, fmt.Errorf("db error: %w", err)
	}

	return created, nil
}

const getMessage = `-- name: GetMessage
SELECT ` + messageColumns + `
FROM scheduled_messages
WHERE id = $1 AND user_id = $2
`

func (r *MessageRepo) Get(ctx context.Context, userID string, id uuid.UUID) (models.ScheduledMessage, error) {
	rows, _ := r.DB.Query(ctx, getMessage, id, userID)
	return collectMessage(rows)
}

const listMessages = `-- name: ListMessages
SELECT ` + messageColumns + `
FROM scheduled_messages
WHERE user_id = $1 AND ($2::text[] IS NULL OR status = ANY($2::text[]))
ORDER BY scheduled_time DESC
LIMIT $3
`

func (r *MessageRepo) List(ctx context.Context, opts repository.ListMessagesOpts) ([]models.ScheduledMessage, error) {
	var statuses []string // nil means NULL: no filter
	for _, s := range opts.Statuses {
		statuses = append(statuses, string(s))
	}

	rows, _ := r.DB.Query(ctx, listMessages, opts.UserID, statuses, opts.Limit)
	messages, err := pgx.CollectRows(rows, rowToMessage)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return messages, nil
}

const listDueMessages = `-- name: ListDueMessages
SELECT ` + messageColumns + `
FROM scheduled_messages
WHERE status = 'pending' AND scheduled_time <= $1 AND remote_schedule_id IS NULL
ORDER BY scheduled_time
LIMIT $2
`

func (r *MessageRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]models.ScheduledMessage, error) {
	rows, _ := r.DB.Query(ctx, listDueMessages, now, limit)
	messages, err := pgx.CollectRows(rows, rowToMessage)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return messages, nil
}

const markMessageSent = `-- name: MarkMessageSent
UPDATE scheduled_messages
SET status = 'sent', sent_at = $2, updated_at = now()
WHERE id = $1 AND status = 'pending'
RETURNING ` + messageColumns

func (r *MessageRepo) MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) (models.ScheduledMessage, error) {
	rows, _ := r.DB.Query(ctx, markMessageSent, id, sentAt)
	m, err := pgx.CollectOneRow(rows, rowToMessage)
	return r.transitionResult(ctx, id, m, err)
}

// All right hand expressions see the row before update, so retry_count + 1 is the new counter
const recordMessageFailure = `-- name: RecordMessageFailure
UPDATE scheduled_messages
SET retry_count = retry_count + 1,
	error_message = $2,
	status = CASE WHEN retry_count + 1 >= $3 THEN 'failed' ELSE 'pending' END,
	updated_at = now()
WHERE id = $1 AND status = 'pending'
RETURNING ` + messageColumns

func (r *MessageRepo) RecordFailure(ctx context.Context, id uuid.UUID, errMsg string, maxAttempts int) (models.ScheduledMessage, error) {
	rows, _ := r.DB.Query(ctx, recordMessageFailure, id, errMsg, maxAttempts)
	m, err := pgx.CollectOneRow(rows, rowToMessage)
	return r.transitionResult(ctx, id, m, err)
}

const cancelMessage = `-- name: CancelMessage
UPDATE scheduled_messages
SET status = 'cancelled', cancelled_at = $3, updated_at = now()
WHERE id = $1 AND user_id = $2 AND status = 'pending'
RETURNING ` + messageColumns

func (r *MessageRepo) Cancel(ctx context.Context, userID string, id uuid.UUID, cancelledAt time.Time) (models.ScheduledMessage, error) {
	rows, _ := r.DB.Query(ctx, cancelMessage, id, userID, cancelledAt)
	return collectMessage(rows)
}

const markRemoteDelivered = `-- name: MarkRemoteDelivered
UPDATE scheduled_messages
SET status = 'sent', sent_at = scheduled_time, updated_at = now()
WHERE status = 'pending' AND remote_schedule_id IS NOT NULL AND scheduled_time <= $1
`

func (r *MessageRepo) MarkRemoteDelivered(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.DB.Exec(ctx, markRemoteDelivered, now)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return tag.RowsAffected(), nil
}

const messageExists = `-- name: MessageExists
SELECT EXISTS (SELECT 1 FROM scheduled_messages WHERE id = $1)
`

// Tell apart a missing message and a message that left pending state
func (r *MessageRepo) transitionResult(ctx context.Context, id uuid.UUID, m models.ScheduledMessage, err error) (models.ScheduledMessage, error) {
	switch {
	case err == nil:
		return m, nil
	case errors.Is(err, pgx.ErrNoRows):
		var exists bool
		if err := r.DB.QueryRow(ctx, messageExists, id).Scan(&exists); err != nil {
			return m, fmt.Errorf("db error: %w", err)
		}
		if !exists {
			return m, apperrors.ErrMessageNotFound
		}
		return m, apperrors.ErrMessageNotPending
	default:
		return m, fmt.Errorf("db error: %w", err)
	}
}

func collectMessage(rows pgx.Rows) (models.ScheduledMessage, error) {
	m, err := pgx.CollectOneRow(rows, rowToMessage)

	switch {
	case err == nil:
		return m, nil
	case errors.Is(err, pgx.ErrNoRows):
		return m, apperrors.ErrMessageNotFound
	default:
		return m, fmt.Errorf("db error: %w", err)
	}
}

func rowToMessage(row pgx.CollectableRow) (models.ScheduledMessage, error) {
	var m models.ScheduledMessage
	var status string
	err := row.Scan(
		&m.ID, &m.UserID, &m.ChannelID, &m.ChannelName, &m.Text, &m.ScheduledTime, &m.RemoteScheduleID,
		&status, &m.RetryCount, &m.SentAt, &m.CancelledAt, &m.ErrorMessage, &m.CreatedAt, &m.UpdatedAt,
	)
	m.Status = models.MessageStatus(status)
	return m, err
}
