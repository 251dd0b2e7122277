package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Delivery attempts including the first one
const MaxDeliveryAttempts = 3

type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageSent      MessageStatus = "sent"
	MessageCancelled MessageStatus = "cancelled"
	MessageFailed    MessageStatus = "failed"
)

func (s MessageStatus) IsTerminal() bool {
	return s == MessageSent || s == MessageCancelled || s == MessageFailed
}

func (s MessageStatus) Valid() bool {
	return s == MessagePending || s.IsTerminal()
}

func ParseMessageStatus(value string) (MessageStatus, error) {
	s := MessageStatus(value)
	if !s.Valid() {
		return "", fmt.Errorf("unknown message status %q", value)
	}
	return s, nil
}

// Status after a failed delivery attempt that brought the retry counter to retryCount
func NextStatusOnFailure(retryCount int, maxAttempts int) MessageStatus {
	if retryCount >= maxAttempts {
		return MessageFailed
	}
	return MessagePending
}

type ScheduledMessage struct {
	ID          uuid.UUID
	UserID      string // owner, matches Credential.UserID
	ChannelID   string
	ChannelName string
	Text        string

	ScheduledTime time.Time

	// Set only if Slack accepted chat.scheduleMessage for this record
	RemoteScheduleID *string

	Status     MessageStatus
	RetryCount int

	SentAt       *time.Time
	CancelledAt  *time.Time
	ErrorMessage *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Due message: time has come and nobody touched it yet
func (m *ScheduledMessage) IsDue(now time.Time) bool {
	return m.Status == MessagePending && !m.ScheduledTime.After(now)
}

// Who delivers scheduled messages
type ScheduleMode string

const (
	// Local dispatcher posts every due message; Slack is used for immediate posts only
	ScheduleLocal ScheduleMode = "local"

	// Slack delivers via chat.scheduleMessage; local dispatcher never posts remote scheduled messages
	ScheduleRemote ScheduleMode = "remote"
)

func ParseScheduleMode(value string) (ScheduleMode, error) {
	switch m := ScheduleMode(value); m {
	case ScheduleLocal, ScheduleRemote:
		return m, nil
	default:
		return "", fmt.Errorf("unknown schedule mode %q", value)
	}
}
