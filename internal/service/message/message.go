package message

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/chatscheduler/internal/apperrors"
	"github.com/nkiryanov/chatscheduler/internal/logger"
	"github.com/nkiryanov/chatscheduler/internal/models"
	"github.com/nkiryanov/chatscheduler/internal/repository"
	"github.com/nkiryanov/chatscheduler/internal/service/slack"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

type tokenProvider interface {
	GetValidAccessToken(ctx context.Context, userID string) (string, error)
}

type slackClient interface {
	ListChannels(ctx context.Context, token string) ([]slack.Channel, error)
	PostMessage(ctx context.Context, token string, channel string, text string) (string, error)
	ScheduleMessage(ctx context.Context, token string, channel string, text string, postAt int64) (string, error)
	DeleteScheduledMessage(ctx context.Context, token string, channel string, scheduledMessageID string) error
}

type Service struct {
	messages repository.MessageRepo
	tokens   tokenProvider
	slack    slackClient
	mode     models.ScheduleMode
	logger   logger.Logger
	now      func() time.Time
}

func NewService(messages repository.MessageRepo, tokens tokenProvider, client slackClient, mode models.ScheduleMode, l logger.Logger) *Service {
	if mode == "" {
		mode = models.ScheduleLocal
	}

	return &Service{
		messages: messages,
		tokens:   tokens,
		slack:    client,
		mode:     mode,
		logger:   l,
		now:      time.Now,
	}
}

// Send posts the message right away. Nothing is stored locally
func (s *Service) Send(ctx context.Context, userID string, channelID string, text string) (string, error) {
	token, err := s.tokens.GetValidAccessToken(ctx, userID)
	if err != nil {
		return "", deliveryError(err)
	}

	ts, err := s.slack.PostMessage(ctx, token, channelID, text)
	if err != nil {
		s.logger.Warn("Failed to send message", "user_id", userID, "channel_id", channelID, "error", err)
		return "", deliveryError(err)
	}

	s.logger.Info("Message sent", "user_id", userID, "channel_id", channelID, "ts", ts)
	return ts, nil
}

type ScheduleParams struct {
	UserID        string
	ChannelID     string
	ChannelName   string
	Text          string
	ScheduledTime time.Time
}

// Schedule stores message for delivery at the given time
// In remote mode Slack is asked to deliver it and the record only tracks it
func (s *Service) Schedule(ctx context.Context, p ScheduleParams) (models.ScheduledMessage, error) {
	m := models.ScheduledMessage{
		UserID:        p.UserID,
		ChannelID:     p.ChannelID,
		ChannelName:   p.ChannelName,
		Text:          p.Text,
		ScheduledTime: p.ScheduledTime,
		Status:        models.MessagePending,
	}

	if !p.ScheduledTime.After(s.now()) {
		return m, apperrors.ErrScheduleInPast
	}

	var token string
	if s.mode == models.ScheduleRemote {
		var err error
		token, err = s.tokens.GetValidAccessToken(ctx, p.UserID)
		if err != nil {
			return m, deliveryError(err)
		}

		remoteID, err := s.slack.ScheduleMessage(ctx, token, p.ChannelID, p.Text, p.ScheduledTime.Unix())
		if err != nil {
			s.logger.Warn("Failed to schedule message in Slack", "user_id", p.UserID, "channel_id", p.ChannelID, "error", err)
			return m, deliveryError(err)
		}
		m.RemoteScheduleID = &remoteID
	}

	created, err := s.messages.Create(ctx, m)
	if err != nil {
		// Don't leave Slack delivering a message we don't track
		if m.RemoteScheduleID != nil {
			s.deleteRemote(ctx, token, m)
		}
		return m, fmt.Errorf("can't save scheduled message: %w", err)
	}

	s.logger.Info("Message scheduled",
		"message_id", created.ID, "user_id", created.UserID, "scheduled_time", created.ScheduledTime, "remote", created.RemoteScheduleID != nil)
	return created, nil
}

// Cancel pending message of the user. Remote cancellation is best effort
func (s *Service) Cancel(ctx context.Context, userID string, id uuid.UUID) (models.ScheduledMessage, error) {
	m, err := s.messages.Get(ctx, userID, id)
	if err != nil {
		return m, err
	}
	if m.Status != models.MessagePending {
		return m, apperrors.ErrMessageNotFound
	}

	if m.RemoteScheduleID != nil {
		token, err := s.tokens.GetValidAccessToken(ctx, userID)
		if err != nil {
			s.logger.Warn("Can't cancel message in Slack: no token", "message_id", id, "error", err)
		} else {
			s.deleteRemote(ctx, token, m)
		}
	}

	cancelled, err := s.messages.Cancel(ctx, userID, id, s.now())
	if err != nil {
		return cancelled, err
	}

	s.logger.Info("Message cancelled", "message_id", id, "user_id", userID)
	return cancelled, nil
}

func (s *Service) deleteRemote(ctx context.Context, token string, m models.ScheduledMessage) {
	err := s.slack.DeleteScheduledMessage(ctx, token, m.ChannelID, *m.RemoteScheduleID)
	if err != nil {
		s.logger.Warn("Failed to delete scheduled message in Slack", "message_id", m.ID, "remote_id", *m.RemoteScheduleID, "error", err)
	}
}

type ListParams struct {
	Status *models.MessageStatus // any status if nil
	Limit  int
}

// List user messages, newest scheduled time first
func (s *Service) List(ctx context.Context, userID string, p ListParams) ([]models.ScheduledMessage, error) {
	opts := repository.ListMessagesOpts{
		UserID: userID,
		Limit:  p.Limit,
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultListLimit
	}
	opts.Limit = min(opts.Limit, MaxListLimit)
	if p.Status != nil {
		opts.Statuses = []models.MessageStatus{*p.Status}
	}

	return s.messages.List(ctx, opts)
}

// Channels the user may post to
func (s *Service) Channels(ctx context.Context, userID string) ([]slack.Channel, error) {
	token, err := s.tokens.GetValidAccessToken(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("can't get channels: %w", err)
	}

	channels, err := s.slack.ListChannels(ctx, token)
	if err != nil {
		s.logger.Warn("Failed to list channels", "user_id", userID, "error", err)
		if slack.IsAuthError(err) {
			return nil, fmt.Errorf("%w: %w", apperrors.ErrAuthenticationRequired, err)
		}
		return nil, fmt.Errorf("can't get channels: %w", err)
	}

	return channels, nil
}

// Token errors already tell if user has to reconnect, Slack errors are checked here
func deliveryError(err error) error {
	if slack.IsAuthError(err) && !errors.Is(err, apperrors.ErrAuthenticationRequired) {
		return fmt.Errorf("%w: %w: %w", apperrors.ErrDeliveryFailed, apperrors.ErrAuthenticationRequired, err)
	}
	return fmt.Errorf("%w: %w", apperrors.ErrDeliveryFailed, err)
}
