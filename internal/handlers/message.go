package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nkiryanov/chatscheduler/internal/apperrors"
	"github.com/nkiryanov/chatscheduler/internal/handlers/render"
	"github.com/nkiryanov/chatscheduler/internal/handlers/userctx"
	"github.com/nkiryanov/chatscheduler/internal/logger"
	"github.com/nkiryanov/chatscheduler/internal/models"
	"github.com/nkiryanov/chatscheduler/internal/service/message"
	"github.com/nkiryanov/chatscheduler/internal/service/slack"
)

type messageService interface {
	Send(ctx context.Context, userID string, channelID string, text string) (string, error)
	Schedule(ctx context.Context, p message.ScheduleParams) (models.ScheduledMessage, error)
	Cancel(ctx context.Context, userID string, id uuid.UUID) (models.ScheduledMessage, error)
	List(ctx context.Context, userID string, p message.ListParams) ([]models.ScheduledMessage, error)
	Channels(ctx context.Context, userID string) ([]slack.Channel, error)
}

type MessageHandler struct {
	messages messageService
	logger   logger.Logger
}

func NewMessage(messages messageService, l logger.Logger) *MessageHandler {
	return &MessageHandler{messages: messages, logger: l}
}

type MessageResponse struct {
	ID                      uuid.UUID            `json:"id"`
	ChannelID               string               `json:"channel"`
	ChannelName             string               `json:"channel_name"`
	Text                    string               `json:"text"`
	ScheduledTime           time.Time            `json:"scheduled_time"`
	SlackScheduledMessageID *string              `json:"slack_scheduled_message_id,omitempty"`
	Status                  models.MessageStatus `json:"status"`
	RetryCount              int                  `json:"retry_count"`
	SentAt                  *time.Time           `json:"sent_at,omitempty"`
	CancelledAt             *time.Time           `json:"cancelled_at,omitempty"`
	ErrorMessage            *string              `json:"error_message,omitempty"`
	CreatedAt               time.Time            `json:"created_at"`
}

func newMessageResponse(m models.ScheduledMessage) MessageResponse {
	return MessageResponse{
		ID:                      m.ID,
		ChannelID:               m.ChannelID,
		ChannelName:             m.ChannelName,
		Text:                    m.Text,
		ScheduledTime:           m.ScheduledTime,
		SlackScheduledMessageID: m.RemoteScheduleID,
		Status:                  m.Status,
		RetryCount:              m.RetryCount,
		SentAt:                  m.SentAt,
		CancelledAt:             m.CancelledAt,
		ErrorMessage:            m.ErrorMessage,
		CreatedAt:               m.CreatedAt,
	}
}

func (h *MessageHandler) channels(w http.ResponseWriter, r *http.Request) {
	type ChannelsResponse struct {
		Channels []slack.Channel `json:"channels"`
	}

	c, _ := userctx.FromContext(r.Context())

	channels, err := h.messages.Channels(r.Context(), c.UserID)
	if err != nil {
		h.logger.Warn("Get channels failed", "user_id", c.UserID, "error", err)
		h.serviceError(w, err, "Failed to fetch channels")
		return
	}

	if channels == nil {
		channels = []slack.Channel{}
	}
	render.JSON(w, ChannelsResponse{Channels: channels})
}

func (h *MessageHandler) send(w http.ResponseWriter, r *http.Request) {
	type SendRequest struct {
		Channel     string `json:"channel" validate:"required"`
		ChannelName string `json:"channel_name"`
		Text        string `json:"text" validate:"required,notblank,max=40000"`
	}
	type SendResponse struct {
		Success   bool   `json:"success"`
		MessageID string `json:"message_id"`
	}

	data, err := render.BindAndValidate[SendRequest](w, r)
	if err != nil {
		return
	}

	c, _ := userctx.FromContext(r.Context())

	ts, err := h.messages.Send(r.Context(), c.UserID, data.Channel, data.Text)
	if err != nil {
		h.serviceError(w, err, "Failed to send message")
		return
	}

	render.JSON(w, SendResponse{Success: true, MessageID: ts})
}

func (h *MessageHandler) schedule(w http.ResponseWriter, r *http.Request) {
	type ScheduleRequest struct {
		Channel       string    `json:"channel" validate:"required"`
		ChannelName   string    `json:"channel_name"`
		Text          string    `json:"text" validate:"required,notblank,max=40000"`
		ScheduledTime time.Time `json:"scheduled_time" validate:"required"`
	}
	type ScheduleResponse struct {
		Success                 bool      `json:"success"`
		ScheduledMessageID      uuid.UUID `json:"scheduled_message_id"`
		SlackScheduledMessageID *string   `json:"slack_scheduled_message_id,omitempty"`
	}

	data, err := render.BindAndValidate[ScheduleRequest](w, r)
	if err != nil {
		return
	}

	c, _ := userctx.FromContext(r.Context())

	m, err := h.messages.Schedule(r.Context(), message.ScheduleParams{
		UserID:        c.UserID,
		ChannelID:     data.Channel,
		ChannelName:   data.ChannelName,
		Text:          data.Text,
		ScheduledTime: data.ScheduledTime,
	})
	if err != nil {
		h.serviceError(w, err, "Failed to schedule message")
		return
	}

	render.JSON(w, ScheduleResponse{
		Success:                 true,
		ScheduledMessageID:      m.ID,
		SlackScheduledMessageID: m.RemoteScheduleID,
	})
}

func (h *MessageHandler) list(w http.ResponseWriter, r *http.Request) {
	type ListResponse struct {
		Messages []MessageResponse `json:"messages"`
		Total    int               `json:"total"`
	}

	c, _ := userctx.FromContext(r.Context())

	var p message.ListParams
	if value := r.URL.Query().Get("status"); value != "" {
		status, err := models.ParseMessageStatus(value)
		if err != nil {
			render.ServiceError(w, "Unknown status", http.StatusBadRequest)
			return
		}
		p.Status = &status
	}
	if value := r.URL.Query().Get("limit"); value != "" {
		limit, err := strconv.Atoi(value)
		if err != nil || limit <= 0 {
			render.ServiceError(w, "Limit must be a positive number", http.StatusBadRequest)
			return
		}
		p.Limit = limit
	}

	messages, err := h.messages.List(r.Context(), c.UserID, p)
	if err != nil {
		h.logger.Error("List messages failed", "user_id", c.UserID, "error", err)
		render.ServiceError(w, "Failed to fetch scheduled messages", http.StatusInternalServerError)
		return
	}

	resp := ListResponse{Messages: make([]MessageResponse, 0, len(messages)), Total: len(messages)}
	for _, m := range messages {
		resp.Messages = append(resp.Messages, newMessageResponse(m))
	}
	render.JSON(w, resp)
}

func (h *MessageHandler) cancel(w http.ResponseWriter, r *http.Request) {
	type CancelResponse struct {
		Success bool `json:"success"`
	}

	c, _ := userctx.FromContext(r.Context())

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		render.ServiceError(w, "Scheduled message not found", http.StatusNotFound)
		return
	}

	_, err = h.messages.Cancel(r.Context(), c.UserID, id)
	if err != nil {
		h.serviceError(w, err, "Failed to cancel message")
		return
	}

	render.JSON(w, CancelResponse{Success: true})
}

// Map service errors to responses, fallback is 500 with the given message
func (h *MessageHandler) serviceError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, apperrors.ErrAuthenticationRequired):
		render.NeedsReauth(w, "Authentication required")
	case errors.Is(err, apperrors.ErrMessageNotFound):
		render.ServiceError(w, "Scheduled message not found", http.StatusNotFound)
	case errors.Is(err, apperrors.ErrScheduleInPast):
		render.ServiceError(w, "Scheduled time must be in the future", http.StatusBadRequest)
	case errors.Is(err, apperrors.ErrUserNotFound):
		render.NeedsReauth(w, "User not found")
	default:
		h.logger.Error(fallback, "error", err)
		render.ServiceError(w, fallback, http.StatusInternalServerError)
	}
}
