package testutil

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/chatscheduler/internal/apperrors"
	"github.com/nkiryanov/chatscheduler/internal/models"
	"github.com/nkiryanov/chatscheduler/internal/repository"
)

// In-memory message store for service tests
// Follows postgres store semantics: every transition is conditional on pending status
type MessageStore struct {
	mu       sync.Mutex
	messages map[uuid.UUID]models.ScheduledMessage
}

var _ repository.MessageRepo = (*MessageStore)(nil)

func NewMessageStore() *MessageStore {
	return &MessageStore{messages: make(map[uuid.UUID]models.ScheduledMessage)}
}

// Snapshot of the message, zero value if there is no such message
func (s *MessageStore) Lookup(id uuid.UUID) models.ScheduledMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages[id]
}

func (s *MessageStore) Create(_ context.Context, m models.ScheduledMessage) (models.ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Status == "" {
		m.Status = models.MessagePending
	}
	m.CreatedAt = time.Now()
	m.UpdatedAt = m.CreatedAt

	s.messages[m.ID] = m
	return m, nil
}

func (s *MessageStore) Get(_ context.Context, userID string, id uuid.UUID) (models.ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok || m.UserID != userID {
		return models.ScheduledMessage{}, apperrors.ErrMessageNotFound
	}
	return m, nil
}

func (s *MessageStore) List(_ context.Context, opts repository.ListMessagesOpts) ([]models.ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var list []models.ScheduledMessage
	for _, m := range s.messages {
		if m.UserID != opts.UserID {
			continue
		}
		if len(opts.Statuses) > 0 && !slices.Contains(opts.Statuses, m.Status) {
			continue
		}
		list = append(list, m)
	}

	slices.SortFunc(list, func(a, b models.ScheduledMessage) int {
		return b.ScheduledTime.Compare(a.ScheduledTime)
	})
	if opts.Limit > 0 && len(list) > opts.Limit {
		list = list[:opts.Limit]
	}
	return list, nil
}

func (s *MessageStore) ListDue(_ context.Context, now time.Time, limit int) ([]models.ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var list []models.ScheduledMessage
	for _, m := range s.messages {
		if m.IsDue(now) && m.RemoteScheduleID == nil {
			list = append(list, m)
		}
	}

	slices.SortFunc(list, func(a, b models.ScheduledMessage) int {
		return a.ScheduledTime.Compare(b.ScheduledTime)
	})
	if len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

// Apply fn to pending message
func (s *MessageStore) transition(id uuid.UUID, fn func(m *models.ScheduledMessage)) (models.ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return m, apperrors.ErrMessageNotFound
	}
	if m.Status != models.MessagePending {
		return m, apperrors.ErrMessageNotPending
	}

	fn(&m)
	m.UpdatedAt = time.Now()
	s.messages[id] = m
	return m, nil
}

func (s *MessageStore) MarkSent(_ context.Context, id uuid.UUID, sentAt time.Time) (models.ScheduledMessage, error) {
	return s.transition(id, func(m *models.ScheduledMessage) {
		m.Status = models.MessageSent
		m.SentAt = &sentAt
	})
}

func (s *MessageStore) RecordFailure(_ context.Context, id uuid.UUID, errMsg string, maxAttempts int) (models.ScheduledMessage, error) {
	return s.transition(id, func(m *models.ScheduledMessage) {
		m.RetryCount++
		m.ErrorMessage = &errMsg
		m.Status = models.NextStatusOnFailure(m.RetryCount, maxAttempts)
	})
}

func (s *MessageStore) Cancel(_ context.Context, userID string, id uuid.UUID, cancelledAt time.Time) (models.ScheduledMessage, error) {
	s.mu.Lock()
	m, ok := s.messages[id]
	s.mu.Unlock()

	if !ok || m.UserID != userID {
		return models.ScheduledMessage{}, apperrors.ErrMessageNotFound
	}

	m, err := s.transition(id, func(m *models.ScheduledMessage) {
		m.Status = models.MessageCancelled
		m.CancelledAt = &cancelledAt
	})
	if err != nil {
		return models.ScheduledMessage{}, apperrors.ErrMessageNotFound
	}
	return m, nil
}

func (s *MessageStore) MarkRemoteDelivered(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, m := range s.messages {
		if m.IsDue(now) && m.RemoteScheduleID != nil {
			sentAt := m.ScheduledTime
			m.Status = models.MessageSent
			m.SentAt = &sentAt
			s.messages[id] = m
			n++
		}
	}
	return n, nil
}
