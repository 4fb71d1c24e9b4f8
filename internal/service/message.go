package service

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"incident_collab/internal/cache"
	"incident_collab/internal/domain"
	"incident_collab/internal/repository"
	apperrors "incident_collab/pkg/errors"
	"incident_collab/pkg/logger"
)

type MessageService interface {
	// Send сохраняет сообщение и обновляет метаданные диалога;
	// рассылка подключенным клиентам происходит после возврата
	Send(ctx context.Context, conversationID string, sender *domain.User, content, messageType string) (*domain.Message, error)

	// List возвращает сообщения диалога по возрастанию времени создания
	List(ctx context.Context, conversationID string) ([]*domain.Message, error)

	MarkRead(ctx context.Context, messageID, userID string) (*domain.Message, error)
	UnreadCount(ctx context.Context, conversationID, userID string) (int64, error)
}

// conversationUpdater - срез ConversationService, нужный слою сообщений
type conversationUpdater interface {
	UpdateLastMessage(ctx context.Context, message *domain.Message) error
}

type messageService struct {
	messages      repository.MessageRepository
	participants  repository.ParticipantRepository
	conversations conversationUpdater
	unreadCache   cache.Cache
	log           logger.Logger
}

func NewMessageService(
	messages repository.MessageRepository,
	participants repository.ParticipantRepository,
	conversations conversationUpdater,
	unreadCache cache.Cache,
	log logger.Logger,
) MessageService {
	return &messageService{
		messages:      messages,
		participants:  participants,
		conversations: conversations,
		unreadCache:   unreadCache,
		log:           log,
	}
}

func unreadKey(conversationID, userID string) string {
	return conversationID + ":" + userID
}

func (s *messageService) Send(ctx context.Context, conversationID string, sender *domain.User, content, messageType string) (*domain.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, apperrors.ErrBadRequest
	}
	if messageType == "" {
		messageType = domain.MessageTypeText
	}

	now := time.Now().UTC()
	message := &domain.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       sender.ID,
		SenderName:     ResolveDisplayName(sender.FullName, sender.Email),
		SenderRole:     sender.Role,
		Content:        content,
		Type:           messageType,
		CreatedAt:      now,
		ReadBy:         []string{sender.ID},
	}

	if err := s.messages.Create(ctx, message); err != nil {
		return nil, err
	}

	if err := s.conversations.UpdateLastMessage(ctx, message); err != nil {
		s.log.Warn("Failed to update conversation preview",
			"conversation_id", conversationID, "message_id", message.ID, "error", err)
	}

	// Счетчики непрочитанного всех участников диалога устарели
	if err := s.unreadCache.InvalidatePrefix(ctx, conversationID+":"); err != nil {
		s.log.Warn("Failed to invalidate unread counters", "conversation_id", conversationID, "error", err)
	}

	return message, nil
}

func (s *messageService) List(ctx context.Context, conversationID string) ([]*domain.Message, error) {
	messages, err := s.messages.ListOrdered(ctx, conversationID)
	if err == nil {
		return messages, nil
	}
	if !errors.Is(err, repository.ErrOrderedQueryUnsupported) {
		return nil, err
	}

	// Хранилище не смогло отсортировать, сортируем в памяти
	s.log.Warn("Ordered message query unavailable, sorting in memory", "conversation_id", conversationID)
	messages, err = s.messages.ListUnordered(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	sort.Slice(messages, func(i, j int) bool {
		if messages[i].CreatedAt.Equal(messages[j].CreatedAt) {
			return messages[i].ID < messages[j].ID
		}
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
	return messages, nil
}

func (s *messageService) MarkRead(ctx context.Context, messageID, userID string) (*domain.Message, error) {
	message, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if err := s.messages.MarkRead(ctx, messageID, userID, now); err != nil {
		return nil, err
	}

	if err := s.participants.UpdateLastRead(ctx, message.ConversationID, userID, now); err != nil {
		s.log.Warn("Failed to update participant last read",
			"conversation_id", message.ConversationID, "user_id", userID, "error", err)
	}

	if err := s.unreadCache.Invalidate(ctx, unreadKey(message.ConversationID, userID)); err != nil {
		s.log.Warn("Failed to invalidate unread counter",
			"conversation_id", message.ConversationID, "user_id", userID, "error", err)
	}

	message.IsRead = true
	message.ReadAt = &now
	if !containsString(message.ReadBy, userID) {
		message.ReadBy = append(message.ReadBy, userID)
	}
	return message, nil
}

func (s *messageService) UnreadCount(ctx context.Context, conversationID, userID string) (int64, error) {
	key := unreadKey(conversationID, userID)
	if raw, err := s.unreadCache.Get(ctx, key); err == nil {
		if count, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return count, nil
		}
	}

	count, err := s.messages.CountUnread(ctx, conversationID, userID)
	if err != nil {
		return 0, err
	}

	if err := s.unreadCache.Set(ctx, key, strconv.FormatInt(count, 10)); err != nil {
		s.log.Warn("Failed to cache unread counter",
			"conversation_id", conversationID, "user_id", userID, "error", err)
	}
	return count, nil
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
