package repository

import (
	"context"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"incident_collab/internal/domain"
	"incident_collab/pkg/errors"
	"incident_collab/pkg/logger"
)

type MessageRepository interface {
	Create(ctx context.Context, message *domain.Message) error
	GetByID(ctx context.Context, messageID string) (*domain.Message, error)
	// ListOrdered выбирает сообщения диалога, отсортированные хранилищем
	// по времени создания; возвращает ErrOrderedQueryUnsupported, если
	// хранилище не может выполнить сортировку
	ListOrdered(ctx context.Context, conversationID string) ([]*domain.Message, error)
	ListUnordered(ctx context.Context, conversationID string) ([]*domain.Message, error)
	MarkRead(ctx context.Context, messageID, userID string, at time.Time) error
	// CountUnread считает сообщения диалога, не отправленные userID и
	// не прочитанные им
	CountUnread(ctx context.Context, conversationID, userID string) (int64, error)
}

type messageRepository struct {
	collection *mongo.Collection
	log        logger.Logger
}

func NewMessageRepository(db *mongo.Database, log logger.Logger) MessageRepository {
	return &messageRepository{
		collection: db.Collection("messages"),
		log:        log,
	}
}

func (r *messageRepository) Create(ctx context.Context, message *domain.Message) error {
	if _, err := r.collection.InsertOne(ctx, message); err != nil {
		r.log.Error("Failed to create message", "conversation_id", message.ConversationID, "error", err)
		return err
	}
	return nil
}

func (r *messageRepository) GetByID(ctx context.Context, messageID string) (*domain.Message, error) {
	message := &domain.Message{}
	err := r.collection.FindOne(ctx, bson.M{"id": messageID}).Decode(message)
	if err == mongo.ErrNoDocuments {
		return nil, errors.ErrMessageNotFound
	}
	if err != nil {
		r.log.Error("Failed to get message", "message_id", messageID, "error", err)
		return nil, err
	}
	return message, nil
}

func (r *messageRepository) ListOrdered(ctx context.Context, conversationID string) ([]*domain.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cursor, err := r.collection.Find(ctx, bson.M{"conversation_id": conversationID}, opts)
	if err != nil {
		if isSortUnsupported(err) {
			return nil, ErrOrderedQueryUnsupported
		}
		r.log.Error("Failed to list messages", "conversation_id", conversationID, "error", err)
		return nil, err
	}
	defer cursor.Close(ctx)

	var messages []*domain.Message
	if err := cursor.All(ctx, &messages); err != nil {
		if isSortUnsupported(err) {
			return nil, ErrOrderedQueryUnsupported
		}
		return nil, err
	}
	return messages, nil
}

func (r *messageRepository) ListUnordered(ctx context.Context, conversationID string) ([]*domain.Message, error) {
	cursor, err := r.collection.Find(ctx, bson.M{"conversation_id": conversationID})
	if err != nil {
		r.log.Error("Failed to list messages unordered", "conversation_id", conversationID, "error", err)
		return nil, err
	}
	defer cursor.Close(ctx)

	var messages []*domain.Message
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// isSortUnsupported распознает отказ сортировки на стороне хранилища
// (нет подходящего индекса, превышен лимит памяти сортировки)
func isSortUnsupported(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "index") || strings.Contains(msg, "sort exceeded memory limit")
}

func (r *messageRepository) MarkRead(ctx context.Context, messageID, userID string, at time.Time) error {
	update := bson.M{
		"$set":      bson.M{"is_read": true, "read_at": at},
		"$addToSet": bson.M{"read_by": userID},
	}

	result, err := r.collection.UpdateOne(ctx, bson.M{"id": messageID}, update)
	if err != nil {
		r.log.Error("Failed to mark message read", "message_id", messageID, "error", err)
		return err
	}
	if result.MatchedCount == 0 {
		return errors.ErrMessageNotFound
	}
	return nil
}

func (r *messageRepository) CountUnread(ctx context.Context, conversationID, userID string) (int64, error) {
	filter := bson.M{
		"conversation_id": conversationID,
		"sender_id":       bson.M{"$ne": userID},
		"read_by":         bson.M{"$ne": userID},
	}

	count, err := r.collection.CountDocuments(ctx, filter)
	if err != nil {
		r.log.Error("Failed to count unread messages",
			"conversation_id", conversationID, "user_id", userID, "error", err)
		return 0, err
	}
	return count, nil
}
