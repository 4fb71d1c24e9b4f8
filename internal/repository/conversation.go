package repository

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"incident_collab/internal/domain"
	"incident_collab/pkg/errors"
	"incident_collab/pkg/logger"
)

type ConversationRepository interface {
	Create(ctx context.Context, conversation *domain.Conversation) error
	GetByID(ctx context.Context, conversationID string) (*domain.Conversation, error)
	// GetByIncidentID находит диалог типа incident_chat по инциденту;
	// один round trip по предикату (incident_id, conversation_type)
	GetByIncidentID(ctx context.Context, incidentID string) (*domain.Conversation, error)
	// GetByIDs выполняет один запрос "id in (...)"; размер батча
	// контролирует вызывающий
	GetByIDs(ctx context.Context, conversationIDs []string) ([]*domain.Conversation, error)
	ListByType(ctx context.Context, conversationType string) ([]*domain.Conversation, error)
	UpdateLastMessage(ctx context.Context, conversationID, messageID, preview, senderName string, at time.Time) error
	UpdateStatus(ctx context.Context, conversationID, status string) error
}

type conversationRepository struct {
	collection *mongo.Collection
	log        logger.Logger
}

func NewConversationRepository(db *mongo.Database, log logger.Logger) ConversationRepository {
	return &conversationRepository{
		collection: db.Collection("conversations"),
		log:        log,
	}
}

func (r *conversationRepository) Create(ctx context.Context, conversation *domain.Conversation) error {
	if _, err := r.collection.InsertOne(ctx, conversation); err != nil {
		r.log.Error("Failed to create conversation", "error", err)
		return err
	}
	return nil
}

func (r *conversationRepository) GetByID(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	conversation := &domain.Conversation{}
	err := r.collection.FindOne(ctx, bson.M{"id": conversationID}).Decode(conversation)
	if err == mongo.ErrNoDocuments {
		return nil, errors.ErrConversationNotFound
	}
	if err != nil {
		r.log.Error("Failed to get conversation", "conversation_id", conversationID, "error", err)
		return nil, err
	}
	return conversation, nil
}

func (r *conversationRepository) GetByIncidentID(ctx context.Context, incidentID string) (*domain.Conversation, error) {
	conversation := &domain.Conversation{}
	filter := bson.M{
		"incident_id":       incidentID,
		"conversation_type": domain.ConversationTypeIncident,
	}
	err := r.collection.FindOne(ctx, filter).Decode(conversation)
	if err == mongo.ErrNoDocuments {
		return nil, errors.ErrConversationNotFound
	}
	if err != nil {
		r.log.Error("Failed to get incident conversation", "incident_id", incidentID, "error", err)
		return nil, err
	}
	return conversation, nil
}

func (r *conversationRepository) GetByIDs(ctx context.Context, conversationIDs []string) ([]*domain.Conversation, error) {
	if len(conversationIDs) == 0 {
		return nil, nil
	}

	cursor, err := r.collection.Find(ctx, bson.M{"id": bson.M{"$in": conversationIDs}})
	if err != nil {
		r.log.Error("Failed to batch get conversations", "error", err)
		return nil, err
	}
	defer cursor.Close(ctx)

	var conversations []*domain.Conversation
	if err := cursor.All(ctx, &conversations); err != nil {
		r.log.Error("Failed to decode conversations", "error", err)
		return nil, err
	}
	return conversations, nil
}

func (r *conversationRepository) ListByType(ctx context.Context, conversationType string) ([]*domain.Conversation, error) {
	cursor, err := r.collection.Find(ctx, bson.M{"conversation_type": conversationType})
	if err != nil {
		r.log.Error("Failed to list conversations by type", "type", conversationType, "error", err)
		return nil, err
	}
	defer cursor.Close(ctx)

	var conversations []*domain.Conversation
	if err := cursor.All(ctx, &conversations); err != nil {
		return nil, err
	}
	return conversations, nil
}

func (r *conversationRepository) UpdateLastMessage(ctx context.Context, conversationID, messageID, preview, senderName string, at time.Time) error {
	update := bson.M{
		"$set": bson.M{
			"last_message_id":      messageID,
			"last_message_content": preview,
			"last_message_sender":  senderName,
			"last_message_time":    at,
			"updated_at":           at,
		},
		"$inc": bson.M{"total_messages": 1},
	}

	result, err := r.collection.UpdateOne(ctx, bson.M{"id": conversationID}, update)
	if err != nil {
		r.log.Error("Failed to update last message", "conversation_id", conversationID, "error", err)
		return err
	}
	if result.MatchedCount == 0 {
		return errors.ErrConversationNotFound
	}
	return nil
}

func (r *conversationRepository) UpdateStatus(ctx context.Context, conversationID, status string) error {
	update := bson.M{"$set": bson.M{
		"status":     status,
		"updated_at": time.Now().UTC(),
	}}

	result, err := r.collection.UpdateOne(ctx, bson.M{"id": conversationID}, update)
	if err != nil {
		r.log.Error("Failed to update conversation status", "conversation_id", conversationID, "error", err)
		return err
	}
	if result.MatchedCount == 0 {
		return errors.ErrConversationNotFound
	}
	return nil
}
