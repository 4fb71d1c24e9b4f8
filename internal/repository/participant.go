package repository

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"incident_collab/internal/domain"
	"incident_collab/pkg/logger"
)

type ParticipantRepository interface {
	// Upsert создает или реактивирует запись участника; ключ документа -
	// пара (conversation_id, user_id)
	Upsert(ctx context.Context, participant *domain.Participant) error
	ListByConversation(ctx context.Context, conversationID string) ([]domain.Participant, error)
	// ListByConversationIDs выполняет один запрос "conversation_id in (...)";
	// размер батча контролирует вызывающий
	ListByConversationIDs(ctx context.Context, conversationIDs []string) ([]domain.Participant, error)
	ListConversationIDs(ctx context.Context, userID string) ([]string, error)
	// Deactivate помечает участие неактивным; записи физически не удаляются
	Deactivate(ctx context.Context, conversationID, userID string) error
	UpdateLastRead(ctx context.Context, conversationID, userID string, at time.Time) error
}

type participantRepository struct {
	collection *mongo.Collection
	log        logger.Logger
}

func NewParticipantRepository(db *mongo.Database, log logger.Logger) ParticipantRepository {
	return &participantRepository{
		collection: db.Collection("conversation_participants"),
		log:        log,
	}
}

func participantKey(conversationID, userID string) string {
	return fmt.Sprintf("%s_%s", conversationID, userID)
}

func (r *participantRepository) Upsert(ctx context.Context, participant *domain.Participant) error {
	filter := bson.M{"_id": participantKey(participant.ConversationID, participant.UserID)}
	update := bson.M{"$set": participant}

	_, err := r.collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		r.log.Error("Failed to upsert participant",
			"conversation_id", participant.ConversationID, "user_id", participant.UserID, "error", err)
		return err
	}
	return nil
}

func (r *participantRepository) ListByConversation(ctx context.Context, conversationID string) ([]domain.Participant, error) {
	filter := bson.M{"conversation_id": conversationID, "is_active": true}
	cursor, err := r.collection.Find(ctx, filter)
	if err != nil {
		r.log.Error("Failed to list participants", "conversation_id", conversationID, "error", err)
		return nil, err
	}
	defer cursor.Close(ctx)

	var participants []domain.Participant
	if err := cursor.All(ctx, &participants); err != nil {
		return nil, err
	}
	return participants, nil
}

func (r *participantRepository) ListByConversationIDs(ctx context.Context, conversationIDs []string) ([]domain.Participant, error) {
	if len(conversationIDs) == 0 {
		return nil, nil
	}

	filter := bson.M{"conversation_id": bson.M{"$in": conversationIDs}, "is_active": true}
	cursor, err := r.collection.Find(ctx, filter)
	if err != nil {
		r.log.Error("Failed to batch list participants", "error", err)
		return nil, err
	}
	defer cursor.Close(ctx)

	var participants []domain.Participant
	if err := cursor.All(ctx, &participants); err != nil {
		return nil, err
	}
	return participants, nil
}

func (r *participantRepository) ListConversationIDs(ctx context.Context, userID string) ([]string, error) {
	filter := bson.M{"user_id": userID, "is_active": true}
	cursor, err := r.collection.Find(ctx, filter)
	if err != nil {
		r.log.Error("Failed to list user conversations", "user_id", userID, "error", err)
		return nil, err
	}
	defer cursor.Close(ctx)

	var participants []domain.Participant
	if err := cursor.All(ctx, &participants); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(participants))
	for _, p := range participants {
		ids = append(ids, p.ConversationID)
	}
	return ids, nil
}

func (r *participantRepository) Deactivate(ctx context.Context, conversationID, userID string) error {
	filter := bson.M{"_id": participantKey(conversationID, userID)}
	update := bson.M{"$set": bson.M{"is_active": false}}

	_, err := r.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		r.log.Error("Failed to deactivate participant",
			"conversation_id", conversationID, "user_id", userID, "error", err)
		return err
	}
	return nil
}

func (r *participantRepository) UpdateLastRead(ctx context.Context, conversationID, userID string, at time.Time) error {
	filter := bson.M{"_id": participantKey(conversationID, userID)}
	update := bson.M{"$set": bson.M{"last_read_at": at}}

	_, err := r.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		r.log.Error("Failed to update last read",
			"conversation_id", conversationID, "user_id", userID, "error", err)
		return err
	}
	return nil
}
