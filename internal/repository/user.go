package repository

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"incident_collab/internal/domain"
	"incident_collab/pkg/errors"
	"incident_collab/pkg/logger"
)

type UserRepository interface {
	GetByID(ctx context.Context, userID string) (*domain.User, error)
	// ListByRole возвращает активных пользователей с указанной ролью;
	// используется для посева команды безопасности в диалог инцидента
	ListByRole(ctx context.Context, role string) ([]*domain.User, error)
}

type userRepository struct {
	collection *mongo.Collection
	log        logger.Logger
}

func NewUserRepository(db *mongo.Database, log logger.Logger) UserRepository {
	return &userRepository{
		collection: db.Collection("users"),
		log:        log,
	}
}

func (r *userRepository) GetByID(ctx context.Context, userID string) (*domain.User, error) {
	user := &domain.User{}
	err := r.collection.FindOne(ctx, bson.M{"id": userID}).Decode(user)
	if err == mongo.ErrNoDocuments {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		r.log.Error("Failed to get user", "user_id", userID, "error", err)
		return nil, err
	}
	return user, nil
}

func (r *userRepository) ListByRole(ctx context.Context, role string) ([]*domain.User, error) {
	cursor, err := r.collection.Find(ctx, bson.M{"role": role, "is_active": true})
	if err != nil {
		r.log.Error("Failed to list users by role", "role", role, "error", err)
		return nil, err
	}
	defer cursor.Close(ctx)

	var users []*domain.User
	if err := cursor.All(ctx, &users); err != nil {
		return nil, err
	}
	return users, nil
}
