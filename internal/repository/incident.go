package repository

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"incident_collab/internal/domain"
	"incident_collab/pkg/errors"
	"incident_collab/pkg/logger"
)

// IncidentRepository - узкий читатель сервиса инцидентов: нужен только
// для посева участников диалога, остальное API инцидентов здесь не используется
type IncidentRepository interface {
	GetByID(ctx context.Context, incidentID string) (*domain.IncidentInfo, error)
}

type incidentRepository struct {
	collection *mongo.Collection
	log        logger.Logger
}

func NewIncidentRepository(db *mongo.Database, log logger.Logger) IncidentRepository {
	return &incidentRepository{
		collection: db.Collection("incidents"),
		log:        log,
	}
}

func (r *incidentRepository) GetByID(ctx context.Context, incidentID string) (*domain.IncidentInfo, error) {
	incident := &domain.IncidentInfo{}
	err := r.collection.FindOne(ctx, bson.M{"id": incidentID}).Decode(incident)
	if err == mongo.ErrNoDocuments {
		return nil, errors.ErrIncidentNotFound
	}
	if err != nil {
		r.log.Error("Failed to get incident", "incident_id", incidentID, "error", err)
		return nil, err
	}
	return incident, nil
}
