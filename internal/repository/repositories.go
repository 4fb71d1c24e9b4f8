package repository

import (
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"incident_collab/pkg/logger"
)

// ErrOrderedQueryUnsupported сигнализирует, что хранилище не смогло
// выполнить упорядоченный запрос (например, нет индекса); вызывающий
// обязан перейти на неупорядоченную выборку с сортировкой в памяти
var ErrOrderedQueryUnsupported = errors.New("ordered query unsupported by store")

type Repositories struct {
	Conversation ConversationRepository
	Participant  ParticipantRepository
	Message      MessageRepository
	User         UserRepository
	Incident     IncidentRepository
	Activity     ActivityRepository
	RateLimit    RateLimitRepository
}

func NewRepositories(db *mongo.Database, rdb *redis.Client, pg *pgxpool.Pool, log logger.Logger) *Repositories {
	return &Repositories{
		Conversation: NewConversationRepository(db, log),
		Participant:  NewParticipantRepository(db, log),
		Message:      NewMessageRepository(db, log),
		User:         NewUserRepository(db, log),
		Incident:     NewIncidentRepository(db, log),
		Activity:     NewActivityRepository(pg, log),
		RateLimit:    NewRateLimitRepository(rdb, log),
	}
}
