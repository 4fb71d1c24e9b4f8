package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"incident_collab/pkg/logger"
)

// ActivityRepository пишет события подключений и отметки присутствия.
// Все записи best-effort: вызывающие запускают их в отдельной горутине
// и не наблюдают результат.
type ActivityRepository interface {
	RecordConnectionEvent(ctx context.Context, userID, eventType, roomID string) error
	UpdateLastSeen(ctx context.Context, userID string, at time.Time) error
}

const (
	ConnectionEventConnected    = "connected"
	ConnectionEventDisconnected = "disconnected"
)

type activityRepository struct {
	db  *pgxpool.Pool
	log logger.Logger
}

func NewActivityRepository(db *pgxpool.Pool, log logger.Logger) ActivityRepository {
	return &activityRepository{db: db, log: log}
}

func (r *activityRepository) RecordConnectionEvent(ctx context.Context, userID, eventType, roomID string) error {
	query := `
		INSERT INTO connection_events (user_id, event_type, room_id, occurred_at)
		VALUES ($1, $2, NULLIF($3, ''), $4)
	`

	_, err := r.db.Exec(ctx, query, userID, eventType, roomID, time.Now().UTC())
	if err != nil {
		r.log.Error("Failed to record connection event", "user_id", userID, "event", eventType, "error", err)
		return err
	}
	return nil
}

func (r *activityRepository) UpdateLastSeen(ctx context.Context, userID string, at time.Time) error {
	query := `
		INSERT INTO user_presence (user_id, last_seen_at)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET last_seen_at = EXCLUDED.last_seen_at
	`

	_, err := r.db.Exec(ctx, query, userID, at)
	if err != nil {
		r.log.Error("Failed to update last seen", "user_id", userID, "error", err)
		return err
	}
	return nil
}
