package domain

import (
	"time"
)

// Message неизменяемо после создания, кроме полей статуса прочтения
type Message struct {
	ID             string     `json:"id" bson:"id"`
	ConversationID string     `json:"conversation_id" bson:"conversation_id"`
	SenderID       string     `json:"sender_id" bson:"sender_id"`
	SenderName     string     `json:"sender_name" bson:"sender_name"`
	SenderRole     string     `json:"sender_role" bson:"sender_role"`
	Content        string     `json:"content" bson:"content"`
	Type           string     `json:"message_type" bson:"message_type"`
	CreatedAt      time.Time  `json:"created_at" bson:"created_at"`
	IsRead         bool       `json:"is_read" bson:"is_read"`
	ReadBy         []string   `json:"read_by" bson:"read_by"`
	ReadAt         *time.Time `json:"read_at,omitempty" bson:"read_at,omitempty"`
}

const (
	MessageTypeText   = "text"
	MessageTypeSystem = "system"
)
