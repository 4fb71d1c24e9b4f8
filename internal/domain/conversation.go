package domain

import (
	"time"
)

type Conversation struct {
	ID                 string     `json:"id" bson:"id"`
	Type               string     `json:"conversation_type" bson:"conversation_type"`
	Title              string     `json:"title" bson:"title"`
	IncidentID         *string    `json:"incident_id,omitempty" bson:"incident_id,omitempty"`
	Status             string     `json:"status" bson:"status"`
	IsPrivate          bool       `json:"is_private" bson:"is_private"`
	LastMessageID      *string    `json:"last_message_id,omitempty" bson:"last_message_id,omitempty"`
	LastMessageContent *string    `json:"last_message_content,omitempty" bson:"last_message_content,omitempty"`
	LastMessageSender  *string    `json:"last_message_sender,omitempty" bson:"last_message_sender,omitempty"`
	LastMessageTime    *time.Time `json:"last_message_time,omitempty" bson:"last_message_time,omitempty"`
	TotalMessages      int        `json:"total_messages" bson:"total_messages"`
	CreatedBy          string     `json:"created_by" bson:"created_by"`
	CreatedAt          time.Time  `json:"created_at" bson:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at" bson:"updated_at"`
}

type Participant struct {
	ConversationID string     `json:"conversation_id" bson:"conversation_id"`
	UserID         string     `json:"user_id" bson:"user_id"`
	UserName       string     `json:"user_name" bson:"user_name"`
	UserRole       string     `json:"user_role" bson:"user_role"`
	JoinedAt       time.Time  `json:"joined_at" bson:"joined_at"`
	IsActive       bool       `json:"is_active" bson:"is_active"`
	LastReadAt     *time.Time `json:"last_read_at,omitempty" bson:"last_read_at,omitempty"`
}

// ConversationView - диалог вместе с участниками; именно этот снимок
// кладется в кэш и отдается клиентам
type ConversationView struct {
	Conversation
	Participants     []Participant `json:"participants"`
	ParticipantCount int           `json:"participant_count"`
	// Заполняется только для incident_chat
	IncidentTitle    string `json:"incident_title,omitempty"`
	IncidentReporter string `json:"incident_reporter,omitempty"`
}

// IsParticipant сообщает, числится ли пользователь активным участником
func (v *ConversationView) IsParticipant(userID string) bool {
	for _, p := range v.Participants {
		if p.UserID == userID && p.IsActive {
			return true
		}
	}
	return false
}

const (
	ConversationTypeIncident = "incident_chat"
	ConversationTypeTeam     = "team_internal"
	ConversationTypeDirect   = "direct_message"
)

const (
	ConversationStatusActive   = "active"
	ConversationStatusArchived = "archived"
	ConversationStatusResolved = "resolved"
)
