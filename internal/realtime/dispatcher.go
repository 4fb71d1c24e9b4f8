package realtime

import (
	"encoding/json"
	"time"

	"incident_collab/internal/domain"
	"incident_collab/pkg/logger"
)

// Типы событий, уходящих живым клиентам
const (
	EventIncidentMessage    = "incident_message"
	EventMessage            = "message"
	EventConversationStatus = "conversation_status"
	EventNotification       = "notification"
)

// Envelope - конверт события для рассылки. Доставка at-most-once:
// офлайн-клиенты догоняют состояние через REST.
type Envelope struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Message        *domain.Message `json:"message,omitempty"`
	Status         string          `json:"status,omitempty"`
	Actor          string          `json:"sender,omitempty"`
	UserID         string          `json:"user_id,omitempty"`
	Timestamp      string          `json:"timestamp,omitempty"`
}

// Dispatcher - точка интеграции между сервисами и реестром соединений.
// Не хранит состояния; комнатой служит идентификатор диалога.
type Dispatcher struct {
	registry *Registry
	log      logger.Logger
}

func NewDispatcher(registry *Registry, log logger.Logger) *Dispatcher {
	return &Dispatcher{registry: registry, log: log}
}

// BroadcastMessage уведомляет комнату диалога о новом сообщении.
// Вызывается только после успешной записи сообщения в хранилище.
func (d *Dispatcher) BroadcastMessage(message *domain.Message) {
	envelope := Envelope{
		Type:           EventIncidentMessage,
		ConversationID: message.ConversationID,
		Message:        message,
		Actor:          message.SenderName,
		UserID:         message.SenderID,
		Timestamp:      message.CreatedAt.UTC().Format(time.RFC3339),
	}
	d.broadcastRoom(message.ConversationID, envelope)
}

// BroadcastStatus уведомляет комнату об изменении состояния диалога
// (архивация, добавление участника и т.п.)
func (d *Dispatcher) BroadcastStatus(conversationID, status, actorName string) {
	envelope := Envelope{
		Type:           EventConversationStatus,
		ConversationID: conversationID,
		Status:         status,
		Actor:          actorName,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	}
	d.broadcastRoom(conversationID, envelope)
}

// EvictFromRoom закрывает комнатное соединение пользователя, переставшего
// быть участником диалога: подписка комнаты следует за составом участников
func (d *Dispatcher) EvictFromRoom(conversationID, userID string) {
	if d.registry.DisconnectFromRoom(conversationID, userID, "removed from conversation") {
		d.log.Info("Room connection closed for removed participant",
			"conversation_id", conversationID, "user_id", userID)
	}
}

// NotifyUser доставляет адресное уведомление в общее соединение пользователя
func (d *Dispatcher) NotifyUser(userID string, envelope Envelope) bool {
	if envelope.Type == "" {
		envelope.Type = EventNotification
	}
	if envelope.Timestamp == "" {
		envelope.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		d.log.Error("Failed to marshal notification", "error", err)
		return false
	}
	return d.registry.Send(userID, payload)
}

func (d *Dispatcher) broadcastRoom(conversationID string, envelope Envelope) {
	payload, err := json.Marshal(envelope)
	if err != nil {
		d.log.Error("Failed to marshal broadcast envelope", "error", err)
		return
	}

	delivered := d.registry.BroadcastRoom(conversationID, payload)
	d.log.Debug("Broadcast dispatched",
		"conversation_id", conversationID, "type", envelope.Type, "delivered", delivered)
}
