package handler

import (
	"incident_collab/internal/config"
	"incident_collab/internal/realtime"
	"incident_collab/internal/repository"
	"incident_collab/internal/service"
	"incident_collab/pkg/logger"
)

type Handlers struct {
	Health       *HealthHandler
	Conversation *ConversationHandler
	Message      *MessageHandler
	WS           *WSHandler
}

func NewHandlers(services *service.Services, repos *repository.Repositories, registry *realtime.Registry, dispatcher *realtime.Dispatcher, cfg *config.Config, log logger.Logger) *Handlers {
	return &Handlers{
		Health:       NewHealthHandler(cfg),
		Conversation: NewConversationHandler(services.Conversation, dispatcher, repos.User, log),
		Message:      NewMessageHandler(services.Conversation, services.Message, dispatcher, log),
		WS:           NewWSHandler(services.Admission, services.Conversation, repos.User, repos.Activity, registry, cfg.WS, log),
	}
}
