package service

import (
	"incident_collab/internal/cache"
	"incident_collab/internal/config"
	"incident_collab/internal/permission"
	"incident_collab/internal/repository"
	"incident_collab/pkg/logger"
)

// Caches - именованные кэш-экземпляры; TTL фиксируется на экземпляр
type Caches struct {
	Conversation cache.Cache
	Unread       cache.Cache
}

type Services struct {
	Identity     IdentityService
	Admission    AdmissionService
	Conversation ConversationService
	Message      MessageService
}

func NewServices(repos *repository.Repositories, caches Caches, cfg *config.Config, log logger.Logger) *Services {
	identity := NewIdentityService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, log)
	admission := NewAdmissionService(repos.RateLimit, identity, cfg.WS, log)

	evaluator := permission.NewEvaluator(cfg.Auth.LeadUserID)
	conversation := NewConversationService(
		repos.Conversation, repos.Participant, repos.User, repos.Incident,
		evaluator, caches.Conversation, log,
	)
	message := NewMessageService(repos.Message, repos.Participant, conversation, caches.Unread, log)

	return &Services{
		Identity:     identity,
		Admission:    admission,
		Conversation: conversation,
		Message:      message,
	}
}
