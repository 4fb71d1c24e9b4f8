package service

import (
	"context"
	"time"

	"incident_collab/internal/config"
	"incident_collab/internal/domain"
	"incident_collab/internal/repository"
	apperrors "incident_collab/pkg/errors"
	"incident_collab/pkg/logger"
)

// Admission - результат успешного допуска подключения
type Admission struct {
	User *domain.TokenInfo
	// TokenExpiresIn - остаток срока действия токена в секундах
	TokenExpiresIn float64
	// ExpiryWarning выставляется, когда токен истекает скоро и клиенту
	// стоит инициировать обновление
	ExpiryWarning bool
}

// AdmissionService - привратник WebSocket-подключений. Порядок строгий:
// сначала лимит попыток, затем проверка токена, затем сверка заявленного
// пользователя с субъектом токена.
type AdmissionService interface {
	// Admit пропускает попытку подключения через лимитер и аутентификацию.
	// rateKey идентифицирует источник попыток (заявленный пользователь или
	// адрес клиента); claimedUserID может быть пустым, тогда сверка
	// с субъектом токена пропускается.
	Admit(ctx context.Context, rateKey, claimedUserID, token string) (*Admission, error)
}

type admissionService struct {
	rateLimit repository.RateLimitRepository
	identity  IdentityService
	cfg       config.WSConfig
	log       logger.Logger
}

func NewAdmissionService(rateLimit repository.RateLimitRepository, identity IdentityService, cfg config.WSConfig, log logger.Logger) AdmissionService {
	return &admissionService{
		rateLimit: rateLimit,
		identity:  identity,
		cfg:       cfg,
		log:       log,
	}
}

func (s *admissionService) Admit(ctx context.Context, rateKey, claimedUserID, token string) (*Admission, error) {
	allowed, err := s.rateLimit.Attempt(ctx, "ws_attempts:"+rateKey, s.cfg.AttemptLimit, s.cfg.AttemptWindow)
	if err != nil {
		// Недоступность лимитера не отрезает всех клиентов разом
		s.log.Warn("Rate limiter unavailable, admitting without limit check", "key", rateKey, "error", err)
	} else if !allowed {
		s.log.Warn("Connection attempt limit exceeded", "key", rateKey)
		return nil, apperrors.ErrRateLimited
	}

	info, err := s.identity.VerifyToken(ctx, token)
	if err != nil {
		return nil, err
	}

	if claimedUserID != "" && info.UserID != claimedUserID {
		s.log.Warn("Claimed user does not match token subject",
			"claimed_user_id", claimedUserID, "token_user_id", info.UserID)
		return nil, apperrors.ErrAuthentication
	}

	now := time.Now()
	return &Admission{
		User:           info,
		TokenExpiresIn: info.ExpiresIn(now),
		ExpiryWarning:  info.ExpiresAt.Sub(now) < s.cfg.TokenExpiryWarning,
	}, nil
}
