package service

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"incident_collab/internal/domain"
	apperrors "incident_collab/pkg/errors"
	"incident_collab/pkg/logger"
)

// IdentityService проверяет bearer-токены, выданные внешней системой
// аутентификации, и извлекает из них личность пользователя
type IdentityService interface {
	VerifyToken(ctx context.Context, token string) (*domain.TokenInfo, error)
}

type identityService struct {
	secret []byte
	issuer string
	log    logger.Logger
}

func NewIdentityService(secret, issuer string, log logger.Logger) IdentityService {
	return &identityService{
		secret: []byte(secret),
		issuer: issuer,
		log:    log,
	}
}

type tokenClaims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

func (s *identityService) VerifyToken(_ context.Context, tokenString string) (*domain.TokenInfo, error) {
	if tokenString == "" {
		return nil, apperrors.ErrAuthentication
	}

	claims := &tokenClaims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		s.log.Warn("Token verification failed", "error", err)
		return nil, apperrors.ErrAuthentication
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return nil, apperrors.ErrAuthentication
	}

	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}

	return &domain.TokenInfo{
		UserID:    userID,
		Email:     claims.Email,
		ExpiresAt: expiresAt,
	}, nil
}
