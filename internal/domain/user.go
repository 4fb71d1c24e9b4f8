package domain

import (
	"time"
)

type User struct {
	ID       string `json:"id" bson:"id"`
	Email    string `json:"email" bson:"email"`
	FullName string `json:"full_name" bson:"full_name"`
	Role     string `json:"role" bson:"role"`
	IsActive bool   `json:"is_active" bson:"is_active"`
}

// TokenInfo - результат проверки bearer-токена у внешнего Auth-сервиса
type TokenInfo struct {
	UserID    string
	Email     string
	ExpiresAt time.Time
}

// ExpiresIn возвращает остаток срока действия токена в секундах
func (t *TokenInfo) ExpiresIn(now time.Time) float64 {
	return t.ExpiresAt.Sub(now).Seconds()
}

const (
	RoleAdmin    = "admin"
	RoleSecurity = "security_team"
	RoleEmployee = "employee"
)
