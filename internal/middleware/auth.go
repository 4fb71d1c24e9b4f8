package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"incident_collab/internal/domain"
	"incident_collab/internal/repository"
	"incident_collab/internal/service"
	"incident_collab/pkg/logger"
)

const currentUserKey = "current_user"

type AuthMiddleware struct {
	identity service.IdentityService
	users    repository.UserRepository
	log      logger.Logger
}

func NewAuthMiddleware(identity service.IdentityService, users repository.UserRepository, log logger.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		identity: identity,
		users:    users,
		log:      log,
	}
}

func (m *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			c.Abort()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization header format"})
			c.Abort()
			return
		}

		info, err := m.identity.VerifyToken(c.Request.Context(), parts[1])
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			c.Abort()
			return
		}

		user, err := m.users.GetByID(c.Request.Context(), info.UserID)
		if err != nil {
			// Профиль еще не заведен: минимальные права
			m.log.Warn("User profile missing, defaulting to employee role", "user_id", info.UserID)
			user = &domain.User{
				ID:       info.UserID,
				Email:    info.Email,
				Role:     domain.RoleEmployee,
				IsActive: true,
			}
		}
		if !user.IsActive {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Account is deactivated"})
			c.Abort()
			return
		}

		c.Set(currentUserKey, user)
		c.Set("user_id", user.ID)
		c.Set("user_email", user.Email)
		c.Set("user_role", user.Role)
		c.Next()
	}
}

// RequireRole пропускает только пользователей с одной из перечисленных ролей;
// вешается после RequireAuth
func (m *AuthMiddleware) RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := CurrentUser(c)
		if user == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			c.Abort()
			return
		}
		for _, role := range roles {
			if user.Role == role {
				c.Next()
				return
			}
		}
		c.JSON(http.StatusForbidden, gin.H{"error": "Insufficient role"})
		c.Abort()
	}
}

// CurrentUser возвращает аутентифицированного пользователя запроса
func CurrentUser(c *gin.Context) *domain.User {
	value, exists := c.Get(currentUserKey)
	if !exists {
		return nil
	}
	user, ok := value.(*domain.User)
	if !ok {
		return nil
	}
	return user
}
