// Package permission содержит единственную точку принятия решений о доступе
// к диалогам. Все вызывающие стороны обязаны проходить через Evaluator,
// чтобы семантика ролей не расползалась по обработчикам.
package permission

import (
	"incident_collab/internal/domain"
)

type Action string

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
)

// Evaluator - чистая функция от снимка диалога и роли пользователя.
// Результат не кэшируется: кэшировать можно только снимок диалога.
type Evaluator struct {
	// LeadUserID получает полный доступ независимо от участия
	LeadUserID string
}

func NewEvaluator(leadUserID string) *Evaluator {
	return &Evaluator{LeadUserID: leadUserID}
}

// Can решает, разрешено ли действие над диалогом для пользователя с данной ролью
func (e *Evaluator) Can(conv *domain.ConversationView, userID, userRole string, _ Action) bool {
	if conv == nil {
		return false
	}

	if userRole == domain.RoleAdmin {
		return true
	}

	// Руководитель команды безопасности видит все
	if e.LeadUserID != "" && userID == e.LeadUserID {
		return true
	}

	switch userRole {
	case domain.RoleSecurity:
		// Команда безопасности видит весь трафик по инцидентам
		// и все внутренние обсуждения; личные сообщения - только свои
		switch conv.Type {
		case domain.ConversationTypeIncident, domain.ConversationTypeTeam:
			return true
		default:
			return conv.IsParticipant(userID)
		}
	case domain.RoleEmployee:
		// Внутренние обсуждения команды закрыты для сотрудников
		// даже при ошибочном членстве
		if conv.Type == domain.ConversationTypeTeam {
			return false
		}
		return conv.IsParticipant(userID)
	default:
		return false
	}
}
