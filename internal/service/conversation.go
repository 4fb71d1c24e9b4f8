package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"incident_collab/internal/cache"
	"incident_collab/internal/domain"
	"incident_collab/internal/permission"
	"incident_collab/internal/repository"
	apperrors "incident_collab/pkg/errors"
	"incident_collab/pkg/logger"
)

// Хранилище ограничивает размер батча в предикатах "id in (...)"
const conversationBatchSize = 10

// Превью последнего сообщения обрезается до 100 символов
const previewLimit = 100

type CreateConversationInput struct {
	Type           string   `json:"conversation_type"`
	Title          string   `json:"title"`
	ParticipantIDs []string `json:"participant_ids"`
}

type ConversationService interface {
	// Create создает диалог типа team_internal или direct_message;
	// диалоги инцидентов создаются через GetOrCreateIncidentConversation
	Create(ctx context.Context, input CreateConversationInput, creator *domain.User) (*domain.ConversationView, error)

	// Get возвращает снимок диалога с участниками; читает сквозь кэш
	Get(ctx context.Context, conversationID string) (*domain.ConversationView, error)

	// GetOrCreateIncidentConversation возвращает диалог инцидента, создавая
	// его при первом обращении с посевом участников
	GetOrCreateIncidentConversation(ctx context.Context, incidentID string, current *domain.User, targetMembers []string) (*domain.ConversationView, error)

	ListForUser(ctx context.Context, user *domain.User, typeFilter string, limit, offset int) ([]*domain.ConversationView, error)
	ListTeamConversations(ctx context.Context, user *domain.User) ([]*domain.ConversationView, error)

	AddParticipant(ctx context.Context, conversationID string, user *domain.User) error
	RemoveParticipant(ctx context.Context, conversationID, userID string) error

	UpdateLastMessage(ctx context.Context, message *domain.Message) error
	UpdateStatus(ctx context.Context, conversationID, status string, actor *domain.User) error

	// CheckPermission возвращает снимок диалога, если действие разрешено,
	// иначе ErrPermissionDenied
	CheckPermission(ctx context.Context, conversationID string, user *domain.User, action permission.Action) (*domain.ConversationView, error)
}

type conversationService struct {
	conversations repository.ConversationRepository
	participants  repository.ParticipantRepository
	users         repository.UserRepository
	incidents     repository.IncidentRepository
	evaluator     *permission.Evaluator
	cache         cache.Cache
	log           logger.Logger
}

func NewConversationService(
	conversations repository.ConversationRepository,
	participants repository.ParticipantRepository,
	users repository.UserRepository,
	incidents repository.IncidentRepository,
	evaluator *permission.Evaluator,
	snapshotCache cache.Cache,
	log logger.Logger,
) ConversationService {
	return &conversationService{
		conversations: conversations,
		participants:  participants,
		users:         users,
		incidents:     incidents,
		evaluator:     evaluator,
		cache:         snapshotCache,
		log:           log,
	}
}

func (s *conversationService) Create(ctx context.Context, input CreateConversationInput, creator *domain.User) (*domain.ConversationView, error) {
	switch input.Type {
	case domain.ConversationTypeTeam:
		if creator.Role == domain.RoleEmployee {
			return nil, apperrors.ErrPermissionDenied
		}
	case domain.ConversationTypeDirect:
	default:
		return nil, apperrors.ErrBadRequest
	}

	title := input.Title
	if title == "" {
		if input.Type == domain.ConversationTypeTeam {
			title = "Security Team Discussion"
		} else {
			title = "Direct Message"
		}
	}

	now := time.Now().UTC()
	conversation := &domain.Conversation{
		ID:        uuid.New().String(),
		Type:      input.Type,
		Title:     title,
		Status:    domain.ConversationStatusActive,
		CreatedBy: creator.ID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	memberIDs := append([]string{creator.ID}, input.ParticipantIDs...)
	participants := s.seedParticipants(ctx, conversation.ID, memberIDs, nil, creator, now)
	// Приватность фиксируется при создании и далее не пересчитывается
	conversation.IsPrivate = len(participants) <= 2

	if err := s.conversations.Create(ctx, conversation); err != nil {
		return nil, err
	}
	for i := range participants {
		if err := s.participants.Upsert(ctx, &participants[i]); err != nil {
			return nil, err
		}
	}

	s.log.Info("Conversation created",
		"conversation_id", conversation.ID, "type", conversation.Type, "participants", len(participants))

	view := &domain.ConversationView{
		Conversation:     *conversation,
		Participants:     participants,
		ParticipantCount: len(participants),
	}
	s.cacheView(ctx, view)
	return view, nil
}

func (s *conversationService) Get(ctx context.Context, conversationID string) (*domain.ConversationView, error) {
	if raw, err := s.cache.Get(ctx, conversationID); err == nil {
		view := &domain.ConversationView{}
		if err := json.Unmarshal([]byte(raw), view); err == nil {
			return view, nil
		}
		// Нечитаемый снимок выбрасывается, идем в хранилище
		_ = s.cache.Invalidate(ctx, conversationID)
	}

	view, err := s.loadView(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	s.cacheView(ctx, view)
	return view, nil
}

func (s *conversationService) loadView(ctx context.Context, conversationID string) (*domain.ConversationView, error) {
	conversation, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	participants, err := s.participants.ListByConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	participants = s.resolveNames(ctx, participants)

	view := &domain.ConversationView{
		Conversation:     *conversation,
		Participants:     participants,
		ParticipantCount: len(participants),
	}

	if conversation.Type == domain.ConversationTypeIncident && conversation.IncidentID != nil {
		if incident, err := s.incidents.GetByID(ctx, *conversation.IncidentID); err == nil {
			view.IncidentTitle = incident.Title
			view.IncidentReporter = incident.ReporterName
		}
	}
	return view, nil
}

func (s *conversationService) cacheView(ctx context.Context, view *domain.ConversationView) {
	payload, err := json.Marshal(view)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, view.ID, string(payload)); err != nil {
		s.log.Warn("Failed to cache conversation snapshot", "conversation_id", view.ID, "error", err)
	}
}

// resolveNames заменяет заглушки имен данными из профилей пользователей
func (s *conversationService) resolveNames(ctx context.Context, participants []domain.Participant) []domain.Participant {
	for i := range participants {
		if !isPlaceholderName(participants[i].UserName) {
			continue
		}
		user, err := s.users.GetByID(ctx, participants[i].UserID)
		if err != nil {
			participants[i].UserName = ResolveDisplayName(participants[i].UserName, "")
			continue
		}
		participants[i].UserName = ResolveDisplayName(user.FullName, user.Email)
	}
	return participants
}

func (s *conversationService) GetOrCreateIncidentConversation(ctx context.Context, incidentID string, current *domain.User, targetMembers []string) (*domain.ConversationView, error) {
	incident, err := s.incidents.GetByID(ctx, incidentID)
	if err != nil {
		return nil, err
	}

	// Сотрудник может открыть диалог только по собственному инциденту
	if current.Role == domain.RoleEmployee && incident.ReporterID != current.ID {
		return nil, apperrors.ErrPermissionDenied
	}

	conversation, err := s.conversations.GetByIncidentID(ctx, incidentID)
	if err == nil {
		return s.joinExisting(ctx, conversation.ID, incident, current)
	}
	if !errors.Is(err, apperrors.ErrConversationNotFound) {
		return nil, err
	}

	return s.createIncidentConversation(ctx, incident, current, targetMembers)
}

// joinExisting добавляет обратившегося в существующий диалог инцидента,
// если он имеет на это право и еще не участник
func (s *conversationService) joinExisting(ctx context.Context, conversationID string, incident *domain.IncidentInfo, current *domain.User) (*domain.ConversationView, error) {
	view, err := s.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	if view.IsParticipant(current.ID) {
		return view, nil
	}

	eligible := current.Role == domain.RoleSecurity ||
		current.Role == domain.RoleAdmin ||
		current.ID == incident.ReporterID
	if !eligible {
		return nil, apperrors.ErrPermissionDenied
	}

	if err := s.AddParticipant(ctx, conversationID, current); err != nil {
		return nil, err
	}
	return s.Get(ctx, conversationID)
}

func (s *conversationService) createIncidentConversation(ctx context.Context, incident *domain.IncidentInfo, current *domain.User, targetMembers []string) (*domain.ConversationView, error) {
	now := time.Now().UTC()

	title := incident.Title
	if title == "" {
		title = incident.ID
	}

	incidentID := incident.ID
	conversation := &domain.Conversation{
		ID:         uuid.New().String(),
		Type:       domain.ConversationTypeIncident,
		Title:      fmt.Sprintf("Incident Chat - %s", title),
		IncidentID: &incidentID,
		Status:     domain.ConversationStatusActive,
		CreatedBy:  current.ID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	// Посев участников: репортер, затем явно указанные члены, иначе
	// назначенный на инцидент, иначе вся команда безопасности
	memberIDs := []string{incident.ReporterID}
	switch {
	case len(targetMembers) > 0:
		memberIDs = append(memberIDs, targetMembers...)
	case incident.AssignedTo != nil && *incident.AssignedTo != "":
		memberIDs = append(memberIDs, *incident.AssignedTo)
	default:
		team, err := s.users.ListByRole(ctx, domain.RoleSecurity)
		if err != nil {
			s.log.Warn("Failed to list security team, seeding reporter only",
				"incident_id", incident.ID, "error", err)
		}
		for _, member := range team {
			memberIDs = append(memberIDs, member.ID)
		}
	}
	memberIDs = append(memberIDs, current.ID)

	participants := s.seedParticipants(ctx, conversation.ID, memberIDs, incident, current, now)
	conversation.IsPrivate = len(participants) <= 2

	if err := s.conversations.Create(ctx, conversation); err != nil {
		return nil, err
	}
	for i := range participants {
		if err := s.participants.Upsert(ctx, &participants[i]); err != nil {
			return nil, err
		}
	}

	s.log.Info("Incident conversation created",
		"conversation_id", conversation.ID, "incident_id", incident.ID, "participants", len(participants))

	view := &domain.ConversationView{
		Conversation:     *conversation,
		Participants:     participants,
		ParticipantCount: len(participants),
		IncidentTitle:    incident.Title,
		IncidentReporter: incident.ReporterName,
	}
	s.cacheView(ctx, view)
	return view, nil
}

// seedParticipants превращает список идентификаторов в записи участников,
// отбрасывая дубликаты и разрешая отображаемые имена
func (s *conversationService) seedParticipants(ctx context.Context, conversationID string, memberIDs []string, incident *domain.IncidentInfo, current *domain.User, now time.Time) []domain.Participant {
	seen := make(map[string]bool, len(memberIDs))
	participants := make([]domain.Participant, 0, len(memberIDs))

	for _, userID := range memberIDs {
		if userID == "" || seen[userID] {
			continue
		}
		seen[userID] = true

		name, role := s.memberIdentity(ctx, userID, incident, current)
		participants = append(participants, domain.Participant{
			ConversationID: conversationID,
			UserID:         userID,
			UserName:       name,
			UserRole:       role,
			JoinedAt:       now,
			IsActive:       true,
		})
	}
	return participants
}

func (s *conversationService) memberIdentity(ctx context.Context, userID string, incident *domain.IncidentInfo, current *domain.User) (string, string) {
	if current != nil && userID == current.ID {
		return ResolveDisplayName(current.FullName, current.Email), current.Role
	}
	if user, err := s.users.GetByID(ctx, userID); err == nil {
		return ResolveDisplayName(user.FullName, user.Email), user.Role
	}
	if incident != nil && userID == incident.ReporterID {
		return ResolveDisplayName(incident.ReporterName, ""), domain.RoleEmployee
	}
	return "User", domain.RoleEmployee
}

func (s *conversationService) ListForUser(ctx context.Context, user *domain.User, typeFilter string, limit, offset int) ([]*domain.ConversationView, error) {
	ids, err := s.participants.ListConversationIDs(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []*domain.ConversationView{}, nil
	}

	var conversations []*domain.Conversation
	for _, chunk := range chunkIDs(ids, conversationBatchSize) {
		batch, err := s.conversations.GetByIDs(ctx, chunk)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, batch...)
	}

	byConversation := make(map[string][]domain.Participant, len(ids))
	for _, chunk := range chunkIDs(ids, conversationBatchSize) {
		batch, err := s.participants.ListByConversationIDs(ctx, chunk)
		if err != nil {
			return nil, err
		}
		for _, p := range batch {
			byConversation[p.ConversationID] = append(byConversation[p.ConversationID], p)
		}
	}

	views := make([]*domain.ConversationView, 0, len(conversations))
	for _, conversation := range conversations {
		if typeFilter != "" && conversation.Type != typeFilter {
			continue
		}
		// Внутренние обсуждения команды скрыты от сотрудников даже
		// при ошибочном членстве
		if user.Role == domain.RoleEmployee && conversation.Type == domain.ConversationTypeTeam {
			continue
		}
		participants := byConversation[conversation.ID]
		views = append(views, &domain.ConversationView{
			Conversation:     *conversation,
			Participants:     participants,
			ParticipantCount: len(participants),
		})
	}

	sortByActivity(views)
	return paginate(views, limit, offset), nil
}

func (s *conversationService) ListTeamConversations(ctx context.Context, user *domain.User) ([]*domain.ConversationView, error) {
	if user.Role != domain.RoleSecurity && user.Role != domain.RoleAdmin {
		return nil, apperrors.ErrPermissionDenied
	}

	conversations, err := s.conversations.ListByType(ctx, domain.ConversationTypeTeam)
	if err != nil {
		return nil, err
	}
	if len(conversations) == 0 {
		return []*domain.ConversationView{}, nil
	}

	ids := make([]string, 0, len(conversations))
	for _, c := range conversations {
		ids = append(ids, c.ID)
	}

	byConversation := make(map[string][]domain.Participant, len(ids))
	for _, chunk := range chunkIDs(ids, conversationBatchSize) {
		batch, err := s.participants.ListByConversationIDs(ctx, chunk)
		if err != nil {
			return nil, err
		}
		for _, p := range batch {
			byConversation[p.ConversationID] = append(byConversation[p.ConversationID], p)
		}
	}

	views := make([]*domain.ConversationView, 0, len(conversations))
	for _, conversation := range conversations {
		participants := byConversation[conversation.ID]
		views = append(views, &domain.ConversationView{
			Conversation:     *conversation,
			Participants:     participants,
			ParticipantCount: len(participants),
		})
	}

	sortByActivity(views)
	return views, nil
}

func (s *conversationService) AddParticipant(ctx context.Context, conversationID string, user *domain.User) error {
	participant := &domain.Participant{
		ConversationID: conversationID,
		UserID:         user.ID,
		UserName:       ResolveDisplayName(user.FullName, user.Email),
		UserRole:       user.Role,
		JoinedAt:       time.Now().UTC(),
		IsActive:       true,
	}

	if err := s.participants.Upsert(ctx, participant); err != nil {
		return err
	}
	return s.cache.Invalidate(ctx, conversationID)
}

func (s *conversationService) RemoveParticipant(ctx context.Context, conversationID, userID string) error {
	if err := s.participants.Deactivate(ctx, conversationID, userID); err != nil {
		return err
	}
	return s.cache.Invalidate(ctx, conversationID)
}

func (s *conversationService) UpdateLastMessage(ctx context.Context, message *domain.Message) error {
	preview := truncatePreview(message.Content)
	err := s.conversations.UpdateLastMessage(ctx, message.ConversationID, message.ID, preview, message.SenderName, message.CreatedAt)
	if err != nil {
		return err
	}
	return s.cache.Invalidate(ctx, message.ConversationID)
}

func (s *conversationService) UpdateStatus(ctx context.Context, conversationID, status string, actor *domain.User) error {
	switch status {
	case domain.ConversationStatusActive, domain.ConversationStatusArchived, domain.ConversationStatusResolved:
	default:
		return apperrors.ErrBadRequest
	}

	// Статус меняют только команда безопасности и администраторы
	if actor.Role != domain.RoleSecurity && actor.Role != domain.RoleAdmin {
		return apperrors.ErrPermissionDenied
	}
	if _, err := s.CheckPermission(ctx, conversationID, actor, permission.ActionWrite); err != nil {
		return err
	}

	if err := s.conversations.UpdateStatus(ctx, conversationID, status); err != nil {
		return err
	}

	s.log.Info("Conversation status updated",
		"conversation_id", conversationID, "status", status, "actor_id", actor.ID)
	return s.cache.Invalidate(ctx, conversationID)
}

func (s *conversationService) CheckPermission(ctx context.Context, conversationID string, user *domain.User, action permission.Action) (*domain.ConversationView, error) {
	view, err := s.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !s.evaluator.Can(view, user.ID, user.Role, action) {
		return nil, apperrors.ErrPermissionDenied
	}
	return view, nil
}

func chunkIDs(ids []string, size int) [][]string {
	var chunks [][]string
	for len(ids) > size {
		chunks = append(chunks, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		chunks = append(chunks, ids)
	}
	return chunks
}

func truncatePreview(content string) string {
	runes := []rune(content)
	if len(runes) <= previewLimit {
		return content
	}
	return string(runes[:previewLimit])
}

func lastActivity(view *domain.ConversationView) time.Time {
	if view.LastMessageTime != nil {
		return *view.LastMessageTime
	}
	return view.CreatedAt
}

// sortByActivity упорядочивает диалоги по убыванию последней активности
func sortByActivity(views []*domain.ConversationView) {
	sort.SliceStable(views, func(i, j int) bool {
		return lastActivity(views[i]).After(lastActivity(views[j]))
	})
}

func paginate(views []*domain.ConversationView, limit, offset int) []*domain.ConversationView {
	if offset >= len(views) {
		return []*domain.ConversationView{}
	}
	views = views[offset:]
	if limit > 0 && limit < len(views) {
		views = views[:limit]
	}
	return views
}
