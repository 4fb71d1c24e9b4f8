package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"incident_collab/internal/cache"
	"incident_collab/internal/domain"
	"incident_collab/internal/permission"
	"incident_collab/internal/repository"
	apperrors "incident_collab/pkg/errors"
	"incident_collab/pkg/logger"
)

type fakeConversationRepo struct {
	byID       map[string]*domain.Conversation
	byIncident map[string]*domain.Conversation
	created    []*domain.Conversation

	getCalls   int
	batchCalls int
	batchSizes []int

	lastPreview string
	lastSender  string
}

var _ repository.ConversationRepository = (*fakeConversationRepo)(nil)

func newFakeConversationRepo() *fakeConversationRepo {
	return &fakeConversationRepo{
		byID:       make(map[string]*domain.Conversation),
		byIncident: make(map[string]*domain.Conversation),
	}
}

func (f *fakeConversationRepo) Create(_ context.Context, conversation *domain.Conversation) error {
	f.created = append(f.created, conversation)
	f.byID[conversation.ID] = conversation
	if conversation.IncidentID != nil {
		f.byIncident[*conversation.IncidentID] = conversation
	}
	return nil
}

func (f *fakeConversationRepo) GetByID(_ context.Context, conversationID string) (*domain.Conversation, error) {
	f.getCalls++
	if conversation, ok := f.byID[conversationID]; ok {
		copied := *conversation
		return &copied, nil
	}
	return nil, apperrors.ErrConversationNotFound
}

func (f *fakeConversationRepo) GetByIncidentID(_ context.Context, incidentID string) (*domain.Conversation, error) {
	if conversation, ok := f.byIncident[incidentID]; ok {
		copied := *conversation
		return &copied, nil
	}
	return nil, apperrors.ErrConversationNotFound
}

func (f *fakeConversationRepo) GetByIDs(_ context.Context, conversationIDs []string) ([]*domain.Conversation, error) {
	f.batchCalls++
	f.batchSizes = append(f.batchSizes, len(conversationIDs))
	var result []*domain.Conversation
	for _, id := range conversationIDs {
		if conversation, ok := f.byID[id]; ok {
			copied := *conversation
			result = append(result, &copied)
		}
	}
	return result, nil
}

func (f *fakeConversationRepo) ListByType(_ context.Context, conversationType string) ([]*domain.Conversation, error) {
	var result []*domain.Conversation
	for _, conversation := range f.byID {
		if conversation.Type == conversationType {
			copied := *conversation
			result = append(result, &copied)
		}
	}
	return result, nil
}

func (f *fakeConversationRepo) UpdateLastMessage(_ context.Context, conversationID, messageID, preview, senderName string, at time.Time) error {
	conversation, ok := f.byID[conversationID]
	if !ok {
		return apperrors.ErrConversationNotFound
	}
	f.lastPreview = preview
	f.lastSender = senderName
	conversation.LastMessageID = &messageID
	conversation.LastMessageContent = &preview
	conversation.LastMessageSender = &senderName
	conversation.LastMessageTime = &at
	conversation.TotalMessages++
	return nil
}

func (f *fakeConversationRepo) UpdateStatus(_ context.Context, conversationID, status string) error {
	conversation, ok := f.byID[conversationID]
	if !ok {
		return apperrors.ErrConversationNotFound
	}
	conversation.Status = status
	return nil
}

type fakeParticipantRepo struct {
	byConversation map[string][]domain.Participant
	idsByUser      map[string][]string
	upserts        []domain.Participant

	batchCalls int
	batchSizes []int
}

var _ repository.ParticipantRepository = (*fakeParticipantRepo)(nil)

func newFakeParticipantRepo() *fakeParticipantRepo {
	return &fakeParticipantRepo{
		byConversation: make(map[string][]domain.Participant),
		idsByUser:      make(map[string][]string),
	}
}

func (f *fakeParticipantRepo) Upsert(_ context.Context, participant *domain.Participant) error {
	f.upserts = append(f.upserts, *participant)
	existing := f.byConversation[participant.ConversationID]
	for i := range existing {
		if existing[i].UserID == participant.UserID {
			existing[i] = *participant
			return nil
		}
	}
	f.byConversation[participant.ConversationID] = append(existing, *participant)
	return nil
}

func (f *fakeParticipantRepo) ListByConversation(_ context.Context, conversationID string) ([]domain.Participant, error) {
	var active []domain.Participant
	for _, p := range f.byConversation[conversationID] {
		if p.IsActive {
			active = append(active, p)
		}
	}
	return active, nil
}

func (f *fakeParticipantRepo) ListByConversationIDs(_ context.Context, conversationIDs []string) ([]domain.Participant, error) {
	f.batchCalls++
	f.batchSizes = append(f.batchSizes, len(conversationIDs))
	var result []domain.Participant
	for _, id := range conversationIDs {
		for _, p := range f.byConversation[id] {
			if p.IsActive {
				result = append(result, p)
			}
		}
	}
	return result, nil
}

func (f *fakeParticipantRepo) ListConversationIDs(_ context.Context, userID string) ([]string, error) {
	return f.idsByUser[userID], nil
}

func (f *fakeParticipantRepo) Deactivate(_ context.Context, conversationID, userID string) error {
	participants := f.byConversation[conversationID]
	for i := range participants {
		if participants[i].UserID == userID {
			participants[i].IsActive = false
		}
	}
	return nil
}

func (f *fakeParticipantRepo) UpdateLastRead(_ context.Context, conversationID, userID string, at time.Time) error {
	participants := f.byConversation[conversationID]
	for i := range participants {
		if participants[i].UserID == userID {
			participants[i].LastReadAt = &at
		}
	}
	return nil
}

type fakeUserRepo struct {
	users  map[string]*domain.User
	byRole map[string][]*domain.User
}

var _ repository.UserRepository = (*fakeUserRepo)(nil)

func (f *fakeUserRepo) GetByID(_ context.Context, userID string) (*domain.User, error) {
	if user, ok := f.users[userID]; ok {
		return user, nil
	}
	return nil, apperrors.ErrNotFound
}

func (f *fakeUserRepo) ListByRole(_ context.Context, role string) ([]*domain.User, error) {
	return f.byRole[role], nil
}

type fakeIncidentRepo struct {
	incidents map[string]*domain.IncidentInfo
}

var _ repository.IncidentRepository = (*fakeIncidentRepo)(nil)

func (f *fakeIncidentRepo) GetByID(_ context.Context, incidentID string) (*domain.IncidentInfo, error) {
	if incident, ok := f.incidents[incidentID]; ok {
		return incident, nil
	}
	return nil, apperrors.ErrIncidentNotFound
}

type conversationFixture struct {
	conversations *fakeConversationRepo
	participants  *fakeParticipantRepo
	users         *fakeUserRepo
	incidents     *fakeIncidentRepo
	svc           ConversationService
}

func newConversationFixture() *conversationFixture {
	f := &conversationFixture{
		conversations: newFakeConversationRepo(),
		participants:  newFakeParticipantRepo(),
		users: &fakeUserRepo{
			users:  make(map[string]*domain.User),
			byRole: make(map[string][]*domain.User),
		},
		incidents: &fakeIncidentRepo{incidents: make(map[string]*domain.IncidentInfo)},
	}
	f.svc = NewConversationService(
		f.conversations, f.participants, f.users, f.incidents,
		permission.NewEvaluator("lead-1"),
		cache.NewMemoryCache(30*time.Second),
		logger.Nop(),
	)
	return f
}

func (f *conversationFixture) addUser(user *domain.User) {
	f.users.users[user.ID] = user
	f.users.byRole[user.Role] = append(f.users.byRole[user.Role], user)
}

func securityUser(id, name string) *domain.User {
	return &domain.User{ID: id, Email: id + "@corp.example", FullName: name, Role: domain.RoleSecurity, IsActive: true}
}

func TestGetOrCreateIncidentConversationSeedsSecurityTeam(t *testing.T) {
	f := newConversationFixture()
	f.incidents.incidents["inc-1"] = &domain.IncidentInfo{
		ID: "inc-1", Title: "Phishing email", ReporterID: "emp-1", ReporterName: "Dana Reports",
	}
	f.addUser(&domain.User{ID: "emp-1", Email: "dana@corp.example", FullName: "Dana Reports", Role: domain.RoleEmployee, IsActive: true})
	f.addUser(securityUser("sec-1", "Sam First"))
	f.addUser(securityUser("sec-2", "Sally Second"))
	f.addUser(securityUser("sec-3", "Unknown User"))

	current := securityUser("sec-1", "Sam First")
	view, err := f.svc.GetOrCreateIncidentConversation(context.Background(), "inc-1", current, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if view.Type != domain.ConversationTypeIncident {
		t.Errorf("conversation type = %q, want incident_chat", view.Type)
	}
	if view.IncidentID == nil || *view.IncidentID != "inc-1" {
		t.Error("incident id not set on conversation")
	}
	if view.IncidentTitle != "Phishing email" {
		t.Errorf("incident title = %q", view.IncidentTitle)
	}
	if view.ParticipantCount != 4 {
		t.Fatalf("participant count = %d, want reporter + 3 security members", view.ParticipantCount)
	}
	if view.IsPrivate {
		t.Error("conversation with 4 participants must not be private")
	}
	for _, id := range []string{"emp-1", "sec-1", "sec-2", "sec-3"} {
		if !view.IsParticipant(id) {
			t.Errorf("expected %s among participants", id)
		}
	}
	// Заглушка имени должна быть разрешена через email
	for _, p := range view.Participants {
		if p.UserID == "sec-3" && p.UserName != "sec-3" {
			t.Errorf("placeholder name resolved to %q, want email local part", p.UserName)
		}
	}
}

func TestGetOrCreateIncidentConversationPrefersAssignee(t *testing.T) {
	f := newConversationFixture()
	assignee := "sec-2"
	f.incidents.incidents["inc-2"] = &domain.IncidentInfo{
		ID: "inc-2", Title: "Lost badge", ReporterID: "emp-1", ReporterName: "Dana Reports", AssignedTo: &assignee,
	}
	f.addUser(securityUser("sec-2", "Sally Second"))
	f.addUser(securityUser("sec-9", "Should Not Appear"))

	current := securityUser("sec-2", "Sally Second")
	view, err := f.svc.GetOrCreateIncidentConversation(context.Background(), "inc-2", current, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if view.ParticipantCount != 2 {
		t.Fatalf("participant count = %d, want reporter + assignee", view.ParticipantCount)
	}
	if !view.IsPrivate {
		t.Error("two-participant conversation must be private")
	}
	if view.IsParticipant("sec-9") {
		t.Error("full security team must not be seeded when an assignee exists")
	}
}

func TestGetOrCreateIncidentConversationDeniesForeignEmployee(t *testing.T) {
	f := newConversationFixture()
	f.incidents.incidents["inc-3"] = &domain.IncidentInfo{
		ID: "inc-3", Title: "Malware", ReporterID: "emp-1", ReporterName: "Dana Reports",
	}

	outsider := &domain.User{ID: "emp-2", Role: domain.RoleEmployee, IsActive: true}
	_, err := f.svc.GetOrCreateIncidentConversation(context.Background(), "inc-3", outsider, nil)
	if !errors.Is(err, apperrors.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if len(f.conversations.created) != 0 {
		t.Error("conversation must not be created for a foreign employee")
	}
}

func TestGetOrCreateIncidentConversationJoinsExisting(t *testing.T) {
	f := newConversationFixture()
	f.incidents.incidents["inc-4"] = &domain.IncidentInfo{
		ID: "inc-4", Title: "Tailgating", ReporterID: "emp-1", ReporterName: "Dana Reports",
	}
	f.addUser(securityUser("sec-1", "Sam First"))

	reporter := &domain.User{ID: "emp-1", Email: "dana@corp.example", FullName: "Dana Reports", Role: domain.RoleEmployee, IsActive: true}
	first, err := f.svc.GetOrCreateIncidentConversation(context.Background(), "inc-4", reporter, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Повторное обращение не создает второй диалог и добавляет нового
	// участника из команды безопасности
	late := securityUser("sec-9", "Sally Late")
	f.addUser(late)
	second, err := f.svc.GetOrCreateIncidentConversation(context.Background(), "inc-4", late, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if second.ID != first.ID {
		t.Fatalf("second call created a new conversation %s, want %s", second.ID, first.ID)
	}
	if len(f.conversations.created) != 1 {
		t.Fatalf("conversations created = %d, want 1", len(f.conversations.created))
	}
	if !second.IsParticipant("sec-9") {
		t.Error("late security member must be added to the existing conversation")
	}
}

func TestListForUserBatchesLookups(t *testing.T) {
	f := newConversationFixture()
	user := &domain.User{ID: "sec-1", Role: domain.RoleSecurity, IsActive: true}

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 15; i++ {
		id := fmt.Sprintf("conv-%02d", i)
		ids = append(ids, id)
		createdAt := base.Add(time.Duration(i) * time.Minute)
		f.conversations.byID[id] = &domain.Conversation{
			ID: id, Type: domain.ConversationTypeIncident, Title: id,
			Status: domain.ConversationStatusActive, CreatedAt: createdAt, UpdatedAt: createdAt,
		}
		f.participants.byConversation[id] = []domain.Participant{
			{ConversationID: id, UserID: "sec-1", UserName: "Sam", UserRole: domain.RoleSecurity, IsActive: true},
		}
	}
	f.participants.idsByUser["sec-1"] = ids

	views, err := f.svc.ListForUser(context.Background(), user, "", 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(views) != 15 {
		t.Fatalf("got %d conversations, want 15", len(views))
	}
	if f.conversations.batchCalls != 2 {
		t.Errorf("conversation batch queries = %d, want 2", f.conversations.batchCalls)
	}
	if f.participants.batchCalls != 2 {
		t.Errorf("participant batch queries = %d, want 2", f.participants.batchCalls)
	}
	for _, size := range f.conversations.batchSizes {
		if size > conversationBatchSize {
			t.Errorf("conversation batch of %d exceeds limit %d", size, conversationBatchSize)
		}
	}
	// Самый свежий диалог первым
	if views[0].ID != "conv-14" {
		t.Errorf("first conversation = %s, want conv-14", views[0].ID)
	}
	if views[14].ID != "conv-00" {
		t.Errorf("last conversation = %s, want conv-00", views[14].ID)
	}
}

func TestListForUserHidesTeamConversationsFromEmployees(t *testing.T) {
	f := newConversationFixture()
	employee := &domain.User{ID: "emp-1", Role: domain.RoleEmployee, IsActive: true}

	now := time.Now().UTC()
	f.conversations.byID["conv-inc"] = &domain.Conversation{
		ID: "conv-inc", Type: domain.ConversationTypeIncident, CreatedAt: now,
	}
	f.conversations.byID["conv-team"] = &domain.Conversation{
		ID: "conv-team", Type: domain.ConversationTypeTeam, CreatedAt: now,
	}
	f.participants.idsByUser["emp-1"] = []string{"conv-inc", "conv-team"}
	for _, id := range []string{"conv-inc", "conv-team"} {
		f.participants.byConversation[id] = []domain.Participant{
			{ConversationID: id, UserID: "emp-1", IsActive: true},
		}
	}

	views, err := f.svc.ListForUser(context.Background(), employee, "", 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(views) != 1 || views[0].ID != "conv-inc" {
		t.Fatalf("employee listing = %v, want only conv-inc", viewIDs(views))
	}
}

func viewIDs(views []*domain.ConversationView) []string {
	ids := make([]string, 0, len(views))
	for _, v := range views {
		ids = append(ids, v.ID)
	}
	return ids
}

func TestUpdateLastMessageTruncatesPreview(t *testing.T) {
	f := newConversationFixture()
	now := time.Now().UTC()
	f.conversations.byID["conv-1"] = &domain.Conversation{
		ID: "conv-1", Type: domain.ConversationTypeIncident, CreatedAt: now,
	}

	long := make([]rune, 0, 150)
	for i := 0; i < 150; i++ {
		long = append(long, rune('a'+i%26))
	}
	message := &domain.Message{
		ID:             "msg-1",
		ConversationID: "conv-1",
		SenderName:     "Sam First",
		Content:        string(long),
		CreatedAt:      now,
	}

	if err := f.svc.UpdateLastMessage(context.Background(), message); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := len([]rune(f.conversations.lastPreview)); got != previewLimit {
		t.Errorf("preview length = %d runes, want %d", got, previewLimit)
	}
	if f.conversations.lastSender != "Sam First" {
		t.Errorf("preview sender = %q", f.conversations.lastSender)
	}
}

func TestGetServesCachedSnapshotUntilInvalidated(t *testing.T) {
	f := newConversationFixture()
	now := time.Now().UTC()
	f.conversations.byID["conv-1"] = &domain.Conversation{
		ID: "conv-1", Type: domain.ConversationTypeDirect, Title: "before", CreatedAt: now,
	}
	f.participants.byConversation["conv-1"] = []domain.Participant{
		{ConversationID: "conv-1", UserID: "u1", UserName: "Alice", IsActive: true},
	}

	first, err := f.svc.Get(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Title != "before" {
		t.Fatalf("title = %q", first.Title)
	}
	loads := f.conversations.getCalls

	// Изменение в хранилище не видно, пока жив кэшированный снимок
	f.conversations.byID["conv-1"].Title = "after"
	second, err := f.svc.Get(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Title != "before" {
		t.Errorf("expected cached title, got %q", second.Title)
	}
	if f.conversations.getCalls != loads {
		t.Errorf("store consulted on a cache hit")
	}

	// Мутация инвалидирует снимок, следующее чтение видит свежие данные
	user := &domain.User{ID: "u2", Email: "bob@corp.example", FullName: "Bob", Role: domain.RoleSecurity}
	if err := f.svc.AddParticipant(context.Background(), "conv-1", user); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	third, err := f.svc.Get(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if third.Title != "after" {
		t.Errorf("expected fresh title after invalidation, got %q", third.Title)
	}
	if third.ParticipantCount != 2 {
		t.Errorf("participant count = %d, want 2", third.ParticipantCount)
	}
}

func TestCreateTeamConversationRequiresSecurityRole(t *testing.T) {
	f := newConversationFixture()
	employee := &domain.User{ID: "emp-1", Role: domain.RoleEmployee}

	_, err := f.svc.Create(context.Background(), CreateConversationInput{Type: domain.ConversationTypeTeam}, employee)
	if !errors.Is(err, apperrors.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}

	security := securityUser("sec-1", "Sam First")
	view, err := f.svc.Create(context.Background(), CreateConversationInput{
		Type:           domain.ConversationTypeTeam,
		ParticipantIDs: []string{"sec-2"},
	}, security)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !view.IsPrivate {
		t.Error("two-participant conversation must be private")
	}
	if !view.IsParticipant("sec-1") {
		t.Error("creator must be a participant")
	}
}

func TestUpdateStatusValidatesAndInvalidates(t *testing.T) {
	f := newConversationFixture()
	now := time.Now().UTC()
	f.conversations.byID["conv-1"] = &domain.Conversation{
		ID: "conv-1", Type: domain.ConversationTypeIncident,
		Status: domain.ConversationStatusActive, CreatedAt: now,
	}

	security := securityUser("sec-1", "Sam First")
	if err := f.svc.UpdateStatus(context.Background(), "conv-1", "bogus", security); !errors.Is(err, apperrors.ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest for unknown status, got %v", err)
	}

	employee := &domain.User{ID: "emp-1", Role: domain.RoleEmployee}
	if err := f.svc.UpdateStatus(context.Background(), "conv-1", domain.ConversationStatusResolved, employee); !errors.Is(err, apperrors.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied for employee, got %v", err)
	}

	if err := f.svc.UpdateStatus(context.Background(), "conv-1", domain.ConversationStatusResolved, security); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	view, err := f.svc.Get(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if view.Status != domain.ConversationStatusResolved {
		t.Errorf("status = %q, want resolved", view.Status)
	}
}
