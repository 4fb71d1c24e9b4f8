package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"incident_collab/internal/cache"
	"incident_collab/internal/domain"
	"incident_collab/internal/repository"
	apperrors "incident_collab/pkg/errors"
	"incident_collab/pkg/logger"
)

type fakeMessageRepo struct {
	byID           map[string]*domain.Message
	byConversation map[string][]*domain.Message

	orderedErr   error
	countCalls   int
	orderedCalls int
}

var _ repository.MessageRepository = (*fakeMessageRepo)(nil)

func newFakeMessageRepo() *fakeMessageRepo {
	return &fakeMessageRepo{
		byID:           make(map[string]*domain.Message),
		byConversation: make(map[string][]*domain.Message),
	}
}

func (f *fakeMessageRepo) Create(_ context.Context, message *domain.Message) error {
	copied := *message
	f.byID[message.ID] = &copied
	f.byConversation[message.ConversationID] = append(f.byConversation[message.ConversationID], &copied)
	return nil
}

func (f *fakeMessageRepo) GetByID(_ context.Context, messageID string) (*domain.Message, error) {
	if message, ok := f.byID[messageID]; ok {
		copied := *message
		return &copied, nil
	}
	return nil, apperrors.ErrMessageNotFound
}

func (f *fakeMessageRepo) ListOrdered(_ context.Context, conversationID string) ([]*domain.Message, error) {
	f.orderedCalls++
	if f.orderedErr != nil {
		return nil, f.orderedErr
	}
	return f.byConversation[conversationID], nil
}

func (f *fakeMessageRepo) ListUnordered(_ context.Context, conversationID string) ([]*domain.Message, error) {
	return f.byConversation[conversationID], nil
}

func (f *fakeMessageRepo) MarkRead(_ context.Context, messageID, userID string, at time.Time) error {
	message, ok := f.byID[messageID]
	if !ok {
		return apperrors.ErrMessageNotFound
	}
	message.IsRead = true
	message.ReadAt = &at
	message.ReadBy = append(message.ReadBy, userID)
	return nil
}

func (f *fakeMessageRepo) CountUnread(_ context.Context, conversationID, userID string) (int64, error) {
	f.countCalls++
	var count int64
	for _, message := range f.byConversation[conversationID] {
		if message.SenderID == userID {
			continue
		}
		if containsString(message.ReadBy, userID) {
			continue
		}
		count++
	}
	return count, nil
}

type fakeConversationUpdater struct {
	calls    int
	messages []*domain.Message
	err      error
}

func (f *fakeConversationUpdater) UpdateLastMessage(_ context.Context, message *domain.Message) error {
	f.calls++
	f.messages = append(f.messages, message)
	return f.err
}

type messageFixture struct {
	messages     *fakeMessageRepo
	participants *fakeParticipantRepo
	updater      *fakeConversationUpdater
	unread       *cache.MemoryCache
	svc          MessageService
}

func newMessageFixture() *messageFixture {
	f := &messageFixture{
		messages:     newFakeMessageRepo(),
		participants: newFakeParticipantRepo(),
		updater:      &fakeConversationUpdater{},
		unread:       cache.NewMemoryCache(30 * time.Second),
	}
	f.svc = NewMessageService(f.messages, f.participants, f.updater, f.unread, logger.Nop())
	return f
}

func TestSendPersistsAndUpdatesConversation(t *testing.T) {
	f := newMessageFixture()
	sender := &domain.User{ID: "sec-1", Email: "sam@corp.example", FullName: "Unknown User", Role: domain.RoleSecurity}

	message, err := f.svc.Send(context.Background(), "conv-1", sender, "we are on it", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if message.Type != domain.MessageTypeText {
		t.Errorf("message type = %q, want text", message.Type)
	}
	if message.SenderName != "sam" {
		t.Errorf("sender name = %q, want resolved email local part", message.SenderName)
	}
	if _, ok := f.messages.byID[message.ID]; !ok {
		t.Error("message not persisted")
	}
	if f.updater.calls != 1 {
		t.Errorf("conversation preview updated %d times, want 1", f.updater.calls)
	}
}

func TestSendRejectsBlankContent(t *testing.T) {
	f := newMessageFixture()
	sender := &domain.User{ID: "sec-1", Role: domain.RoleSecurity}

	if _, err := f.svc.Send(context.Background(), "conv-1", sender, "   ", ""); !errors.Is(err, apperrors.ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest, got %v", err)
	}
}

func TestSendInvalidatesUnreadCountersForConversation(t *testing.T) {
	f := newMessageFixture()
	ctx := context.Background()

	// Прогретые счетчики двух участников и чужого диалога
	_ = f.unread.Set(ctx, unreadKey("conv-1", "emp-1"), "3")
	_ = f.unread.Set(ctx, unreadKey("conv-1", "sec-2"), "0")
	_ = f.unread.Set(ctx, unreadKey("conv-2", "emp-1"), "7")

	sender := &domain.User{ID: "sec-1", FullName: "Sam First", Role: domain.RoleSecurity}
	if _, err := f.svc.Send(ctx, "conv-1", sender, "update", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := f.unread.Get(ctx, unreadKey("conv-1", "emp-1")); !errors.Is(err, cache.ErrMiss) {
		t.Error("unread counter for emp-1 must be invalidated")
	}
	if _, err := f.unread.Get(ctx, unreadKey("conv-1", "sec-2")); !errors.Is(err, cache.ErrMiss) {
		t.Error("unread counter for sec-2 must be invalidated")
	}
	if value, err := f.unread.Get(ctx, unreadKey("conv-2", "emp-1")); err != nil || value != "7" {
		t.Error("unrelated conversation counter must survive")
	}
}

func TestListFallsBackToInMemoryOrdering(t *testing.T) {
	f := newMessageFixture()
	base := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

	// Нарочно вразнобой
	for _, offset := range []int{3, 0, 4, 1, 2} {
		f.messages.byConversation["conv-1"] = append(f.messages.byConversation["conv-1"], &domain.Message{
			ID:             string(rune('a' + offset)),
			ConversationID: "conv-1",
			Content:        "m",
			CreatedAt:      base.Add(time.Duration(offset) * time.Second),
		})
	}
	f.messages.orderedErr = repository.ErrOrderedQueryUnsupported

	messages, err := f.svc.List(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(messages) != 5 {
		t.Fatalf("got %d messages, want 5", len(messages))
	}
	for i := 1; i < len(messages); i++ {
		if messages[i].CreatedAt.Before(messages[i-1].CreatedAt) {
			t.Fatalf("messages out of order at %d", i)
		}
	}
}

func TestListPropagatesStoreErrors(t *testing.T) {
	f := newMessageFixture()
	f.messages.orderedErr = errors.New("store unavailable")

	if _, err := f.svc.List(context.Background(), "conv-1"); err == nil {
		t.Fatal("expected error from store")
	}
}

func TestUnreadCountCachedUntilMarkRead(t *testing.T) {
	f := newMessageFixture()
	ctx := context.Background()

	sender := &domain.User{ID: "sec-1", FullName: "Sam First", Role: domain.RoleSecurity}
	message, err := f.svc.Send(ctx, "conv-1", sender, "please review", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	count, err := f.svc.UnreadCount(ctx, "conv-1", "emp-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 1 {
		t.Fatalf("unread count = %d, want 1", count)
	}

	// Повторное чтение обслуживается кэшем
	if _, err := f.svc.UnreadCount(ctx, "conv-1", "emp-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.messages.countCalls != 1 {
		t.Errorf("store counted %d times, want 1", f.messages.countCalls)
	}

	if _, err := f.svc.MarkRead(ctx, message.ID, "emp-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	count, err = f.svc.UnreadCount(ctx, "conv-1", "emp-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 0 {
		t.Errorf("unread count after mark read = %d, want 0", count)
	}
	if f.messages.countCalls != 2 {
		t.Errorf("store counted %d times, want 2 after invalidation", f.messages.countCalls)
	}
}

func TestMarkReadUnknownMessage(t *testing.T) {
	f := newMessageFixture()

	if _, err := f.svc.MarkRead(context.Background(), "missing", "emp-1"); !errors.Is(err, apperrors.ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}
}
