package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"incident_collab/internal/middleware"
	"incident_collab/internal/permission"
	"incident_collab/internal/realtime"
	"incident_collab/internal/repository"
	"incident_collab/internal/service"
	"incident_collab/pkg/errors"
	"incident_collab/pkg/logger"
)

type ConversationHandler struct {
	conversations service.ConversationService
	dispatcher    *realtime.Dispatcher
	users         repository.UserRepository
	log           logger.Logger
}

func NewConversationHandler(conversations service.ConversationService, dispatcher *realtime.Dispatcher, users repository.UserRepository, log logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		conversations: conversations,
		dispatcher:    dispatcher,
		users:         users,
		log:           log,
	}
}

func (h *ConversationHandler) List(c *gin.Context) {
	user := middleware.CurrentUser(c)
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "20"))
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}

	views, err := h.conversations.ListForUser(c.Request.Context(), user, c.Query("type"), 0, 0)
	if err != nil {
		c.JSON(errors.HTTPStatusFromError(err), gin.H{"error": err.Error()})
		return
	}

	total := len(views)
	start := (page - 1) * perPage
	if start > total {
		start = total
	}
	end := start + perPage
	if end > total {
		end = total
	}

	c.JSON(http.StatusOK, gin.H{
		"conversations": views[start:end],
		"total":         total,
		"page":          page,
		"per_page":      perPage,
		"has_next":      end < total,
		"has_prev":      page > 1,
	})
}

func (h *ConversationHandler) Create(c *gin.Context) {
	user := middleware.CurrentUser(c)
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	var input service.CreateConversationInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	view, err := h.conversations.Create(c.Request.Context(), input, user)
	if err != nil {
		c.JSON(errors.HTTPStatusFromError(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, view)
}

func (h *ConversationHandler) Get(c *gin.Context) {
	user := middleware.CurrentUser(c)
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	view, err := h.conversations.CheckPermission(c.Request.Context(), c.Param("id"), user, permission.ActionRead)
	if err != nil {
		c.JSON(errors.HTTPStatusFromError(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, view)
}

// GetOrCreateIncident возвращает диалог инцидента, при первом обращении
// создавая его с посевом участников
func (h *ConversationHandler) GetOrCreateIncident(c *gin.Context) {
	user := middleware.CurrentUser(c)
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	var targetMembers []string
	if raw := c.Query("target_members"); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				targetMembers = append(targetMembers, id)
			}
		}
	}

	view, err := h.conversations.GetOrCreateIncidentConversation(c.Request.Context(), c.Param("id"), user, targetMembers)
	if err != nil {
		c.JSON(errors.HTTPStatusFromError(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, view)
}

func (h *ConversationHandler) ListTeam(c *gin.Context) {
	user := middleware.CurrentUser(c)
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	views, err := h.conversations.ListTeamConversations(c.Request.Context(), user)
	if err != nil {
		c.JSON(errors.HTTPStatusFromError(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"conversations": views, "total": len(views)})
}

type AddParticipantRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

func (h *ConversationHandler) AddParticipant(c *gin.Context) {
	user := middleware.CurrentUser(c)
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	var req AddParticipantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conversationID := c.Param("id")
	if _, err := h.conversations.CheckPermission(c.Request.Context(), conversationID, user, permission.ActionWrite); err != nil {
		c.JSON(errors.HTTPStatusFromError(err), gin.H{"error": err.Error()})
		return
	}

	target, err := h.users.GetByID(c.Request.Context(), req.UserID)
	if err != nil {
		c.JSON(errors.HTTPStatusFromError(err), gin.H{"error": "user not found"})
		return
	}

	if err := h.conversations.AddParticipant(c.Request.Context(), conversationID, target); err != nil {
		c.JSON(errors.HTTPStatusFromError(err), gin.H{"error": err.Error()})
		return
	}

	h.dispatcher.BroadcastStatus(conversationID, "participant_added", user.FullName)
	c.JSON(http.StatusOK, gin.H{"message": "Participant added"})
}

func (h *ConversationHandler) RemoveParticipant(c *gin.Context) {
	user := middleware.CurrentUser(c)
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	conversationID := c.Param("id")
	if _, err := h.conversations.CheckPermission(c.Request.Context(), conversationID, user, permission.ActionWrite); err != nil {
		c.JSON(errors.HTTPStatusFromError(err), gin.H{"error": err.Error()})
		return
	}

	removedID := c.Param("userId")
	if err := h.conversations.RemoveParticipant(c.Request.Context(), conversationID, removedID); err != nil {
		c.JSON(errors.HTTPStatusFromError(err), gin.H{"error": err.Error()})
		return
	}

	// Живое комнатное соединение удаленного участника закрывается,
	// дальнейшие рассылки комнаты его не достигают
	h.dispatcher.EvictFromRoom(conversationID, removedID)
	h.dispatcher.BroadcastStatus(conversationID, "participant_removed", user.FullName)
	c.JSON(http.StatusOK, gin.H{"message": "Participant removed"})
}

type UpdateStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

func (h *ConversationHandler) UpdateStatus(c *gin.Context) {
	user := middleware.CurrentUser(c)
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	var req UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conversationID := c.Param("id")
	if err := h.conversations.UpdateStatus(c.Request.Context(), conversationID, req.Status, user); err != nil {
		c.JSON(errors.HTTPStatusFromError(err), gin.H{"error": err.Error()})
		return
	}

	h.dispatcher.BroadcastStatus(conversationID, req.Status, user.FullName)
	c.JSON(http.StatusOK, gin.H{"message": "Status updated", "status": req.Status})
}
