package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"incident_collab/internal/domain"
	"incident_collab/internal/middleware"
	"incident_collab/internal/permission"
	"incident_collab/internal/realtime"
	"incident_collab/internal/service"
	"incident_collab/pkg/errors"
	"incident_collab/pkg/logger"
)

type MessageHandler struct {
	conversations service.ConversationService
	messages      service.MessageService
	dispatcher    *realtime.Dispatcher
	log           logger.Logger
}

func NewMessageHandler(conversations service.ConversationService, messages service.MessageService, dispatcher *realtime.Dispatcher, log logger.Logger) *MessageHandler {
	return &MessageHandler{
		conversations: conversations,
		messages:      messages,
		dispatcher:    dispatcher,
		log:           log,
	}
}

func (h *MessageHandler) List(c *gin.Context) {
	user := middleware.CurrentUser(c)
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	conversationID := c.Param("id")
	if _, err := h.conversations.CheckPermission(c.Request.Context(), conversationID, user, permission.ActionRead); err != nil {
		c.JSON(errors.HTTPStatusFromError(err), gin.H{"error": err.Error()})
		return
	}

	messages, err := h.messages.List(c.Request.Context(), conversationID)
	if err != nil {
		c.JSON(errors.HTTPStatusFromError(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"messages": messages, "total": len(messages)})
}

type SendMessageRequest struct {
	Content     string `json:"content" binding:"required"`
	MessageType string `json:"message_type"`
}

func (h *MessageHandler) Send(c *gin.Context) {
	user := middleware.CurrentUser(c)
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conversationID := c.Param("id")
	if _, err := h.conversations.CheckPermission(c.Request.Context(), conversationID, user, permission.ActionWrite); err != nil {
		c.JSON(errors.HTTPStatusFromError(err), gin.H{"error": err.Error()})
		return
	}

	messageType := req.MessageType
	if messageType != domain.MessageTypeSystem {
		messageType = domain.MessageTypeText
	}

	message, err := h.messages.Send(c.Request.Context(), conversationID, user, req.Content, messageType)
	if err != nil {
		c.JSON(errors.HTTPStatusFromError(err), gin.H{"error": err.Error()})
		return
	}

	// Рассылка только после записи в хранилище
	h.dispatcher.BroadcastMessage(message)

	c.JSON(http.StatusCreated, message)
}

func (h *MessageHandler) MarkRead(c *gin.Context) {
	user := middleware.CurrentUser(c)
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	message, err := h.messages.MarkRead(c.Request.Context(), c.Param("id"), user.ID)
	if err != nil {
		c.JSON(errors.HTTPStatusFromError(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, message)
}

func (h *MessageHandler) UnreadCount(c *gin.Context) {
	user := middleware.CurrentUser(c)
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	count, err := h.messages.UnreadCount(c.Request.Context(), c.Param("id"), user.ID)
	if err != nil {
		c.JSON(errors.HTTPStatusFromError(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"conversation_id": c.Param("id"), "unread_count": count})
}
