package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"incident_collab/internal/config"
	"incident_collab/internal/domain"
	"incident_collab/internal/middleware"
	"incident_collab/internal/permission"
	"incident_collab/internal/realtime"
	"incident_collab/internal/repository"
	"incident_collab/internal/service"
	apperrors "incident_collab/pkg/errors"
	"incident_collab/pkg/logger"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // В продакшене нужно проверять origin
	},
}

type WSHandler struct {
	admission     service.AdmissionService
	conversations service.ConversationService
	users         repository.UserRepository
	activity      repository.ActivityRepository
	registry      *realtime.Registry
	cfg           config.WSConfig
	log           logger.Logger
}

func NewWSHandler(
	admission service.AdmissionService,
	conversations service.ConversationService,
	users repository.UserRepository,
	activity repository.ActivityRepository,
	registry *realtime.Registry,
	cfg config.WSConfig,
	log logger.Logger,
) *WSHandler {
	return &WSHandler{
		admission:     admission,
		conversations: conversations,
		users:         users,
		activity:      activity,
		registry:      registry,
		cfg:           cfg,
		log:           log,
	}
}

// HandleGeneral - общий канал уведомлений: одно соединение на пользователя
func (h *WSHandler) HandleGeneral(c *gin.Context) {
	claimedUserID := c.Query("user_id")
	token := c.Query("token")
	if claimedUserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("Failed to upgrade connection", "error", err)
		return
	}

	admitted, err := h.admission.Admit(c.Request.Context(), claimedUserID, claimedUserID, token)
	if err != nil {
		h.rejectWS(ws, err)
		return
	}

	user := h.loadProfile(c.Request.Context(), admitted.User)
	conn := realtime.NewConnection(user.ID, "", ws, h.cfg.SendBufferSize)
	h.registry.Register(conn)

	h.recordConnected(user.ID, "")
	welcome := gin.H{
		"type":             "connection_established",
		"user_id":          user.ID,
		"token_expires_in": admitted.TokenExpiresIn,
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
	}
	// Предупреждение об истечении токена едет в приветственном фрейме
	if admitted.ExpiryWarning {
		welcome["token_expiry_warning"] = true
	}
	h.sendFrame(conn, welcome)

	h.readLoop(ws, conn, user, admitted)
}

// HandleConversation - канал комнаты диалога; доступ через оценку прав
func (h *WSHandler) HandleConversation(c *gin.Context) {
	conversationID := c.Param("id")
	token := c.Query("token")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("Failed to upgrade connection", "error", err)
		return
	}

	// Пользователь до аутентификации неизвестен, окно попыток ведется
	// по адресу клиента
	admitted, err := h.admission.Admit(c.Request.Context(), c.ClientIP(), "", token)
	if err != nil {
		h.rejectWS(ws, err)
		return
	}

	user := h.loadProfile(c.Request.Context(), admitted.User)
	if _, err := h.conversations.CheckPermission(c.Request.Context(), conversationID, user, permission.ActionRead); err != nil {
		h.rejectWS(ws, err)
		return
	}

	conn := realtime.NewConnection(user.ID, conversationID, ws, h.cfg.SendBufferSize)
	h.registry.Register(conn)

	h.recordConnected(user.ID, conversationID)
	welcome := gin.H{
		"type":             "connection_established",
		"user_id":          user.ID,
		"conversation_id":  conversationID,
		"token_expires_in": admitted.TokenExpiresIn,
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
	}
	if admitted.ExpiryWarning {
		welcome["token_expiry_warning"] = true
	}
	h.sendFrame(conn, welcome)

	h.readLoop(ws, conn, user, admitted)
}

// rejectWS закрывает только что принятое соединение с кодом нарушения политики
func (h *WSHandler) rejectWS(ws *websocket.Conn, err error) {
	reason := "authentication failed"
	if errors.Is(err, apperrors.ErrRateLimited) {
		reason = "too many connection attempts"
	} else if errors.Is(err, apperrors.ErrPermissionDenied) {
		reason = "permission denied"
	}

	deadline := time.Now().Add(5 * time.Second)
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), deadline)
	_ = ws.Close()
}

// loadProfile подтягивает профиль пользователя; отсутствующий профиль
// получает минимальные права
func (h *WSHandler) loadProfile(ctx context.Context, info *domain.TokenInfo) *domain.User {
	user, err := h.users.GetByID(ctx, info.UserID)
	if err != nil {
		return &domain.User{
			ID:       info.UserID,
			Email:    info.Email,
			Role:     domain.RoleEmployee,
			IsActive: true,
		}
	}
	return user
}

func (h *WSHandler) readLoop(ws *websocket.Conn, conn *realtime.Connection, user *domain.User, admitted *service.Admission) {
	defer func() {
		h.registry.Unregister(conn)
		conn.Close(websocket.CloseNormalClosure, "")
		h.recordDisconnected(user.ID, conn.RoomID)
	}()

	resetDeadline := func() error {
		return ws.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))
	}
	ws.SetPongHandler(func(string) error { return resetDeadline() })

	for {
		if err := resetDeadline(); err != nil {
			return
		}
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		h.handleFrame(conn, user, admitted, raw)
	}
}

func (h *WSHandler) handleFrame(conn *realtime.Connection, user *domain.User, admitted *service.Admission, raw []byte) {
	var frame map[string]interface{}
	if err := json.Unmarshal(raw, &frame); err != nil {
		// Нечитаемый фрейм не роняет соединение
		h.sendFrame(conn, gin.H{"type": "error", "message": "Invalid message format"})
		return
	}

	frameType, _ := frame["type"].(string)
	switch frameType {
	case "ping":
		// Метка времени клиента возвращается как есть, по ней клиент
		// меряет round trip
		h.sendFrame(conn, gin.H{
			"type":             "pong",
			"timestamp":        frame["timestamp"],
			"token_expires_in": admitted.User.ExpiresIn(time.Now()),
		})
	case "token_refresh":
		h.sendFrame(conn, gin.H{
			"type":    "token_refresh_required",
			"message": "Reconnect with a refreshed token",
		})
	case "join_room":
		// Подтверждается только привязанная комната; чужой room_id
		// молча игнорируется
		roomID, _ := frame["room_id"].(string)
		if roomID != "" && roomID == conn.RoomID {
			h.sendFrame(conn, gin.H{"type": "room_joined", "room_id": roomID})
		}
	default:
		h.broadcastFrame(conn, user, frame)
	}
}

// broadcastFrame ретранслирует произвольный фрейм остальным клиентам канала
func (h *WSHandler) broadcastFrame(conn *realtime.Connection, user *domain.User, frame map[string]interface{}) {
	eventType := realtime.EventMessage
	if conn.RoomID != "" {
		eventType = realtime.EventIncidentMessage
	}

	payload, err := json.Marshal(gin.H{
		"type":            eventType,
		"conversation_id": conn.RoomID,
		"user_id":         user.ID,
		"sender":          service.ResolveDisplayName(user.FullName, user.Email),
		"data":            frame,
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}

	if conn.RoomID != "" {
		h.registry.BroadcastRoom(conn.RoomID, payload)
	} else {
		h.registry.BroadcastAll(payload)
	}
}

func (h *WSHandler) sendFrame(conn *realtime.Connection, frame gin.H) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	if err := conn.Send(payload); err != nil {
		h.log.Debug("Frame dropped, connection closed", "user_id", conn.UserID)
	}
}

// recordConnected пишет событие подключения в фоне; отказ учета не влияет
// на соединение
func (h *WSHandler) recordConnected(userID, roomID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.activity.RecordConnectionEvent(ctx, userID, repository.ConnectionEventConnected, roomID)
		_ = h.activity.UpdateLastSeen(ctx, userID, time.Now().UTC())
	}()
}

func (h *WSHandler) recordDisconnected(userID, roomID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.activity.RecordConnectionEvent(ctx, userID, repository.ConnectionEventDisconnected, roomID)
		_ = h.activity.UpdateLastSeen(ctx, userID, time.Now().UTC())
	}()
}

// Stats возвращает снимок реестра соединений
func (h *WSHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.registry.Stats())
}

// Disconnect принудительно закрывает все соединения пользователя
func (h *WSHandler) Disconnect(c *gin.Context) {
	userID := c.Param("userID")
	closed := h.registry.DisconnectUser(userID, "administratively disconnected")

	admin := middleware.CurrentUser(c)
	adminID := ""
	if admin != nil {
		adminID = admin.ID
	}
	h.log.Info("User forcibly disconnected", "user_id", userID, "connections", closed, "admin_id", adminID)

	c.JSON(http.StatusOK, gin.H{"user_id": userID, "disconnected": closed})
}
