package realtime

import (
	"sync"

	"github.com/gorilla/websocket"

	"incident_collab/pkg/logger"
)

// Stats - снимок реестра для наблюдаемости
type Stats struct {
	GeneralCount int            `json:"general_connections"`
	RoomCounts   map[string]int `json:"room_connections"`
	TotalRooms   int            `json:"total_rooms"`
}

// Registry владеет всеми живыми соединениями процесса. Общие соединения -
// по одному на пользователя (новое вытесняет старое); комнатные -
// независимы по каждой комнате. Все обращения к картам только через
// методы реестра.
type Registry struct {
	mu      sync.RWMutex
	general map[string]*Connection            // userID -> connection
	rooms   map[string]map[string]*Connection // roomID -> userID -> connection
	log     logger.Logger
}

func NewRegistry(log logger.Logger) *Registry {
	return &Registry{
		general: make(map[string]*Connection),
		rooms:   make(map[string]map[string]*Connection),
		log:     log,
	}
}

// Register принимает соединение и запускает его цикл записи. Существующее
// соединение того же пользователя в том же слоте закрывается с причиной
// "superseded" до сохранения нового.
func (r *Registry) Register(conn *Connection) {
	var superseded *Connection

	r.mu.Lock()
	if conn.RoomID == "" {
		if existing, ok := r.general[conn.UserID]; ok {
			superseded = existing
		}
		r.general[conn.UserID] = conn
	} else {
		room := r.rooms[conn.RoomID]
		if room == nil {
			room = make(map[string]*Connection)
			r.rooms[conn.RoomID] = room
		}
		if existing, ok := room[conn.UserID]; ok {
			superseded = existing
		}
		room[conn.UserID] = conn
	}
	r.mu.Unlock()

	conn.Start()

	if superseded != nil {
		superseded.Close(websocket.CloseNormalClosure, "superseded by newer connection")
	}

	r.log.Info("WebSocket connected", "user_id", conn.UserID, "room_id", conn.RoomID)
}

// Unregister удаляет соединение из его слота. Идемпотентно: записи нет
// или слот уже занят более новым соединением - no-op.
func (r *Registry) Unregister(conn *Connection) {
	r.mu.Lock()
	r.removeLocked(conn)
	r.mu.Unlock()

	r.log.Info("WebSocket disconnected", "user_id", conn.UserID, "room_id", conn.RoomID)
}

// removeLocked снимает запись только если она указывает на это же
// соединение, чтобы не задеть вытеснившее его новое
func (r *Registry) removeLocked(conn *Connection) {
	if conn.RoomID == "" {
		if current, ok := r.general[conn.UserID]; ok && current == conn {
			delete(r.general, conn.UserID)
		}
		return
	}
	room := r.rooms[conn.RoomID]
	if room == nil {
		return
	}
	if current, ok := room[conn.UserID]; ok && current == conn {
		delete(room, conn.UserID)
		if len(room) == 0 {
			delete(r.rooms, conn.RoomID)
		}
	}
}

// Send доставляет payload в общее соединение пользователя. При отказе
// транспорта соединение вытесняется из реестра, возвращается false.
func (r *Registry) Send(userID string, payload []byte) bool {
	r.mu.RLock()
	conn := r.general[userID]
	r.mu.RUnlock()

	if conn == nil {
		return false
	}
	if err := conn.Send(payload); err != nil {
		r.evict(conn)
		return false
	}
	return true
}

// BroadcastAll рассылает payload всем общим соединениям; отказавшие
// вытесняются после завершения рассылки
func (r *Registry) BroadcastAll(payload []byte) int {
	r.mu.RLock()
	snapshot := make([]*Connection, 0, len(r.general))
	for _, conn := range r.general {
		snapshot = append(snapshot, conn)
	}
	r.mu.RUnlock()

	return r.deliver(snapshot, payload)
}

// BroadcastRoom рассылает payload всем соединениям комнаты
func (r *Registry) BroadcastRoom(roomID string, payload []byte) int {
	r.mu.RLock()
	room := r.rooms[roomID]
	snapshot := make([]*Connection, 0, len(room))
	for _, conn := range room {
		snapshot = append(snapshot, conn)
	}
	r.mu.RUnlock()

	return r.deliver(snapshot, payload)
}

// deliver отправляет payload каждому соединению независимо: сбой одного
// получателя не прерывает доставку остальным
func (r *Registry) deliver(conns []*Connection, payload []byte) int {
	var failed []*Connection
	delivered := 0

	for _, conn := range conns {
		if err := conn.Send(payload); err != nil {
			failed = append(failed, conn)
			continue
		}
		delivered++
	}

	for _, conn := range failed {
		r.evict(conn)
	}
	return delivered
}

// DisconnectUser принудительно закрывает все соединения пользователя
// (общее и комнатные) и снимает их с учета
func (r *Registry) DisconnectUser(userID string, reason string) int {
	r.mu.Lock()
	var victims []*Connection
	if conn, ok := r.general[userID]; ok {
		victims = append(victims, conn)
		delete(r.general, userID)
	}
	for roomID, room := range r.rooms {
		if conn, ok := room[userID]; ok {
			victims = append(victims, conn)
			delete(room, userID)
			if len(room) == 0 {
				delete(r.rooms, roomID)
			}
		}
	}
	r.mu.Unlock()

	for _, conn := range victims {
		conn.Close(websocket.CloseNormalClosure, reason)
	}
	return len(victims)
}

// DisconnectFromRoom закрывает соединение пользователя в одной комнате;
// общее соединение и другие комнаты не затрагиваются
func (r *Registry) DisconnectFromRoom(roomID, userID, reason string) bool {
	r.mu.Lock()
	var victim *Connection
	if room := r.rooms[roomID]; room != nil {
		if conn, ok := room[userID]; ok {
			victim = conn
			delete(room, userID)
			if len(room) == 0 {
				delete(r.rooms, roomID)
			}
		}
	}
	r.mu.Unlock()

	if victim == nil {
		return false
	}
	victim.Close(websocket.CloseNormalClosure, reason)
	return true
}

// Stats возвращает количество соединений по слотам
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	roomCounts := make(map[string]int, len(r.rooms))
	for roomID, room := range r.rooms {
		roomCounts[roomID] = len(room)
	}
	return Stats{
		GeneralCount: len(r.general),
		RoomCounts:   roomCounts,
		TotalRooms:   len(r.rooms),
	}
}

// IsConnected сообщает, есть ли у пользователя живое общее соединение
func (r *Registry) IsConnected(userID string) bool {
	r.mu.RLock()
	_, ok := r.general[userID]
	r.mu.RUnlock()
	return ok
}

func (r *Registry) evict(conn *Connection) {
	r.mu.Lock()
	r.removeLocked(conn)
	r.mu.Unlock()

	conn.Close(websocket.CloseAbnormalClosure, "transport failure")
	r.log.Warn("Connection evicted after send failure", "user_id", conn.UserID, "room_id", conn.RoomID)
}

// Close закрывает все соединения при остановке процесса
func (r *Registry) Close() {
	r.mu.Lock()
	var all []*Connection
	for _, conn := range r.general {
		all = append(all, conn)
	}
	for _, room := range r.rooms {
		for _, conn := range room {
			all = append(all, conn)
		}
	}
	r.general = make(map[string]*Connection)
	r.rooms = make(map[string]map[string]*Connection)
	r.mu.Unlock()

	for _, conn := range all {
		conn.Close(websocket.CloseGoingAway, "server shutting down")
	}
}
