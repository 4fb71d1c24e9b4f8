package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// Transport - минимальная поверхность websocket-соединения, которой
// владеет Connection. *websocket.Conn реализует его неявно.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

var errConnectionClosed = errors.New("connection closed")

// Connection оборачивает websocket и сериализует исходящие записи через
// буферизованный канал: медленный клиент не блокирует рассылку остальным
type Connection struct {
	UserID      string
	RoomID      string // пусто для общего канала
	ConnectedAt time.Time

	ws     Transport
	send   chan []byte
	once   sync.Once
	closed chan struct{}
}

func NewConnection(userID, roomID string, ws Transport, bufferSize int) *Connection {
	if bufferSize <= 0 {
		bufferSize = 128
	}
	return &Connection{
		UserID:      userID,
		RoomID:      roomID,
		ConnectedAt: time.Now(),
		ws:          ws,
		send:        make(chan []byte, bufferSize),
		closed:      make(chan struct{}),
	}
}

// Start запускает цикл записи; вызывается ровно один раз при регистрации
func (c *Connection) Start() {
	go c.writeLoop()
}

// Send ставит payload в очередь на доставку. Переполненный буфер означает
// безнадежно отставшего клиента - соединение закрывается, чтобы ограничить
// backpressure.
func (c *Connection) Send(payload []byte) error {
	select {
	case <-c.closed:
		return errConnectionClosed
	case c.send <- payload:
		return nil
	default:
		c.Close(websocket.CloseGoingAway, "send buffer full")
		return errors.New("send buffer exceeded")
	}
}

// Close завершает соединение; повторные вызовы безопасны
func (c *Connection) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.closed)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}

// Closed позволяет дождаться завершения соединения
func (c *Connection) Closed() <-chan struct{} {
	return c.closed
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case payload := <-c.send:
			if err := c.writeMessage(payload); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.writePing(); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

func (c *Connection) writeMessage(payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

func (c *Connection) writePing() error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.PingMessage, nil)
}
