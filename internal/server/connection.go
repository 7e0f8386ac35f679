package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codefionn/hostlink/internal/logger"
	"github.com/codefionn/hostlink/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 1 << 20

	// Outbound queue depth per connection.
	sendQueueSize = 256
)

// Connection is one client attached to the worker, either over a WebSocket
// or over the process channel. It implements domain.CommandResponder.
type Connection struct {
	id     int
	sender sender
	send   chan *protocol.Envelope
	done   chan struct{}
	once   sync.Once
	log    *logger.Logger
}

func newConnection(id int, s sender, log *logger.Logger) *Connection {
	return &Connection{
		id:     id,
		sender: s,
		send:   make(chan *protocol.Envelope, sendQueueSize),
		done:   make(chan struct{}),
		log:    log,
	}
}

// ID returns the connection's numeric identifier
func (c *Connection) ID() int {
	return c.id
}

// enqueue queues an envelope for delivery, dropping it if the connection is
// closed or its queue is full. A stalled client must not block dispatch.
func (c *Connection) enqueue(env *protocol.Envelope) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- env:
	case <-c.done:
	default:
		c.log.Warn("connection %d send queue full, dropping %s message", c.id, env.Type)
	}
}

// writePump drains the send queue into the sender until the connection closes
func (c *Connection) writePump() {
	for {
		select {
		case <-c.done:
			return
		case env := <-c.send:
			if err := c.sender.writeEnvelope(env); err != nil {
				c.log.Error("connection %d write failed: %v", c.id, err)
				c.closeConnection()
				return
			}
		}
	}
}

// closeConnection shuts the connection down exactly once
func (c *Connection) closeConnection() {
	c.once.Do(func() {
		close(c.done)
		if err := c.sender.close(); err != nil {
			c.log.Debug("connection %d close: %v", c.id, err)
		}
	})
}

// SendCommandResponse implements domain.CommandResponder
func (c *Connection) SendCommandResponse(id uint32, response interface{}) {
	env, err := protocol.NewCommandResponse(id, response)
	if err != nil {
		c.log.Error("connection %d: %v", c.id, err)
		return
	}
	c.enqueue(env)
}

// SendCommandError implements domain.CommandResponder
func (c *Connection) SendCommandError(id uint32, message string, stack string) {
	env, err := protocol.NewCommandError(id, message, stack)
	if err != nil {
		c.log.Error("connection %d: %v", c.id, err)
		return
	}
	c.enqueue(env)
}

// SendCommandProgress implements domain.CommandResponder
func (c *Connection) SendCommandProgress(id uint32, message interface{}) {
	env, err := protocol.NewCommandProgress(id, message)
	if err != nil {
		c.log.Error("connection %d: %v", c.id, err)
		return
	}
	c.enqueue(env)
}

// sendProtocolError reports an uncorrelated protocol error to the client
func (c *Connection) sendProtocolError(message string) {
	env, err := protocol.NewError(message)
	if err != nil {
		c.log.Error("connection %d: %v", c.id, err)
		return
	}
	c.enqueue(env)
}

// wsSender adapts a gorilla WebSocket to the sender interface. Writes are
// serialized by the connection's write pump plus the ping goroutine sharing
// one mutex.
type wsSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSender) writeEnvelope(env *protocol.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(env)
}

func (s *wsSender) writePing() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.PingMessage, nil)
}

func (s *wsSender) close() error {
	return s.conn.Close()
}

// CreateConnection wraps an accepted WebSocket in a Connection and runs its
// read loop until the socket drops.
func (m *ConnectionManager) CreateConnection(ws *websocket.Conn) *Connection {
	s := &wsSender{conn: ws}
	c := m.AddConnection(s)

	go m.pingLoop(c, s)
	go m.readLoop(c, ws)

	return c
}

func (m *ConnectionManager) pingLoop(c *Connection, s *wsSender) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := s.writePing(); err != nil {
				return
			}
		}
	}
}

func (m *ConnectionManager) readLoop(c *Connection, ws *websocket.Conn) {
	defer func() {
		m.remove(c)
		c.closeConnection()
	}()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				m.log.Error("connection %d read error: %v", c.id, err)
			}
			return
		}
		m.Dispatch(c, data)
	}
}
