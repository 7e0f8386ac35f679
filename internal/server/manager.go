package server

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/codefionn/hostlink/internal/domain"
	"github.com/codefionn/hostlink/internal/logger"
	"github.com/codefionn/hostlink/internal/protocol"
)

// sender is the transport-specific outbound half of a connection
type sender interface {
	writeEnvelope(env *protocol.Envelope) error
	close() error
}

// ConnectionManager tracks active connections, dispatches their inbound
// command requests to the registry and broadcasts events to all of them. It
// implements domain.EventBroadcaster.
type ConnectionManager struct {
	mu          sync.Mutex
	registry    *domain.Registry
	connections map[int]*Connection
	nextID      int
	log         *logger.Logger
}

// NewConnectionManager creates a manager bound to a registry
func NewConnectionManager(registry *domain.Registry, log *logger.Logger) *ConnectionManager {
	if log == nil {
		log = logger.Global()
	}
	return &ConnectionManager{
		registry:    registry,
		connections: make(map[int]*Connection),
		log:         log.WithPrefix("connmgr"),
	}
}

// AddConnection registers a new connection over the given sender and starts
// its write pump. The caller owns the inbound side and feeds it through
// Dispatch.
func (m *ConnectionManager) AddConnection(s sender) *Connection {
	m.mu.Lock()
	m.nextID++
	c := newConnection(m.nextID, s, m.log)
	m.connections[c.id] = c
	m.mu.Unlock()

	go c.writePump()
	m.log.Info("connection %d registered (total: %d)", c.id, m.ConnectionCount())
	return c
}

// Dispatch parses one inbound message from a connection and executes the
// requested command. Malformed or incomplete requests are answered with an
// error envelope; they never terminate the connection.
func (m *ConnectionManager) Dispatch(c *Connection, data []byte) {
	var req protocol.CommandRequest
	if err := json.Unmarshal(data, &req); err != nil {
		m.log.Error("connection %d sent unparsable message: %v", c.id, err)
		c.sendProtocolError(fmt.Sprintf("unable to parse message: %v", err))
		return
	}
	if req.Domain == "" || req.Command == "" {
		m.log.Error("connection %d sent malformed command request: %s", c.id, string(data))
		c.sendProtocolError("malformed message: id, domain and command are required")
		return
	}
	m.registry.ExecuteCommand(c, req.ID, req.Domain, req.Command, req.Parameters)
}

// SendEventToAllConnections broadcasts an event envelope to every active
// connection. There is no acknowledgment or replay; connections joining
// later never see earlier events.
func (m *ConnectionManager) SendEventToAllConnections(seq uint64, domainName, eventName string, parameters []interface{}) {
	env, err := protocol.NewEvent(seq, domainName, eventName, parameters)
	if err != nil {
		m.log.Error("failed to build event envelope for %s.%s: %v", domainName, eventName, err)
		return
	}

	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.enqueue(env)
	}
}

// CloseAllConnections closes every tracked connection
func (m *ConnectionManager) CloseAllConnections() {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.connections = make(map[int]*Connection)
	m.mu.Unlock()

	for _, c := range conns {
		c.closeConnection()
	}
}

// ConnectionCount returns the number of active connections
func (m *ConnectionManager) ConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.connections)
}

// remove drops a connection from tracking, typically after its read side
// failed
func (m *ConnectionManager) remove(c *Connection) {
	m.mu.Lock()
	delete(m.connections, c.id)
	m.mu.Unlock()
}
