package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn wraps a websocket.Conn with a write mutex for thread safety.
// gorilla/websocket does NOT support concurrent writes.
type wsConn struct {
	*websocket.Conn
	mu sync.Mutex
}

func (c *wsConn) WriteJSONSafe(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteJSON(v)
}

func (c *wsConn) WritePing() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(websocket.PingMessage, nil)
}

func (c *wsConn) WriteCloseSafe(code int, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text))
}

// Connection is one live client session. Owned exclusively by the
// gateway; other components address it only via its opaque ID.
type Connection struct {
	ID          string
	AgentID     string
	UserID      string
	WorkspaceID string

	conn *wsConn

	mu            sync.Mutex
	subscriptions map[string]bool
	lastHeartbeat time.Time
	metadata      map[string]string
}

func newConnection(id string, ws *wsConn, agentID, userID, workspaceID string) *Connection {
	return &Connection{
		ID:            id,
		AgentID:       agentID,
		UserID:        userID,
		WorkspaceID:   workspaceID,
		conn:          ws,
		subscriptions: make(map[string]bool),
		lastHeartbeat: time.Now(),
		metadata:      make(map[string]string),
	}
}

// Touch refreshes the heartbeat timestamp. Any inbound activity counts.
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
}

// LastHeartbeat returns the time of the last inbound activity.
func (c *Connection) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

// AddSubscriptions records topics this session is subscribed to.
func (c *Connection) AddSubscriptions(topics ...string) {
	c.mu.Lock()
	for _, t := range topics {
		c.subscriptions[t] = true
	}
	c.mu.Unlock()
}

// Subscriptions returns the session's topics.
func (c *Connection) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subscriptions))
	for t := range c.subscriptions {
		out = append(out, t)
	}
	return out
}

// Registry is the arena of live connections, guarded by a single lock.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Connection)}
}

// Add inserts a connection.
func (r *Registry) Add(c *Connection) {
	r.mu.Lock()
	r.conns[c.ID] = c
	r.mu.Unlock()
}

// Remove deletes a connection by ID and reports whether it was present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; !ok {
		return false
	}
	delete(r.conns, id)
	return true
}

// Get looks up a connection by ID.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshot returns the current connections. Safe to iterate without
// holding the registry lock.
func (r *Registry) Snapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}
