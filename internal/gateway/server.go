// Package gateway runs the live-connection layer: the HTTP API external
// collaborators call, and the WebSocket sessions messages are pushed
// through. One goroutine per session; write failures tear down that one
// session and never touch the rest of the bus.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AInTandem/agentbus/internal/bus"
	"github.com/AInTandem/agentbus/internal/health"
)

// Presence is the workspace-presence hook called on session open, pong,
// and teardown. Nil-safe via the server wrappers.
type Presence interface {
	Register(ctx context.Context, workspaceID, agentID string) error
	Heartbeat(ctx context.Context, agentID string) error
	Deregister(ctx context.Context, agentID string) error
}

// Envelope is the tagged server→client frame: multiple logical message
// classes multiplex over one session.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// clientFrame is the tagged client→server frame.
type clientFrame struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Channels  []string        `json:"channels,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
}

// sendBody is the JSON body for POST /api/send and the "chat" frame
// payload. Priority defaults to 5 when the field is absent.
type sendBody struct {
	FromAgent        string           `json:"fromAgent"`
	ToAgent          string           `json:"toAgent"`
	WorkspaceID      string           `json:"workspaceId"`
	MessageType      bus.MessageType  `json:"messageType"`
	Content          map[string]any   `json:"content"`
	Priority         int              `json:"priority"`
	RequiresResponse bool             `json:"requiresResponse"`
	TTL              int              `json:"ttl"`
	CorrelationID    string           `json:"correlationId"`
	Mode             bus.DeliveryMode `json:"mode"`
}

func defaultSendBody() sendBody { return sendBody{Priority: 5} }

// ServerConfig configures the gateway Server.
type ServerConfig struct {
	Host              string
	Port              int
	APIKey            string // Bearer auth for /api/*; empty disables auth
	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
	BacklogLimit      int // messages flushed on connect
}

// Server is the gateway HTTP/WebSocket server.
type Server struct {
	cfg      ServerConfig
	router   *bus.Router
	monitor  *health.Monitor
	presence Presence
	registry *Registry

	startTime time.Time
	mux       *http.ServeMux
	srv       *http.Server
}

// NewServer wires the gateway. presence may be nil.
func NewServer(cfg ServerConfig, router *bus.Router, monitor *health.Monitor, presence Presence) *Server {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.BacklogLimit <= 0 {
		cfg.BacklogLimit = 100
	}

	s := &Server{
		cfg:       cfg,
		router:    router,
		monitor:   monitor,
		presence:  presence,
		registry:  NewRegistry(),
		startTime: time.Now(),
		mux:       http.NewServeMux(),
	}

	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/api/send", s.withAuth(s.handleSend))
	s.mux.HandleFunc("/api/broadcast", s.withAuth(s.handleBroadcast))
	s.mux.HandleFunc("/api/messages", s.withAuth(s.handleMessages))
	s.mux.HandleFunc("/api/ack", s.withAuth(s.handleAck))
	s.mux.HandleFunc("/api/deadletters", s.withAuth(s.handleDeadLetters))
	s.mux.HandleFunc("/api/stats", s.withAuth(s.handleStats))

	return s
}

// Handler exposes the mux (used by tests).
func (s *Server) Handler() http.Handler { return s.mux }

// Registry exposes the connection registry.
func (s *Server) Registry() *Registry { return s.registry }

// Start runs the HTTP server and the heartbeat sweep until ctx is
// cancelled, then closes all sessions before returning.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler: s.mux,
	}

	log.Printf("[Gateway] ✅ HTTP API → http://%s", s.srv.Addr)
	log.Printf("[Gateway] ✅ WebSocket → ws://%s/ws", s.srv.Addr)

	go s.heartbeatLoop(ctx)

	go func() {
		<-ctx.Done()
		s.closeAll("server shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutdownCtx)
	}()

	if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// --- Auth middleware ---

func (s *Server) withAuth(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey != "" {
			auth := r.Header.Get("Authorization")
			if auth != "Bearer "+s.cfg.APIKey {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
		}
		handler(w, r)
	}
}

// --- REST handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	snap := s.monitor.Snapshot()
	code := http.StatusOK
	if snap.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(snap)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body := defaultSendBody()
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if body.ToAgent == "" {
		writeJSONError(w, "toAgent is required", http.StatusBadRequest)
		return
	}

	id, err := s.router.SendDirect(r.Context(), bus.SendRequest{
		From:             body.FromAgent,
		To:               body.ToAgent,
		WorkspaceID:      body.WorkspaceID,
		Type:             body.MessageType,
		Content:          body.Content,
		Priority:         &body.Priority,
		RequiresResponse: body.RequiresResponse,
		TTLSeconds:       body.TTL,
		CorrelationID:    body.CorrelationID,
		Mode:             body.Mode,
	})
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"messageId": id})
}

// broadcastBody is the JSON body for POST /api/broadcast.
type broadcastBody struct {
	FromAgent   string          `json:"fromAgent"`
	WorkspaceID string          `json:"workspaceId"`
	MessageType bus.MessageType `json:"messageType"`
	Content     map[string]any  `json:"content"`
	Priority    int             `json:"priority"`
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body := broadcastBody{Priority: 5}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if body.WorkspaceID == "" {
		writeJSONError(w, "workspaceId is required", http.StatusBadRequest)
		return
	}

	n, err := s.router.Broadcast(r.Context(), body.FromAgent, body.WorkspaceID, body.MessageType, body.Content, body.Priority)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"recipientCount": n})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agentId")
	if agentID == "" {
		writeJSONError(w, "agentId is required", http.StatusBadRequest)
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	// since= reads must not consume: draining and then discarding the
	// older entries would strand them in the processing set with nobody
	// to ack, so filtered reads go through the non-consuming path and
	// callers ack what they handle.
	fetch := s.router.GetPending
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSONError(w, "since must be RFC3339", http.StatusBadRequest)
			return
		}
		since = t
		fetch = s.router.PeekPending
	}
	if r.URL.Query().Get("peek") == "true" {
		fetch = s.router.PeekPending
	}
	msgs, err := fetch(r.Context(), agentID, limit)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if !since.IsZero() {
		filtered := msgs[:0]
		for _, m := range msgs {
			if m.CreatedAt.After(since) {
				filtered = append(filtered, m)
			}
		}
		msgs = filtered
	}

	if msgs == nil {
		msgs = []bus.Message{}
	}
	writeJSON(w, map[string]any{"messages": msgs, "count": len(msgs)})
}

// ackBody is the JSON body for POST /api/ack.
type ackBody struct {
	AgentID   string `json:"agentId"`
	MessageID string `json:"messageId"`
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body ackBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if body.AgentID == "" || body.MessageID == "" {
		writeJSONError(w, "agentId and messageId are required", http.StatusBadRequest)
		return
	}

	if err := s.router.Acknowledge(r.Context(), body.AgentID, body.MessageID); err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"acknowledged": true})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agentId")
	if agentID == "" {
		writeJSONError(w, "agentId is required", http.StatusBadRequest)
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	letters, err := s.router.DeadLetters(r.Context(), agentID, limit)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"deadLetters": letters, "count": len(letters)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	pending, err := s.router.PendingCount(r.Context())
	if err != nil {
		log.Printf("[Gateway] ⚠️ Pending count failed: %v", err)
	}
	writeJSON(w, map[string]any{
		"connections":     s.registry.Count(),
		"pendingMessages": pending,
		"uptime":          int(time.Since(s.startTime).Seconds()),
		"health":          s.monitor.Snapshot().Status,
	})
}

// --- WebSocket sessions ---

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWS establishes a session. agentId/workspaceId are trusted as
// pre-validated by the auth collaborator in front of the bus.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agentId")
	userID := r.URL.Query().Get("userId")
	workspaceID := r.URL.Query().Get("workspaceId")

	raw, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Gateway] ⚠️ Upgrade failed: %v", err)
		return
	}

	conn := newConnection(uuid.NewString(), &wsConn{Conn: raw}, agentID, userID, workspaceID)
	s.registry.Add(conn)
	log.Printf("[Gateway] 🔗 Session %s connected (agent=%s workspace=%s)", conn.ID, agentID, workspaceID)

	ctx := context.Background()
	if s.presence != nil && agentID != "" && workspaceID != "" {
		if err := s.presence.Register(ctx, workspaceID, agentID); err != nil {
			log.Printf("[Gateway] ⚠️ Presence register failed for %s: %v", agentID, err)
		}
	}

	// Register the live push path before flushing the backlog, so a
	// message published in between is not missed.
	topics := []string{}
	if agentID != "" {
		topics = append(topics, bus.AgentTopic(agentID))
	}
	if workspaceID != "" {
		topics = append(topics, bus.WorkspaceTopic(workspaceID))
	}
	if len(topics) > 0 {
		if err := s.router.Subscribe(ctx, conn.ID, topics, s.pushHandler(conn)); err != nil {
			log.Printf("[Gateway] ⚠️ Subscribe failed for %s: %v", conn.ID, err)
		}
		conn.AddSubscriptions(topics...)
	}

	if err := conn.conn.WriteJSONSafe(Envelope{Type: "connected", Data: map[string]any{"session_id": conn.ID}}); err != nil {
		s.teardown(conn, "handshake write failed")
		return
	}

	s.flushBacklog(ctx, conn)
	s.readLoop(conn)
}

// pushHandler returns the fan-out callback that pushes published
// messages down this session. A write failure tears down only this
// session.
func (s *Server) pushHandler(conn *Connection) func(topic string, payload []byte) {
	return func(topic string, payload []byte) {
		var msg bus.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			log.Printf("[Gateway] ⚠️ Undecodable push on %s: %v", topic, err)
			return
		}
		if err := conn.conn.WriteJSONSafe(Envelope{Type: envelopeType(msg), Data: msg}); err != nil {
			s.teardown(conn, "push write failed")
		}
	}
}

// envelopeType maps a message onto the wire frame tag.
func envelopeType(msg bus.Message) string {
	if msg.Type != bus.TypeNotification {
		return "message"
	}
	if _, ok := msg.Content["reasoningStep"]; ok {
		return "reasoning_step"
	}
	return "notification"
}

// flushBacklog pushes queued messages accumulated while the agent was
// offline. They stay unacknowledged until the client acks them.
func (s *Server) flushBacklog(ctx context.Context, conn *Connection) {
	if conn.AgentID == "" {
		return
	}
	msgs, err := s.router.GetPending(ctx, conn.AgentID, s.cfg.BacklogLimit)
	if err != nil {
		log.Printf("[Gateway] ⚠️ Backlog fetch failed for %s: %v", conn.AgentID, err)
		return
	}
	for _, msg := range msgs {
		if err := conn.conn.WriteJSONSafe(Envelope{Type: envelopeType(msg), Data: msg}); err != nil {
			s.teardown(conn, "backlog write failed")
			return
		}
	}
	if len(msgs) > 0 {
		log.Printf("[Gateway] Flushed %d queued messages to %s", len(msgs), conn.AgentID)
	}
}

// readLoop dispatches client frames until the connection dies.
func (s *Server) readLoop(conn *Connection) {
	raw := conn.conn.Conn
	raw.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	raw.SetPongHandler(func(string) error {
		conn.Touch()
		raw.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		return nil
	})

	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[Gateway] ⚠️ Session %s read error: %v", conn.ID, err)
			}
			s.teardown(conn, "connection closed")
			return
		}

		conn.Touch()
		raw.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.protocolError(conn, "malformed frame")
			return
		}

		switch frame.Type {
		case "ping":
			if s.presence != nil && conn.AgentID != "" {
				s.presence.Heartbeat(context.Background(), conn.AgentID)
			}
			if err := conn.conn.WriteJSONSafe(Envelope{Type: "pong"}); err != nil {
				s.teardown(conn, "pong write failed")
				return
			}

		case "subscribe":
			if len(frame.Channels) == 0 {
				continue
			}
			if err := s.router.Subscribe(context.Background(), conn.ID, frame.Channels, s.pushHandler(conn)); err != nil {
				conn.conn.WriteJSONSafe(Envelope{Type: "error", Data: map[string]any{"message": err.Error()}})
				continue
			}
			conn.AddSubscriptions(frame.Channels...)

		case "chat":
			s.handleChatFrame(conn, frame.Payload)

		case "ack":
			if conn.AgentID == "" || frame.MessageID == "" {
				continue
			}
			if err := s.router.Acknowledge(context.Background(), conn.AgentID, frame.MessageID); err != nil {
				log.Printf("[Gateway] ⚠️ Ack %s failed: %v", frame.MessageID, err)
			}

		default:
			s.protocolError(conn, "unknown frame type "+frame.Type)
			return
		}
	}
}

// handleChatFrame sends a message on behalf of the connected agent.
func (s *Server) handleChatFrame(conn *Connection, payload json.RawMessage) {
	body := defaultSendBody()
	if err := json.Unmarshal(payload, &body); err != nil {
		s.protocolError(conn, "malformed chat payload")
		return
	}
	if body.FromAgent == "" {
		body.FromAgent = conn.AgentID
	}
	if body.WorkspaceID == "" {
		body.WorkspaceID = conn.WorkspaceID
	}

	id, err := s.router.SendDirect(context.Background(), bus.SendRequest{
		From:             body.FromAgent,
		To:               body.ToAgent,
		WorkspaceID:      body.WorkspaceID,
		Type:             body.MessageType,
		Content:          body.Content,
		Priority:         &body.Priority,
		RequiresResponse: body.RequiresResponse,
		TTLSeconds:       body.TTL,
		CorrelationID:    body.CorrelationID,
		Mode:             body.Mode,
	})
	if err != nil {
		conn.conn.WriteJSONSafe(Envelope{Type: "error", Data: map[string]any{"message": err.Error()}})
		return
	}
	conn.conn.WriteJSONSafe(Envelope{Type: "sent", Data: map[string]any{"messageId": id}})
}

// protocolError sends an error frame and closes the session. Other
// sessions are unaffected.
func (s *Server) protocolError(conn *Connection, msg string) {
	conn.conn.WriteJSONSafe(Envelope{Type: "error", Data: map[string]any{"message": msg}})
	s.teardown(conn, msg)
}

// teardown closes one session and deregisters it everywhere.
// Idempotent: the registry removal decides who runs the cleanup.
func (s *Server) teardown(conn *Connection, reason string) {
	if !s.registry.Remove(conn.ID) {
		return
	}
	s.router.Unsubscribe(conn.ID)
	if s.presence != nil && conn.AgentID != "" {
		s.presence.Deregister(context.Background(), conn.AgentID)
	}
	conn.conn.Close()
	log.Printf("[Gateway] 🔌 Session %s closed: %s", conn.ID, reason)
}

// heartbeatLoop pings every session on the configured interval and
// reaps the ones silent past the idle timeout.
func (s *Server) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.cfg.IdleTimeout)
			for _, conn := range s.registry.Snapshot() {
				if conn.LastHeartbeat().Before(cutoff) {
					s.teardown(conn, "heartbeat timeout")
					continue
				}
				if err := conn.conn.WritePing(); err != nil {
					s.teardown(conn, "ping write failed")
				}
			}
		}
	}
}

// closeAll notifies and closes every session (shutdown path). Runs
// before the broker pool is closed so no write hits a closed pool.
func (s *Server) closeAll(reason string) {
	for _, conn := range s.registry.Snapshot() {
		conn.conn.WriteCloseSafe(websocket.CloseGoingAway, reason)
		s.teardown(conn, reason)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
