package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/AInTandem/agentbus/internal/pubsub"
	"github.com/AInTandem/agentbus/internal/queue"
)

// DeliveryMode selects which paths SendDirect writes to.
type DeliveryMode string

const (
	// ModeBoth publishes for live subscribers and enqueues for reliable
	// pickup. The default.
	ModeBoth DeliveryMode = "both"
	// ModePubSubOnly is best-effort: live subscribers or nothing.
	ModePubSubOnly DeliveryMode = "pubsub"
	// ModeQueueOnly skips the live push; recipients poll the queue.
	ModeQueueOnly DeliveryMode = "queue"
)

// Fanout is the pub/sub surface the router publishes through.
type Fanout interface {
	Subscribe(ctx context.Context, subscriberID string, topics []string, handler pubsub.Handler) error
	Unsubscribe(subscriberID string)
	Publish(ctx context.Context, topic string, payload []byte) (int64, error)
}

// Store is the reliable-queue surface the router writes through.
type Store interface {
	Enqueue(ctx context.Context, name string, item queue.Item) error
	Drain(ctx context.Context, name string, limit int) ([]queue.Item, error)
	Pending(ctx context.Context, name string, limit int) ([]queue.Item, error)
	Acknowledge(ctx context.Context, name, id string) error
	TotalDepth(ctx context.Context) (int64, error)
	DeadLetters(ctx context.Context, name string, limit int) ([]queue.DeadLetter, error)
}

// Membership resolves the agents registered in a workspace. Provided by
// the workspace collaborator (or the bus's own presence registry).
type Membership interface {
	ListAgents(ctx context.Context, workspaceID string) ([]string, error)
}

// SendRequest carries the parameters of a direct send. A nil Priority
// means DefaultPriority; zero is a real (highest) priority.
type SendRequest struct {
	From             string
	To               string
	WorkspaceID      string
	Type             MessageType
	Content          map[string]any
	Priority         *int
	RequiresResponse bool
	TTLSeconds       int
	CorrelationID    string
	Mode             DeliveryMode // empty means ModeBoth
}

// Router is the unifying message façade: direct send, broadcast,
// subscribe, pending retrieval, acknowledgment.
type Router struct {
	fanout     Fanout
	store      Store
	membership Membership
}

// NewRouter wires the router. membership may be nil if broadcast is
// never used.
func NewRouter(f Fanout, s Store, m Membership) *Router {
	return &Router{fanout: f, store: s, membership: m}
}

// Subscribe registers handler for topics under subscriberID.
func (r *Router) Subscribe(ctx context.Context, subscriberID string, topics []string, handler pubsub.Handler) error {
	return r.fanout.Subscribe(ctx, subscriberID, topics, handler)
}

// Unsubscribe drops a subscriber.
func (r *Router) Unsubscribe(subscriberID string) {
	r.fanout.Unsubscribe(subscriberID)
}

// SendDirect delivers a message to one agent. With the default Both
// mode it enqueues first, then publishes; a returned message id means
// the reliable write succeeded. Publish failures after a successful
// enqueue are logged, not surfaced — the queue path guarantees pickup.
func (r *Router) SendDirect(ctx context.Context, req SendRequest) (string, error) {
	if req.To == "" {
		return "", fmt.Errorf("send: recipient required")
	}
	mode := req.Mode
	if mode == "" {
		mode = ModeBoth
	}

	priority := DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}
	msg := NewMessage(req.From, req.To, req.WorkspaceID, req.Type, req.Content, priority)
	msg.RequiresResponse = req.RequiresResponse
	msg.TTLSeconds = req.TTLSeconds
	msg.CorrelationID = req.CorrelationID

	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encoding message: %w", err)
	}

	if mode != ModePubSubOnly {
		item := queue.Item{
			ID:         msg.MessageID,
			Payload:    payload,
			Priority:   msg.Priority,
			CreatedAt:  msg.CreatedAt,
			TTLSeconds: msg.TTLSeconds,
		}
		if err := r.store.Enqueue(ctx, AgentQueue(req.To), item); err != nil {
			return "", fmt.Errorf("enqueue for %s: %w", req.To, err)
		}
	}

	if mode != ModeQueueOnly {
		n, err := r.fanout.Publish(ctx, AgentTopic(req.To), payload)
		if err != nil {
			if mode == ModePubSubOnly {
				return "", fmt.Errorf("publish to %s: %w", req.To, err)
			}
			log.Printf("[Router] ⚠️ Publish to %s failed (queued ok): %v", req.To, err)
		} else if n == 0 && mode == ModePubSubOnly {
			log.Printf("[Router] No live subscribers for %s, best-effort message dropped", req.To)
		}
	}

	return msg.MessageID, nil
}

// Broadcast publishes a notification to every agent registered in the
// workspace plus the shared workspace channel. Best-effort: no queue
// writes, offline agents miss it. Returns the recipient count.
func (r *Router) Broadcast(ctx context.Context, from, workspaceID string, msgType MessageType, content map[string]any, priority int) (int, error) {
	if r.membership == nil {
		return 0, fmt.Errorf("broadcast: no membership resolver configured")
	}
	agents, err := r.membership.ListAgents(ctx, workspaceID)
	if err != nil {
		return 0, fmt.Errorf("resolving workspace %s: %w", workspaceID, err)
	}

	msg := NewMessage(from, BroadcastRecipient, workspaceID, msgType, content, priority)
	payload, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("encoding message: %w", err)
	}

	for _, agent := range agents {
		if _, err := r.fanout.Publish(ctx, AgentTopic(agent), payload); err != nil {
			log.Printf("[Router] ⚠️ Broadcast publish to %s failed: %v", agent, err)
		}
	}
	if _, err := r.fanout.Publish(ctx, WorkspaceTopic(workspaceID), payload); err != nil {
		log.Printf("[Router] ⚠️ Broadcast publish to workspace %s failed: %v", workspaceID, err)
	}

	log.Printf("[Router] 📢 Broadcast %s → workspace %s (%d agents)", msg.MessageID, workspaceID, len(agents))
	return len(agents), nil
}

// GetPending drains up to limit queued messages for an agent without
// blocking. Used to flush the backlog right after (re)connect. Returned
// messages are in the processing state until acknowledged.
func (r *Router) GetPending(ctx context.Context, agentID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	items, err := r.store.Drain(ctx, AgentQueue(agentID), limit)
	if err != nil {
		return nil, err
	}

	msgs := make([]Message, 0, len(items))
	for _, item := range items {
		var msg Message
		if err := json.Unmarshal(item.Payload, &msg); err != nil {
			log.Printf("[Router] ⚠️ Undecodable message %s for %s: %v", item.ID, agentID, err)
			continue
		}
		msg.Status = StatusSent
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// PeekPending reads up to limit queued messages for an agent without
// consuming them. For operator inspection; delivery still goes through
// GetPending.
func (r *Router) PeekPending(ctx context.Context, agentID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	items, err := r.store.Pending(ctx, AgentQueue(agentID), limit)
	if err != nil {
		return nil, err
	}

	msgs := make([]Message, 0, len(items))
	for _, item := range items {
		var msg Message
		if err := json.Unmarshal(item.Payload, &msg); err != nil {
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Acknowledge marks a delivered message as consumed. Idempotent.
func (r *Router) Acknowledge(ctx context.Context, agentID, messageID string) error {
	return r.store.Acknowledge(ctx, AgentQueue(agentID), messageID)
}

// DeadLetters lists an agent's dead-lettered messages, newest first.
func (r *Router) DeadLetters(ctx context.Context, agentID string, limit int) ([]queue.DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.store.DeadLetters(ctx, AgentQueue(agentID), limit)
}

// PendingCount is the bus-wide pending message count.
func (r *Router) PendingCount(ctx context.Context) (int64, error) {
	return r.store.TotalDepth(ctx)
}
