// Package bus provides the message router: the façade combining pub/sub
// fan-out (for live subscribers) with the reliable queue (for offline
// pickup), and the AgentMessage shape both paths carry.
package bus

import (
	"time"

	"github.com/google/uuid"
)

// MessageType classifies an agent message.
type MessageType string

const (
	TypeRequest      MessageType = "request"
	TypeResponse     MessageType = "response"
	TypeNotification MessageType = "notification"
	TypeCommand      MessageType = "command"
)

// Status is the delivery lifecycle state of a message.
type Status string

const (
	StatusPending      Status = "pending"
	StatusSent         Status = "sent"
	StatusDelivered    Status = "delivered"
	StatusDeadLettered Status = "dead-lettered"
)

// Broadcast as a recipient means "all agents in the workspace".
const BroadcastRecipient = "*"

// DefaultPriority applies when a sender does not specify one.
// Priorities run 0 (highest) to 9 (lowest).
const DefaultPriority = 5

// Message is the unit of communication between agents. Immutable after
// creation except for Status. Content is opaque to the bus.
type Message struct {
	MessageID        string         `json:"messageId"`
	FromAgent        string         `json:"fromAgent"`
	ToAgent          string         `json:"toAgent,omitempty"`
	WorkspaceID      string         `json:"workspaceId"`
	Type             MessageType    `json:"type"`
	Content          map[string]any `json:"content"`
	Priority         int            `json:"priority"`
	RequiresResponse bool           `json:"requiresResponse,omitempty"`
	TTLSeconds       int            `json:"ttlSeconds,omitempty"`
	CorrelationID    string         `json:"correlationId,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	Status           Status         `json:"status"`
}

// NewMessage creates a pending message with a fresh id and timestamp.
// Priority is clamped to 0–9.
func NewMessage(from, to, workspaceID string, msgType MessageType, content map[string]any, priority int) Message {
	if priority < 0 {
		priority = 0
	}
	if priority > 9 {
		priority = 9
	}
	if msgType == "" {
		msgType = TypeNotification
	}
	return Message{
		MessageID:   uuid.NewString(),
		FromAgent:   from,
		ToAgent:     to,
		WorkspaceID: workspaceID,
		Type:        msgType,
		Content:     content,
		Priority:    priority,
		CreatedAt:   time.Now().UTC(),
		Status:      StatusPending,
	}
}

// AgentTopic is the per-agent inbox channel.
func AgentTopic(agentID string) string { return "agent:" + agentID }

// WorkspaceTopic is the shared broadcast channel for a workspace.
func WorkspaceTopic(workspaceID string) string { return "workspace:" + workspaceID }

// AgentQueue is the reliable-queue name backing an agent's inbox.
func AgentQueue(agentID string) string { return "agent:" + agentID + ":inbox" }
