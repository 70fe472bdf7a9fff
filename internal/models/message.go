package models

import "time"

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a message typed by the user.
	RoleUser Role = "user"
	// RoleAssistant represents a message produced by the advisor.
	RoleAssistant Role = "assistant"
	// RoleSystem represents system-injected content, including combined
	// tool results sent back to the advisor.
	RoleSystem Role = "system"
)

// Component is a UI directive attached to a message: an opaque component
// identifier plus a key/value context the client uses to render it.
type Component struct {
	ID      string            `json:"id"`
	Context map[string]string `json:"context,omitempty"`
}

// Message represents an individual entry within a conversation. Content stays
// empty while the assistant response is still streaming; IsStreaming is true
// only between the message's creation and its terminal event, and is always
// false by the time a message reaches durable storage.
type Message struct {
	ID          string     `json:"id"`
	Role        Role       `json:"role"`
	Content     string     `json:"content"`
	Component   *Component `json:"component,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
	IsStreaming bool       `json:"isStreaming"`
}
