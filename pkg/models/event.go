package models

import "time"

// EventType classifies an inbound platform event.
type EventType string

const (
	EventMessage EventType = "message"
	EventNotice  EventType = "notice"
	EventRequest EventType = "request"
)

// Event is the normalized inbound event handed to the router by platform
// adapters. Adapters populate what they know; everything else stays zero.
type Event struct {
	Adapter        string    `json:"adapter"`
	Type           EventType `json:"event_type"`
	Text           string    `json:"text"`
	UserID         string    `json:"user_id"`
	Username       string    `json:"username,omitempty"`
	// UserRole is the sender's role on the platform ("admin", "owner",
	// "member"), used by handlers that gate on permissions.
	UserRole       string    `json:"user_role,omitempty"`
	GroupID        string    `json:"group_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	IsGroup        bool      `json:"is_group"`
	Mentioned      bool      `json:"mentioned,omitempty"`
	ReplyTo        string    `json:"reply_to,omitempty"`
	MessageID      string    `json:"message_id,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}
