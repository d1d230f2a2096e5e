// Package sidecar defines the contract to the external LLM/tool execution
// process and a gRPC client implementation of it.
package sidecar

import (
	"context"
	"errors"
)

// ErrUnavailable is surfaced when the sidecar cannot be reached. The hub
// treats it as a health transition, not a subscriber error.
var ErrUnavailable = errors.New("sidecar: upstream unavailable")

// EventType is the sidecar's raw event discriminator.
type EventType string

const (
	EventTypeContent         EventType = "content"
	EventTypeToolStart       EventType = "tool.start"
	EventTypeToolEnd         EventType = "tool.end"
	EventTypeSessionStatus   EventType = "session.status"
	EventTypeSessionIdle     EventType = "session.idle"
	EventTypeSessionError    EventType = "session.error"
	EventTypePermissionAsked EventType = "permission.asked"
	EventTypeQuestionAsked   EventType = "question.asked"
	EventTypeTodoUpdated     EventType = "todo.updated"
	EventTypeFileEdited      EventType = "file.edited"
)

// UpstreamEvent is one raw event from the sidecar's stream, prior to hub
// normalization.
type UpstreamEvent struct {
	Type      EventType      `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	MessageID string         `json:"message_id,omitempty"`
	PartID    string         `json:"part_id,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
	Delta     string         `json:"delta,omitempty"`
	Result    *string        `json:"result,omitempty"`
	Error     *string        `json:"error,omitempty"`
	Status    string         `json:"status,omitempty"`
	Payload   []byte         `json:"payload,omitempty"`
}

// Client is the consumed sidecar surface: one long-lived event subscription
// and a way to issue a turn.
type Client interface {
	// SubscribeEvents opens the upstream event stream. The returned channel
	// closes when the stream ends; the error channel delivers the terminal
	// stream error, if any.
	SubscribeEvents(ctx context.Context) (<-chan UpstreamEvent, <-chan error, error)

	// SendMessage issues a user turn against a session.
	SendMessage(ctx context.Context, sessionID, message string) error
}
