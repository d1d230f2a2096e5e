package models

import "encoding/json"

// StreamEventKind discriminates normalized stream events.
type StreamEventKind string

const (
	EventContent         StreamEventKind = "content"
	EventToolStart       StreamEventKind = "tool_start"
	EventToolEnd         StreamEventKind = "tool_end"
	EventSessionStatus   StreamEventKind = "session_status"
	EventSessionIdle     StreamEventKind = "session_idle"
	EventSessionError    StreamEventKind = "session_error"
	EventPermissionAsked StreamEventKind = "permission_asked"
	EventQuestionAsked   StreamEventKind = "question_asked"
	EventTodoUpdated     StreamEventKind = "todo_updated"
	EventFileEdited      StreamEventKind = "file_edited"
	EventMemoryRetrieval StreamEventKind = "memory_retrieval"
	EventMemoryStorage   StreamEventKind = "memory_storage"
	EventRaw             StreamEventKind = "raw"
)

// StreamEvent is one normalized event from the sidecar (or synthesized by
// the hub/memory subsystems). Exactly the fields relevant to Kind are set.
type StreamEvent struct {
	Kind      StreamEventKind `json:"kind"`
	SessionID string          `json:"session_id,omitempty"`
	MessageID string          `json:"message_id,omitempty"`
	PartID    string          `json:"part_id,omitempty"`
	RequestID string          `json:"request_id,omitempty"`

	// Content
	Delta string `json:"delta,omitempty"`

	// ToolStart / ToolEnd
	Tool   string         `json:"tool,omitempty"`
	Args   map[string]any `json:"args,omitempty"`
	Result *string        `json:"result,omitempty"`
	Error  *string        `json:"error,omitempty"`

	// SessionStatus / SessionError / notices
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`

	// Raw pass-through payload.
	Raw json.RawMessage `json:"raw,omitempty"`
}

// EventSource identifies which subsystem produced an envelope.
type EventSource string

const (
	SourceSidecar EventSource = "sidecar"
	SourceMemory  EventSource = "memory"
	SourceSystem  EventSource = "system"
)

// Envelope wraps a normalized event for fan-out. Envelope fields are stable
// for external subscribers.
type Envelope struct {
	EventID       string      `json:"event_id"`
	CorrelationID string      `json:"correlation_id"`
	TsMS          int64       `json:"ts_ms"`
	SessionID     string      `json:"session_id,omitempty"`
	Source        EventSource `json:"source"`
	Payload       StreamEvent `json:"payload"`
}

// HubHealth is the streaming hub's upstream connection state.
type HubHealth string

const (
	HubHealthy    HubHealth = "healthy"
	HubDegraded   HubHealth = "degraded"
	HubRecovering HubHealth = "recovering"
	HubStopped    HubHealth = "stopped"
)
