// Package models defines the shared data types for the Tandem execution core.
package models

import "time"

// Role identifies who authored a message.
type Role string

const (
	// RoleUser is a message from the human operator.
	RoleUser Role = "user"
	// RoleAssistant is a message from the LLM.
	RoleAssistant Role = "assistant"
	// RoleSystem is an injected system message.
	RoleSystem Role = "system"
	// RoleTool is output produced by a tool invocation.
	RoleTool Role = "tool"
)

// PartType discriminates the Part union.
type PartType string

const (
	// PartText is plain assistant/user text.
	PartText PartType = "text"
	// PartReasoning is model reasoning text, kept separate from answer text.
	PartReasoning PartType = "reasoning"
	// PartToolInvocation records a tool call and, eventually, its outcome.
	PartToolInvocation PartType = "tool_invocation"
)

// Part is one structured element of a message. Exactly one variant's fields
// are meaningful, selected by Type. Parts are append-only within a message;
// a tool invocation transitions from neither-result-nor-error to exactly one
// of the two.
type Part struct {
	ID   string   `json:"id"`
	Type PartType `json:"type"`

	// Text / Reasoning
	Text string `json:"text,omitempty"`

	// ToolInvocation
	Tool   string         `json:"tool,omitempty"`
	Args   map[string]any `json:"args,omitempty"`
	Result *string        `json:"result,omitempty"`
	Error  *string        `json:"error,omitempty"`
}

// Message is one turn in a session.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Parts     []Part    `json:"parts"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is a durable conversation.
type Session struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	WorkspaceRoot string    `json:"workspace_root,omitempty"`
	Directory     string    `json:"directory,omitempty"`
	Messages      []Message `json:"messages"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	// Attachment audit trail. Records the most recent move of this session
	// between workspaces; earlier moves are overwritten.
	OriginWorkspaceRoot string `json:"origin_workspace_root,omitempty"`
	AttachedFrom        string `json:"attached_from,omitempty"`
	AttachedTo          string `json:"attached_to,omitempty"`
	AttachTimestampMS   int64  `json:"attach_timestamp_ms,omitempty"`
	AttachReason        string `json:"attach_reason,omitempty"`
}

// MaxSnapshots bounds SessionMeta.Snapshots; the oldest snapshot is evicted
// first when the bound is exceeded.
const MaxSnapshots = 25

// SessionMeta carries per-session bookkeeping that lives outside the session
// record itself: lineage, sharing, revert history and todos.
type SessionMeta struct {
	ParentID  string      `json:"parent_id,omitempty"`
	Archived  bool        `json:"archived"`
	Shared    bool        `json:"shared"`
	ShareID   string      `json:"share_id,omitempty"`
	Summary   string      `json:"summary,omitempty"`
	Snapshots [][]Message `json:"snapshots,omitempty"`
	PreRevert []Message   `json:"pre_revert,omitempty"`
	Todos     []Todo      `json:"todos,omitempty"`
}

// Todo is a single tracked work item within a session.
type Todo struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Status  string `json:"status"`
}

// QuestionRequest is an open question the assistant has posed to the user.
// It is removed on reply or reject, and transitively when its session is
// deleted.
type QuestionRequest struct {
	ID        string           `json:"id"`
	SessionID string           `json:"session_id"`
	Questions []map[string]any `json:"questions"`
	Tool      *QuestionTool    `json:"tool,omitempty"`
}

// QuestionTool links a question request back to the tool call that raised it.
type QuestionTool struct {
	CallID    string `json:"call_id"`
	MessageID string `json:"message_id"`
}

// CloneMessages deep-copies a message slice, including parts.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = CloneMessage(m)
	}
	return out
}

// CloneMessage deep-copies a single message.
func CloneMessage(m Message) Message {
	clone := m
	clone.Parts = make([]Part, len(m.Parts))
	for i, p := range m.Parts {
		clone.Parts[i] = ClonePart(p)
	}
	return clone
}

// ClonePart deep-copies a part, including its args map and result/error.
func ClonePart(p Part) Part {
	clone := p
	if p.Args != nil {
		clone.Args = make(map[string]any, len(p.Args))
		for k, v := range p.Args {
			clone.Args[k] = v
		}
	}
	if p.Result != nil {
		r := *p.Result
		clone.Result = &r
	}
	if p.Error != nil {
		e := *p.Error
		clone.Error = &e
	}
	return clone
}

// CloneSession deep-copies a session record.
func CloneSession(s *Session) *Session {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Messages = CloneMessages(s.Messages)
	return &clone
}
