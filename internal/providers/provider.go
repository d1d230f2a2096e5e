// Package providers defines the small capability interface LLM provider
// adapters expose to the sidecar layer, plus shared request/response types.
package providers

import "context"

// Info describes a provider adapter.
type Info struct {
	Name         string
	DefaultModel string
	Streaming    bool
}

// Message is one turn of provider conversation context.
type Message struct {
	Role    string // user, assistant, system
	Content string
}

// CompletionRequest asks a provider for one completion.
type CompletionRequest struct {
	Model     string
	System    string
	Messages  []Message
	MaxTokens int
}

// CompletionResponse is a full, non-streamed completion.
type CompletionResponse struct {
	Content      string
	StopReason   string
	InputTokens  int
	OutputTokens int
}

// StreamChunk is one delta of a streamed completion. Err, when set, ends the
// stream.
type StreamChunk struct {
	Delta string
	Done  bool
	Err   error
}

// Provider is the capability surface a concrete LLM adapter implements.
type Provider interface {
	// Info reports static adapter metadata.
	Info() Info

	// Complete runs one blocking completion.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Stream runs one streamed completion. The channel closes after the
	// final chunk (Done or Err set).
	Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error)

	// HealthCheck verifies the adapter can reach its backend.
	HealthCheck(ctx context.Context) error
}
