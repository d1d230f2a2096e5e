package sidecar

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/haasonsaas/tandem/internal/providers"
)

// Local implements Client in-process by driving a provider adapter
// directly: no sidecar process, one streamed completion per SendMessage.
// Useful for local-first setups and deterministic tests of anything that
// consumes the Client interface.
type Local struct {
	provider providers.Provider

	mu      sync.Mutex
	events  chan UpstreamEvent
	history map[string][]providers.Message
}

// NewLocal builds a local sidecar over a provider adapter.
func NewLocal(provider providers.Provider) *Local {
	return &Local{
		provider: provider,
		events:   make(chan UpstreamEvent, 256),
		history:  map[string][]providers.Message{},
	}
}

// SubscribeEvents returns the local event stream. The stream stays open
// until ctx is cancelled.
func (l *Local) SubscribeEvents(ctx context.Context) (<-chan UpstreamEvent, <-chan error, error) {
	out := make(chan UpstreamEvent, 64)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-l.events:
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, errCh, nil
}

// SendMessage appends the user turn to the session's context, streams the
// provider completion as content events, and closes the turn with a
// session-idle event.
func (l *Local) SendMessage(ctx context.Context, sessionID, message string) error {
	l.mu.Lock()
	l.history[sessionID] = append(l.history[sessionID], providers.Message{Role: "user", Content: message})
	msgs := append([]providers.Message(nil), l.history[sessionID]...)
	l.mu.Unlock()

	stream, err := l.provider.Stream(ctx, providers.CompletionRequest{Messages: msgs})
	if err != nil {
		return err
	}

	go func() {
		messageID := uuid.NewString()
		var full string
		for chunk := range stream {
			switch {
			case chunk.Err != nil:
				errText := chunk.Err.Error()
				l.emit(ctx, UpstreamEvent{
					Type: EventTypeSessionError, SessionID: sessionID,
					MessageID: messageID, Error: &errText,
				})
				return
			case chunk.Delta != "":
				full += chunk.Delta
				l.emit(ctx, UpstreamEvent{
					Type: EventTypeContent, SessionID: sessionID,
					MessageID: messageID, Delta: chunk.Delta,
				})
			}
		}
		l.mu.Lock()
		l.history[sessionID] = append(l.history[sessionID], providers.Message{Role: "assistant", Content: full})
		l.mu.Unlock()
		l.emit(ctx, UpstreamEvent{Type: EventTypeSessionIdle, SessionID: sessionID})
	}()
	return nil
}

func (l *Local) emit(ctx context.Context, event UpstreamEvent) {
	select {
	case l.events <- event:
	case <-ctx.Done():
	}
}
