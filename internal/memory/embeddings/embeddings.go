// Package embeddings provides the embedding-backend contract and shared
// degradation behavior for tiered memory.
package embeddings

import (
	"context"
	"errors"
)

// ErrEmbeddingsDisabled is the typed error surfaced when no embedding
// backend is available. Callers treat it as a no-op retrieval and skip
// storage; it is expected in degraded mode, not a fault.
var ErrEmbeddingsDisabled = errors.New("embeddings: disabled")

// Provider generates dense embeddings of a fixed dimension. The dimension is
// a process-wide constant fixed at construction.
type Provider interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the embedding dimension.
	Dimension() int

	// IsAvailable reports whether the backend can serve requests.
	IsAvailable() bool

	// DisabledReason explains unavailability, or nil when available.
	DisabledReason() *string
}

// Disabled is a Provider that always reports unavailability. It stands in
// when the operator configures no embedding backend.
type Disabled struct {
	Reason string
}

// Embed always fails with ErrEmbeddingsDisabled.
func (d *Disabled) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, ErrEmbeddingsDisabled
}

// Dimension is zero for the disabled provider.
func (d *Disabled) Dimension() int { return 0 }

// IsAvailable is always false.
func (d *Disabled) IsAvailable() bool { return false }

// DisabledReason reports why the backend is off.
func (d *Disabled) DisabledReason() *string {
	reason := d.Reason
	if reason == "" {
		reason = "no embedding backend configured"
	}
	return &reason
}
