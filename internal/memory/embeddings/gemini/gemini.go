// Package gemini provides an embedding provider using Google's Gemini
// embedding models.
package gemini

import (
	"context"
	"fmt"

	"github.com/haasonsaas/tandem/internal/memory/embeddings"
	"google.golang.org/genai"
)

// Provider implements embeddings.Provider using the Gemini API.
type Provider struct {
	client    *genai.Client
	model     string
	dimension int
}

var _ embeddings.Provider = (*Provider)(nil)

// Config contains configuration for the Gemini provider.
type Config struct {
	APIKey    string
	Model     string // defaults to gemini-embedding-001
	Dimension int    // defaults to 1536 to match the process-wide constant
}

// New creates a new Gemini embedding provider.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Gemini API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-embedding-001"
	}
	if cfg.Dimension == 0 {
		cfg.Dimension = 1536
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Provider{client: client, model: cfg.Model, dimension: cfg.Dimension}, nil
}

// Dimension returns the configured output dimensionality.
func (p *Provider) Dimension() int { return p.dimension }

// IsAvailable is true once construction succeeded.
func (p *Provider) IsAvailable() bool { return true }

// DisabledReason is nil for a configured provider.
func (p *Provider) DisabledReason() *string { return nil }

// Embed generates an embedding for a single text.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	dim := int32(p.dimension)
	resp, err := p.client.Models.EmbedContent(ctx, p.model,
		genai.Text(text),
		&genai.EmbedContentConfig{OutputDimensionality: &dim},
	)
	if err != nil {
		return nil, fmt.Errorf("embed content: %w", err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Values) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return resp.Embeddings[0].Values, nil
}
