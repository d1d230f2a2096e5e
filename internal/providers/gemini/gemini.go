// Package gemini adapts the Gemini API to the provider capability
// interface.
package gemini

import (
	"context"
	"fmt"

	"github.com/haasonsaas/tandem/internal/providers"
	"google.golang.org/genai"
)

// Provider implements providers.Provider over the Gemini API.
type Provider struct {
	client *genai.Client
	model  string
}

var _ providers.Provider = (*Provider)(nil)

// Config contains configuration for the Gemini adapter.
type Config struct {
	APIKey string
	Model  string // defaults to gemini-2.5-flash
}

// New creates the adapter.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Gemini API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Provider{client: client, model: cfg.Model}, nil
}

// Info reports adapter metadata.
func (p *Provider) Info() providers.Info {
	return providers.Info{Name: "gemini", DefaultModel: p.model, Streaming: true}
}

func (p *Provider) buildContents(req providers.CompletionRequest) (string, []*genai.Content) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	var contents []*genai.Content
	for _, m := range req.Messages {
		role := genai.Role(genai.RoleUser)
		if m.Role == "assistant" {
			role = genai.Role(genai.RoleModel)
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}
	return model, contents
}

func (p *Provider) generateConfig(req providers.CompletionRequest) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.Role(genai.RoleUser))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	return cfg
}

// Complete runs one blocking completion.
func (p *Provider) Complete(ctx context.Context, req providers.CompletionRequest) (*providers.CompletionResponse, error) {
	model, contents := p.buildContents(req)
	resp, err := p.client.Models.GenerateContent(ctx, model, contents, p.generateConfig(req))
	if err != nil {
		return nil, fmt.Errorf("gemini completion: %w", err)
	}

	out := &providers.CompletionResponse{Content: resp.Text()}
	if len(resp.Candidates) > 0 {
		out.StopReason = string(resp.Candidates[0].FinishReason)
	}
	if resp.UsageMetadata != nil {
		out.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}

// Stream runs one streamed completion.
func (p *Provider) Stream(ctx context.Context, req providers.CompletionRequest) (<-chan providers.StreamChunk, error) {
	model, contents := p.buildContents(req)
	out := make(chan providers.StreamChunk, 16)

	go func() {
		defer close(out)
		for resp, err := range p.client.Models.GenerateContentStream(ctx, model, contents, p.generateConfig(req)) {
			if err != nil {
				select {
				case out <- providers.StreamChunk{Err: fmt.Errorf("gemini stream: %w", err)}:
				case <-ctx.Done():
				}
				return
			}
			if text := resp.Text(); text != "" {
				select {
				case out <- providers.StreamChunk{Delta: text}:
				case <-ctx.Done():
					return
				}
			}
		}
		select {
		case out <- providers.StreamChunk{Done: true}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

// HealthCheck issues a minimal completion.
func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.GenerateContent(ctx, p.model,
		genai.Text("ping"), &genai.GenerateContentConfig{MaxOutputTokens: 1})
	if err != nil {
		return fmt.Errorf("gemini health check: %w", err)
	}
	return nil
}
