// Package anthropic adapts the Anthropic Messages API to the provider
// capability interface.
package anthropic

import (
	"context"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/haasonsaas/tandem/internal/providers"
)

// Provider implements providers.Provider over the Anthropic API.
type Provider struct {
	client sdk.Client
	model  string
}

var _ providers.Provider = (*Provider)(nil)

// Config contains configuration for the Anthropic adapter.
type Config struct {
	APIKey string
	Model  string // defaults to claude-sonnet-4-5
}

// New creates the adapter.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Anthropic API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-5"
	}
	return &Provider{
		client: sdk.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:  cfg.Model,
	}, nil
}

// Info reports adapter metadata.
func (p *Provider) Info() providers.Info {
	return providers.Info{Name: "anthropic", DefaultModel: p.model, Streaming: true}
}

func (p *Provider) buildParams(req providers.CompletionRequest) sdk.MessageNewParams {
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	var messages []sdk.MessageParam
	for _, m := range req.Messages {
		switch m.Role {
		case "assistant":
			messages = append(messages, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			messages = append(messages, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	return params
}

// Complete runs one blocking completion.
func (p *Provider) Complete(ctx context.Context, req providers.CompletionRequest) (*providers.CompletionResponse, error) {
	msg, err := p.client.Messages.New(ctx, p.buildParams(req))
	if err != nil {
		return nil, fmt.Errorf("anthropic completion: %w", err)
	}

	var content string
	for _, block := range msg.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}
	return &providers.CompletionResponse{
		Content:      content,
		StopReason:   string(msg.StopReason),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}, nil
}

// Stream runs one streamed completion.
func (p *Provider) Stream(ctx context.Context, req providers.CompletionRequest) (<-chan providers.StreamChunk, error) {
	stream := p.client.Messages.NewStreaming(ctx, p.buildParams(req))
	out := make(chan providers.StreamChunk, 16)

	go func() {
		defer close(out)
		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				if delta.Type == "text_delta" && delta.Text != "" {
					select {
					case out <- providers.StreamChunk{Delta: delta.Text}:
					case <-ctx.Done():
						return
					}
				}
			case "message_stop":
				select {
				case out <- providers.StreamChunk{Done: true}:
				case <-ctx.Done():
				}
				return
			}
		}
		if err := stream.Err(); err != nil {
			select {
			case out <- providers.StreamChunk{Err: fmt.Errorf("anthropic stream: %w", err)}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case out <- providers.StreamChunk{Done: true}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

// HealthCheck issues a minimal completion to verify credentials and
// connectivity.
func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(p.model),
		MaxTokens: 1,
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock("ping"))},
	})
	if err != nil {
		return fmt.Errorf("anthropic health check: %w", err)
	}
	return nil
}
