// Package bedrock adapts AWS Bedrock's Converse API to the provider
// capability interface.
package bedrock

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/haasonsaas/tandem/internal/providers"
)

// Provider implements providers.Provider over Bedrock's Converse API.
type Provider struct {
	client *bedrockruntime.Client
	model  string
}

var _ providers.Provider = (*Provider)(nil)

// Config contains configuration for the Bedrock adapter.
type Config struct {
	Region string // defaults to us-east-1
	Model  string // defaults to anthropic.claude-sonnet-4-5-20250929-v1:0
}

// New creates the adapter using the default AWS credential chain.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.Model == "" {
		cfg.Model = "anthropic.claude-sonnet-4-5-20250929-v1:0"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Provider{
		client: bedrockruntime.NewFromConfig(awsCfg),
		model:  cfg.Model,
	}, nil
}

// Info reports adapter metadata.
func (p *Provider) Info() providers.Info {
	return providers.Info{Name: "bedrock", DefaultModel: p.model, Streaming: true}
}

func (p *Provider) buildInput(req providers.CompletionRequest) (string, []types.Message, []types.SystemContentBlock, *types.InferenceConfiguration) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	var messages []types.Message
	for _, m := range req.Messages {
		role := types.ConversationRoleUser
		if m.Role == "assistant" {
			role = types.ConversationRoleAssistant
		}
		messages = append(messages, types.Message{
			Role:    role,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
		})
	}

	var system []types.SystemContentBlock
	if req.System != "" {
		system = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.System}}
	}

	var inference *types.InferenceConfiguration
	if req.MaxTokens > 0 {
		inference = &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(req.MaxTokens))}
	}
	return model, messages, system, inference
}

// Complete runs one blocking completion.
func (p *Provider) Complete(ctx context.Context, req providers.CompletionRequest) (*providers.CompletionResponse, error) {
	model, messages, system, inference := p.buildInput(req)
	resp, err := p.client.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId:         aws.String(model),
		Messages:        messages,
		System:          system,
		InferenceConfig: inference,
	})
	if err != nil {
		return nil, fmt.Errorf("bedrock completion: %w", err)
	}

	out := &providers.CompletionResponse{StopReason: string(resp.StopReason)}
	if msg, ok := resp.Output.(*types.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			if text, ok := block.(*types.ContentBlockMemberText); ok {
				out.Content += text.Value
			}
		}
	}
	if resp.Usage != nil {
		out.InputTokens = int(aws.ToInt32(resp.Usage.InputTokens))
		out.OutputTokens = int(aws.ToInt32(resp.Usage.OutputTokens))
	}
	return out, nil
}

// Stream runs one streamed completion.
func (p *Provider) Stream(ctx context.Context, req providers.CompletionRequest) (<-chan providers.StreamChunk, error) {
	model, messages, system, inference := p.buildInput(req)
	resp, err := p.client.ConverseStream(ctx, &bedrockruntime.ConverseStreamInput{
		ModelId:         aws.String(model),
		Messages:        messages,
		System:          system,
		InferenceConfig: inference,
	})
	if err != nil {
		return nil, fmt.Errorf("bedrock stream: %w", err)
	}

	out := make(chan providers.StreamChunk, 16)
	go func() {
		defer close(out)
		stream := resp.GetStream()
		defer stream.Close()

		for event := range stream.Events() {
			switch variant := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockDelta:
				if delta, ok := variant.Value.Delta.(*types.ContentBlockDeltaMemberText); ok {
					select {
					case out <- providers.StreamChunk{Delta: delta.Value}:
					case <-ctx.Done():
						return
					}
				}
			case *types.ConverseStreamOutputMemberMessageStop:
				select {
				case out <- providers.StreamChunk{Done: true}:
				case <-ctx.Done():
				}
				return
			}
		}
		if err := stream.Err(); err != nil {
			select {
			case out <- providers.StreamChunk{Err: fmt.Errorf("bedrock stream: %w", err)}:
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

// HealthCheck issues a minimal completion.
func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId: aws.String(p.model),
		Messages: []types.Message{{
			Role:    types.ConversationRoleUser,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: "ping"}},
		}},
		InferenceConfig: &types.InferenceConfiguration{MaxTokens: aws.Int32(1)},
	})
	if err != nil {
		return fmt.Errorf("bedrock health check: %w", err)
	}
	return nil
}
