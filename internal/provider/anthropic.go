package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicDefaultModel = "claude-sonnet-4-5"

// AnthropicProvider uses the official Anthropic SDK.
type AnthropicProvider struct {
	client       *anthropic.Client
	defaultModel string
	maxTokens    int64
}

// NewAnthropicProvider creates an Anthropic client. Extra request options
// are passed to the SDK client as-is.
func NewAnthropicProvider(apiKey, apiBase, defaultModel string, maxTokens int, timeout time.Duration, opts ...option.RequestOption) *AnthropicProvider {
	if defaultModel == "" {
		defaultModel = anthropicDefaultModel
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	clientOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if apiBase != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(strings.TrimSuffix(apiBase, "/")+"/"))
	}
	if timeout > 0 {
		clientOpts = append(clientOpts, option.WithRequestTimeout(timeout))
	}
	clientOpts = append(clientOpts, opts...)
	client := anthropic.NewClient(clientOpts...)
	return &AnthropicProvider{
		client:       &client,
		defaultModel: defaultModel,
		maxTokens:    int64(maxTokens),
	}
}

func (p *AnthropicProvider) Name() string { return KindAnthropic }

// DefaultModel returns the configured model.
func (p *AnthropicProvider) DefaultModel() string {
	return p.defaultModel
}

func (p *AnthropicProvider) Generate(ctx context.Context, req *Request) (string, error) {
	resp, err := p.client.Messages.New(ctx, p.buildParams(req))
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return "", &APIError{Provider: KindAnthropic, StatusCode: apiErr.StatusCode, Body: truncateBody([]byte(apiErr.Error()))}
		}
		return "", fmt.Errorf("claude API call: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.AsText().Text)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("empty claude response (stop reason %q)", resp.StopReason)
	}
	return sb.String(), nil
}

func (p *AnthropicProvider) buildParams(req *Request) anthropic.MessageNewParams {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := p.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}

	var messages []anthropic.MessageParam
	for _, turn := range req.History {
		switch turn.Role {
		case RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(turn.Text)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(turn.Text)))
		}
	}
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(req.Input)))

	return anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: maxTokens,
	}
}
