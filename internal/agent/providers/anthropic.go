package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/nexus-core/internal/agent"
	"github.com/haasonsaas/nexus-core/internal/agent/toolconv"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

const (
	anthropicDefaultModel     = "claude-sonnet-4-20250514"
	anthropicDefaultMaxTokens = 4096
)

// AnthropicProvider talks to the Anthropic Messages API.
//
// The system message travels in the System side field; tool results are sent
// as tool_result blocks in user-role messages, one message per result run.
//
// Thread Safety:
// AnthropicProvider is safe for concurrent use across multiple goroutines.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
	base         BaseProvider
}

var _ agent.Provider = (*AnthropicProvider)(nil)

// AnthropicConfig holds configuration parameters for creating an AnthropicProvider.
//
// Example:
//
//	config := AnthropicConfig{
//	    APIKey:       os.Getenv("ANTHROPIC_API_KEY"), // Required
//	    DefaultModel: "claude-opus-4-20250514",       // Optional
//	}
type AnthropicConfig struct {
	// APIKey is the Anthropic API authentication key (required).
	APIKey string

	// BaseURL overrides the default Anthropic API base URL.
	BaseURL string

	// DefaultModel is used when the request names no model.
	// Default: "claude-sonnet-4-20250514"
	DefaultModel string

	Settings Settings
}

// NewAnthropicProvider creates an Anthropic provider. The SDK's own retries
// are disabled; BaseProvider retries instead.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = anthropicDefaultModel
	}

	options := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(0),
	}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(options...),
		defaultModel: config.DefaultModel,
		base:         NewBaseProvider("anthropic", config.Settings),
	}, nil
}

// Name returns "anthropic".
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Chat sends one Messages request.
func (p *AnthropicProvider) Chat(ctx context.Context, req *agent.ChatRequest) (*agent.ChatResponse, error) {
	model := p.getModel(req.Model)
	params, err := p.buildParams(req, model)
	if err != nil {
		return nil, err
	}
	return p.base.Retry(ctx, model, func(ctx context.Context) (*agent.ChatResponse, error) {
		msg, err := p.client.Messages.New(ctx, params)
		if err != nil {
			return nil, p.wrapError(err, model)
		}
		return convertAnthropicMessage(msg), nil
	})
}

// ChatStream sends one streaming Messages request. Text deltas are forwarded
// as they arrive; the final message is accumulated from the event stream.
func (p *AnthropicProvider) ChatStream(ctx context.Context, req *agent.ChatRequest, onChunk func(string)) (*agent.ChatResponse, error) {
	model := p.getModel(req.Model)
	params, err := p.buildParams(req, model)
	if err != nil {
		return nil, err
	}
	return p.base.RetryStream(ctx, model, onChunk, func(ctx context.Context, emit func(string)) (*agent.ChatResponse, error) {
		stream := p.client.Messages.NewStreaming(ctx, params)
		defer stream.Close()

		var msg anthropic.Message
		for stream.Next() {
			event := stream.Current()
			if err := msg.Accumulate(event); err != nil {
				return nil, p.wrapError(fmt.Errorf("accumulate stream: %w", err), model)
			}
			if event.Type == "content_block_delta" {
				delta := event.AsContentBlockDelta().Delta
				if delta.Type == "text_delta" {
					emit(delta.Text)
				}
			}
		}
		if err := stream.Err(); err != nil {
			return nil, p.wrapError(err, model)
		}
		return convertAnthropicMessage(&msg), nil
	})
}

// HealthCheck lists one model.
func (p *AnthropicProvider) HealthCheck(ctx context.Context) agent.Health {
	return p.base.Health(ctx, func(ctx context.Context) error {
		_, err := p.client.Models.List(ctx, anthropic.ModelListParams{Limit: anthropic.Int(1)})
		if err != nil {
			return p.wrapError(err, "")
		}
		return nil
	})
}

func (p *AnthropicProvider) buildParams(req *agent.ChatRequest, model string) (anthropic.MessageNewParams, error) {
	system, rest := agent.SplitSystem(req.Messages)
	messages, err := p.convertMessages(rest)
	if err != nil {
		return anthropic.MessageNewParams{}, NewProviderError("anthropic", model, fmt.Errorf("convert messages: %w", err)).WithStatus(400)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(p.getMaxTokens(req.MaxTokens)),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools, err := toolconv.ToAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, NewProviderError("anthropic", model, err).WithStatus(400)
		}
		params.Tools = tools
	}
	return params, nil
}

// convertMessages maps messages to Anthropic content blocks. Consecutive tool
// results are grouped into a single user message as the API requires.
func (p *AnthropicProvider) convertMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	var pendingResults []anthropic.ContentBlockParamUnion

	flush := func() {
		if len(pendingResults) > 0 {
			result = append(result, anthropic.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			continue
		case models.RoleTool:
			pendingResults = append(pendingResults, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.IsError))
			continue
		}
		flush()

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, call := range msg.ToolCalls {
			var input map[string]any
			if len(call.Arguments) > 0 {
				if err := json.Unmarshal(call.Arguments, &input); err != nil {
					return nil, fmt.Errorf("invalid tool call input: %w", err)
				}
			}
			if input == nil {
				input = map[string]any{}
			}
			content = append(content, anthropic.NewToolUseBlock(call.ID, input, call.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	flush()

	return result, nil
}

func convertAnthropicMessage(msg *anthropic.Message) *agent.ChatResponse {
	resp := &agent.ChatResponse{
		Model:        string(msg.Model),
		Provider:     "anthropic",
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args := block.Input
			if len(args) == 0 {
				args = json.RawMessage(`{}`)
			}
			resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			})
		}
	}
	resp.Content = text.String()

	switch msg.StopReason {
	case anthropic.StopReasonToolUse:
		resp.FinishReason = agent.FinishToolCalls
	case anthropic.StopReasonMaxTokens:
		resp.FinishReason = agent.FinishLength
	case anthropic.StopReasonRefusal:
		resp.FinishReason = agent.FinishContentFilter
	default:
		resp.FinishReason = agent.FinishStop
	}
	if len(resp.ToolCalls) > 0 {
		resp.FinishReason = agent.FinishToolCalls
	}
	return resp
}

func (p *AnthropicProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func (p *AnthropicProvider) getMaxTokens(maxTokens int) int {
	if maxTokens <= 0 {
		return anthropicDefaultMaxTokens
	}
	return maxTokens
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsProviderError(err) {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		providerErr := NewProviderError("anthropic", model, err).WithStatus(apiErr.StatusCode)
		providerErr.Message = "anthropic request failed"

		requestID := apiErr.RequestID
		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				if payload.Error.Message != "" {
					providerErr = providerErr.WithMessage(payload.Error.Message)
				}
				if payload.Error.Type != "" {
					providerErr = providerErr.WithCode(payload.Error.Type)
				}
				if payload.RequestID != "" {
					requestID = payload.RequestID
				}
			}
		}
		if requestID != "" {
			providerErr = providerErr.WithRequestID(requestID)
		}
		return providerErr
	}

	return NewProviderError("anthropic", model, err)
}
