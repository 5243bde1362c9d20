package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/nexus-core/internal/agent"
	"github.com/haasonsaas/nexus-core/internal/agent/toolconv"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

const (
	openAIDefaultModel     = "gpt-4o"
	openRouterDefaultModel = "openai/gpt-4o"
	openRouterBaseURL      = "https://openrouter.ai/api/v1"
)

// OpenAIProvider talks to the OpenAI Chat Completions API and to any
// endpoint that speaks the same protocol (OpenRouter, local gateways).
//
// Key differences from the Anthropic provider:
//   - The system message stays in the messages array.
//   - Streamed tool calls arrive in fragments keyed by index and are
//     accumulated until the stream ends.
//   - Each tool result is its own "tool" role message.
//
// Thread Safety:
// OpenAIProvider is safe for concurrent use across multiple goroutines.
type OpenAIProvider struct {
	client       *openai.Client
	name         string
	defaultModel string
	base         BaseProvider
}

var _ agent.Provider = (*OpenAIProvider)(nil)

// OpenAIConfig configures an OpenAI-compatible provider.
type OpenAIConfig struct {
	// Name is the provider identifier. Default: "openai".
	Name string

	// APIKey is the bearer token. Local gateways may not need one.
	APIKey string

	// BaseURL overrides the API base URL, e.g. "http://localhost:8080/v1".
	BaseURL string

	// DefaultModel is used when the request names no model. Default: "gpt-4o".
	DefaultModel string

	// HTTPClient overrides the HTTP client.
	HTTPClient *http.Client

	Settings Settings
}

// NewOpenAIProvider creates an OpenAI-compatible provider. An API key is
// required unless BaseURL points at a custom endpoint.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.APIKey == "" && strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("%s: API key is required", cfg.Name)
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = openAIDefaultModel
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		clientConfig.BaseURL = strings.TrimRight(base, "/")
	}
	if cfg.HTTPClient != nil {
		clientConfig.HTTPClient = cfg.HTTPClient
	}

	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientConfig),
		name:         cfg.Name,
		defaultModel: cfg.DefaultModel,
		base:         NewBaseProvider(cfg.Name, cfg.Settings),
	}, nil
}

// OpenRouterConfig holds configuration for the OpenRouter provider.
type OpenRouterConfig struct {
	// APIKey is the OpenRouter API key (required).
	APIKey string

	// DefaultModel is the model to use when not specified in request.
	// Examples: "openai/gpt-4o", "anthropic/claude-3-opus", "google/gemini-pro"
	DefaultModel string

	Settings Settings
}

// NewOpenRouterProvider creates an OpenAI-compatible provider pointed at
// OpenRouter.
func NewOpenRouterProvider(cfg OpenRouterConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openrouter: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = openRouterDefaultModel
	}
	return NewOpenAIProvider(OpenAIConfig{
		Name:         "openrouter",
		APIKey:       cfg.APIKey,
		BaseURL:      openRouterBaseURL,
		DefaultModel: cfg.DefaultModel,
		Settings:     cfg.Settings,
	})
}

// Name returns the configured provider identifier.
func (p *OpenAIProvider) Name() string {
	return p.name
}

// Chat sends one chat completion request.
func (p *OpenAIProvider) Chat(ctx context.Context, req *agent.ChatRequest) (*agent.ChatResponse, error) {
	chatReq := p.buildRequest(req)
	return p.base.Retry(ctx, chatReq.Model, func(ctx context.Context) (*agent.ChatResponse, error) {
		resp, err := p.client.CreateChatCompletion(ctx, chatReq)
		if err != nil {
			return nil, p.wrapError(err, chatReq.Model)
		}
		if len(resp.Choices) == 0 {
			return nil, NewProviderError(p.name, chatReq.Model, errors.New("response has no choices")).WithStatus(http.StatusBadGateway)
		}
		choice := resp.Choices[0]
		out := &agent.ChatResponse{
			Content:      choice.Message.Content,
			FinishReason: convertOpenAIFinish(choice.FinishReason),
			Model:        resp.Model,
			Provider:     p.name,
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
		for _, tc := range choice.Message.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, models.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: rawArguments(tc.Function.Arguments),
			})
		}
		if len(out.ToolCalls) > 0 {
			out.FinishReason = agent.FinishToolCalls
		}
		return out, nil
	})
}

// ChatStream sends one streaming chat completion request.
func (p *OpenAIProvider) ChatStream(ctx context.Context, req *agent.ChatRequest, onChunk func(string)) (*agent.ChatResponse, error) {
	chatReq := p.buildRequest(req)
	chatReq.Stream = true
	chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	return p.base.RetryStream(ctx, chatReq.Model, onChunk, func(ctx context.Context, emit func(string)) (*agent.ChatResponse, error) {
		stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
		if err != nil {
			return nil, p.wrapError(err, chatReq.Model)
		}
		defer stream.Close()
		return p.processStream(stream, chatReq.Model, emit)
	})
}

// processStream reads the stream to EOF. Tool call fragments are accumulated
// by index: the first fragment carries the id and name, later ones append
// argument text.
func (p *OpenAIProvider) processStream(stream *openai.ChatCompletionStream, model string, emit func(string)) (*agent.ChatResponse, error) {
	out := &agent.ChatResponse{Model: model, Provider: p.name, FinishReason: agent.FinishStop}
	var content strings.Builder
	calls := make(map[int]*models.ToolCall)
	args := make(map[int]*strings.Builder)

	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, p.wrapError(err, model)
		}
		if response.Model != "" {
			out.Model = response.Model
		}
		if response.Usage != nil {
			out.InputTokens = response.Usage.PromptTokens
			out.OutputTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}

		choice := response.Choices[0]
		if choice.Delta.Content != "" {
			content.WriteString(choice.Delta.Content)
			emit(choice.Delta.Content)
		}
		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if calls[index] == nil {
				calls[index] = &models.ToolCall{}
				args[index] = &strings.Builder{}
			}
			if tc.ID != "" {
				calls[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				calls[index].Name = tc.Function.Name
			}
			args[index].WriteString(tc.Function.Arguments)
		}
		if choice.FinishReason != "" {
			out.FinishReason = convertOpenAIFinish(choice.FinishReason)
		}
	}

	out.Content = content.String()
	indexes := make([]int, 0, len(calls))
	for i := range calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	for _, i := range indexes {
		call := calls[i]
		if call.ID == "" || call.Name == "" {
			continue
		}
		call.Arguments = rawArguments(args[i].String())
		out.ToolCalls = append(out.ToolCalls, *call)
	}
	if len(out.ToolCalls) > 0 {
		out.FinishReason = agent.FinishToolCalls
	}
	return out, nil
}

// HealthCheck lists models.
func (p *OpenAIProvider) HealthCheck(ctx context.Context) agent.Health {
	return p.base.Health(ctx, func(ctx context.Context) error {
		if _, err := p.client.ListModels(ctx); err != nil {
			return p.wrapError(err, "")
		}
		return nil
	})
}

func (p *OpenAIProvider) buildRequest(req *agent.ChatRequest) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: convertOpenAIMessages(req.Messages),
		Tools:    toolconv.ToOpenAITools(req.Tools),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		chatReq.Temperature = float32(*req.Temperature)
	}
	return chatReq
}

func convertOpenAIMessages(messages []models.Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})
		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(rawArguments(string(tc.Arguments))),
					},
				})
			}
			result = append(result, oaiMsg)
		case models.RoleTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}
	return result
}

func convertOpenAIFinish(reason openai.FinishReason) agent.FinishReason {
	switch reason {
	case openai.FinishReasonLength:
		return agent.FinishLength
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return agent.FinishToolCalls
	case openai.FinishReasonContentFilter:
		return agent.FinishContentFilter
	default:
		return agent.FinishStop
	}
}

// rawArguments returns args as JSON, substituting an empty object for blank
// input.
func rawArguments(args string) json.RawMessage {
	if strings.TrimSpace(args) == "" {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(args)
}

func (p *OpenAIProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsProviderError(err) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		providerErr := NewProviderError(p.name, model, err).WithStatus(apiErr.HTTPStatusCode)
		if apiErr.Message != "" {
			providerErr = providerErr.WithMessage(apiErr.Message)
		}
		if code, ok := apiErr.Code.(string); ok && code != "" {
			providerErr = providerErr.WithCode(code)
		} else if apiErr.Type != "" {
			providerErr = providerErr.WithCode(apiErr.Type)
		}
		return providerErr
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return NewProviderError(p.name, model, err).WithStatus(reqErr.HTTPStatusCode)
	}

	return NewProviderError(p.name, model, err)
}
