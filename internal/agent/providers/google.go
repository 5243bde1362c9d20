package providers

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/haasonsaas/nexus-core/internal/agent"
	"github.com/haasonsaas/nexus-core/internal/agent/toolconv"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

const googleDefaultModel = "gemini-2.0-flash"

// GoogleProvider talks to the Gemini API through the Google Gen AI SDK.
//
// Gemini has no tool-call ids on older models; missing ids are generated and
// tool results are matched back to their call by name.
type GoogleProvider struct {
	client       *genai.Client
	defaultModel string
	base         BaseProvider
}

var _ agent.Provider = (*GoogleProvider)(nil)

// GoogleConfig holds configuration parameters for creating a GoogleProvider.
type GoogleConfig struct {
	// APIKey is the Google AI API authentication key (required).
	APIKey string

	// BaseURL overrides the API endpoint.
	BaseURL string

	// DefaultModel sets the model to use when the request doesn't name one.
	// Default: "gemini-2.0-flash"
	DefaultModel string

	// HTTPClient overrides the HTTP client.
	HTTPClient *http.Client

	Settings Settings
}

// NewGoogleProvider creates a Gemini provider.
func NewGoogleProvider(ctx context.Context, config GoogleConfig) (*GoogleProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("google: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = googleDefaultModel
	}

	clientConfig := &genai.ClientConfig{
		APIKey:     config.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: config.HTTPClient,
	}
	if base := strings.TrimSpace(config.BaseURL); base != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: base}
	}
	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, errors.Join(errors.New("google: failed to create client"), err)
	}

	return &GoogleProvider{
		client:       client,
		defaultModel: config.DefaultModel,
		base:         NewBaseProvider("google", config.Settings),
	}, nil
}

// Name returns "google".
func (p *GoogleProvider) Name() string {
	return "google"
}

// Chat runs GenerateContent.
func (p *GoogleProvider) Chat(ctx context.Context, req *agent.ChatRequest) (*agent.ChatResponse, error) {
	model := p.getModel(req.Model)
	contents := convertGeminiMessages(req.Messages)
	config := p.buildConfig(req)

	return p.base.Retry(ctx, model, func(ctx context.Context) (*agent.ChatResponse, error) {
		resp, err := p.client.Models.GenerateContent(ctx, model, contents, config)
		if err != nil {
			return nil, p.wrapError(err, model)
		}
		acc := newGeminiAccumulator(model)
		acc.add(resp, nil)
		return acc.response(), nil
	})
}

// ChatStream runs GenerateContentStream, forwarding text parts as deltas.
func (p *GoogleProvider) ChatStream(ctx context.Context, req *agent.ChatRequest, onChunk func(string)) (*agent.ChatResponse, error) {
	model := p.getModel(req.Model)
	contents := convertGeminiMessages(req.Messages)
	config := p.buildConfig(req)

	return p.base.RetryStream(ctx, model, onChunk, func(ctx context.Context, emit func(string)) (*agent.ChatResponse, error) {
		acc := newGeminiAccumulator(model)
		for resp, err := range p.client.Models.GenerateContentStream(ctx, model, contents, config) {
			if err != nil {
				return nil, p.wrapError(err, model)
			}
			acc.add(resp, emit)
		}
		return acc.response(), nil
	})
}

// HealthCheck lists one page of models.
func (p *GoogleProvider) HealthCheck(ctx context.Context) agent.Health {
	return p.base.Health(ctx, func(ctx context.Context) error {
		if _, err := p.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1}); err != nil {
			return p.wrapError(err, "")
		}
		return nil
	})
}

type geminiAccumulator struct {
	resp *agent.ChatResponse
	text strings.Builder
}

func newGeminiAccumulator(model string) *geminiAccumulator {
	return &geminiAccumulator{resp: &agent.ChatResponse{
		Model:        model,
		Provider:     "google",
		FinishReason: agent.FinishStop,
	}}
}

func (a *geminiAccumulator) add(resp *genai.GenerateContentResponse, emit func(string)) {
	if resp == nil {
		return
	}
	if resp.ModelVersion != "" {
		a.resp.Model = resp.ModelVersion
	}
	if u := resp.UsageMetadata; u != nil {
		a.resp.InputTokens = int(u.PromptTokenCount)
		a.resp.OutputTokens = int(u.CandidatesTokenCount)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return
	}
	candidate := resp.Candidates[0]
	switch candidate.FinishReason {
	case genai.FinishReasonMaxTokens:
		a.resp.FinishReason = agent.FinishLength
	case genai.FinishReasonSafety, genai.FinishReasonProhibitedContent, genai.FinishReasonBlocklist:
		a.resp.FinishReason = agent.FinishContentFilter
	}
	if candidate.Content == nil {
		return
	}
	for _, part := range candidate.Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		if part.Text != "" {
			a.text.WriteString(part.Text)
			if emit != nil {
				emit(part.Text)
			}
		}
		if fc := part.FunctionCall; fc != nil {
			args, err := json.Marshal(fc.Args)
			if err != nil || fc.Args == nil {
				args = []byte(`{}`)
			}
			id := fc.ID
			if id == "" {
				id = "call_" + uuid.NewString()
			}
			a.resp.ToolCalls = append(a.resp.ToolCalls, models.ToolCall{ID: id, Name: fc.Name, Arguments: args})
		}
	}
}

func (a *geminiAccumulator) response() *agent.ChatResponse {
	a.resp.Content = a.text.String()
	if len(a.resp.ToolCalls) > 0 {
		a.resp.FinishReason = agent.FinishToolCalls
	}
	return a.resp
}

// convertGeminiMessages maps messages to Gemini contents. The system message
// goes to SystemInstruction instead. Tool results become function responses
// named after the call they answer.
func convertGeminiMessages(messages []models.Message) []*genai.Content {
	names := make(map[string]string)
	var result []*genai.Content

	for _, msg := range messages {
		content := &genai.Content{Role: genai.RoleUser}
		switch msg.Role {
		case models.RoleSystem:
			continue
		case models.RoleAssistant:
			content.Role = genai.RoleModel
			if msg.Content != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				names[tc.ID] = tc.Name
				var args map[string]any
				if err := json.Unmarshal(tc.Arguments, &args); err != nil {
					args = make(map[string]any)
				}
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args},
				})
			}
		case models.RoleTool:
			var response map[string]any
			if err := json.Unmarshal([]byte(msg.Content), &response); err != nil {
				response = map[string]any{"result": msg.Content}
			}
			if msg.IsError {
				response = map[string]any{"error": msg.Content}
			}
			part := &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       msg.ToolCallID,
				Name:     names[msg.ToolCallID],
				Response: response,
			}}
			// Consecutive results share one user turn.
			if n := len(result); n > 0 && result[n-1].Role == genai.RoleUser && hasFunctionResponse(result[n-1]) {
				result[n-1].Parts = append(result[n-1].Parts, part)
				continue
			}
			content.Parts = append(content.Parts, part)
		default:
			if msg.Content != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
			}
		}
		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}
	return result
}

func hasFunctionResponse(c *genai.Content) bool {
	for _, part := range c.Parts {
		if part != nil && part.FunctionResponse != nil {
			return true
		}
	}
	return false
}

func (p *GoogleProvider) buildConfig(req *agent.ChatRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}

	if system, _ := agent.SplitSystem(req.Messages); system != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: system}},
		}
	}
	if req.MaxTokens > 0 {
		maxTokens := min(req.MaxTokens, math.MaxInt32)
		// #nosec G115 -- bounded by min above
		config.MaxOutputTokens = int32(maxTokens)
	}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		config.Temperature = &t
	}
	if len(req.Tools) > 0 {
		config.Tools = toolconv.ToGeminiTools(req.Tools)
	}
	return config
}

func (p *GoogleProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

// wrapError classifies SDK errors by their HTTP code and RPC status.
func (p *GoogleProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsProviderError(err) {
		return err
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return googleAPIError(model, err, apiErr)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return googleAPIError(model, err, *apiErrPtr)
	}
	return NewProviderError("google", model, err)
}

func googleAPIError(model string, err error, apiErr genai.APIError) *ProviderError {
	providerErr := NewProviderError("google", model, err).WithStatus(apiErr.Code)
	if apiErr.Message != "" {
		providerErr = providerErr.WithMessage(apiErr.Message)
	}
	if apiErr.Status != "" {
		providerErr = providerErr.WithCode(apiErr.Status)
	}
	return providerErr
}
