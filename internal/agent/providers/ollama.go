package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"

	"github.com/haasonsaas/nexus-core/internal/agent"
	"github.com/haasonsaas/nexus-core/internal/agent/toolconv"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

const ollamaDefaultURL = "http://localhost:11434"

// OllamaConfig configures the Ollama provider.
type OllamaConfig struct {
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
	Settings     Settings
}

// OllamaProvider talks to a local Ollama server over its native chat API.
type OllamaProvider struct {
	client       *http.Client
	baseURL      string
	defaultModel string
	base         BaseProvider
}

var _ agent.Provider = (*OllamaProvider)(nil)

// NewOllamaProvider creates a new Ollama provider.
func NewOllamaProvider(cfg OllamaConfig) *OllamaProvider {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = ollamaDefaultURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &OllamaProvider{
		client:       &http.Client{Timeout: timeout},
		baseURL:      baseURL,
		defaultModel: strings.TrimSpace(cfg.DefaultModel),
		base:         NewBaseProvider("ollama", cfg.Settings),
	}
}

// Name returns "ollama".
func (p *OllamaProvider) Name() string {
	return "ollama"
}

// Chat posts a non-streaming /api/chat request.
func (p *OllamaProvider) Chat(ctx context.Context, req *agent.ChatRequest) (*agent.ChatResponse, error) {
	model, body, err := p.encode(req, false)
	if err != nil {
		return nil, err
	}
	return p.base.Retry(ctx, model, func(ctx context.Context) (*agent.ChatResponse, error) {
		respBody, err := p.post(ctx, model, body)
		if err != nil {
			return nil, err
		}
		defer respBody.Close()

		var resp ollamaChatResponse
		if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
			return nil, NewProviderError("ollama", model, fmt.Errorf("decode response: %w", err))
		}
		if resp.Error != "" {
			return nil, NewProviderError("ollama", model, errors.New(resp.Error))
		}
		acc := newOllamaAccumulator(model)
		acc.add(&resp, nil)
		return acc.response(), nil
	})
}

// ChatStream posts a streaming /api/chat request and reads the NDJSON reply.
func (p *OllamaProvider) ChatStream(ctx context.Context, req *agent.ChatRequest, onChunk func(string)) (*agent.ChatResponse, error) {
	model, body, err := p.encode(req, true)
	if err != nil {
		return nil, err
	}
	return p.base.RetryStream(ctx, model, onChunk, func(ctx context.Context, emit func(string)) (*agent.ChatResponse, error) {
		respBody, err := p.post(ctx, model, body)
		if err != nil {
			return nil, err
		}
		defer respBody.Close()
		return p.readStream(ctx, respBody, model, emit)
	})
}

func (p *OllamaProvider) readStream(ctx context.Context, body io.Reader, model string, emit func(string)) (*agent.ChatResponse, error) {
	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, 1024*64)
	scanner.Buffer(buf, 1024*1024)

	acc := newOllamaAccumulator(model)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var resp ollamaChatResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			return nil, NewProviderError("ollama", model, fmt.Errorf("decode response: %w", err))
		}
		if resp.Error != "" {
			return nil, NewProviderError("ollama", model, errors.New(resp.Error))
		}
		acc.add(&resp, emit)
		if resp.Done {
			return acc.response(), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, NewProviderError("ollama", model, err)
	}
	return nil, NewProviderError("ollama", model, io.ErrUnexpectedEOF)
}

// HealthCheck lists local models via /api/tags.
func (p *OllamaProvider) HealthCheck(ctx context.Context) agent.Health {
	return p.base.Health(ctx, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
		if err != nil {
			return err
		}
		resp, err := p.client.Do(httpReq)
		if err != nil {
			return NewProviderError("ollama", "", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= http.StatusBadRequest {
			return p.statusError("", resp)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	})
}

func (p *OllamaProvider) encode(req *agent.ChatRequest, stream bool) (string, []byte, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = p.defaultModel
	}
	if model == "" {
		return "", nil, NewProviderError("ollama", req.Model, errors.New("model is required")).WithStatus(http.StatusBadRequest)
	}

	payload := ollamaChatRequest{
		Model:    model,
		Stream:   stream,
		Messages: buildOllamaMessages(req.Messages),
	}
	if len(req.Tools) > 0 {
		payload.Tools = toolconv.ToOpenAITools(req.Tools)
	}
	options := map[string]any{}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	if req.Temperature != nil {
		options["temperature"] = *req.Temperature
	}
	if len(options) > 0 {
		payload.Options = options
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", nil, NewProviderError("ollama", model, fmt.Errorf("marshal request: %w", err))
	}
	return model, body, nil
}

func (p *OllamaProvider) post(ctx context.Context, model string, body []byte) (io.ReadCloser, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, NewProviderError("ollama", model, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, NewProviderError("ollama", model, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		return nil, p.statusError(model, resp)
	}
	return resp.Body, nil
}

// statusError reads the {"error": "..."} body Ollama sends with failures.
func (p *OllamaProvider) statusError(model string, resp *http.Response) *ProviderError {
	errBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
	if err != nil {
		return statusError("ollama", model, resp.StatusCode, "")
	}
	msg := string(errBody)
	if gjson.ValidBytes(errBody) {
		if field := gjson.GetBytes(errBody, "error"); field.Exists() {
			msg = field.String()
		}
	}
	return statusError("ollama", model, resp.StatusCode, msg)
}

type ollamaAccumulator struct {
	resp    *agent.ChatResponse
	text    strings.Builder
	emitted map[string]struct{}
}

func newOllamaAccumulator(model string) *ollamaAccumulator {
	return &ollamaAccumulator{
		resp:    &agent.ChatResponse{Model: model, Provider: "ollama", FinishReason: agent.FinishStop},
		emitted: map[string]struct{}{},
	}
}

func (a *ollamaAccumulator) add(resp *ollamaChatResponse, emit func(string)) {
	if resp.Message != nil {
		if resp.Message.Content != "" {
			a.text.WriteString(resp.Message.Content)
			if emit != nil {
				emit(resp.Message.Content)
			}
		}
		for _, tc := range resp.Message.ToolCalls {
			key := toolCallKey(tc)
			if _, ok := a.emitted[key]; ok && key != "" {
				continue
			}
			a.emitted[key] = struct{}{}
			callID := strings.TrimSpace(tc.ID)
			if callID == "" {
				callID = "call_" + uuid.NewString()
			}
			args := tc.Function.Arguments
			if len(args) == 0 {
				args = json.RawMessage(`{}`)
			}
			a.resp.ToolCalls = append(a.resp.ToolCalls, models.ToolCall{
				ID:        callID,
				Name:      strings.TrimSpace(tc.Function.Name),
				Arguments: args,
			})
		}
	}
	if resp.Done {
		a.resp.InputTokens = resp.PromptEvalCount
		a.resp.OutputTokens = resp.EvalCount
		if resp.DoneReason == "length" {
			a.resp.FinishReason = agent.FinishLength
		}
	}
}

func (a *ollamaAccumulator) response() *agent.ChatResponse {
	a.resp.Content = a.text.String()
	if len(a.resp.ToolCalls) > 0 {
		a.resp.FinishReason = agent.FinishToolCalls
	}
	return a.resp
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Tools    []openai.Tool       `json:"tools,omitempty"`
	Stream   bool                `json:"stream"`
	Options  map[string]any      `json:"options,omitempty"`
}

type ollamaChatMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaChatResponse struct {
	Message         *ollamaChatMessage `json:"message"`
	Done            bool               `json:"done"`
	DoneReason      string             `json:"done_reason"`
	Error           string             `json:"error"`
	EvalCount       int                `json:"eval_count"`
	PromptEvalCount int                `json:"prompt_eval_count"`
}

type ollamaToolCall struct {
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// buildOllamaMessages keeps the system message inline; Ollama accepts it as
// an ordinary role. Tool results carry the name of the tool they answer.
func buildOllamaMessages(msgs []models.Message) []ollamaChatMessage {
	messages := make([]ollamaChatMessage, 0, len(msgs))
	toolNames := map[string]string{}
	for _, msg := range msgs {
		for _, tc := range msg.ToolCalls {
			if tc.ID != "" && tc.Name != "" {
				toolNames[tc.ID] = tc.Name
			}
		}
	}
	for _, msg := range msgs {
		role := string(msg.Role)
		if role == "" {
			role = string(models.RoleUser)
		}
		switch msg.Role {
		case models.RoleAssistant:
			ollamaMsg := ollamaChatMessage{Role: role, Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				args := tc.Arguments
				if len(args) == 0 {
					args = json.RawMessage(`{}`)
				}
				ollamaMsg.ToolCalls = append(ollamaMsg.ToolCalls, ollamaToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: ollamaToolFunction{
						Name:      tc.Name,
						Arguments: args,
					},
				})
			}
			messages = append(messages, ollamaMsg)
		case models.RoleTool:
			messages = append(messages, ollamaChatMessage{
				Role:     role,
				Content:  msg.Content,
				ToolName: toolNames[msg.ToolCallID],
			})
		default:
			messages = append(messages, ollamaChatMessage{Role: role, Content: msg.Content})
		}
	}
	return messages
}

func toolCallKey(tc ollamaToolCall) string {
	if id := strings.TrimSpace(tc.ID); id != "" {
		return id
	}
	name := strings.TrimSpace(tc.Function.Name)
	args := strings.TrimSpace(string(tc.Function.Arguments))
	if name == "" && args == "" {
		return ""
	}
	return name + ":" + args
}
