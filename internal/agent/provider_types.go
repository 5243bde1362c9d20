package agent

import (
	"context"
	"time"

	"github.com/haasonsaas/nexus-core/internal/tools"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

// Provider is a chat-completion backend. Implementations wrap one vendor API
// (see the providers package) or route between several (see routing).
type Provider interface {
	// Name returns the stable, lowercase provider identifier.
	Name() string

	// Chat runs one non-streaming completion.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// ChatStream runs one streaming completion. onChunk receives content
	// deltas in arrival order on the calling goroutine; ChatStream returns
	// after the terminal event with the accumulated response.
	ChatStream(ctx context.Context, req *ChatRequest, onChunk func(delta string)) (*ChatResponse, error)

	// HealthCheck checks the backend cheaply.
	HealthCheck(ctx context.Context) Health
}

// FinishReason explains why the model stopped generating.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
)

// ChatRequest is a provider-agnostic completion request.
type ChatRequest struct {
	// Provider is the session's preferred provider. Routers use it when no
	// model route matches; single-vendor providers ignore it.
	Provider string `json:"provider,omitempty"`

	// Model is the model to use. Empty selects the provider default.
	Model string `json:"model,omitempty"`

	// Messages is the conversation, system message first when present.
	Messages []models.Message `json:"messages"`

	// Tools are the tools the model may call.
	Tools []tools.Spec `json:"tools,omitempty"`

	// MaxTokens caps the response length. Zero selects the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature is the sampling temperature. Nil selects the provider default.
	Temperature *float64 `json:"temperature,omitempty"`
}

// ChatResponse is a completed model reply.
type ChatResponse struct {
	Content      string            `json:"content"`
	FinishReason FinishReason      `json:"finish_reason"`
	Model        string            `json:"model"`
	Provider     string            `json:"provider,omitempty"`
	InputTokens  int               `json:"input_tokens"`
	OutputTokens int               `json:"output_tokens"`
	ToolCalls    []models.ToolCall `json:"tool_calls,omitempty"`
}

// Health is the outcome of a provider health check. A provider that answered with an
// authentication failure is reachable but not usable.
type Health struct {
	Provider  string        `json:"provider"`
	Reachable bool          `json:"reachable"`
	Usable    bool          `json:"usable"`
	Latency   time.Duration `json:"latency"`
	Err       error         `json:"-"`
}

// SplitSystem separates the leading system message from the rest. Vendors
// that take the system prompt as a side field use it.
func SplitSystem(msgs []models.Message) (system string, rest []models.Message) {
	if len(msgs) > 0 && msgs[0].Role == models.RoleSystem {
		return msgs[0].Content, msgs[1:]
	}
	return "", msgs
}

// Float64 returns a pointer to v, for ChatRequest.Temperature.
func Float64(v float64) *float64 { return &v }
