package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"google.golang.org/genai"

	"github.com/haasonsaas/nexus-core/internal/agent"
	"github.com/haasonsaas/nexus-core/internal/errs"
	"github.com/haasonsaas/nexus-core/internal/tools"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

func TestNewGoogleProvider(t *testing.T) {
	if _, err := NewGoogleProvider(context.Background(), GoogleConfig{}); err == nil {
		t.Fatal("expected error without API key")
	}
	p, err := NewGoogleProvider(context.Background(), GoogleConfig{APIKey: "k"})
	if err != nil {
		t.Fatalf("NewGoogleProvider: %v", err)
	}
	if p.Name() != "google" || p.getModel("") != googleDefaultModel || p.getModel("gemini-pro") != "gemini-pro" {
		t.Errorf("defaults wrong: %s %s", p.Name(), p.getModel(""))
	}
}

func TestConvertGeminiMessages(t *testing.T) {
	contents := convertGeminiMessages([]models.Message{
		{Role: models.RoleSystem, Content: "sys"},
		{Role: models.RoleUser, Content: "weather?"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "c1", Name: "weather", Arguments: json.RawMessage(`{"city":"Oslo"}`)},
			{ID: "c2", Name: "clock", Arguments: json.RawMessage(`{}`)},
		}},
		{Role: models.RoleTool, ToolCallID: "c1", Content: `{"temp":3}`},
		{Role: models.RoleTool, ToolCallID: "c2", Content: "timeout", IsError: true},
		{Role: models.RoleAssistant, Content: "cold"},
	})

	if len(contents) != 4 {
		t.Fatalf("contents = %d, want 4", len(contents))
	}
	if contents[0].Role != genai.RoleUser || contents[1].Role != genai.RoleModel {
		t.Errorf("roles = %s, %s", contents[0].Role, contents[1].Role)
	}
	if fc := contents[1].Parts[0].FunctionCall; fc == nil || fc.Name != "weather" || fc.Args["city"] != "Oslo" {
		t.Errorf("function call = %+v", contents[1].Parts[0].FunctionCall)
	}

	results := contents[2].Parts
	if len(results) != 2 {
		t.Fatalf("grouped function responses = %d, want 2", len(results))
	}
	first := results[0].FunctionResponse
	if first.Name != "weather" || first.ID != "c1" || first.Response["temp"] != float64(3) {
		t.Errorf("first response = %+v", first)
	}
	second := results[1].FunctionResponse
	if second.Name != "clock" || second.Response["error"] != "timeout" {
		t.Errorf("second response = %+v", second)
	}
	if contents[3].Parts[0].Text != "cold" {
		t.Errorf("last = %+v", contents[3].Parts[0])
	}
}

func TestGoogleBuildConfig(t *testing.T) {
	p := &GoogleProvider{defaultModel: googleDefaultModel}
	cfg := p.buildConfig(&agent.ChatRequest{
		Messages:    []models.Message{{Role: models.RoleSystem, Content: "be nice"}, {Role: models.RoleUser, Content: "hi"}},
		MaxTokens:   100,
		Temperature: agent.Float64(0.5),
		Tools:       []tools.Spec{{Name: "shell", Description: "run", Schema: json.RawMessage(`{"type":"object","properties":{"command":{"type":"string"}}}`)}},
	})
	if cfg.SystemInstruction == nil || cfg.SystemInstruction.Parts[0].Text != "be nice" {
		t.Errorf("system instruction = %+v", cfg.SystemInstruction)
	}
	if cfg.MaxOutputTokens != 100 || cfg.Temperature == nil || *cfg.Temperature != 0.5 {
		t.Errorf("limits = %d/%v", cfg.MaxOutputTokens, cfg.Temperature)
	}
	if len(cfg.Tools) != 1 || len(cfg.Tools[0].FunctionDeclarations) != 1 {
		t.Errorf("tools = %+v", cfg.Tools)
	}
}

func TestGeminiAccumulator(t *testing.T) {
	acc := newGeminiAccumulator("gemini-2.0-flash")
	var chunks []string
	emit := func(s string) { chunks = append(chunks, s) }

	acc.add(&genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: &genai.Content{Parts: []*genai.Part{{Text: "Hi "}}}}},
	}, emit)
	acc.add(&genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			FinishReason: genai.FinishReasonStop,
			Content: &genai.Content{Parts: []*genai.Part{
				{Text: "there"},
				{FunctionCall: &genai.FunctionCall{Name: "shell", Args: map[string]any{"command": "ls"}}},
			}},
		}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{PromptTokenCount: 4, CandidatesTokenCount: 2},
	}, emit)

	resp := acc.response()
	if resp.Content != "Hi there" || len(chunks) != 2 {
		t.Errorf("content = %q, chunks = %v", resp.Content, chunks)
	}
	if len(resp.ToolCalls) != 1 || !strings.HasPrefix(resp.ToolCalls[0].ID, "call_") || string(resp.ToolCalls[0].Arguments) != `{"command":"ls"}` {
		t.Errorf("tool calls = %+v", resp.ToolCalls)
	}
	if resp.FinishReason != agent.FinishToolCalls || resp.InputTokens != 4 || resp.OutputTokens != 2 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestGeminiAccumulatorSafety(t *testing.T) {
	acc := newGeminiAccumulator("m")
	acc.add(&genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonSafety}},
	}, nil)
	if got := acc.response().FinishReason; got != agent.FinishContentFilter {
		t.Errorf("finish = %s", got)
	}
}

func TestGoogleWrapError(t *testing.T) {
	p := &GoogleProvider{}
	tests := []struct {
		name string
		err  error
		want errs.Kind
	}{
		{"quota", genai.APIError{Code: 429, Status: "RESOURCE_EXHAUSTED", Message: "quota"}, errs.RateLimited},
		{"wrapped unavailable", fmt.Errorf("generate: %w", genai.APIError{Code: 503, Status: "UNAVAILABLE"}), errs.ProviderUnavailable},
		{"bad key", genai.APIError{Code: 400, Status: "INVALID_ARGUMENT", Message: "API key not valid"}, errs.InvalidArgument},
		{"plain", errors.New("connection refused"), errs.ConnectionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.wrapError(tt.err, "gemini")
			if kind := errs.KindOf(got); kind != tt.want {
				t.Errorf("kind = %s, want %s (%v)", kind, tt.want, got)
			}
		})
	}
}
