package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/haasonsaas/nexus-core/internal/agent"
	"github.com/haasonsaas/nexus-core/internal/errs"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

func newTestOllama(t *testing.T, handler http.HandlerFunc) (*OllamaProvider, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return NewOllamaProvider(OllamaConfig{
		BaseURL:      srv.URL + "/",
		DefaultModel: "llama3",
		Settings:     Settings{Retries: 1, BackoffMs: 0},
	}), &calls
}

func TestBuildOllamaMessages_ToolCallsAndResults(t *testing.T) {
	msgs := buildOllamaMessages([]models.Message{
		{Role: models.RoleSystem, Content: "sys"},
		{Role: models.RoleUser, Content: "hi"},
		{
			Role: models.RoleAssistant,
			ToolCalls: []models.ToolCall{
				{ID: "call-1", Name: "lookup", Arguments: json.RawMessage(`{"q":"test"}`)},
			},
		},
		{Role: models.RoleTool, ToolCallID: "call-1", Content: "ok"},
	})
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[0].Content != "sys" {
		t.Fatalf("system message mismatch: %+v", msgs[0])
	}
	if msgs[2].Role != "assistant" || len(msgs[2].ToolCalls) != 1 {
		t.Fatalf("assistant tool calls missing: %+v", msgs[2])
	}
	if msgs[2].ToolCalls[0].Function.Name != "lookup" {
		t.Errorf("tool name = %q, want %q", msgs[2].ToolCalls[0].Function.Name, "lookup")
	}
	if string(msgs[2].ToolCalls[0].Function.Arguments) != `{"q":"test"}` {
		t.Errorf("tool args = %s, want %s", string(msgs[2].ToolCalls[0].Function.Arguments), `{"q":"test"}`)
	}
	if msgs[3].Role != "tool" || msgs[3].ToolName != "lookup" || msgs[3].Content != "ok" {
		t.Errorf("tool result message mismatch: %+v", msgs[3])
	}
}

func TestOllamaChat(t *testing.T) {
	var payload ollamaChatRequest
	p, _ := newTestOllama(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		fmt.Fprint(w, `{"model":"llama3","message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"shell","arguments":{"command":"ls"}}}]},"done":true,"prompt_eval_count":11,"eval_count":2}`)
	})

	resp, err := p.Chat(context.Background(), &agent.ChatRequest{
		Messages:    []models.Message{{Role: models.RoleUser, Content: "ls"}},
		MaxTokens:   64,
		Temperature: agent.Float64(0),
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if payload.Stream || payload.Model != "llama3" {
		t.Errorf("payload stream/model = %v/%s", payload.Stream, payload.Model)
	}
	if payload.Options["num_predict"] != float64(64) {
		t.Errorf("options = %v", payload.Options)
	}
	if _, ok := payload.Options["temperature"]; !ok {
		t.Error("zero temperature was dropped")
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "shell" || !strings.HasPrefix(resp.ToolCalls[0].ID, "call_") {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	if resp.FinishReason != agent.FinishToolCalls || resp.InputTokens != 11 || resp.OutputTokens != 2 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestOllamaChatStream(t *testing.T) {
	p, _ := newTestOllama(t, func(w http.ResponseWriter, r *http.Request) {
		lines := []string{
			`{"message":{"role":"assistant","content":"Hel"},"done":false}`,
			``,
			`{"message":{"role":"assistant","content":"lo"},"done":false}`,
			`{"message":{"role":"assistant","content":""},"done":true,"done_reason":"length","prompt_eval_count":3,"eval_count":2}`,
		}
		for _, line := range lines {
			fmt.Fprintln(w, line)
		}
	})

	var chunks []string
	resp, err := p.ChatStream(context.Background(), &agent.ChatRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	}, func(s string) { chunks = append(chunks, s) })
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if len(chunks) != 2 || resp.Content != "Hello" {
		t.Errorf("chunks = %v, content = %q", chunks, resp.Content)
	}
	if resp.FinishReason != agent.FinishLength {
		t.Errorf("finish = %s", resp.FinishReason)
	}
}

func TestOllamaStreamTruncated(t *testing.T) {
	p, calls := newTestOllama(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"part"},"done":false}`)
	})
	_, err := p.ChatStream(context.Background(), &agent.ChatRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	}, nil)
	if err == nil {
		t.Fatal("expected error for stream without done")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 after a delta was delivered", calls.Load())
	}
}

func TestOllamaErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantKind  errs.Kind
		wantCalls int32
		wantMsg   string
	}{
		{"missing model", 404, `{"error":"model 'llama3' not found"}`, errs.ModelNotFound, 1, "model 'llama3' not found"},
		{"server error retried", 500, `internal`, errs.HTTPError, 2, "internal"},
		{"unavailable retried", 503, `{"error":"busy"}`, errs.ProviderUnavailable, 2, "busy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, calls := newTestOllama(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			})
			_, err := p.Chat(context.Background(), &agent.ChatRequest{
				Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
			})
			if got := errs.KindOf(err); got != tt.wantKind {
				t.Errorf("kind = %s, want %s (%v)", got, tt.wantKind, err)
			}
			if calls.Load() != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls.Load(), tt.wantCalls)
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("err = %v, want message %q", err, tt.wantMsg)
			}
		})
	}
}

func TestOllamaRequiresModel(t *testing.T) {
	p := NewOllamaProvider(OllamaConfig{})
	_, err := p.Chat(context.Background(), &agent.ChatRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	})
	if !errs.Is(err, errs.InvalidArgument) {
		t.Errorf("err = %v, want invalid_argument", err)
	}
}

func TestOllamaHealthCheck(t *testing.T) {
	p, _ := newTestOllama(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, `{"models":[{"name":"llama3"}]}`)
	})
	h := p.HealthCheck(context.Background())
	if !h.Usable || h.Provider != "ollama" {
		t.Errorf("health = %+v", h)
	}
}
