package tape

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/nexus-core/internal/agent"
	"github.com/haasonsaas/nexus-core/internal/errs"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

type fakeProvider struct {
	responses []*agent.ChatResponse
	failures  []error
	n         int
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Chat(ctx context.Context, req *agent.ChatRequest) (*agent.ChatResponse, error) {
	i := p.n
	p.n++
	if i < len(p.failures) && p.failures[i] != nil {
		return nil, p.failures[i]
	}
	return p.responses[i], nil
}

func (p *fakeProvider) ChatStream(ctx context.Context, req *agent.ChatRequest, onChunk func(string)) (*agent.ChatResponse, error) {
	resp, err := p.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	for _, word := range strings.SplitAfter(resp.Content, " ") {
		onChunk(word)
	}
	return resp, nil
}

func (p *fakeProvider) HealthCheck(ctx context.Context) agent.Health {
	return agent.Health{Provider: "fake", Reachable: true, Usable: true}
}

func request(text string) *agent.ChatRequest {
	return &agent.ChatRequest{
		Model:    "m1",
		Messages: []models.Message{{Role: models.RoleUser, Content: text}},
	}
}

func TestRecordAndReplay(t *testing.T) {
	ctx := context.Background()
	upstream := &fakeProvider{
		responses: []*agent.ChatResponse{
			{Model: "m1", FinishReason: agent.FinishToolCalls, InputTokens: 5, OutputTokens: 1,
				ToolCalls: []models.ToolCall{{ID: "c1", Name: "shell", Arguments: json.RawMessage(`{"command":"ls"}`)}}},
			{Model: "m1", Content: "two files here", FinishReason: agent.FinishStop, InputTokens: 9, OutputTokens: 3},
			nil,
		},
		failures: []error{nil, nil, errs.New(errs.RateLimited, "slow down")},
	}
	rec := NewRecorder(upstream)

	if _, err := rec.Chat(ctx, request("list files")); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	var live []string
	if _, err := rec.ChatStream(ctx, request("and then?"), func(d string) { live = append(live, d) }); err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if _, err := rec.Chat(ctx, request("again")); err == nil {
		t.Fatal("expected upstream error")
	}

	path := filepath.Join(t.TempDir(), "turn.tape.json")
	if err := rec.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Len() != 3 || loaded.Provider != "fake" {
		t.Fatalf("tape = %+v", loaded)
	}
	sum := loaded.Summary()
	if sum.Failed != 1 || sum.ToolCalls != 1 || sum.InputTokens != 14 || sum.OutputTokens != 4 {
		t.Errorf("summary = %+v", sum)
	}

	rp := NewReplayer(loaded).WithMode(ReplayStrict)
	first, err := rp.Chat(ctx, request("list files"))
	if err != nil {
		t.Fatalf("replay Chat: %v", err)
	}
	if len(first.ToolCalls) != 1 || first.ToolCalls[0].ID != "c1" {
		t.Errorf("replayed tool calls = %+v", first.ToolCalls)
	}

	var replayed []string
	second, err := rp.ChatStream(ctx, request("something else"), func(d string) { replayed = append(replayed, d) })
	if err != nil {
		t.Fatalf("replay ChatStream: %v", err)
	}
	if strings.Join(replayed, "") != "two files here" || len(replayed) != len(live) {
		t.Errorf("replayed chunks = %q, live = %q", replayed, live)
	}
	if second.Content != "two files here" {
		t.Errorf("content = %q", second.Content)
	}

	if _, err := rp.Chat(ctx, request("again")); !errs.Is(err, errs.ProviderUnavailable) {
		t.Errorf("recorded failure err = %v", err)
	}
	_, err = rp.Chat(ctx, request("more"))
	if !errors.Is(err, ErrExhausted) || !errs.Is(err, errs.ProviderUnavailable) {
		t.Errorf("exhausted err = %v", err)
	}
	if h := rp.HealthCheck(ctx); h.Usable {
		t.Errorf("exhausted replayer reported usable: %+v", h)
	}

	mismatches := rp.Mismatches()
	if len(mismatches) != 1 || mismatches[0].Field != "last_message" || mismatches[0].Index != 1 {
		t.Errorf("mismatches = %+v", mismatches)
	}
}

func TestReplayNonStreamedAsSingleDelta(t *testing.T) {
	tp := New("fake")
	tp.Add(Call{Request: request("hi"), Response: &agent.ChatResponse{Content: "hello"}})

	var chunks []string
	resp, err := NewReplayer(tp).ChatStream(context.Background(), request("hi"), func(d string) { chunks = append(chunks, d) })
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 || chunks[0] != "hello" || resp.Content != "hello" {
		t.Errorf("chunks = %q, resp = %+v", chunks, resp)
	}
}

func TestReplayerCancelled(t *testing.T) {
	tp := New("fake")
	tp.Add(Call{Response: &agent.ChatResponse{Content: "x"}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rp := NewReplayer(tp)
	if _, err := rp.Chat(ctx, request("x")); !errs.Is(err, errs.Cancelled) {
		t.Errorf("err = %v, want cancelled", err)
	}
	if rp.Remaining() != 1 {
		t.Errorf("cancelled call consumed the tape")
	}
}

func TestLoadRejectsUnknownVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.json")
	tp := New("fake")
	tp.Version = "0"
	if err := tp.Save(path); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected version error")
	}
}

func TestCloneIsDeep(t *testing.T) {
	tp := New("fake")
	tp.Add(Call{Chunks: []string{"a"}})
	clone := tp.Clone()
	clone.Calls[0].Chunks[0] = "b"
	if tp.Calls[0].Chunks[0] != "a" {
		t.Error("clone shares chunk storage")
	}
}
