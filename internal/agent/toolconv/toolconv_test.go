package toolconv

import (
	"encoding/json"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"google.golang.org/genai"

	"github.com/haasonsaas/nexus-core/internal/tools"
)

var testSpecs = []tools.Spec{
	{
		Name:        "search",
		Description: "Search tool",
		Schema:      json.RawMessage(`{"type":"object","properties":{"q":{"type":"string","enum":["a","b"]}},"required":["q"]}`),
	},
	{
		Name:        "broken",
		Description: "Bad schema",
		Schema:      json.RawMessage(`{not-json}`),
	},
}

func TestToBedrockTools(t *testing.T) {
	cfg := ToBedrockTools(testSpecs)
	if cfg == nil || len(cfg.Tools) != 2 {
		t.Fatalf("expected 2 bedrock tools, got %#v", cfg)
	}

	spec, ok := cfg.Tools[0].(*types.ToolMemberToolSpec)
	if !ok {
		t.Fatalf("expected ToolMemberToolSpec, got %T", cfg.Tools[0])
	}
	if spec.Value.Name == nil || *spec.Value.Name != "search" {
		t.Fatalf("unexpected tool name: %#v", spec.Value.Name)
	}
	if spec.Value.InputSchema == nil {
		t.Fatalf("expected input schema to be set")
	}
	if ToBedrockTools(nil) != nil {
		t.Fatal("no specs should produce no tool configuration")
	}
}

func TestToOpenAITools(t *testing.T) {
	out := ToOpenAITools(testSpecs)
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
	params, ok := out[1].Function.Parameters.(map[string]any)
	if !ok || params["type"] != "object" {
		t.Fatalf("broken schema should fall back to an empty object, got %#v", out[1].Function.Parameters)
	}
	if out[0].Function.Name != "search" || out[0].Function.Description != "Search tool" {
		t.Fatalf("unexpected function: %+v", out[0].Function)
	}
}

func TestToGeminiTools(t *testing.T) {
	out := ToGeminiTools(testSpecs)
	if len(out) != 1 || len(out[0].FunctionDeclarations) != 1 {
		t.Fatalf("expected one declaration, got %#v", out)
	}
	decl := out[0].FunctionDeclarations[0]
	if decl.Parameters.Type != genai.TypeObject {
		t.Fatalf("type = %q", decl.Parameters.Type)
	}
	q := decl.Parameters.Properties["q"]
	if q == nil || q.Type != genai.TypeString || len(q.Enum) != 2 {
		t.Fatalf("property q = %#v", q)
	}
	if len(decl.Parameters.Required) != 1 || decl.Parameters.Required[0] != "q" {
		t.Fatalf("required = %v", decl.Parameters.Required)
	}
}

func TestToAnthropicTools(t *testing.T) {
	out, err := ToAnthropicTools(testSpecs[:1])
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if len(out) != 1 || out[0].OfTool == nil || out[0].OfTool.Name != "search" {
		t.Fatalf("unexpected tools: %#v", out)
	}
	if _, err := ToAnthropicTools(testSpecs[1:]); err == nil {
		t.Fatal("expected error for invalid schema")
	}
}
