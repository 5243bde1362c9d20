// Package toolconv converts tool specs into vendor tool definitions.
package toolconv

import (
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/haasonsaas/nexus-core/internal/tools"
)

// ToAnthropicTools converts tool specs to Anthropic tool definitions.
func ToAnthropicTools(specs []tools.Spec) ([]anthropic.ToolUnionParam, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	result := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		param, err := ToAnthropicTool(spec)
		if err != nil {
			return nil, err
		}
		result = append(result, param)
	}
	return result, nil
}

// ToAnthropicTool converts a single spec to an Anthropic tool definition.
func ToAnthropicTool(spec tools.Spec) (anthropic.ToolUnionParam, error) {
	var schema anthropic.ToolInputSchemaParam
	if err := json.Unmarshal(schemaOrEmpty(spec.Schema), &schema); err != nil {
		return anthropic.ToolUnionParam{}, fmt.Errorf("invalid tool schema for %s: %w", spec.Name, err)
	}

	toolParam := anthropic.ToolUnionParamOfTool(schema, spec.Name)
	if toolParam.OfTool == nil {
		return anthropic.ToolUnionParam{}, fmt.Errorf("invalid tool schema for %s: missing tool definition", spec.Name)
	}
	toolParam.OfTool.Description = anthropic.String(spec.Description)
	return toolParam, nil
}

func schemaOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return raw
}

// schemaMap decodes a schema, substituting an empty object schema when it is
// not valid JSON.
func schemaMap(raw json.RawMessage) map[string]any {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}
	}
	return m
}
