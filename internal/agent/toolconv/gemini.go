package toolconv

import (
	"encoding/json"
	"strings"

	"google.golang.org/genai"

	"github.com/haasonsaas/nexus-core/internal/tools"
)

// ToGeminiTools converts tool specs to a Gemini tool holding one function
// declaration per spec. Specs whose schema is not valid JSON are skipped.
func ToGeminiTools(specs []tools.Spec) []*genai.Tool {
	if len(specs) == 0 {
		return nil
	}

	declarations := make([]*genai.FunctionDeclaration, 0, len(specs))
	for _, spec := range specs {
		var m map[string]any
		if err := json.Unmarshal(schemaOrEmpty(spec.Schema), &m); err != nil {
			continue
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  ToGeminiSchema(m),
		})
	}

	if len(declarations) == 0 {
		return nil
	}

	return []*genai.Tool{
		{
			FunctionDeclarations: declarations,
		},
	}
}

// ToGeminiSchema converts a JSON Schema map to Gemini's Schema type.
// Keywords Gemini does not support, such as additionalProperties, are dropped.
func ToGeminiSchema(m map[string]any) *genai.Schema {
	if m == nil {
		return nil
	}

	schema := &genai.Schema{}

	if t, ok := m["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}

	if desc, ok := m["description"].(string); ok {
		schema.Description = desc
	}

	if enum, ok := m["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}

	if props, ok := m["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = ToGeminiSchema(propMap)
			}
		}
	}

	if required, ok := m["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}

	if items, ok := m["items"].(map[string]any); ok {
		schema.Items = ToGeminiSchema(items)
	}

	return schema
}
