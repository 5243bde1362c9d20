package toolconv

import (
	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/nexus-core/internal/tools"
)

// ToOpenAITools converts tool specs to OpenAI function definitions. The same
// shape is accepted by Ollama and other OpenAI-compatible endpoints.
func ToOpenAITools(specs []tools.Spec) []openai.Tool {
	if len(specs) == 0 {
		return nil
	}
	result := make([]openai.Tool, len(specs))
	for i, spec := range specs {
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  schemaMap(spec.Schema),
			},
		}
	}
	return result
}
