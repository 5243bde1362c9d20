package toolconv

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/haasonsaas/nexus-core/internal/tools"
)

// ToBedrockTools converts tool specs to a Bedrock tool configuration.
func ToBedrockTools(specs []tools.Spec) *types.ToolConfiguration {
	if len(specs) == 0 {
		return nil
	}
	bedrockTools := make([]types.Tool, len(specs))

	for i, spec := range specs {
		bedrockTools[i] = &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(spec.Name),
				Description: aws.String(spec.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schemaMap(spec.Schema))},
			},
		}
	}

	return &types.ToolConfiguration{Tools: bedrockTools}
}
