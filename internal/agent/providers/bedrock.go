package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/haasonsaas/nexus-core/internal/agent"
	"github.com/haasonsaas/nexus-core/internal/agent/toolconv"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

const bedrockDefaultModel = "anthropic.claude-3-sonnet-20240229-v1:0"

// BedrockProvider talks to foundation models hosted on AWS Bedrock through
// the Converse API. Authentication follows the AWS credential chain unless
// explicit keys are configured.
//
// Thread Safety:
// BedrockProvider is safe for concurrent use across multiple goroutines.
type BedrockProvider struct {
	client       *bedrockruntime.Client
	control      *bedrock.Client
	defaultModel string
	base         BaseProvider
}

var _ agent.Provider = (*BedrockProvider)(nil)

// BedrockConfig holds configuration for the Bedrock provider.
type BedrockConfig struct {
	// Region is the AWS region (default: us-east-1)
	Region string

	// AccessKeyID for explicit credentials (optional, uses default chain if empty)
	AccessKeyID string

	// SecretAccessKey for explicit credentials (optional)
	SecretAccessKey string

	// SessionToken for temporary credentials (optional)
	SessionToken string

	// Endpoint overrides the runtime endpoint.
	Endpoint string

	// DefaultModel is the model to use when not specified.
	DefaultModel string

	Settings Settings
}

// NewBedrockProvider loads the AWS configuration and creates a provider.
// The SDK retryer is limited to one attempt; BaseProvider retries instead.
func NewBedrockProvider(ctx context.Context, cfg BedrockConfig) (*BedrockProvider, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = bedrockDefaultModel
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithRetryMaxAttempts(1),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			cfg.SessionToken,
		)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to load AWS config: %w", err)
	}

	client := bedrockruntime.NewFromConfig(awsCfg, func(o *bedrockruntime.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &BedrockProvider{
		client:       client,
		control:      bedrock.NewFromConfig(awsCfg),
		defaultModel: cfg.DefaultModel,
		base:         NewBaseProvider("bedrock", cfg.Settings),
	}, nil
}

// Name returns "bedrock".
func (p *BedrockProvider) Name() string {
	return "bedrock"
}

// Chat runs one Converse call.
func (p *BedrockProvider) Chat(ctx context.Context, req *agent.ChatRequest) (*agent.ChatResponse, error) {
	model := p.getModel(req.Model)
	input := p.buildInput(req, model)

	return p.base.Retry(ctx, model, func(ctx context.Context) (*agent.ChatResponse, error) {
		out, err := p.client.Converse(ctx, &bedrockruntime.ConverseInput{
			ModelId:         input.ModelId,
			Messages:        input.Messages,
			System:          input.System,
			InferenceConfig: input.InferenceConfig,
			ToolConfig:      input.ToolConfig,
		})
		if err != nil {
			return nil, p.wrapError(err, model)
		}
		return convertConverseOutput(out, model), nil
	})
}

// ChatStream runs one ConverseStream call, forwarding text deltas. Tool input
// fragments are buffered per content block until the block stops.
func (p *BedrockProvider) ChatStream(ctx context.Context, req *agent.ChatRequest, onChunk func(string)) (*agent.ChatResponse, error) {
	model := p.getModel(req.Model)
	input := p.buildInput(req, model)

	return p.base.RetryStream(ctx, model, onChunk, func(ctx context.Context, emit func(string)) (*agent.ChatResponse, error) {
		out, err := p.client.ConverseStream(ctx, input)
		if err != nil {
			return nil, p.wrapError(err, model)
		}
		return p.processStream(ctx, out, model, emit)
	})
}

func (p *BedrockProvider) processStream(ctx context.Context, out *bedrockruntime.ConverseStreamOutput, model string, emit func(string)) (*agent.ChatResponse, error) {
	eventStream := out.GetStream()
	defer eventStream.Close()

	resp := &agent.ChatResponse{Model: model, Provider: "bedrock", FinishReason: agent.FinishStop}
	var text strings.Builder
	var current *models.ToolCall
	var toolInput strings.Builder

	finishTool := func() {
		if current == nil {
			return
		}
		current.Arguments = rawArguments(toolInput.String())
		resp.ToolCalls = append(resp.ToolCalls, *current)
		current = nil
		toolInput.Reset()
	}

	events := eventStream.Events()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case event, ok := <-events:
			if !ok {
				finishTool()
				if err := eventStream.Err(); err != nil {
					return nil, p.wrapError(err, model)
				}
				resp.Content = text.String()
				if len(resp.ToolCalls) > 0 {
					resp.FinishReason = agent.FinishToolCalls
				}
				return resp, nil
			}

			switch ev := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockStart:
				if toolUse, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
					finishTool()
					current = &models.ToolCall{
						ID:   aws.ToString(toolUse.Value.ToolUseId),
						Name: aws.ToString(toolUse.Value.Name),
					}
				}
			case *types.ConverseStreamOutputMemberContentBlockDelta:
				switch delta := ev.Value.Delta.(type) {
				case *types.ContentBlockDeltaMemberText:
					text.WriteString(delta.Value)
					emit(delta.Value)
				case *types.ContentBlockDeltaMemberToolUse:
					if delta.Value.Input != nil {
						toolInput.WriteString(*delta.Value.Input)
					}
				}
			case *types.ConverseStreamOutputMemberContentBlockStop:
				finishTool()
			case *types.ConverseStreamOutputMemberMessageStop:
				resp.FinishReason = convertBedrockStop(ev.Value.StopReason)
			case *types.ConverseStreamOutputMemberMetadata:
				if u := ev.Value.Usage; u != nil {
					resp.InputTokens = int(aws.ToInt32(u.InputTokens))
					resp.OutputTokens = int(aws.ToInt32(u.OutputTokens))
				}
			}
		}
	}
}

// HealthCheck lists foundation models through the Bedrock control plane.
func (p *BedrockProvider) HealthCheck(ctx context.Context) agent.Health {
	return p.base.Health(ctx, func(ctx context.Context) error {
		if _, err := p.control.ListFoundationModels(ctx, &bedrock.ListFoundationModelsInput{}); err != nil {
			return p.wrapError(err, "")
		}
		return nil
	})
}

func (p *BedrockProvider) buildInput(req *agent.ChatRequest, model string) *bedrockruntime.ConverseStreamInput {
	system, rest := agent.SplitSystem(req.Messages)
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(model),
		Messages: convertBedrockMessages(rest),
	}
	if system != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: system},
		}
	}
	if req.MaxTokens > 0 || req.Temperature != nil {
		inference := &types.InferenceConfiguration{}
		if req.MaxTokens > 0 {
			maxTokens := min(req.MaxTokens, math.MaxInt32)
			// #nosec G115 -- bounded by min above
			inference.MaxTokens = aws.Int32(int32(maxTokens))
		}
		if req.Temperature != nil {
			inference.Temperature = aws.Float32(float32(*req.Temperature))
		}
		input.InferenceConfig = inference
	}
	if len(req.Tools) > 0 {
		input.ToolConfig = toolconv.ToBedrockTools(req.Tools)
	}
	return input
}

// convertBedrockMessages maps messages to Converse messages. Consecutive tool
// results share one user message.
func convertBedrockMessages(messages []models.Message) []types.Message {
	result := make([]types.Message, 0, len(messages))

	for _, msg := range messages {
		var content []types.ContentBlock
		role := types.ConversationRoleUser

		switch msg.Role {
		case models.RoleSystem:
			continue
		case models.RoleTool:
			block := types.ToolResultBlock{
				ToolUseId: aws.String(msg.ToolCallID),
				Content: []types.ToolResultContentBlock{
					&types.ToolResultContentBlockMemberText{Value: msg.Content},
				},
			}
			if msg.IsError {
				block.Status = types.ToolResultStatusError
			}
			member := &types.ContentBlockMemberToolResult{Value: block}
			if n := len(result); n > 0 && result[n-1].Role == types.ConversationRoleUser && isToolResultMessage(result[n-1]) {
				result[n-1].Content = append(result[n-1].Content, member)
				continue
			}
			content = append(content, member)
		case models.RoleAssistant:
			role = types.ConversationRoleAssistant
			fallthrough
		default:
			if msg.Content != "" {
				content = append(content, &types.ContentBlockMemberText{Value: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				var inputDoc any
				if err := json.Unmarshal(tc.Arguments, &inputDoc); err != nil || inputDoc == nil {
					inputDoc = map[string]any{}
				}
				content = append(content, &types.ContentBlockMemberToolUse{
					Value: types.ToolUseBlock{
						ToolUseId: aws.String(tc.ID),
						Name:      aws.String(tc.Name),
						Input:     document.NewLazyDocument(inputDoc),
					},
				})
			}
		}

		if len(content) > 0 {
			result = append(result, types.Message{Role: role, Content: content})
		}
	}
	return result
}

func isToolResultMessage(msg types.Message) bool {
	for _, block := range msg.Content {
		if _, ok := block.(*types.ContentBlockMemberToolResult); !ok {
			return false
		}
	}
	return len(msg.Content) > 0
}

func convertConverseOutput(out *bedrockruntime.ConverseOutput, model string) *agent.ChatResponse {
	resp := &agent.ChatResponse{
		Model:        model,
		Provider:     "bedrock",
		FinishReason: convertBedrockStop(out.StopReason),
	}
	if u := out.Usage; u != nil {
		resp.InputTokens = int(aws.ToInt32(u.InputTokens))
		resp.OutputTokens = int(aws.ToInt32(u.OutputTokens))
	}
	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return resp
	}
	var text strings.Builder
	for _, block := range msg.Value.Content {
		switch b := block.(type) {
		case *types.ContentBlockMemberText:
			text.WriteString(b.Value)
		case *types.ContentBlockMemberToolUse:
			args := json.RawMessage(`{}`)
			if b.Value.Input != nil {
				if raw, err := b.Value.Input.MarshalSmithyDocument(); err == nil && len(raw) > 0 {
					args = raw
				}
			}
			resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
				ID:        aws.ToString(b.Value.ToolUseId),
				Name:      aws.ToString(b.Value.Name),
				Arguments: args,
			})
		}
	}
	resp.Content = text.String()
	if len(resp.ToolCalls) > 0 {
		resp.FinishReason = agent.FinishToolCalls
	}
	return resp
}

func convertBedrockStop(reason types.StopReason) agent.FinishReason {
	switch reason {
	case types.StopReasonToolUse:
		return agent.FinishToolCalls
	case types.StopReasonMaxTokens:
		return agent.FinishLength
	case types.StopReasonContentFiltered, types.StopReasonGuardrailIntervened:
		return agent.FinishContentFilter
	default:
		return agent.FinishStop
	}
}

func (p *BedrockProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

// wrapError classifies AWS errors by HTTP status first and by the smithy
// error code second.
func (p *BedrockProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsProviderError(err) {
		return err
	}

	providerErr := NewProviderError("bedrock", model, err)
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		providerErr = providerErr.WithStatus(respErr.HTTPStatusCode())
		if id := respErr.ServiceRequestID(); id != "" {
			providerErr = providerErr.WithRequestID(id)
		}
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		providerErr = providerErr.WithCode(apiErr.ErrorCode())
		if msg := apiErr.ErrorMessage(); msg != "" {
			providerErr = providerErr.WithMessage(msg)
		}
	}
	return providerErr
}
