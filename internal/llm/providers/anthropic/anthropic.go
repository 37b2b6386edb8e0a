// internal/llm/providers/anthropic/anthropic.go
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"

	aerrors "github.com/aventura-engine/aventura/internal/errors"
	"github.com/aventura-engine/aventura/internal/llm"
)

const defaultModel = anthropicsdk.ModelClaudeSonnet4_5

// Provider adapts the official Anthropic SDK to llm.Provider.
//
// Grounded on the client construction, MessageNewParams assembly, and
// event-stream accumulation shape of yy1588133-myclaw's
// third_party/agentsdk-go/pkg/model/anthropic.go, trimmed of that file's
// vendor-proxy header spoofing (not relevant to a direct Anthropic
// integration).
type Provider struct {
	client       anthropicsdk.Client
	defaultModel anthropicsdk.Model
	maxTokens    int
}

// New builds a Provider from config keys: api_key (required), base_url,
// default_model, max_tokens (default 4096).
func New(config map[string]string) (llm.Provider, error) {
	apiKey := config["api_key"]
	if apiKey == "" {
		return nil, aerrors.NewConfigError("anthropic: api_key is required", nil)
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := config["base_url"]; baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	model := anthropicsdk.Model(config["default_model"])
	if model == "" {
		model = defaultModel
	}

	maxTokens := 4096
	if v, err := strconv.Atoi(config["max_tokens"]); err == nil && v > 0 {
		maxTokens = v
	}

	return &Provider{
		client:       anthropicsdk.NewClient(opts...),
		defaultModel: model,
		maxTokens:    maxTokens,
	}, nil
}

func (p *Provider) Name() string { return "anthropic" }

func (p *Provider) model(req llm.CompletionRequest) anthropicsdk.Model {
	if req.Model != "" {
		return anthropicsdk.Model(req.Model)
	}
	return p.defaultModel
}

func (p *Provider) buildParams(req llm.CompletionRequest) anthropicsdk.MessageNewParams {
	messages := make([]anthropicsdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "assistant":
			messages = append(messages, anthropicsdk.NewAssistantMessage(anthropicsdk.NewTextBlock(m.Content)))
		default:
			messages = append(messages, anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(m.Content)))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}

	params := anthropicsdk.MessageNewParams{
		Model:     p.model(req),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if req.SystemPrompt != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.Temperature > 0 {
		params.Temperature = param.NewOpt(float64(req.Temperature))
	}
	if req.TopP > 0 {
		params.TopP = param.NewOpt(float64(req.TopP))
	}
	if len(req.StopWords) > 0 {
		params.StopSequences = req.StopWords
	}
	return params
}

func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	var out *llm.CompletionResponse
	err := llm.Retry(ctx, llm.DefaultBackoff, aerrors.IsRetryableProviderError, func(ctx context.Context) error {
		msg, err := p.client.Messages.New(ctx, p.buildParams(req))
		if err != nil {
			return translateAnthropicErr(err)
		}

		var text string
		for _, block := range msg.Content {
			if t := block.AsAny(); t != nil {
				if tb, ok := t.(anthropicsdk.TextBlock); ok {
					text += tb.Text
				}
			}
		}

		out = &llm.CompletionResponse{
			Text:         text,
			FinishReason: string(msg.StopReason),
			PromptTokens: int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
			ModelName:    string(msg.Model),
			ProviderName: p.Name(),
		}
		return nil
	})
	return out, err
}

func (p *Provider) Stream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	params := p.buildParams(req)

	out := make(chan llm.StreamChunk)
	go func() {
		defer close(out)

		stream := p.client.Messages.NewStreaming(ctx, params)
		defer stream.Close()

		var final anthropicsdk.Message
		for stream.Next() {
			event := stream.Current()
			if err := final.Accumulate(event); err != nil {
				out <- llm.StreamChunk{FinishReason: "error", Done: true}
				return
			}

			if delta, ok := event.AsAny().(anthropicsdk.ContentBlockDeltaEvent); ok {
				if text := delta.Delta.AsTextDelta().Text; text != "" {
					out <- llm.StreamChunk{Delta: text}
				}
			}
		}

		if err := stream.Err(); err != nil {
			out <- llm.StreamChunk{FinishReason: "error", Done: true}
			return
		}
		out <- llm.StreamChunk{FinishReason: string(final.StopReason), Done: true}
	}()

	return out, nil
}

func (p *Provider) CompleteWithTools(ctx context.Context, req llm.ToolCompletionRequest) (*llm.ToolCompletionResponse, error) {
	params := p.buildParams(req.CompletionRequest)

	tools := make([]anthropicsdk.ToolUnionParam, 0, len(req.Tools))
	for _, t := range req.Tools {
		schema := anthropicsdk.ToolInputSchemaParam{}
		if props, ok := t.Schema["properties"]; ok {
			schema.Properties = props
		}
		tools = append(tools, anthropicsdk.ToolUnionParam{
			OfTool: &anthropicsdk.ToolParam{
				Name:        t.Name,
				Description: param.NewOpt(t.Description),
				InputSchema: schema,
			},
		})
	}
	params.Tools = tools
	params.ToolChoice = anthropicsdk.ToolChoiceUnionParam{
		OfTool: &anthropicsdk.ToolChoiceToolParam{Name: req.ToolName},
	}

	var out *llm.ToolCompletionResponse
	err := llm.Retry(ctx, llm.DefaultBackoff, aerrors.IsRetryableProviderError, func(ctx context.Context) error {
		msg, err := p.client.Messages.New(ctx, params)
		if err != nil {
			return translateAnthropicErr(err)
		}

		for _, block := range msg.Content {
			if tu, ok := block.AsAny().(anthropicsdk.ToolUseBlock); ok {
				var args map[string]any
				if err := json.Unmarshal(tu.Input, &args); err != nil {
					return aerrors.NewSchemaParseError("decoding tool call arguments", err)
				}
				out = &llm.ToolCompletionResponse{
					Call:         llm.ToolCall{Name: tu.Name, Arguments: args},
					PromptTokens: int(msg.Usage.InputTokens),
					OutputTokens: int(msg.Usage.OutputTokens),
				}
				return nil
			}
		}
		return aerrors.NewSchemaParseError("anthropic: model did not return a tool_use block", nil)
	})
	return out, err
}

// ListModels is static: the SDK has no live-listing endpoint, so the
// recommended-models set is returned instead.
func (p *Provider) ListModels(ctx context.Context) ([]string, error) {
	return []string{
		string(anthropicsdk.ModelClaudeSonnet4_5),
		string(anthropicsdk.ModelClaudeOpus4_1_20250805),
		string(anthropicsdk.ModelClaude3_7SonnetLatest),
	}, nil
}

func (p *Provider) ValidateCredentials(ctx context.Context) error {
	_, err := p.client.Messages.New(ctx, anthropicsdk.MessageNewParams{
		Model:     p.defaultModel,
		MaxTokens: 1,
		Messages:  []anthropicsdk.MessageParam{anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock("ping"))},
	})
	if err != nil {
		return translateAnthropicErr(err)
	}
	return nil
}

func translateAnthropicErr(err error) error {
	var apiErr *anthropicsdk.Error
	if errors.As(err, &apiErr) {
		return aerrors.NewProviderHTTPError(apiErr.StatusCode, apiErr.Error())
	}
	return aerrors.NewProviderNetworkError(err)
}
