// internal/llm/providers/openai/openai.go
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	aerrors "github.com/aventura-engine/aventura/internal/errors"
	"github.com/aventura-engine/aventura/internal/llm"
)

const defaultModel = "gpt-4o"

// Provider adapts the official OpenAI SDK to llm.Provider.
//
// Grounded on the client construction, ChatCompletionNewParams assembly,
// and streaming-loop shape of yy1588133-myclaw's
// third_party/agentsdk-go/pkg/model/openai.go.
type Provider struct {
	client       oai.Client
	defaultModel string
}

// New builds a Provider from config keys: api_key (required), base_url
// (optional, for Azure/compatible proxies), default_model.
func New(config map[string]string) (llm.Provider, error) {
	apiKey := config["api_key"]
	if apiKey == "" {
		return nil, aerrors.NewConfigError("openai: api_key is required", nil)
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := config["base_url"]; baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	model := config["default_model"]
	if model == "" {
		model = defaultModel
	}

	return &Provider{
		client:       oai.NewClient(opts...),
		defaultModel: model,
	}, nil
}

func (p *Provider) Name() string { return "openai" }

func (p *Provider) model(req llm.CompletionRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return p.defaultModel
}

func (p *Provider) buildParams(req llm.CompletionRequest) oai.ChatCompletionNewParams {
	var messages []oai.ChatCompletionMessageParamUnion
	if req.SystemPrompt != "" {
		messages = append(messages, oai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			messages = append(messages, oai.SystemMessage(m.Content))
		case "assistant":
			messages = append(messages, oai.AssistantMessage(m.Content))
		default:
			messages = append(messages, oai.UserMessage(m.Content))
		}
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model(req)),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = oai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = oai.Float(float64(req.Temperature))
	}
	if req.TopP > 0 {
		params.TopP = oai.Float(float64(req.TopP))
	}
	if len(req.StopWords) > 0 {
		params.Stop = oai.ChatCompletionNewParamsStopUnion{OfStringArray: req.StopWords}
	}
	return params
}

func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	var out *llm.CompletionResponse
	err := llm.Retry(ctx, llm.DefaultBackoff, aerrors.IsRetryableProviderError, func(ctx context.Context) error {
		completion, err := p.client.Chat.Completions.New(ctx, p.buildParams(req))
		if err != nil {
			return translateOpenAIErr(err)
		}
		if len(completion.Choices) == 0 {
			return aerrors.NewProcessingError("openai: empty choices", nil)
		}

		choice := completion.Choices[0]
		out = &llm.CompletionResponse{
			Text:         choice.Message.Content,
			FinishReason: choice.FinishReason,
			PromptTokens: int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
			ModelName:    string(completion.Model),
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

		stream := p.client.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.Delta.Content != "" {
				out <- llm.StreamChunk{Delta: choice.Delta.Content}
			}
			if choice.FinishReason != "" {
				out <- llm.StreamChunk{FinishReason: choice.FinishReason, Done: true}
				return
			}
		}

		if err := stream.Err(); err != nil && err != io.EOF {
			out <- llm.StreamChunk{FinishReason: "error", Done: true}
			return
		}
		out <- llm.StreamChunk{Done: true}
	}()

	return out, nil
}

func (p *Provider) CompleteWithTools(ctx context.Context, req llm.ToolCompletionRequest) (*llm.ToolCompletionResponse, error) {
	params := p.buildParams(req.CompletionRequest)

	tools := make([]oai.ChatCompletionToolParam, 0, len(req.Tools))
	for _, t := range req.Tools {
		tools = append(tools, oai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: oai.Opt(t.Description),
				Parameters:  shared.FunctionParameters(t.Schema),
			},
		})
	}
	params.Tools = tools
	params.ToolChoice = oai.ChatCompletionToolChoiceOptionUnionParam{
		OfChatCompletionNamedToolChoice: &oai.ChatCompletionNamedToolChoiceParam{
			Function: oai.ChatCompletionNamedToolChoiceFunctionParam{Name: req.ToolName},
		},
	}

	var out *llm.ToolCompletionResponse
	err := llm.Retry(ctx, llm.DefaultBackoff, aerrors.IsRetryableProviderError, func(ctx context.Context) error {
		completion, err := p.client.Chat.Completions.New(ctx, params)
		if err != nil {
			return translateOpenAIErr(err)
		}
		if len(completion.Choices) == 0 || len(completion.Choices[0].Message.ToolCalls) == 0 {
			return aerrors.NewSchemaParseError("openai: model did not return a tool call", nil)
		}

		call := completion.Choices[0].Message.ToolCalls[0]
		var args map[string]any
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			return aerrors.NewSchemaParseError("decoding tool call arguments", err)
		}

		out = &llm.ToolCompletionResponse{
			Call:         llm.ToolCall{Name: call.Function.Name, Arguments: args},
			PromptTokens: int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
		}
		return nil
	})
	return out, err
}

func (p *Provider) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	page, err := p.client.Models.List(ctx)
	if err != nil {
		return nil, translateOpenAIErr(err)
	}
	names := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		names = append(names, m.ID)
	}
	return names, nil
}

func (p *Provider) ValidateCredentials(ctx context.Context) error {
	_, err := p.ListModels(ctx)
	return err
}

func translateOpenAIErr(err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		return aerrors.NewProviderHTTPError(apiErr.StatusCode, apiErr.Message)
	}
	return aerrors.NewProviderNetworkError(err)
}
