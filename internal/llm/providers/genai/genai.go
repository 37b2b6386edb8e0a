// internal/llm/providers/genai/genai.go
package genai

import (
	"context"

	googlegenai "google.golang.org/genai"

	aerrors "github.com/aventura-engine/aventura/internal/errors"
	"github.com/aventura-engine/aventura/internal/llm"
)

const defaultModel = "gemini-2.5-flash"

// Provider adapts Google's Gemini SDK to llm.Provider.
//
// Grounded on theRebelliousNerd-codenerd's internal/embedding/genai.go for
// client construction (genai.NewClient with ClientConfig{APIKey}); the
// chat-completion shape generalizes that repo's hand-rolled REST Gemini
// client (internal/perception/client_gemini.go) onto the real SDK's
// GenerateContent/GenerateContentStream calls, which that repo's go.mod
// already depends on for embeddings but had not wired into chat.
type Provider struct {
	client       *googlegenai.Client
	defaultModel string
}

// New builds a Provider from config keys: api_key (required), default_model.
func New(config map[string]string) (llm.Provider, error) {
	apiKey := config["api_key"]
	if apiKey == "" {
		return nil, aerrors.NewConfigError("genai: api_key is required", nil)
	}

	client, err := googlegenai.NewClient(context.Background(), &googlegenai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, aerrors.NewConfigError("genai: client construction failed", err)
	}

	model := config["default_model"]
	if model == "" {
		model = defaultModel
	}

	return &Provider{client: client, defaultModel: model}, nil
}

func (p *Provider) Name() string { return "genai" }

func (p *Provider) model(req llm.CompletionRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return p.defaultModel
}

func (p *Provider) buildContents(req llm.CompletionRequest) []*googlegenai.Content {
	contents := make([]*googlegenai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := googlegenai.Role(googlegenai.RoleUser)
		if m.Role == "assistant" || m.Role == "model" {
			role = googlegenai.RoleModel
		}
		contents = append(contents, googlegenai.NewContentFromText(m.Content, role))
	}
	return contents
}

func (p *Provider) buildConfig(req llm.CompletionRequest) *googlegenai.GenerateContentConfig {
	cfg := &googlegenai.GenerateContentConfig{}
	if req.SystemPrompt != "" {
		cfg.SystemInstruction = googlegenai.NewContentFromText(req.SystemPrompt, googlegenai.RoleUser)
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature > 0 {
		t := float32(req.Temperature)
		cfg.Temperature = &t
	}
	if req.TopP > 0 {
		tp := float32(req.TopP)
		cfg.TopP = &tp
	}
	if len(req.StopWords) > 0 {
		cfg.StopSequences = req.StopWords
	}
	return cfg
}

func firstText(resp *googlegenai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var text string
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" {
			text += part.Text
		}
	}
	return text
}

func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	var out *llm.CompletionResponse
	err := llm.Retry(ctx, llm.DefaultBackoff, aerrors.IsRetryableProviderError, func(ctx context.Context) error {
		model := p.model(req)
		resp, err := p.client.Models.GenerateContent(ctx, model, p.buildContents(req), p.buildConfig(req))
		if err != nil {
			return aerrors.NewProviderNetworkError(err)
		}
		if len(resp.Candidates) == 0 {
			return aerrors.NewProcessingError("genai: empty candidates", nil)
		}

		var finishReason string
		promptTokens, outputTokens := 0, 0
		if resp.UsageMetadata != nil {
			promptTokens = int(resp.UsageMetadata.PromptTokenCount)
			outputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		}
		finishReason = string(resp.Candidates[0].FinishReason)

		out = &llm.CompletionResponse{
			Text:         firstText(resp),
			FinishReason: finishReason,
			PromptTokens: promptTokens,
			OutputTokens: outputTokens,
			ModelName:    model,
			ProviderName: p.Name(),
		}
		return nil
	})
	return out, err
}

func (p *Provider) Stream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	model := p.model(req)
	contents := p.buildContents(req)
	config := p.buildConfig(req)

	out := make(chan llm.StreamChunk)
	go func() {
		defer close(out)

		for resp, err := range p.client.Models.GenerateContentStream(ctx, model, contents, config) {
			if err != nil {
				out <- llm.StreamChunk{FinishReason: "error", Done: true}
				return
			}
			text := firstText(resp)
			if text != "" {
				out <- llm.StreamChunk{Delta: text}
			}
			if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason != "" {
				out <- llm.StreamChunk{FinishReason: string(resp.Candidates[0].FinishReason), Done: true}
				return
			}
		}
		out <- llm.StreamChunk{Done: true}
	}()

	return out, nil
}

// CompleteWithTools forces a single function call via Gemini's function
// calling mode (reqBody.Tools limited to the one declaration, mirroring
// client_gemini.go's rule that function declarations and built-in tools
// cannot be combined in one request).
func (p *Provider) CompleteWithTools(ctx context.Context, req llm.ToolCompletionRequest) (*llm.ToolCompletionResponse, error) {
	var tool *llm.Tool
	for i := range req.Tools {
		if req.Tools[i].Name == req.ToolName {
			tool = &req.Tools[i]
			break
		}
	}
	if tool == nil {
		return nil, aerrors.NewConfigError("genai: requested tool not found in Tools", nil)
	}

	config := p.buildConfig(req.CompletionRequest)
	config.Tools = []*googlegenai.Tool{{
		FunctionDeclarations: []*googlegenai.FunctionDeclaration{{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  schemaFromMap(tool.Schema),
		}},
	}}
	config.ToolConfig = &googlegenai.ToolConfig{
		FunctionCallingConfig: &googlegenai.FunctionCallingConfig{
			Mode:                 googlegenai.FunctionCallingConfigModeAny,
			AllowedFunctionNames: []string{tool.Name},
		},
	}

	var out *llm.ToolCompletionResponse
	err := llm.Retry(ctx, llm.DefaultBackoff, aerrors.IsRetryableProviderError, func(ctx context.Context) error {
		resp, err := p.client.Models.GenerateContent(ctx, p.model(req.CompletionRequest), p.buildContents(req.CompletionRequest), config)
		if err != nil {
			return aerrors.NewProviderNetworkError(err)
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			return aerrors.NewSchemaParseError("genai: empty candidates", nil)
		}

		for _, part := range resp.Candidates[0].Content.Parts {
			if part.FunctionCall != nil {
				promptTokens, outputTokens := 0, 0
				if resp.UsageMetadata != nil {
					promptTokens = int(resp.UsageMetadata.PromptTokenCount)
					outputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
				}
				out = &llm.ToolCompletionResponse{
					Call:         llm.ToolCall{Name: part.FunctionCall.Name, Arguments: part.FunctionCall.Args},
					PromptTokens: promptTokens,
					OutputTokens: outputTokens,
				}
				return nil
			}
		}
		return aerrors.NewSchemaParseError("genai: model did not return a function call", nil)
	})
	return out, err
}

// schemaFromMap converts a JSON-Schema map into the SDK's typed Schema,
// supporting the object/properties/required shape the Classifier emits.
func schemaFromMap(m map[string]any) *googlegenai.Schema {
	if m == nil {
		return &googlegenai.Schema{Type: googlegenai.TypeObject}
	}
	schema := &googlegenai.Schema{Type: googlegenai.TypeObject}
	if props, ok := m["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*googlegenai.Schema, len(props))
		for name, raw := range props {
			if propMap, ok := raw.(map[string]any); ok {
				schema.Properties[name] = schemaFromMap(propMap)
			}
		}
	}
	if t, ok := m["type"].(string); ok {
		schema.Type = googlegenai.Type(t)
	}
	if req, ok := m["required"].([]string); ok {
		schema.Required = req
	}
	return schema
}

func (p *Provider) ListModels(ctx context.Context) ([]string, error) {
	return []string{"gemini-2.5-flash", "gemini-2.5-pro"}, nil
}

func (p *Provider) ValidateCredentials(ctx context.Context) error {
	_, err := p.client.Models.GenerateContent(ctx, p.defaultModel,
		[]*googlegenai.Content{googlegenai.NewContentFromText("ping", googlegenai.RoleUser)}, nil)
	if err != nil {
		return aerrors.NewProviderNetworkError(err)
	}
	return nil
}
