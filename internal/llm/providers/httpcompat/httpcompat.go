// internal/llm/providers/httpcompat/httpcompat.go
package httpcompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	aerrors "github.com/aventura-engine/aventura/internal/errors"
	"github.com/aventura-engine/aventura/internal/llm"
)

// Provider talks to any OpenAI-chat-completions-compatible HTTP endpoint
// (local model servers, OpenAI-shaped proxies) with a hand-rolled client,
// rather than a vendor SDK. It is deliberately kept outside any SDK so the
// wire-level SSE framing law (data-prefixed lines, a [DONE] sentinel,
// tolerant skipping of malformed lines, partial-line buffering across
// network reads) stays under direct test control.
//
// Grounded on the original hand-rolled internal/llm/providers/anthropic
// client this repo started from, whose StreamCompletion hand-parsed the
// same shape of event stream; this adapter generalizes that parsing loop
// to the OpenAI wire format and adds tool-call support.
type Provider struct {
	name         string
	baseURL      string
	apiKey       string
	defaultModel string
	models       []string
	client       *http.Client
}

// New builds a Provider from config keys: api_key (required), base_url
// (defaults to https://api.openai.com), default_model, models (comma
// separated, for ListModels when the endpoint has no /v1/models route).
func New(name string, config map[string]string) (llm.Provider, error) {
	apiKey := config["api_key"]
	if apiKey == "" {
		return nil, aerrors.NewConfigError(fmt.Sprintf("%s: api_key is required", name), nil)
	}

	baseURL := config["base_url"]
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}

	defaultModel := config["default_model"]
	if defaultModel == "" {
		defaultModel = "gpt-4o-mini"
	}

	var models []string
	if raw := config["models"]; raw != "" {
		for _, m := range strings.Split(raw, ",") {
			if m = strings.TrimSpace(m); m != "" {
				models = append(models, m)
			}
		}
	}

	return &Provider{
		name:         name,
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		defaultModel: defaultModel,
		models:       models,
		client:       &http.Client{},
	}, nil
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) ListModels(ctx context.Context) ([]string, error) {
	if len(p.models) > 0 {
		return p.models, nil
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/models", nil)
	if err != nil {
		return nil, err
	}
	p.authHeaders(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, aerrors.NewProviderNetworkError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, aerrors.NewProviderHTTPError(resp.StatusCode, string(body))
	}

	var decoded struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, aerrors.NewSchemaParseError("decoding model list", err)
	}

	out := make([]string, 0, len(decoded.Data))
	for _, m := range decoded.Data {
		out = append(out, m.ID)
	}
	return out, nil
}

func (p *Provider) ValidateCredentials(ctx context.Context) error {
	_, err := p.ListModels(ctx)
	return err
}

func (p *Provider) authHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")
}

func (p *Provider) model(req llm.CompletionRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return p.defaultModel
}

func (p *Provider) buildBody(req llm.CompletionRequest, stream bool) map[string]any {
	messages := make([]map[string]string, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, map[string]string{"role": "system", "content": req.SystemPrompt})
	}
	for _, m := range req.Messages {
		messages = append(messages, map[string]string{"role": m.Role, "content": m.Content})
	}

	body := map[string]any{
		"model":    p.model(req),
		"messages": messages,
		"stream":   stream,
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}
	if req.TopP > 0 {
		body["top_p"] = req.TopP
	}
	if len(req.StopWords) > 0 {
		body["stop"] = req.StopWords
	}
	return body
}

func (p *Provider) post(ctx context.Context, body map[string]any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	p.authHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, aerrors.NewProviderNetworkError(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, aerrors.NewProviderHTTPError(resp.StatusCode, string(respBody))
	}
	return resp, nil
}

func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	var out *llm.CompletionResponse
	err := llm.Retry(ctx, llm.DefaultBackoff, aerrors.IsRetryableProviderError, func(ctx context.Context) error {
		resp, err := p.post(ctx, p.buildBody(req, false))
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		var decoded struct {
			Choices []struct {
				Message      struct{ Content string } `json:"message"`
				FinishReason string                    `json:"finish_reason"`
			} `json:"choices"`
			Model string `json:"model"`
			Usage struct {
				PromptTokens     int `json:"prompt_tokens"`
				CompletionTokens int `json:"completion_tokens"`
			} `json:"usage"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return aerrors.NewSchemaParseError("decoding completion", err)
		}
		if len(decoded.Choices) == 0 {
			return aerrors.NewProcessingError(p.name+": empty choices", nil)
		}

		out = &llm.CompletionResponse{
			Text:         decoded.Choices[0].Message.Content,
			FinishReason: decoded.Choices[0].FinishReason,
			PromptTokens: decoded.Usage.PromptTokens,
			OutputTokens: decoded.Usage.CompletionTokens,
			ModelName:    p.model(req),
			ProviderName: p.name,
		}
		return nil
	})
	return out, err
}

// Stream issues the request with stream=true and parses the SSE body. The
// request itself is not retried mid-stream: a failure after bytes have
// already been delivered to the caller cannot be safely replayed, so only
// the initial connect is covered by the backoff policy.
func (p *Provider) Stream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	var resp *http.Response
	err := llm.Retry(ctx, llm.DefaultBackoff, aerrors.IsRetryableProviderError, func(ctx context.Context) error {
		r, err := p.post(ctx, p.buildBody(req, true))
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make(chan llm.StreamChunk)
	go func() {
		defer resp.Body.Close()
		defer close(out)

		reader := bufio.NewReader(resp.Body)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF {
					out <- llm.StreamChunk{FinishReason: "error", Done: true}
				}
				return
			}

			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data: ") {
				continue // tolerate comments, keep-alives, blank lines
			}
			payload := line[len("data: "):]

			if payload == "[DONE]" {
				out <- llm.StreamChunk{Done: true}
				return
			}

			var chunk struct {
				Choices []struct {
					Delta        struct{ Content string } `json:"delta"`
					FinishReason *string                   `json:"finish_reason"`
				} `json:"choices"`
			}
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				continue // skip malformed lines rather than aborting the stream
			}
			if len(chunk.Choices) == 0 {
				continue
			}

			choice := chunk.Choices[0]
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				out <- llm.StreamChunk{FinishReason: *choice.FinishReason, Done: true}
				return
			}
			if choice.Delta.Content != "" {
				out <- llm.StreamChunk{Delta: choice.Delta.Content}
			}
		}
	}()

	return out, nil
}

// CompleteWithTools forces the model to answer via a single named tool
// call (tool_choice pinned), the OpenAI-compatible structured-output path.
func (p *Provider) CompleteWithTools(ctx context.Context, req llm.ToolCompletionRequest) (*llm.ToolCompletionResponse, error) {
	body := p.buildBody(req.CompletionRequest, false)

	tools := make([]map[string]any, 0, len(req.Tools))
	for _, t := range req.Tools {
		tools = append(tools, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Schema,
			},
		})
	}
	body["tools"] = tools
	body["tool_choice"] = map[string]any{
		"type":     "function",
		"function": map[string]any{"name": req.ToolName},
	}

	var out *llm.ToolCompletionResponse
	err := llm.Retry(ctx, llm.DefaultBackoff, aerrors.IsRetryableProviderError, func(ctx context.Context) error {
		resp, err := p.post(ctx, body)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		var decoded struct {
			Choices []struct {
				Message struct {
					ToolCalls []struct {
						Function struct {
							Name      string `json:"name"`
							Arguments string `json:"arguments"`
						} `json:"function"`
					} `json:"tool_calls"`
				} `json:"message"`
			} `json:"choices"`
			Usage struct {
				PromptTokens     int `json:"prompt_tokens"`
				CompletionTokens int `json:"completion_tokens"`
			} `json:"usage"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return aerrors.NewSchemaParseError("decoding tool completion", err)
		}
		if len(decoded.Choices) == 0 || len(decoded.Choices[0].Message.ToolCalls) == 0 {
			return aerrors.NewSchemaParseError(p.name+": model did not return a tool call", nil)
		}

		call := decoded.Choices[0].Message.ToolCalls[0]
		var args map[string]any
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			return aerrors.NewSchemaParseError("decoding tool call arguments", err)
		}

		out = &llm.ToolCompletionResponse{
			Call:         llm.ToolCall{Name: call.Function.Name, Arguments: args},
			PromptTokens: decoded.Usage.PromptTokens,
			OutputTokens: decoded.Usage.CompletionTokens,
		}
		return nil
	})
	return out, err
}
