// internal/llm/interface.go
package llm

import (
	"context"
	"errors"
)

// ErrUnknownProvider is returned by Registry.Get for an unregistered name.
var ErrUnknownProvider = errors.New("unknown llm provider")

// Message is one turn of the conversation sent to a provider. Role follows
// the OpenAI/Anthropic convention ("system", "user", "assistant").
type Message struct {
	Role    string
	Content string
}

// Tool is a JSON-schema-described function a provider may call, used by
// CompleteWithTools (the Classifier's structured-extraction path).
type Tool struct {
	Name        string
	Description string
	Schema      map[string]any // JSON Schema, draft 2020-12
}

// ToolCall is one invocation a model asked the caller to perform.
type ToolCall struct {
	Name      string
	Arguments map[string]any
}

// CompletionRequest is the provider-agnostic request shape every adapter
// translates into its SDK's native params.
type CompletionRequest struct {
	Messages     []Message
	SystemPrompt string
	Model        string
	MaxTokens    int
	Temperature  float32
	TopP         float32
	StopWords    []string
}

// CompletionResponse is a non-streamed completion result.
type CompletionResponse struct {
	Text         string
	FinishReason string
	PromptTokens int
	OutputTokens int
	ModelName    string
	ProviderName string
}

// StreamChunk is one increment of a streamed completion.
type StreamChunk struct {
	Delta        string
	FinishReason string
	Done         bool
}

// ToolCompletionRequest extends CompletionRequest with the tool set the
// model may invoke, and forces it to answer via exactly one of them. The
// tool's Schema is enforced by the provider's native structured-output
// support, not parsed after the fact from free text.
type ToolCompletionRequest struct {
	CompletionRequest
	Tools    []Tool
	ToolName string // the single tool the model must call
}

// ToolCompletionResponse carries the arguments the model supplied for the
// forced tool call.
type ToolCompletionResponse struct {
	Call         ToolCall
	PromptTokens int
	OutputTokens int
}

// Provider is the vendor-agnostic interface every LLM adapter implements.
type Provider interface {
	Name() string

	// Complete runs a single non-streamed completion.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Stream runs a completion, delivering StreamChunks on the returned
	// channel. The channel is closed when the stream ends or ctx is
	// cancelled; a send of a chunk with an error is represented by the
	// accompanying error return terminating the producing goroutine early
	// (callers should watch ctx.Err() after the channel closes).
	Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error)

	// CompleteWithTools runs a completion that forces a structured tool
	// call, used by the Classifier to extract a ClassificationResult.
	CompleteWithTools(ctx context.Context, req ToolCompletionRequest) (*ToolCompletionResponse, error)

	// ListModels returns the model identifiers this provider currently
	// exposes. Implementations that cannot query a live list return a
	// static, provider-maintained set.
	ListModels(ctx context.Context) ([]string, error)

	// ValidateCredentials performs the cheapest possible round-trip to
	// confirm the configured API key is accepted.
	ValidateCredentials(ctx context.Context) error
}

// Factory constructs a Provider from its configuration. Config keys are
// provider-specific (api_key, base_url, organization, ...).
type Factory func(config map[string]string) (Provider, error)

// Registry is a constructed, non-global provider factory table. Each
// Aventura core instance owns exactly one Registry, populated at startup
// from internal/config. Keeping it constructed rather than a package-level
// map keeps tests free to register fake providers without touching shared
// state.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a named provider factory.
func (r *Registry) Register(name string, factory Factory) {
	r.factories[name] = factory
}

// Get builds a Provider instance from the named factory and config.
func (r *Registry) Get(name string, config map[string]string) (Provider, error) {
	factory, ok := r.factories[name]
	if !ok {
		return nil, ErrUnknownProvider
	}
	return factory(config)
}

// Names returns all registered provider names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}
