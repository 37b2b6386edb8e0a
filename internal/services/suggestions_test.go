// internal/services/suggestions_test.go
package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aventura-engine/aventura/internal/llm"
)

func TestGenerateReturnsThreeTaggedSuggestions(t *testing.T) {
	provider := &fakeProvider{
		toolResponses: []*llm.ToolCompletionResponse{
			{Call: llm.ToolCall{Arguments: map[string]any{"suggestions": []any{
				map[string]any{"text": "You draw your sword.", "type": "action"},
				map[string]any{"text": "\"Who goes there?\" you call.", "type": "dialogue"},
				map[string]any{"text": "The shadows hide an old secret.", "type": "revelation"},
			}}}},
		},
	}
	service := NewSuggestionsService(provider)

	out := service.Generate(context.Background(), "The door creaks open.")

	require.Len(t, out, 3)
	assert.Equal(t, "action", string(out[0].Type))
	assert.Equal(t, "dialogue", string(out[1].Type))
	assert.Equal(t, "revelation", string(out[2].Type))
}

func TestGenerateReturnsEmptyOnProviderFailure(t *testing.T) {
	provider := &fakeProvider{toolErr: assert.AnError}
	service := NewSuggestionsService(provider)

	out := service.Generate(context.Background(), "narration")

	assert.Empty(t, out)
}

func TestGenerateReturnsEmptyOnMalformedResponse(t *testing.T) {
	provider := &fakeProvider{
		toolResponses: []*llm.ToolCompletionResponse{
			{Call: llm.ToolCall{Arguments: map[string]any{"not_suggestions": "oops"}}},
		},
	}
	service := NewSuggestionsService(provider)

	out := service.Generate(context.Background(), "narration")

	assert.Empty(t, out)
}

func TestGenerateSkipsEntriesWithUnknownType(t *testing.T) {
	provider := &fakeProvider{
		toolResponses: []*llm.ToolCompletionResponse{
			{Call: llm.ToolCall{Arguments: map[string]any{"suggestions": []any{
				map[string]any{"text": "valid one", "type": "twist"},
				map[string]any{"text": "bad type", "type": "not-a-real-type"},
			}}}},
		},
	}
	service := NewSuggestionsService(provider)

	out := service.Generate(context.Background(), "narration")

	require.Len(t, out, 1)
	assert.Equal(t, "valid one", out[0].Text)
}
