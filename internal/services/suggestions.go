// internal/services/suggestions.go
package services

import (
	"context"

	"github.com/aventura-engine/aventura/internal/llm"
	"github.com/aventura-engine/aventura/internal/models"
)

var suggestionTypeOrder = []models.SuggestionType{
	models.SuggestionAction,
	models.SuggestionDialogue,
	models.SuggestionRevelation,
	models.SuggestionTwist,
}

var suggestionsSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"suggestions": map[string]any{
			"type":     "array",
			"minItems": 3,
			"maxItems": 3,
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text": map[string]any{"type": "string"},
					"type": map[string]any{"type": "string", "enum": []string{"action", "dialogue", "revelation", "twist"}},
				},
				"required": []string{"text", "type"},
			},
		},
	},
	"required": []string{"suggestions"},
}

// SuggestionsService generates creative-mode follow-up continuations. It is
// called only in creative-writing mode and its result is never awaited by
// the turn that triggers it — a failure here degrades to an empty list and
// never fails the turn.
type SuggestionsService struct {
	provider llm.Provider
}

func NewSuggestionsService(provider llm.Provider) *SuggestionsService {
	return &SuggestionsService{provider: provider}
}

// Generate requests 3 distinct single-sentence continuations of narrationText.
// Any failure — provider error or malformed response — yields an empty,
// non-error result; callers should not retry.
func (s *SuggestionsService) Generate(ctx context.Context, narrationText string) []models.Suggestion {
	resp, err := s.provider.CompleteWithTools(ctx, llm.ToolCompletionRequest{
		CompletionRequest: llm.CompletionRequest{
			SystemPrompt: "Propose exactly 3 distinct single-sentence continuations of the narration, each tagged with a type: action, dialogue, revelation, or twist. Each continuation must read naturally as the very next sentence.",
			Messages: []llm.Message{
				{Role: "user", Content: narrationText},
			},
			Temperature: 0.9,
		},
		Tools:    []llm.Tool{{Name: "suggest", Description: "Propose follow-up continuations", Schema: suggestionsSchema}},
		ToolName: "suggest",
	})
	if err != nil {
		return nil
	}

	raw, ok := resp.Call.Arguments["suggestions"].([]any)
	if !ok {
		return nil
	}

	var out []models.Suggestion
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		text, _ := m["text"].(string)
		typ, _ := m["type"].(string)
		if text == "" || !isKnownSuggestionType(typ) {
			continue
		}
		out = append(out, models.Suggestion{Text: text, Type: models.SuggestionType(typ)})
	}
	return out
}

func isKnownSuggestionType(t string) bool {
	for _, known := range suggestionTypeOrder {
		if string(known) == t {
			return true
		}
	}
	return false
}
