// internal/services/classifier.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	aerrors "github.com/aventura-engine/aventura/internal/errors"
	"github.com/aventura-engine/aventura/internal/llm"
	"github.com/aventura-engine/aventura/internal/models"
)

var classificationSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"visualElements": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"textSpan":           map[string]any{"type": "string"},
					"type":               map[string]any{"type": "string", "enum": []string{"character", "location", "action", "item"}},
					"importance":         map[string]any{"type": "integer"},
					"imagePrompt":        map[string]any{"type": "string"},
					"generateImmediately": map[string]any{"type": "boolean"},
				},
			},
		},
		"entryUpdates": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"updates": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"entryId": map[string]any{"type": "string"},
							"changes": map[string]any{"type": "object"},
						},
						"required": []string{"entryId"},
					},
				},
				"newEntries": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"name":         map[string]any{"type": "string"},
							"type":         map[string]any{"type": "string"},
							"description":  map[string]any{"type": "string"},
							"aliases":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
							"initialState": map[string]any{"type": "object"},
						},
						"required": []string{"name", "type"},
					},
				},
				"scene": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"newLocationName":     map[string]any{"type": []string{"string", "null"}},
						"presentCharacterIds": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
						"timeProgression":     map[string]any{"type": "string", "enum": []string{"none", "minutes", "hours", "days"}},
					},
				},
			},
			"required": []string{"updates", "newEntries", "scene"},
		},
		"chapterAnalysis": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"shouldCreateChapter": map[string]any{"type": "boolean"},
				"reason":              map[string]any{"type": "string"},
				"suggestedTitle":      map[string]any{"type": []string{"string", "null"}},
			},
			"required": []string{"shouldCreateChapter"},
		},
		"voiceContext": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"primarySpeaker": map[string]any{"type": []string{"string", "null"}},
				"mood":           map[string]any{"type": "string"},
			},
		},
	},
	"required": []string{"entryUpdates", "chapterAnalysis", "voiceContext"},
}

// classificationValidator is the classification schema compiled once at
// package init into a resolved jsonschema.Schema, so every classifier
// response is validated against the exact same schema advertised to the
// provider rather than against an ad-hoc set of Go type-assertions.
var classificationValidator = mustResolveSchema(classificationSchema)

func mustResolveSchema(raw map[string]any) *jsonschema.Resolved {
	data, err := json.Marshal(raw)
	if err != nil {
		panic(fmt.Sprintf("classifier: marshal schema literal: %v", err))
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		panic(fmt.Sprintf("classifier: schema literal does not parse as JSON Schema: %v", err))
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		panic(fmt.Sprintf("classifier: resolve schema: %v", err))
	}
	return resolved
}

// ClassifierService extracts a structured ClassificationResult from a
// narration passage. It is the one component allowed to call the Provider
// with a forced tool call and retry on malformed output; everything
// downstream (Entry Engine, Chapter Engine) treats its result as already
// validated.
type ClassifierService struct {
	provider llm.Provider
	backoff  llm.BackoffPolicy
}

func NewClassifierService(provider llm.Provider) *ClassifierService {
	return &ClassifierService{provider: provider, backoff: llm.DefaultBackoff}
}

// Classify runs the classification extraction, retrying on malformed JSON
// per llm.DefaultBackoff. After the retry budget is exhausted it returns a
// SchemaParseError; callers must treat that as non-fatal to the turn (skip
// classification and proceed) rather than aborting.
func (c *ClassifierService) Classify(ctx context.Context, narrationText, userAction string, snapshot models.WorldSnapshot) (models.ClassificationResult, error) {
	var result models.ClassificationResult
	attempt := 0

	err := llm.Retry(ctx, c.backoff, aerrors.IsSchemaParseError, func(ctx context.Context) error {
		strict := attempt > 0
		attempt++

		req := c.buildRequest(narrationText, userAction, snapshot, strict)
		resp, err := c.provider.CompleteWithTools(ctx, req)
		if err != nil {
			return err
		}

		parsed, err := decodeClassification(resp.Call.Arguments)
		if err != nil {
			return aerrors.NewSchemaParseError("classifier returned malformed JSON", err)
		}
		result = parsed
		return nil
	})
	if err != nil {
		return models.ClassificationResult{}, err
	}
	return result, nil
}

func (c *ClassifierService) buildRequest(narrationText, userAction string, snapshot models.WorldSnapshot, strict bool) llm.ToolCompletionRequest {
	var known strings.Builder
	for _, e := range snapshot.Entries {
		fmt.Fprintf(&known, "%s (%s, id=%s)\n", e.Name, e.Type, e.ID)
	}

	systemPrompt := "Extract only deltas clearly supported by the narration passage. A new entry is proposed only if no known entry matches it by name or alias. Reference only known entry ids."
	if strict {
		systemPrompt += " Your previous response was not valid JSON matching the schema. Return valid JSON only, with no commentary."
	}

	return llm.ToolCompletionRequest{
		CompletionRequest: llm.CompletionRequest{
			SystemPrompt: systemPrompt,
			Messages: []llm.Message{
				{Role: "user", Content: fmt.Sprintf("Preceding user action: %s\n\nNarration:\n%s\n\nKnown entries:\n%s", userAction, narrationText, known.String())},
			},
			Temperature: 0.7,
		},
		Tools:    []llm.Tool{{Name: "classify", Description: "Extract structured world-model deltas from the narration", Schema: classificationSchema}},
		ToolName: "classify",
	}
}

// decodeClassification validates the tool call's arguments against
// classificationValidator before decoding, so a response missing a required
// field or using the wrong shape for one is rejected at the boundary rather
// than silently zero-valued by json.Unmarshal, then round-trips through JSON
// into the typed result.
func decodeClassification(args map[string]any) (models.ClassificationResult, error) {
	var result models.ClassificationResult

	if err := classificationValidator.Validate(args); err != nil {
		return result, fmt.Errorf("classification response failed schema validation: %w", err)
	}

	raw, err := json.Marshal(args)
	if err != nil {
		return result, err
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return result, err
	}
	return result, nil
}
