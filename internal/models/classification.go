// internal/models/classification.go
package models

import "encoding/json"

// VisualElementType categorizes a span of narration worth illustrating.
// Image generation itself runs entirely outside this core; the core only
// carries the classification.
type VisualElementType string

const (
	VisualCharacter VisualElementType = "character"
	VisualLocation  VisualElementType = "location"
	VisualAction    VisualElementType = "action"
	VisualItem      VisualElementType = "item"
)

// VisualElement flags a span of the narration as a candidate for downstream
// image generation (handled entirely outside the core).
type VisualElement struct {
	TextSpan          string            `json:"textSpan"`
	Type              VisualElementType `json:"type"`
	Importance        int               `json:"importance"`
	ImagePrompt       string            `json:"imagePrompt,omitempty"`
	GenerateImmediate bool              `json:"generateImmediately"`
}

// EntryChange is a sparse patch: only fields present in the source JSON are
// applied by the Entry Engine.
type EntryChange struct {
	EntryID string         `json:"entryId"`
	Changes map[string]any `json:"changes"`
}

// NewEntryProposal is a classifier-proposed new world-model record.
type NewEntryProposal struct {
	Name         string         `json:"name"`
	Type         EntryType      `json:"type"`
	Description  string         `json:"description"`
	Aliases      []string       `json:"aliases,omitempty"`
	InitialState map[string]any `json:"initialState,omitempty"`
}

// SceneUpdate carries the classifier's view of the current location and
// present-character set.
type SceneUpdate struct {
	NewLocationName      *string         `json:"newLocationName"`
	PresentCharacterIDs  []string        `json:"presentCharacterIds"`
	TimeProgression      TimeProgression `json:"timeProgression"`
}

// EntryUpdates is the entry-delta portion of a Classification Result.
type EntryUpdates struct {
	Updates    []EntryChange      `json:"updates"`
	NewEntries []NewEntryProposal `json:"newEntries"`
	Scene      SceneUpdate        `json:"scene"`
}

// ChapterAnalysis is the classifier's opinion on whether the current
// narration landed on a natural chapter boundary.
type ChapterAnalysis struct {
	ShouldCreateChapter bool    `json:"shouldCreateChapter"`
	Reason              string  `json:"reason"`
	SuggestedTitle      *string `json:"suggestedTitle"`
}

// VoiceContext carries narration-voice metadata for TTS/consumer use.
type VoiceContext struct {
	PrimarySpeaker *string `json:"primarySpeaker"`
	Mood           string  `json:"mood"`
}

// ClassificationResult is the structured extraction of a narration passage.
// It is consumed at most once, by the Entry Engine and Chapter Engine, and
// discarded after application.
type ClassificationResult struct {
	VisualElements   []VisualElement  `json:"visualElements"`
	EntryUpdates     EntryUpdates     `json:"entryUpdates"`
	ChapterAnalysis  ChapterAnalysis  `json:"chapterAnalysis"`
	VoiceContext     VoiceContext     `json:"voiceContext"`
	// CreativeUpdates is an opaque, unspecified substructure (DESIGN.md Open
	// Question #3); forwarded verbatim, never parsed by the core.
	CreativeUpdates json.RawMessage `json:"creativeUpdates,omitempty"`
}

// RetrievalQuestion is one element of the Memory Engine's retrieval-decision
// response.
type RetrievalQuestion struct {
	ChapterNumber int    `json:"chapterNumber"`
	Question      string `json:"question"`
}

// SuggestionType categorizes a creative-mode follow-up suggestion.
type SuggestionType string

const (
	SuggestionAction     SuggestionType = "action"
	SuggestionDialogue   SuggestionType = "dialogue"
	SuggestionRevelation SuggestionType = "revelation"
	SuggestionTwist      SuggestionType = "twist"
)

// Suggestion is one creative-mode follow-up continuation.
type Suggestion struct {
	Text string         `json:"text"`
	Type SuggestionType `json:"type"`
}
