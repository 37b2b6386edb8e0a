// internal/bus/payloads.go
package bus

import "github.com/aventura-engine/aventura/internal/models"

// Payload shapes for each EventType. A handler type-asserts Event.Payload to
// the struct named after its EventType's producer below.

// UserInputPayload is EventUserInput's payload.
type UserInputPayload struct {
	Content string
	Mode    models.Mode
}

// ContextReadyPayload is EventContextReady's payload.
type ContextReadyPayload struct {
	RetrievedContext string // empty when retrieval found nothing relevant
	SelectedEntries  []*models.Entry
}

// ResponseStreamingPayload is EventResponseStreaming's payload.
type ResponseStreamingPayload struct {
	Chunk      string
	Accumulated string
}

// SentenceCompletePayload is EventSentenceComplete's payload.
type SentenceCompletePayload struct {
	Text string
}

// NarrativeResponsePayload is EventNarrativeResponse's payload.
type NarrativeResponsePayload struct {
	MessageID string
	Content   string
}

// ClassificationCompletePayload is EventClassificationDone's payload.
type ClassificationCompletePayload struct {
	MessageID string
	Result    models.ClassificationResult
}

// StateUpdatedPayload is EventStateUpdated's payload.
type StateUpdatedPayload struct {
	Entries []*models.Entry
}

// ChapterCreatedPayload is EventChapterCreated's payload.
type ChapterCreatedPayload struct {
	Chapter *models.Chapter
}

// SuggestionsReadyPayload is EventSuggestionsReady's payload.
type SuggestionsReadyPayload struct {
	Suggestions []models.Suggestion
}

// SaveCompletePayload is EventSaveComplete's payload.
type SaveCompletePayload struct {
	StoryEntryID string
}
