// internal/models/chapter.go
package models

import "time"

// TimeProgression is opaque metadata forwarded verbatim to consumers; the
// core never interprets it beyond the four named values (see DESIGN.md
// Open Question #2).
type TimeProgression string

const (
	TimeProgressionNone    TimeProgression = "none"
	TimeProgressionMinutes TimeProgression = "minutes"
	TimeProgressionHours   TimeProgression = "hours"
	TimeProgressionDays    TimeProgression = "days"
)

// RetrievalMetadata is the retrieval-decision-facing summary of a chapter.
type RetrievalMetadata struct {
	Keywords      []string `json:"keywords,omitempty"`
	Characters    []string `json:"characters,omitempty"`
	Locations     []string `json:"locations,omitempty"`
	PlotThreads   []string `json:"plot_threads,omitempty"`
	EmotionalTone string   `json:"emotional_tone,omitempty"`
}

// Chapter is a closed, contiguous range of Story Entries with a
// model-generated summary. Chapters are never updated after creation.
type Chapter struct {
	ID           string            `json:"id"`
	StoryID      string            `json:"story_id"`
	Number       int               `json:"number"` // starts at 1, contiguous per story
	StartEntryID string            `json:"start_entry_id"`
	EndEntryID   string            `json:"end_entry_id"`
	StartSeq     int               `json:"start_seq"`
	EndSeq       int               `json:"end_seq"`
	EntryCount   int               `json:"entry_count"` // endSeq - startSeq + 1
	Summary      string            `json:"summary"`
	Retrieval    RetrievalMetadata `json:"retrieval"`
	ArcID        string            `json:"arc_id,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	CreatedBy    string            `json:"created_by"`
}

// Arc groups contiguous chapters under a named story arc. Only created when
// memoryConfig.enableArcs is set.
type Arc struct {
	ID        string    `json:"id"`
	StoryID   string    `json:"story_id"`
	Title     string    `json:"title"`
	StartCh   int       `json:"start_chapter"`
	EndCh     int       `json:"end_chapter,omitempty"` // 0 while the arc is open
	CreatedAt time.Time `json:"created_at"`
}

// ChapterSummaryView is the compact shape the retrieval-decision prompt is
// built from: a structured list of chapter {number, summary, characters,
// locations}.
type ChapterSummaryView struct {
	Number     int      `json:"number"`
	Summary    string   `json:"summary"`
	Characters []string `json:"characters"`
	Locations  []string `json:"locations"`
}

func (c *Chapter) ToSummaryView() ChapterSummaryView {
	return ChapterSummaryView{
		Number:     c.Number,
		Summary:    c.Summary,
		Characters: c.Retrieval.Characters,
		Locations:  c.Retrieval.Locations,
	}
}
