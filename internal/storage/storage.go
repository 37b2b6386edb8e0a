// internal/storage/storage.go
package storage

import (
	"context"

	"github.com/aventura-engine/aventura/internal/models"
)

// Persistence is the external collaborator the core writes world-model and
// log state through. The Turn Coordinator and its phase services depend
// only on this interface; SQLiteStore is the reference implementation, but
// nothing in internal/services imports it directly.
type Persistence interface {
	// AppendStoryEntry appends e to story e.StoryID's log. If e.Seq is zero,
	// the store assigns the next sequence number and writes it back into e;
	// a caller-supplied nonzero Seq is used as-is (the Turn Coordinator
	// relies on this for the user-input entry it appends before Seq is
	// otherwise known).
	AppendStoryEntry(ctx context.Context, e *models.StoryEntry) error

	// ListStoryEntries returns entries for storyID with Seq > afterSeq,
	// ordered by Seq ascending.
	ListStoryEntries(ctx context.Context, storyID string, afterSeq int) ([]*models.StoryEntry, error)

	// UpsertEntry inserts e or overwrites the existing row sharing its ID.
	UpsertEntry(ctx context.Context, e *models.Entry) error

	// GetEntry returns the entry with the given ID within storyID, or
	// ErrNotFound.
	GetEntry(ctx context.Context, storyID, entryID string) (*models.Entry, error)

	// ListEntries returns every entry in storyID, order unspecified.
	ListEntries(ctx context.Context, storyID string) ([]*models.Entry, error)

	// CreateChapter inserts a new, immutable chapter row.
	CreateChapter(ctx context.Context, c *models.Chapter) error

	// ListChapters returns every chapter in storyID ordered by Number
	// ascending.
	ListChapters(ctx context.Context, storyID string) ([]*models.Chapter, error)

	// LatestChapterNumber returns the highest chapter Number recorded for
	// storyID, or 0 if none exist.
	LatestChapterNumber(ctx context.Context, storyID string) (int, error)

	// CreateArc inserts a new arc row.
	CreateArc(ctx context.Context, a *models.Arc) error

	// ListArcs returns every arc in storyID ordered by StartCh ascending.
	ListArcs(ctx context.Context, storyID string) ([]*models.Arc, error)

	Close() error
}

// ErrNotFound is returned by single-record lookups that find nothing.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "storage: not found" }
