// internal/services/fakes_test.go
package services

import (
	"context"
	"sync"
	"time"

	"github.com/aventura-engine/aventura/internal/llm"
	"github.com/aventura-engine/aventura/internal/models"
	"github.com/aventura-engine/aventura/internal/storage"
)

// fastTestBackoff replaces llm.DefaultBackoff in tests that exhaust the
// classifier's retry budget, so a 6-attempt run completes in milliseconds
// instead of the ~15s the real exponential policy would take.
var fastTestBackoff = llm.BackoffPolicy{Base: time.Millisecond, Cap: time.Millisecond, JitterMax: 0, MaxRetries: 5}

// fakeProvider is a scripted llm.Provider: CompleteWithTools and Complete
// return queued responses in call order (or via completeFn, keyed off the
// request, when call order isn't deterministic because the caller fans out
// concurrently), so tests can assert an engine made zero, one, or many
// provider calls without a network round-trip. All fields are guarded by mu
// since engines under test call Complete/CompleteWithTools from goroutines.
type fakeProvider struct {
	mu sync.Mutex

	toolResponses         []*llm.ToolCompletionResponse
	toolErr               error
	toolCalls             int
	completeWithToolsReqs []llm.ToolCompletionRequest

	completeResponses []*llm.CompletionResponse
	completeErr       error
	completeCalls     int
	completeFn        func(req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.completeFn != nil {
		return f.completeFn(req)
	}
	if f.completeErr != nil {
		return nil, f.completeErr
	}
	idx := f.completeCalls
	f.completeCalls++
	if idx < len(f.completeResponses) {
		return f.completeResponses[idx], nil
	}
	return &llm.CompletionResponse{Text: ""}, nil
}

func (f *fakeProvider) Stream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk)
	close(ch)
	return ch, nil
}

func (f *fakeProvider) CompleteWithTools(ctx context.Context, req llm.ToolCompletionRequest) (*llm.ToolCompletionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.completeWithToolsReqs = append(f.completeWithToolsReqs, req)
	if f.toolErr != nil {
		return nil, f.toolErr
	}
	idx := f.toolCalls
	f.toolCalls++
	if idx < len(f.toolResponses) {
		return f.toolResponses[idx], nil
	}
	return &llm.ToolCompletionResponse{}, nil
}

func (f *fakeProvider) toolCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.toolCalls
}

func (f *fakeProvider) ListModels(ctx context.Context) ([]string, error) { return nil, nil }
func (f *fakeProvider) ValidateCredentials(ctx context.Context) error    { return nil }

var _ llm.Provider = (*fakeProvider)(nil)

// memPersistence is an in-memory storage.Persistence for unit tests that
// need Select/Apply/Retrieve to round-trip through a real store interface
// without standing up SQLite.
type memPersistence struct {
	storyEntries []*models.StoryEntry
	entries      map[string]*models.Entry
	chapters     []*models.Chapter
	arcs         []*models.Arc
	nextSeq      int
}

func newMemPersistence() *memPersistence {
	return &memPersistence{entries: make(map[string]*models.Entry), nextSeq: 1}
}

func (m *memPersistence) AppendStoryEntry(ctx context.Context, e *models.StoryEntry) error {
	if e.Seq == 0 {
		e.Seq = m.nextSeq
	}
	if e.Seq >= m.nextSeq {
		m.nextSeq = e.Seq + 1
	}
	m.storyEntries = append(m.storyEntries, e)
	return nil
}

func (m *memPersistence) ListStoryEntries(ctx context.Context, storyID string, afterSeq int) ([]*models.StoryEntry, error) {
	var out []*models.StoryEntry
	for _, e := range m.storyEntries {
		if e.StoryID == storyID && e.Seq > afterSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memPersistence) UpsertEntry(ctx context.Context, e *models.Entry) error {
	m.entries[e.ID] = e
	return nil
}

func (m *memPersistence) GetEntry(ctx context.Context, storyID, entryID string) (*models.Entry, error) {
	e, ok := m.entries[entryID]
	if !ok || e.StoryID != storyID {
		return nil, storage.ErrNotFound
	}
	return e, nil
}

func (m *memPersistence) ListEntries(ctx context.Context, storyID string) ([]*models.Entry, error) {
	var out []*models.Entry
	for _, e := range m.entries {
		if e.StoryID == storyID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memPersistence) CreateChapter(ctx context.Context, c *models.Chapter) error {
	m.chapters = append(m.chapters, c)
	return nil
}

func (m *memPersistence) ListChapters(ctx context.Context, storyID string) ([]*models.Chapter, error) {
	var out []*models.Chapter
	for _, c := range m.chapters {
		if c.StoryID == storyID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memPersistence) LatestChapterNumber(ctx context.Context, storyID string) (int, error) {
	max := 0
	for _, c := range m.chapters {
		if c.StoryID == storyID && c.Number > max {
			max = c.Number
		}
	}
	return max, nil
}

func (m *memPersistence) CreateArc(ctx context.Context, a *models.Arc) error {
	m.arcs = append(m.arcs, a)
	return nil
}

func (m *memPersistence) ListArcs(ctx context.Context, storyID string) ([]*models.Arc, error) {
	var out []*models.Arc
	for _, a := range m.arcs {
		if a.StoryID == storyID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memPersistence) Close() error { return nil }

var _ storage.Persistence = (*memPersistence)(nil)
