// internal/services/chapter_engine_test.go
package services

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aventura-engine/aventura/internal/llm"
	"github.com/aventura-engine/aventura/internal/models"
)

func TestRetrieveSkipsProviderWhenDisabled(t *testing.T) {
	store := newMemPersistence()
	store.chapters = append(store.chapters, &models.Chapter{ID: "c1", StoryID: "s1", Number: 1})
	provider := &fakeProvider{}
	engine := NewChapterEngine(store, provider, 0)

	got, err := engine.Retrieve(context.Background(), "s1", "recent", "input", models.MemoryConfig{EnableRetrieval: false})

	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, 0, provider.toolCallCount())
}

func TestRetrieveSkipsProviderWhenNoChaptersExist(t *testing.T) {
	store := newMemPersistence()
	provider := &fakeProvider{}
	engine := NewChapterEngine(store, provider, 0)

	got, err := engine.Retrieve(context.Background(), "s1", "recent", "input", models.MemoryConfig{EnableRetrieval: true})

	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, 0, provider.toolCallCount())
}

func TestRetrieveCombinesAnswersInChapterOrder(t *testing.T) {
	store := newMemPersistence()
	store.chapters = []*models.Chapter{
		{ID: "c1", StoryID: "s1", Number: 1, StartSeq: 1, EndSeq: 3, Summary: "The party entered the crypt."},
		{ID: "c2", StoryID: "s1", Number: 2, StartSeq: 4, EndSeq: 6, Summary: "They found the sigil."},
	}
	store.storyEntries = []*models.StoryEntry{
		{ID: "e1", StoryID: "s1", Seq: 1, Content: "crypt content 1"},
		{ID: "e2", StoryID: "s1", Seq: 2, Content: "crypt content 2"},
		{ID: "e3", StoryID: "s1", Seq: 3, Content: "crypt content 3"},
		{ID: "e4", StoryID: "s1", Seq: 4, Content: "sigil content 1"},
		{ID: "e5", StoryID: "s1", Seq: 5, Content: "sigil content 2"},
		{ID: "e6", StoryID: "s1", Seq: 6, Content: "sigil content 3"},
	}

	provider := &fakeProvider{
		toolResponses: []*llm.ToolCompletionResponse{
			{Call: llm.ToolCall{Arguments: map[string]any{"questions": []any{
				map[string]any{"chapterNumber": float64(2), "question": "what sigil?"},
				map[string]any{"chapterNumber": float64(1), "question": "who entered?"},
			}}}},
		},
		completeFn: func(req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			content := req.Messages[0].Content
			switch {
			case strings.Contains(content, "sigil content"):
				return &llm.CompletionResponse{Text: "a silver sigil"}, nil
			case strings.Contains(content, "crypt content"):
				return &llm.CompletionResponse{Text: "three adventurers"}, nil
			}
			return &llm.CompletionResponse{Text: ""}, nil
		},
	}
	engine := NewChapterEngine(store, provider, 0)

	got, err := engine.Retrieve(context.Background(), "s1", "recent", "input", models.MemoryConfig{EnableRetrieval: true, MaxChaptersPerRetrieval: 4})

	require.NoError(t, err)
	idxChapter1 := strings.Index(got, "[Chapter 1]")
	idxChapter2 := strings.Index(got, "[Chapter 2]")
	require.GreaterOrEqual(t, idxChapter1, 0)
	require.GreaterOrEqual(t, idxChapter2, 0)
	assert.Less(t, idxChapter1, idxChapter2, "chapters combine in chapter-number order regardless of question order")
	assert.Contains(t, got, "three adventurers")
	assert.Contains(t, got, "a silver sigil")
}

func TestRetrieveToleratesPerChapterFailure(t *testing.T) {
	store := newMemPersistence()
	store.chapters = []*models.Chapter{
		{ID: "c1", StoryID: "s1", Number: 1, StartSeq: 1, EndSeq: 1, Summary: "ok"},
	}
	store.storyEntries = []*models.StoryEntry{{ID: "e1", StoryID: "s1", Seq: 1, Content: "content"}}

	provider := &fakeProvider{
		toolResponses: []*llm.ToolCompletionResponse{
			{Call: llm.ToolCall{Arguments: map[string]any{"questions": []any{
				map[string]any{"chapterNumber": float64(1), "question": "q"},
			}}}},
		},
		completeErr: assert.AnError,
	}
	engine := NewChapterEngine(store, provider, 0)

	got, err := engine.Retrieve(context.Background(), "s1", "recent", "input", models.MemoryConfig{EnableRetrieval: true, MaxChaptersPerRetrieval: 4})

	require.NoError(t, err)
	assert.Empty(t, got, "a failed per-chapter query yields a skipped segment, not a failed retrieval")
}

func TestCapQuestionsDropsLowestPriorityEntriesFromTail(t *testing.T) {
	questions := []models.RetrievalQuestion{
		{ChapterNumber: 1, Question: "a"},
		{ChapterNumber: 5, Question: "b"},
		{ChapterNumber: 3, Question: "c"},
	}

	out := capQuestions(questions, 2)

	assert.Len(t, out, 2)
	assert.Equal(t, 1, out[0].ChapterNumber)
	assert.Equal(t, 5, out[1].ChapterNumber)
}

func TestMaybeCreateChapterNoopsBelowThresholdPlusBuffer(t *testing.T) {
	store := newMemPersistence()
	for i := 1; i <= 10; i++ {
		store.storyEntries = append(store.storyEntries, &models.StoryEntry{ID: string(rune('a' + i)), StoryID: "s1", Seq: i, Content: "x"})
	}
	engine := NewChapterEngine(store, &fakeProvider{}, 0)
	cfg := models.MemoryConfig{ChapterThreshold: 50, ChapterBuffer: 10}

	chapter, err := engine.MaybeCreateChapter(context.Background(), "s1", cfg, models.ClassificationResult{})

	require.NoError(t, err)
	assert.Nil(t, chapter)
}

func TestMaybeCreateChapterCreatesAtThresholdRespectingBuffer(t *testing.T) {
	store := newMemPersistence()
	for i := 1; i <= 60; i++ {
		store.storyEntries = append(store.storyEntries, &models.StoryEntry{ID: string(rune(i)), StoryID: "s1", Seq: i, Content: "line"})
	}
	provider := &fakeProvider{
		toolResponses: []*llm.ToolCompletionResponse{
			{Call: llm.ToolCall{Arguments: map[string]any{"optimalEndIndex": float64(45), "suggestedTitle": "The Descent"}}},
		},
		completeResponses: []*llm.CompletionResponse{
			{Text: "The party descended into darkness."},
		},
	}
	engine := NewChapterEngine(store, provider, 0)
	cfg := models.MemoryConfig{ChapterThreshold: 50, ChapterBuffer: 10}

	chapter, err := engine.MaybeCreateChapter(context.Background(), "s1", cfg, models.ClassificationResult{})

	require.NoError(t, err)
	require.NotNil(t, chapter)
	assert.Equal(t, 1, chapter.Number)
	assert.Equal(t, 45, chapter.EndSeq)
	assert.LessOrEqual(t, chapter.EndSeq, 50, "the buffer entries must never be consumed")
	assert.Equal(t, "The party descended into darkness.", chapter.Summary)
	assert.Len(t, store.chapters, 1)
}

func TestMaybeCreateChapterHonorsClassifierOverrideBelowThreshold(t *testing.T) {
	store := newMemPersistence()
	for i := 1; i <= 15; i++ {
		store.storyEntries = append(store.storyEntries, &models.StoryEntry{ID: string(rune(i)), StoryID: "s1", Seq: i, Content: "line"})
	}
	provider := &fakeProvider{
		toolResponses: []*llm.ToolCompletionResponse{
			{Call: llm.ToolCall{Arguments: map[string]any{"optimalEndIndex": float64(5)}}},
		},
		completeResponses: []*llm.CompletionResponse{{Text: "A short scene closed."}},
	}
	engine := NewChapterEngine(store, provider, 0)
	cfg := models.MemoryConfig{ChapterThreshold: 50, ChapterBuffer: 10}
	classification := models.ClassificationResult{ChapterAnalysis: models.ChapterAnalysis{ShouldCreateChapter: true}}

	chapter, err := engine.MaybeCreateChapter(context.Background(), "s1", cfg, classification)

	require.NoError(t, err)
	require.NotNil(t, chapter)
}
