// internal/storage/sqlite_test.go
package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aventura-engine/aventura/internal/models"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendStoryEntryAssignsSequentialSeq(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	e1 := &models.StoryEntry{ID: "se-1", StoryID: "story-1", Role: models.RoleUserAction, Content: "look around"}
	require.NoError(t, s.AppendStoryEntry(ctx, e1))
	assert.Equal(t, 1, e1.Seq)

	e2 := &models.StoryEntry{ID: "se-2", StoryID: "story-1", Role: models.RoleNarration, Content: "you see a door"}
	require.NoError(t, s.AppendStoryEntry(ctx, e2))
	assert.Equal(t, 2, e2.Seq)
}

func TestAppendStoryEntryHonorsExplicitSeq(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	e := &models.StoryEntry{ID: "se-1", StoryID: "story-1", Role: models.RoleSystem, Content: "restored", Seq: 42}
	require.NoError(t, s.AppendStoryEntry(ctx, e))
	assert.Equal(t, 42, e.Seq)
}

func TestListStoryEntriesOrdersBySeqAfterCursor(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, content := range []string{"one", "two", "three"} {
		require.NoError(t, s.AppendStoryEntry(ctx, &models.StoryEntry{
			ID: "se-" + content, StoryID: "story-1", Role: models.RoleNarration, Content: content,
		}))
		_ = i
	}

	entries, err := s.ListStoryEntries(ctx, "story-1", 1)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "two", entries[0].Content)
	assert.Equal(t, "three", entries[1].Content)
}

func TestListStoryEntriesScopedToStory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendStoryEntry(ctx, &models.StoryEntry{ID: "a", StoryID: "story-1", Role: models.RoleNarration, Content: "x"}))
	require.NoError(t, s.AppendStoryEntry(ctx, &models.StoryEntry{ID: "b", StoryID: "story-2", Role: models.RoleNarration, Content: "y"}))

	entries, err := s.ListStoryEntries(ctx, "story-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "x", entries[0].Content)
}

func TestUpsertEntryRoundTripsStateAndAliases(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	e := &models.Entry{
		ID:      "ent-1",
		StoryID: "story-1",
		Name:    "Old Mara",
		Type:    models.EntryCharacter,
		Aliases: []string{"Mara", "the innkeeper"},
		State: models.EntryState{
			Character: &models.CharacterState{IsPresent: true, Relationships: map[string]int{"ent-2": 40}},
		},
		Injection: models.InjectionPolicy{Mode: models.InjectionRelevant, Priority: 3},
	}
	require.NoError(t, s.UpsertEntry(ctx, e))

	got, err := s.GetEntry(ctx, "story-1", "ent-1")
	require.NoError(t, err)
	assert.Equal(t, "Old Mara", got.Name)
	assert.ElementsMatch(t, []string{"Mara", "the innkeeper"}, got.Aliases)
	assert.True(t, got.State.Character.IsPresent)
	assert.Equal(t, 40, got.State.Character.Relationships["ent-2"])
	assert.Equal(t, 3, got.Injection.Priority)
}

func TestUpsertEntryOverwritesExisting(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	e := &models.Entry{ID: "ent-1", StoryID: "story-1", Name: "Mara", Type: models.EntryCharacter}
	require.NoError(t, s.UpsertEntry(ctx, e))

	e.Name = "Mara the Elder"
	require.NoError(t, s.UpsertEntry(ctx, e))

	got, err := s.GetEntry(ctx, "story-1", "ent-1")
	require.NoError(t, err)
	assert.Equal(t, "Mara the Elder", got.Name)

	all, err := s.ListEntries(ctx, "story-1")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestGetEntryMissingReturnsErrNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetEntry(context.Background(), "story-1", "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateChapterEnforcesUniqueNumberPerStory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c := &models.Chapter{ID: "ch-1", StoryID: "story-1", Number: 1, Summary: "the arrival", EntryCount: 5}
	require.NoError(t, s.CreateChapter(ctx, c))

	dup := &models.Chapter{ID: "ch-2", StoryID: "story-1", Number: 1, Summary: "duplicate"}
	err := s.CreateChapter(ctx, dup)
	assert.Error(t, err)
}

func TestListChaptersOrderedByNumber(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateChapter(ctx, &models.Chapter{ID: "ch-2", StoryID: "story-1", Number: 2, Summary: "second"}))
	require.NoError(t, s.CreateChapter(ctx, &models.Chapter{ID: "ch-1", StoryID: "story-1", Number: 1, Summary: "first"}))

	chapters, err := s.ListChapters(ctx, "story-1")
	require.NoError(t, err)
	require.Len(t, chapters, 2)
	assert.Equal(t, 1, chapters[0].Number)
	assert.Equal(t, 2, chapters[1].Number)
}

func TestLatestChapterNumberNoChaptersIsZero(t *testing.T) {
	s := openTestStore(t)
	n, err := s.LatestChapterNumber(context.Background(), "story-1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestLatestChapterNumberReturnsMax(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateChapter(ctx, &models.Chapter{ID: "ch-1", StoryID: "story-1", Number: 1, Summary: "a"}))
	require.NoError(t, s.CreateChapter(ctx, &models.Chapter{ID: "ch-2", StoryID: "story-1", Number: 2, Summary: "b"}))

	n, err := s.LatestChapterNumber(ctx, "story-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestArcsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateArc(ctx, &models.Arc{ID: "arc-1", StoryID: "story-1", Title: "The Siege", StartCh: 1, EndCh: 3}))
	require.NoError(t, s.CreateArc(ctx, &models.Arc{ID: "arc-2", StoryID: "story-1", Title: "The Thaw", StartCh: 4}))

	arcs, err := s.ListArcs(ctx, "story-1")
	require.NoError(t, err)
	require.Len(t, arcs, 2)
	assert.Equal(t, "The Siege", arcs[0].Title)
	assert.Equal(t, 0, arcs[1].EndCh)
}
