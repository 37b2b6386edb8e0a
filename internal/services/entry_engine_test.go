// internal/services/entry_engine_test.go
package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aventura-engine/aventura/internal/llm"
	"github.com/aventura-engine/aventura/internal/models"
)

func TestSelectTier1AlwaysInjectsRegardlessOfText(t *testing.T) {
	engine := NewEntryEngine(newMemPersistence(), nil)
	entry := &models.Entry{ID: "e1", Name: "The Ferryman's Curse", Injection: models.InjectionPolicy{Mode: models.InjectionAlways}}

	out, err := engine.Select(context.Background(), []*models.Entry{entry}, "", "", models.DefaultEntryConfig())

	require.NoError(t, err)
	assert.Len(t, out, 1)
	assert.Equal(t, "e1", out[0].ID)
}

func TestSelectTier2MatchesNameWithoutProviderCall(t *testing.T) {
	provider := &fakeProvider{}
	engine := NewEntryEngine(newMemPersistence(), provider)
	entry := &models.Entry{ID: "e1", Name: "Thornwick", Type: models.EntryCharacter, State: models.DefaultStateFor(models.EntryCharacter)}

	out, err := engine.Select(context.Background(), []*models.Entry{entry}, "", "Thornwick draws his sword.", models.DefaultEntryConfig())

	require.NoError(t, err)
	assert.Len(t, out, 1)
	assert.Equal(t, 0, provider.toolCalls)
}

func TestSelectTier2MatchesAliasCaseInsensitively(t *testing.T) {
	engine := NewEntryEngine(newMemPersistence(), nil)
	entry := &models.Entry{ID: "e1", Name: "Thornwick the Grey", Aliases: []string{"the Wanderer"}}

	out, err := engine.Select(context.Background(), []*models.Entry{entry}, "", "I greet THE WANDERER warmly.", models.DefaultEntryConfig())

	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestSelectTier2DoesNotMatchSubstring(t *testing.T) {
	engine := NewEntryEngine(newMemPersistence(), nil)
	entry := &models.Entry{ID: "e1", Name: "Ash"}

	out, err := engine.Select(context.Background(), []*models.Entry{entry}, "", "The ashes smoldered quietly.", models.DefaultEntryConfig())

	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestSelectSkipsTier3BelowThreshold(t *testing.T) {
	provider := &fakeProvider{}
	engine := NewEntryEngine(newMemPersistence(), provider)
	entries := make([]*models.Entry, 5)
	for i := range entries {
		entries[i] = &models.Entry{ID: string(rune('a' + i)), Name: "unrelated"}
	}
	cfg := models.DefaultEntryConfig()
	cfg.LLMThreshold = 30

	_, err := engine.Select(context.Background(), entries, "", "nothing matches", cfg)

	require.NoError(t, err)
	assert.Equal(t, 0, provider.toolCalls)
}

func TestSelectInvokesTier3AboveThreshold(t *testing.T) {
	provider := &fakeProvider{
		toolResponses: []*llm.ToolCompletionResponse{
			{Call: llm.ToolCall{Arguments: map[string]any{"entryIds": []any{"e2"}}}},
		},
	}
	engine := NewEntryEngine(newMemPersistence(), provider)
	entries := []*models.Entry{
		{ID: "e1", Name: "Irrelevant One"},
		{ID: "e2", Name: "Relevant Two"},
	}
	cfg := models.DefaultEntryConfig()
	cfg.LLMThreshold = 1

	out, err := engine.Select(context.Background(), entries, "", "something", cfg)

	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "e2", out[0].ID)
	assert.Equal(t, 1, provider.toolCalls)
}

func TestSelectSurvivesTier3ProviderFailure(t *testing.T) {
	provider := &fakeProvider{toolErr: assert.AnError}
	engine := NewEntryEngine(newMemPersistence(), provider)
	entries := []*models.Entry{{ID: "e1", Name: "Irrelevant"}, {ID: "e2", Name: "Also Irrelevant"}}
	cfg := models.DefaultEntryConfig()
	cfg.LLMThreshold = 1

	out, err := engine.Select(context.Background(), entries, "", "x", cfg)

	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestSelectOrdersByPriorityThenMentionCount(t *testing.T) {
	engine := NewEntryEngine(newMemPersistence(), nil)
	low := &models.Entry{ID: "low", Name: "Low", Injection: models.InjectionPolicy{Mode: models.InjectionAlways, Priority: 1}}
	high := &models.Entry{ID: "high", Name: "High", Injection: models.InjectionPolicy{Mode: models.InjectionAlways, Priority: 5}}

	out, err := engine.Select(context.Background(), []*models.Entry{low, high}, "", "", models.DefaultEntryConfig())

	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "high", out[0].ID)
}

func TestApplyUpdatesNewEntriesAndSceneInOrder(t *testing.T) {
	store := newMemPersistence()
	existing := &models.Entry{ID: "e1", StoryID: "s1", Name: "Old Name", Type: models.EntryLocation, State: models.DefaultStateFor(models.EntryLocation)}
	store.entries["e1"] = existing
	engine := NewEntryEngine(store, nil)

	result := models.ClassificationResult{
		EntryUpdates: models.EntryUpdates{
			Updates: []models.EntryChange{
				{EntryID: "e1", Changes: map[string]any{"description": "A dusty study."}},
			},
			NewEntries: []models.NewEntryProposal{
				{Name: "New Character", Type: models.EntryCharacter},
			},
			Scene: models.SceneUpdate{NewLocationName: strPtr("Old Name")},
		},
	}

	out, err := engine.Apply(context.Background(), "s1", result, "msg1")

	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.Equal(t, "A dusty study.", store.entries["e1"].Description)
	assert.True(t, store.entries["e1"].State.Location.IsCurrentLocation)

	var created *models.Entry
	for _, e := range store.entries {
		if e.Name == "New Character" {
			created = e
		}
	}
	require.NotNil(t, created)
	assert.Equal(t, "msg1", created.Provenance.FirstMentioned)
}

func TestApplyDropsUnknownEntryIDReference(t *testing.T) {
	store := newMemPersistence()
	engine := NewEntryEngine(store, nil)

	result := models.ClassificationResult{
		EntryUpdates: models.EntryUpdates{
			Updates: []models.EntryChange{{EntryID: "does-not-exist", Changes: map[string]any{"description": "x"}}},
		},
	}

	out, err := engine.Apply(context.Background(), "s1", result, "msg1")

	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestApplyIsIdempotent(t *testing.T) {
	store := newMemPersistence()
	store.entries["e1"] = &models.Entry{ID: "e1", StoryID: "s1", Name: "Room", State: models.DefaultStateFor(models.EntryLocation)}
	engine := NewEntryEngine(store, nil)

	result := models.ClassificationResult{
		EntryUpdates: models.EntryUpdates{
			NewEntries: []models.NewEntryProposal{{Name: "Guard", Type: models.EntryCharacter}},
			Scene:      models.SceneUpdate{NewLocationName: strPtr("Room")},
		},
	}

	_, err := engine.Apply(context.Background(), "s1", result, "msg1")
	require.NoError(t, err)
	first, err := engine.Apply(context.Background(), "s1", result, "msg2")
	require.NoError(t, err)

	assert.Len(t, first, 2, "reapplying the same proposal must not duplicate the entry")
}

func TestApplySceneSetsExactlyOneCurrentLocation(t *testing.T) {
	store := newMemPersistence()
	store.entries["a"] = &models.Entry{ID: "a", StoryID: "s1", Name: "Hall", Type: models.EntryLocation, State: models.EntryState{Location: &models.LocationState{IsCurrentLocation: true}}}
	store.entries["b"] = &models.Entry{ID: "b", StoryID: "s1", Name: "Cellar", Type: models.EntryLocation, State: models.EntryState{Location: &models.LocationState{}}}
	engine := NewEntryEngine(store, nil)

	result := models.ClassificationResult{
		EntryUpdates: models.EntryUpdates{Scene: models.SceneUpdate{NewLocationName: strPtr("Cellar")}},
	}

	_, err := engine.Apply(context.Background(), "s1", result, "msg1")

	require.NoError(t, err)
	assert.False(t, store.entries["a"].State.Location.IsCurrentLocation)
	assert.True(t, store.entries["b"].State.Location.IsCurrentLocation)
}

func TestApplyScenePresenceTogglesNamedCharactersOnlyOthersOff(t *testing.T) {
	store := newMemPersistence()
	store.entries["a"] = &models.Entry{ID: "a", StoryID: "s1", Name: "Alice", Type: models.EntryCharacter, State: models.EntryState{Character: &models.CharacterState{IsPresent: true}}}
	store.entries["b"] = &models.Entry{ID: "b", StoryID: "s1", Name: "Bob", Type: models.EntryCharacter, State: models.EntryState{Character: &models.CharacterState{}}}
	engine := NewEntryEngine(store, nil)

	result := models.ClassificationResult{
		EntryUpdates: models.EntryUpdates{Scene: models.SceneUpdate{PresentCharacterIDs: []string{"b"}}},
	}

	_, err := engine.Apply(context.Background(), "s1", result, "msg1")

	require.NoError(t, err)
	assert.False(t, store.entries["a"].State.Character.IsPresent)
	assert.True(t, store.entries["b"].State.Character.IsPresent)
}

func strPtr(s string) *string { return &s }
