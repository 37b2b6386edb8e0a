// internal/services/turn_coordinator_test.go
package services

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/aventura-engine/aventura/internal/bus"
	"github.com/aventura-engine/aventura/internal/llm"
	"github.com/aventura-engine/aventura/internal/models"
)

// TestMain verifies no goroutine started by a Submit call (the narrator's
// stream reader, the errgroup workers in Applying, the fire-and-forget
// suggestions goroutine) outlives its turn, including on the cancellation
// path where Submit returns before Stream's producer has necessarily
// noticed ctx is done.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// the suggestions goroutine in fireSuggestions is deliberately
		// fire-and-forget; TestSubmitCreativeModeFiresSuggestionsWithoutBlockingTurnCompletion
		// already waits on its result via require.Eventually before the
		// process-level leak check would run.
		goleak.IgnoreTopFunction("time.Sleep"),
	)
}

func newTestCoordinator(t *testing.T, provider llm.Provider) (*TurnCoordinator, *memPersistence, *bus.Bus) {
	t.Helper()
	coordinator, store, eventBus, _ := newTestCoordinatorWithClassifier(t, provider)
	return coordinator, store, eventBus
}

func newTestCoordinatorWithClassifier(t *testing.T, provider llm.Provider) (*TurnCoordinator, *memPersistence, *bus.Bus, *ClassifierService) {
	t.Helper()
	store := newMemPersistence()
	eventBus := bus.New(64)
	classifier := NewClassifierService(provider)
	coordinator := NewTurnCoordinator(
		store,
		NewEntryEngine(store, provider),
		NewChapterEngine(store, provider, 0),
		NewNarratorService(provider),
		classifier,
		NewSuggestionsService(provider),
		eventBus,
	)
	return coordinator, store, eventBus, classifier
}

// collectEvents subscribes to every event type of interest and records them
// in arrival order, safe for concurrent Emit calls from Applying's
// concurrent sub-phases.
func collectEvents(eventBus *bus.Bus, types ...bus.EventType) *eventRecorder {
	rec := &eventRecorder{}
	for _, t := range types {
		eventBus.Subscribe(t, func(ev bus.Event) {
			rec.mu.Lock()
			defer rec.mu.Unlock()
			rec.events = append(rec.events, ev)
		})
	}
	return rec
}

type eventRecorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *eventRecorder) has(t bus.EventType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Type == t {
			return true
		}
	}
	return false
}

func (r *eventRecorder) ofType(t bus.EventType) []bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []bus.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// streamProvider is a scripted provider that additionally answers Stream
// with a fixed sequence of chunks, for turn-level tests that need a real
// narrator pass.
type streamProvider struct {
	fakeProvider
	streamChunks []llm.StreamChunk
}

func (s *streamProvider) Stream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk, len(s.streamChunks))
	for _, c := range s.streamChunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func TestSubmitFreshStoryRunsFullTurnThroughAllFivePhases(t *testing.T) {
	provider := &streamProvider{
		streamChunks: []llm.StreamChunk{{Delta: "You step into the clearing. "}},
		fakeProvider: fakeProvider{
			toolResponses: []*llm.ToolCompletionResponse{
				{Call: llm.ToolCall{Arguments: map[string]any{
					"entryUpdates": map[string]any{
						"updates": []any{}, "newEntries": []any{}, "scene": map[string]any{},
					},
					"chapterAnalysis": map[string]any{"shouldCreateChapter": false},
					"voiceContext":    map[string]any{"mood": "calm"},
				}}},
			},
		},
	}
	coordinator, store, eventBus := newTestCoordinator(t, provider)
	rec := collectEvents(eventBus, bus.EventUserInput, bus.EventContextReady, bus.EventNarrativeResponse, bus.EventClassificationDone, bus.EventStateUpdated)

	err := coordinator.Submit(context.Background(), "s1", "look around", models.DefaultStoryConfig())

	require.NoError(t, err)
	assert.True(t, rec.has(bus.EventUserInput))
	assert.True(t, rec.has(bus.EventContextReady))
	assert.True(t, rec.has(bus.EventNarrativeResponse))
	assert.True(t, rec.has(bus.EventClassificationDone))
	assert.True(t, rec.has(bus.EventStateUpdated))
	assert.Len(t, store.storyEntries, 2, "user action and narration both appended")
}

func TestSubmitRejectsConcurrentUserInputForSameStory(t *testing.T) {
	// Stream blocks until the test closes it, holding the first Submit in
	// Generating long enough to observe the second Submit's rejection.
	streamBlocked := make(chan llm.StreamChunk)
	blockingProvider := &blockingStreamProvider{ch: streamBlocked}

	coordinator, _, _ := newTestCoordinator(t, blockingProvider)

	done := make(chan error, 1)
	go func() {
		done <- coordinator.Submit(context.Background(), "s1", "first", models.DefaultStoryConfig())
	}()

	// give the first Submit time to reach Generating and register as busy
	time.Sleep(50 * time.Millisecond)

	err := coordinator.Submit(context.Background(), "s1", "second", models.DefaultStoryConfig())
	assert.ErrorIs(t, err, ErrTurnInProgress)

	close(streamBlocked)
	require.NoError(t, <-done)
}

// blockingStreamProvider returns a Stream channel the test controls directly,
// so Submit can be held in Generating until the test is done asserting.
type blockingStreamProvider struct {
	fakeProvider
	ch chan llm.StreamChunk
}

func (b *blockingStreamProvider) Stream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	return b.ch, nil
}

func TestSubmitCancellationEndsTurnWithoutNarrativeResponse(t *testing.T) {
	streamCh := make(chan llm.StreamChunk)
	provider := &blockingStreamProvider{ch: streamCh}
	coordinator, store, eventBus := newTestCoordinator(t, provider)
	rec := collectEvents(eventBus, bus.EventNarrativeResponse, bus.EventUserInput)

	done := make(chan error, 1)
	go func() {
		done <- coordinator.Submit(context.Background(), "s1", "advance", models.DefaultStoryConfig())
	}()

	time.Sleep(50 * time.Millisecond)
	coordinator.Cancel("s1")
	close(streamCh)

	err := <-done
	require.NoError(t, err)
	assert.False(t, rec.has(bus.EventNarrativeResponse))
	assert.True(t, rec.has(bus.EventUserInput))
	assert.Len(t, store.storyEntries, 1, "the already-appended user entry is not rolled back")
}

func TestSubmitEmptyGenerationEndsTurnQuietly(t *testing.T) {
	provider := &streamProvider{streamChunks: []llm.StreamChunk{{Delta: ""}}}
	coordinator, store, eventBus := newTestCoordinator(t, provider)
	rec := collectEvents(eventBus, bus.EventNarrativeResponse)

	err := coordinator.Submit(context.Background(), "s1", "do nothing", models.DefaultStoryConfig())

	require.NoError(t, err)
	assert.False(t, rec.has(bus.EventNarrativeResponse))
	assert.Len(t, store.storyEntries, 1, "only the user entry is appended when generation is empty")
}

func TestSubmitClassifierExhaustionIsNonFatal(t *testing.T) {
	malformed := map[string]any{"voiceContext": map[string]any{}}
	responses := make([]*llm.ToolCompletionResponse, 0, 6)
	for i := 0; i < 6; i++ {
		responses = append(responses, &llm.ToolCompletionResponse{Call: llm.ToolCall{Arguments: malformed}})
	}
	provider := &streamProvider{
		streamChunks: []llm.StreamChunk{{Delta: "Something happens. "}},
		fakeProvider: fakeProvider{toolResponses: responses},
	}
	coordinator, _, eventBus, classifier := newTestCoordinatorWithClassifier(t, provider)
	classifier.backoff = fastTestBackoff
	rec := collectEvents(eventBus, bus.EventNarrativeResponse, bus.EventClassificationDone, bus.EventStateUpdated)

	err := coordinator.Submit(context.Background(), "s1", "act", models.DefaultStoryConfig())

	require.NoError(t, err)
	assert.True(t, rec.has(bus.EventNarrativeResponse), "narration still completes even though classification never does")
	assert.False(t, rec.has(bus.EventClassificationDone))
	assert.False(t, rec.has(bus.EventStateUpdated), "Applying never runs without a classification result")
}

func TestSubmitCreativeModeFiresSuggestionsWithoutBlockingTurnCompletion(t *testing.T) {
	provider := &streamProvider{
		streamChunks: []llm.StreamChunk{{Delta: "The story continues. "}},
		fakeProvider: fakeProvider{
			toolResponses: []*llm.ToolCompletionResponse{
				{Call: llm.ToolCall{Arguments: map[string]any{
					"entryUpdates":    map[string]any{"updates": []any{}, "newEntries": []any{}, "scene": map[string]any{}},
					"chapterAnalysis": map[string]any{"shouldCreateChapter": false},
					"voiceContext":    map[string]any{"mood": "calm"},
				}}},
				{Call: llm.ToolCall{Arguments: map[string]any{"suggestions": []any{
					map[string]any{"text": "You turn back.", "type": "action"},
					map[string]any{"text": "\"Wait,\" she says.", "type": "dialogue"},
					map[string]any{"text": "A figure emerges from the dark.", "type": "twist"},
				}}}},
			},
		},
	}
	coordinator, _, eventBus := newTestCoordinator(t, provider)
	rec := collectEvents(eventBus, bus.EventSuggestionsReady)

	cfg := models.DefaultStoryConfig()
	cfg.Mode = models.ModeCreativeWriting

	err := coordinator.Submit(context.Background(), "s1", "continue", cfg)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.has(bus.EventSuggestionsReady) }, time.Second, 10*time.Millisecond)
	ready := rec.ofType(bus.EventSuggestionsReady)
	require.Len(t, ready, 1)
	payload := ready[0].Payload.(bus.SuggestionsReadyPayload)
	assert.Len(t, payload.Suggestions, 3)
}

func TestRecentWindowExcludesCurrentUserEntryAndRespectsWindowSize(t *testing.T) {
	store := newMemPersistence()
	coordinator := &TurnCoordinator{persistence: store, cancels: map[string]context.CancelFunc{}}

	for i := 1; i <= 8; i++ {
		store.storyEntries = append(store.storyEntries, &models.StoryEntry{
			ID: string(rune('a' + i)), StoryID: "s1", Seq: i, Content: strings.Repeat("x", i),
		})
	}

	window, err := coordinator.recentWindow(context.Background(), "s1", 8, 3)

	require.NoError(t, err)
	require.Len(t, window, 3)
	for _, e := range window {
		assert.NotEqual(t, 8, e.Seq)
	}
	assert.Equal(t, 5, window[0].Seq)
	assert.Equal(t, 7, window[2].Seq)
}
