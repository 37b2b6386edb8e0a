// internal/services/turn_coordinator.go
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/aventura-engine/aventura/internal/bus"
	"github.com/aventura-engine/aventura/internal/models"
	"github.com/aventura-engine/aventura/internal/storage"
	"github.com/aventura-engine/aventura/internal/utils"
)

// ErrTurnInProgress is returned by Submit when storyID already has a turn
// in flight; the caller decides whether to queue, drop, or surface it.
var ErrTurnInProgress = errors.New("turn_coordinator: a turn is already in progress for this story")

const defaultRecentWindow = 6
const suggestionsTimeout = 30 * time.Second

// TurnCoordinator drives the five-phase state machine
// (Idle → Retrieving → Generating → Classifying → Applying → Idle) for one
// story at a time, serialized per story id. It owns no world-model state
// itself — every mutation is delegated to the engine that owns that table.
//
// Grounded on internal/services/lock_manager.go's per-entity map pattern,
// reused here as a per-story cancel-function table instead of a lock table:
// a turn's presence in the map IS the busy flag, and removing it both
// releases the slot and provides the cancellation handle.
type TurnCoordinator struct {
	persistence   storage.Persistence
	entryEngine   *EntryEngine
	chapterEngine *ChapterEngine
	narrator      *NarratorService
	classifier    *ClassifierService
	suggestions   *SuggestionsService
	bus           *bus.Bus

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	started map[string]time.Time
}

func NewTurnCoordinator(
	persistence storage.Persistence,
	entryEngine *EntryEngine,
	chapterEngine *ChapterEngine,
	narrator *NarratorService,
	classifier *ClassifierService,
	suggestions *SuggestionsService,
	eventBus *bus.Bus,
) *TurnCoordinator {
	return &TurnCoordinator{
		persistence:   persistence,
		entryEngine:   entryEngine,
		chapterEngine: chapterEngine,
		narrator:      narrator,
		classifier:    classifier,
		suggestions:   suggestions,
		bus:           eventBus,
		cancels:       make(map[string]context.CancelFunc),
		started:       make(map[string]time.Time),
	}
}

// StuckStories returns the story ids whose turn has been in flight for
// longer than timeout, for internal/scheduler's watchdog job to force-reset.
func (t *TurnCoordinator) StuckStories(timeout time.Duration) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var stuck []string
	cutoff := time.Now().Add(-timeout)
	for storyID, startedAt := range t.started {
		if startedAt.Before(cutoff) {
			stuck = append(stuck, storyID)
		}
	}
	return stuck
}

// Cancel drops the in-flight turn for storyID, if any. The turn's Submit
// call observes this via ctx cancellation and returns without emitting
// NarrativeResponse; already-appended user entries are not rolled back.
func (t *TurnCoordinator) Cancel(storyID string) {
	t.mu.Lock()
	cancel, ok := t.cancels[storyID]
	t.mu.Unlock()
	if ok {
		cancel()
	}
}

// ForceReset cancels storyID's in-flight turn (if any is still running) and
// records a system Story Entry explaining why, for internal/scheduler's
// watchdog to call against a story StuckStories reported as stuck: spec.md
// §7's "unrecoverable generation failure" policy applied to a turn that
// never reached a terminal state at all, rather than one that errored.
func (t *TurnCoordinator) ForceReset(storyID string) {
	t.mu.Lock()
	cancel, ok := t.cancels[storyID]
	t.mu.Unlock()
	if !ok {
		return
	}
	cancel()

	utils.GetLogger().Error("watchdog force-reset a stuck turn", map[string]interface{}{"story_id": storyID})
	sysEntry := &models.StoryEntry{ID: uuid.NewString(), StoryID: storyID, Role: models.RoleSystem, Content: "turn was force-reset after exceeding the watchdog timeout"}
	if err := t.persistence.AppendStoryEntry(context.Background(), sysEntry); err != nil {
		utils.GetLogger().Error("failed to append system entry after watchdog reset", map[string]interface{}{"story_id": storyID, "error": err.Error()})
		return
	}
	t.bus.Emit(storyID, bus.EventSaveComplete, bus.SaveCompletePayload{StoryEntryID: sysEntry.ID})
}

// Submit runs one full turn for storyID to completion (or cancellation, or
// terminal failure), returning ErrTurnInProgress immediately if storyID
// already has a turn in flight.
func (t *TurnCoordinator) Submit(parent context.Context, storyID, userInput string, cfg models.StoryConfig) error {
	ctx, cancel, err := t.acquire(parent, storyID)
	if err != nil {
		return err
	}
	defer t.release(storyID, cancel)

	// Idle -> Retrieving
	userEntry := &models.StoryEntry{ID: uuid.NewString(), StoryID: storyID, Role: models.RoleUserAction, Content: userInput}
	if err := t.persistence.AppendStoryEntry(ctx, userEntry); err != nil {
		return t.fail(storyID, err)
	}
	t.bus.Emit(storyID, bus.EventUserInput, bus.UserInputPayload{Content: userInput, Mode: cfg.Mode})
	t.bus.Emit(storyID, bus.EventSaveComplete, bus.SaveCompletePayload{StoryEntryID: userEntry.ID})

	entries, err := t.persistence.ListEntries(ctx, storyID)
	if err != nil {
		return t.fail(storyID, err)
	}
	snapshot := buildWorldSnapshot(entries)

	recent, err := t.recentWindow(ctx, storyID, userEntry.Seq, cfg.RecentWindow)
	if err != nil {
		return t.fail(storyID, err)
	}
	recentText := joinContents(recent)

	// Retrieving: Memory.retrieve ∥ Entry.select
	var retrievedContext string
	var selectedEntries []*models.Entry
	rg, rctx := errgroup.WithContext(ctx)
	rg.Go(func() error {
		rc, err := t.chapterEngine.Retrieve(rctx, storyID, recentText, userInput, cfg.Memory)
		if err != nil {
			return err
		}
		retrievedContext = rc
		return nil
	})
	rg.Go(func() error {
		se, err := t.entryEngine.Select(rctx, entries, recentText, userInput, cfg.Entry)
		if err != nil {
			return err
		}
		selectedEntries = se
		return nil
	})
	if err := rg.Wait(); err != nil {
		if isCancelled(err) {
			return nil
		}
		return t.fail(storyID, err)
	}
	t.bus.Emit(storyID, bus.EventContextReady, bus.ContextReadyPayload{RetrievedContext: retrievedContext, SelectedEntries: selectedEntries})

	// Generating
	chunks, err := t.narrator.Stream(ctx, NarrationRequest{
		Mode:             cfg.Mode,
		WorldSnapshot:    snapshot,
		SelectedEntries:  selectedEntries,
		RetrievedContext: retrievedContext,
		RecentMessages:   recent,
		UserInput:        userInput,
	})
	if err != nil {
		return t.fail(storyID, err)
	}

	var fullResponse strings.Builder
	for chunk := range chunks {
		if chunk.Sentence != "" {
			t.bus.Emit(storyID, bus.EventSentenceComplete, bus.SentenceCompletePayload{Text: chunk.Sentence})
			continue
		}
		fullResponse.WriteString(chunk.Delta)
		t.bus.Emit(storyID, bus.EventResponseStreaming, bus.ResponseStreamingPayload{Chunk: chunk.Delta, Accumulated: chunk.Accumulated})
	}
	if ctx.Err() != nil {
		return nil // cancelled mid-stream: no NarrativeResponse, no rollback of userEntry
	}
	if fullResponse.Len() == 0 {
		return nil // empty generation -> Idle
	}

	narrationEntry := &models.StoryEntry{ID: uuid.NewString(), StoryID: storyID, Role: models.RoleNarration, Content: fullResponse.String()}
	if err := t.persistence.AppendStoryEntry(ctx, narrationEntry); err != nil {
		return t.fail(storyID, err)
	}
	t.bus.Emit(storyID, bus.EventNarrativeResponse, bus.NarrativeResponsePayload{MessageID: narrationEntry.ID, Content: narrationEntry.Content})
	t.bus.Emit(storyID, bus.EventSaveComplete, bus.SaveCompletePayload{StoryEntryID: narrationEntry.ID})

	// Classifying
	result, err := t.classifier.Classify(ctx, narrationEntry.Content, userInput, snapshot)
	if err != nil {
		if isCancelled(err) {
			return nil
		}
		utils.GetLogger().Warn("classification unrecoverable, proceeding without it", map[string]interface{}{
			"story_id": storyID, "error": err.Error(),
		})
		return nil // non-fatal -> Idle
	}
	t.bus.Emit(storyID, bus.EventClassificationDone, bus.ClassificationCompletePayload{MessageID: narrationEntry.ID, Result: result})

	// Applying: Entry.apply ∥ Chapter.maybe-create; Suggestions fire-and-forget
	ag, actx := errgroup.WithContext(ctx)
	ag.Go(func() error {
		updated, err := t.entryEngine.Apply(actx, storyID, result, narrationEntry.ID)
		if err != nil {
			return err
		}
		t.bus.Emit(storyID, bus.EventStateUpdated, bus.StateUpdatedPayload{Entries: updated})
		return nil
	})
	ag.Go(func() error {
		chapter, err := t.chapterEngine.MaybeCreateChapter(actx, storyID, cfg.Memory, result)
		if err != nil {
			return err
		}
		if chapter != nil {
			t.bus.Emit(storyID, bus.EventChapterCreated, bus.ChapterCreatedPayload{Chapter: chapter})
		}
		return nil
	})
	if cfg.Mode == models.ModeCreativeWriting {
		t.fireSuggestions(storyID, narrationEntry.Content)
	}
	if err := ag.Wait(); err != nil {
		if isCancelled(err) {
			return nil
		}
		return t.fail(storyID, err)
	}

	return nil
}

// acquire registers storyID as busy and returns a cancellable context
// derived from parent, or ErrTurnInProgress if storyID is already busy.
func (t *TurnCoordinator) acquire(parent context.Context, storyID string) (context.Context, context.CancelFunc, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, busy := t.cancels[storyID]; busy {
		return nil, nil, ErrTurnInProgress
	}
	ctx, cancel := context.WithCancel(parent)
	t.cancels[storyID] = cancel
	t.started[storyID] = time.Now()
	return ctx, cancel, nil
}

func (t *TurnCoordinator) release(storyID string, cancel context.CancelFunc) {
	t.mu.Lock()
	delete(t.cancels, storyID)
	delete(t.started, storyID)
	t.mu.Unlock()
	cancel()
}

// fireSuggestions runs Suggestions.Generate in the background on a context
// detached from the turn (the turn may already be marked complete and its
// own context cancelled by the time a slow suggestion call would return).
// Its completion is never awaited by Submit.
func (t *TurnCoordinator) fireSuggestions(storyID, narrationText string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), suggestionsTimeout)
		defer cancel()

		suggestions := t.suggestions.Generate(ctx, narrationText)
		if len(suggestions) == 0 {
			return
		}
		t.bus.Emit(storyID, bus.EventSuggestionsReady, bus.SuggestionsReadyPayload{Suggestions: suggestions})
	}()
}

// fail appends a system Story Entry recording the failure, emits an error
// event, and returns err so Submit's caller observes the failure. Used for
// every terminal-failure transition; cancellation is handled separately
// since a cancelled turn, per the ordering model, ends silently.
func (t *TurnCoordinator) fail(storyID string, err error) error {
	utils.GetLogger().Error("turn failed", map[string]interface{}{"story_id": storyID, "error": err.Error()})

	sysEntry := &models.StoryEntry{ID: uuid.NewString(), StoryID: storyID, Role: models.RoleSystem, Content: fmt.Sprintf("turn failed: %v", err)}
	if appendErr := t.persistence.AppendStoryEntry(context.Background(), sysEntry); appendErr != nil {
		utils.GetLogger().Error("failed to append system entry after turn failure", map[string]interface{}{
			"story_id": storyID, "error": appendErr.Error(),
		})
	} else {
		t.bus.Emit(storyID, bus.EventSaveComplete, bus.SaveCompletePayload{StoryEntryID: sysEntry.ID})
	}
	t.bus.Emit(storyID, bus.EventError, err)
	return err
}

func isCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// recentWindow returns the window most recent Story Entries preceding
// excludeSeq (the entry just appended for the current turn), oldest first.
func (t *TurnCoordinator) recentWindow(ctx context.Context, storyID string, excludeSeq, window int) ([]models.StoryEntry, error) {
	all, err := t.persistence.ListStoryEntries(ctx, storyID, 0)
	if err != nil {
		return nil, err
	}
	if window <= 0 {
		window = defaultRecentWindow
	}

	prior := make([]*models.StoryEntry, 0, len(all))
	for _, e := range all {
		if e.Seq == excludeSeq {
			continue
		}
		prior = append(prior, e)
	}
	if len(prior) > window {
		prior = prior[len(prior)-window:]
	}

	out := make([]models.StoryEntry, len(prior))
	for i, e := range prior {
		out[i] = *e
	}
	return out, nil
}

func joinContents(entries []models.StoryEntry) string {
	var sb strings.Builder
	for _, e := range entries {
		sb.WriteString(e.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

// buildWorldSnapshot captures the current-location id alongside the full
// entry set, for the Classifier and Narrator's scene-context rendering.
func buildWorldSnapshot(entries []*models.Entry) models.WorldSnapshot {
	snapshot := models.WorldSnapshot{Entries: entries}
	for _, e := range entries {
		if e.IsCurrentLocation() {
			snapshot.CurrentLocationID = e.ID
			break
		}
	}
	return snapshot
}
