// internal/services/entry_engine.go
package services

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/aventura-engine/aventura/internal/llm"
	"github.com/aventura-engine/aventura/internal/models"
	"github.com/aventura-engine/aventura/internal/storage"
	"github.com/aventura-engine/aventura/internal/utils"
)

// selectToolSchema is the JSON schema EntryEngine.selectViaLLM forces Tier 3
// completions to answer against.
var selectToolSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"entryIds": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string"},
		},
	},
	"required": []string{"entryIds"},
}

// EntryEngine owns the entry table: it selects which entries are relevant to
// a turn (Phase 1) and applies classifier-produced deltas to it (Phase 4).
// No other component mutates entries directly.
type EntryEngine struct {
	persistence storage.Persistence
	provider    llm.Provider

	wordBoundaryMu sync.Mutex
	wordBoundary   map[string]*regexp.Regexp
}

// NewEntryEngine constructs an EntryEngine. provider may be nil if
// entryConfig.enableLLMSelection is always false for every story this
// engine serves.
func NewEntryEngine(persistence storage.Persistence, provider llm.Provider) *EntryEngine {
	return &EntryEngine{
		persistence:  persistence,
		provider:     provider,
		wordBoundary: make(map[string]*regexp.Regexp),
	}
}

// Select runs the three-tier selection policy and returns the result,
// ordered by injection.priority descending then mentionCount descending,
// truncated to a token budget.
func (e *EntryEngine) Select(ctx context.Context, entries []*models.Entry, recentText, userInput string, cfg models.EntryConfig) ([]*models.Entry, error) {
	selected := make(map[string]*models.Entry)

	for _, entry := range entries {
		if e.tier1(entry) {
			selected[entry.ID] = entry
		}
	}

	haystack := recentText + " " + userInput
	var remaining []*models.Entry
	for _, entry := range entries {
		if _, ok := selected[entry.ID]; ok {
			continue
		}
		if e.tier2Matches(entry, haystack) {
			selected[entry.ID] = entry
		} else {
			remaining = append(remaining, entry)
		}
	}

	threshold := cfg.LLMThreshold
	if threshold <= 0 {
		threshold = 30
	}
	if cfg.EnableLLMSelection && e.provider != nil && len(remaining) > threshold {
		ids, err := e.selectViaLLM(ctx, remaining, userInput)
		if err != nil {
			utils.GetLogger().Warn("tier 3 entry selection failed, proceeding without it", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			byID := make(map[string]*models.Entry, len(remaining))
			for _, entry := range remaining {
				byID[entry.ID] = entry
			}
			for _, id := range ids {
				if entry, ok := byID[id]; ok {
					selected[entry.ID] = entry
				}
			}
		}
	}

	out := make([]*models.Entry, 0, len(selected))
	for _, entry := range selected {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Injection.Priority != out[j].Injection.Priority {
			return out[i].Injection.Priority > out[j].Injection.Priority
		}
		return out[i].Provenance.MentionCount > out[j].Provenance.MentionCount
	})

	return truncateToTokenBudget(out, cfg.MaxEntryTokens), nil
}

func (e *EntryEngine) tier1(entry *models.Entry) bool {
	if entry.Injection.Mode == models.InjectionAlways {
		return true
	}
	if entry.IsCurrentLocation() {
		return true
	}
	if entry.IsPresent() {
		return true
	}
	if entry.InInventory() {
		return true
	}
	return false
}

func (e *EntryEngine) tier2Matches(entry *models.Entry, haystack string) bool {
	if e.nameRegex(entry.Name).MatchString(haystack) {
		return true
	}
	for _, alias := range entry.Aliases {
		if e.nameRegex(alias).MatchString(haystack) {
			return true
		}
	}
	return false
}

// nameRegex returns a cached, case-insensitive whole-word matcher for name,
// compiling it on first use. Entry names recur across many turns in a
// story, so this avoids recompiling the same pattern on every Select call.
func (e *EntryEngine) nameRegex(name string) *regexp.Regexp {
	key := strings.ToLower(name)

	e.wordBoundaryMu.Lock()
	defer e.wordBoundaryMu.Unlock()

	if re, ok := e.wordBoundary[key]; ok {
		return re
	}
	re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(name) + `\b`)
	e.wordBoundary[key] = re
	return re
}

func (e *EntryEngine) selectViaLLM(ctx context.Context, candidates []*models.Entry, userInput string) ([]string, error) {
	var sb strings.Builder
	for _, entry := range candidates {
		sb.WriteString(entry.ID)
		sb.WriteString(": ")
		sb.WriteString(entry.Name)
		sb.WriteString(" — ")
		sb.WriteString(entry.Description)
		sb.WriteString("\n")
	}

	req := llm.ToolCompletionRequest{
		CompletionRequest: llm.CompletionRequest{
			SystemPrompt: "Select the entries most relevant to the user's next action. Only return ids from the provided list.",
			Messages: []llm.Message{
				{Role: "user", Content: "Candidates:\n" + sb.String() + "\nUser input: " + userInput},
			},
			Temperature: 0.7,
		},
		Tools:    []llm.Tool{{Name: "select_entries", Description: "Select relevant entry ids", Schema: selectToolSchema}},
		ToolName: "select_entries",
	}

	resp, err := e.provider.CompleteWithTools(ctx, req)
	if err != nil {
		return nil, err
	}

	raw, ok := resp.Call.Arguments["entryIds"]
	if !ok {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, nil
	}
	ids := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			ids = append(ids, s)
		}
	}
	return ids, nil
}

// estimateTokens is a coarse, dependency-free token-count heuristic (~4
// bytes per token), sufficient for the soft maxEntryTokens budget.
func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}

func truncateToTokenBudget(entries []*models.Entry, budget int) []*models.Entry {
	if budget <= 0 {
		return entries
	}
	spent := 0
	out := make([]*models.Entry, 0, len(entries))
	for _, entry := range entries {
		cost := estimateTokens(entry.Description) + estimateTokens(entry.Name)
		if spent+cost > budget && len(out) > 0 {
			break
		}
		out = append(out, entry)
		spent += cost
	}
	return out
}

// Apply applies a ClassificationResult's entryUpdates to storyID's entry
// table in the mandated order (updates → newEntries → scene), skipping
// unknown entryId references, and returns the full post-apply entry set.
// Applying the same result twice is idempotent: updates and scene changes
// overwrite rather than accumulate (an update adds one mention per
// narrationEntryID, however often it is applied), and a newEntry whose name/alias already
// matches an existing entry is skipped rather than duplicated.
func (e *EntryEngine) Apply(ctx context.Context, storyID string, result models.ClassificationResult, narrationEntryID string) ([]*models.Entry, error) {
	entries, err := e.persistence.ListEntries(ctx, storyID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*models.Entry, len(entries))
	for _, entry := range entries {
		byID[entry.ID] = entry
	}

	for _, change := range result.EntryUpdates.Updates {
		entry, ok := byID[change.EntryID]
		if !ok {
			continue // InvalidReference: silently dropped
		}
		applyChangeFields(entry, change.Changes)
		if entry.Provenance.LastMentioned != narrationEntryID {
			entry.Provenance.MentionCount++
		}
		entry.Provenance.LastMentioned = narrationEntryID
		if err := e.persistence.UpsertEntry(ctx, entry); err != nil {
			return nil, err
		}
	}

	for _, proposal := range result.EntryUpdates.NewEntries {
		if matchesExisting(entries, proposal.Name, proposal.Aliases) {
			continue
		}
		entry := &models.Entry{
			ID:          uuid.NewString(),
			StoryID:     storyID,
			Name:        proposal.Name,
			Type:        proposal.Type,
			Description: proposal.Description,
			Aliases:     proposal.Aliases,
			State:       models.DefaultStateFor(proposal.Type),
			Provenance: models.Provenance{
				FirstMentioned: narrationEntryID,
				LastMentioned:  narrationEntryID,
				MentionCount:   1,
				CreatedBy:      "classifier",
			},
		}
		mergeInitialState(&entry.State, proposal.Type, proposal.InitialState)
		if err := e.persistence.UpsertEntry(ctx, entry); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
		byID[entry.ID] = entry
	}

	if err := e.applyScene(ctx, entries, byID, result.EntryUpdates.Scene); err != nil {
		return nil, err
	}

	return e.persistence.ListEntries(ctx, storyID)
}

func (e *EntryEngine) applyScene(ctx context.Context, entries []*models.Entry, byID map[string]*models.Entry, scene models.SceneUpdate) error {
	if scene.NewLocationName != nil {
		target := findByName(entries, *scene.NewLocationName)
		for _, entry := range entries {
			if entry.Type != models.EntryLocation || entry.State.Location == nil {
				continue
			}
			wasCurrent := entry.State.Location.IsCurrentLocation
			entry.State.Location.IsCurrentLocation = target != nil && entry.ID == target.ID
			if wasCurrent != entry.State.Location.IsCurrentLocation {
				if err := e.persistence.UpsertEntry(ctx, entry); err != nil {
					return err
				}
			}
		}
	}

	if scene.PresentCharacterIDs != nil {
		present := make(map[string]bool, len(scene.PresentCharacterIDs))
		for _, id := range scene.PresentCharacterIDs {
			present[id] = true
		}
		for _, entry := range entries {
			if entry.Type != models.EntryCharacter || entry.State.Character == nil {
				continue
			}
			wasPresent := entry.State.Character.IsPresent
			entry.State.Character.IsPresent = present[entry.ID]
			if wasPresent != entry.State.Character.IsPresent {
				if err := e.persistence.UpsertEntry(ctx, entry); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

func findByName(entries []*models.Entry, name string) *models.Entry {
	for _, entry := range entries {
		if entry.MatchesNameOrAlias(name) {
			return entry
		}
	}
	return nil
}

func matchesExisting(entries []*models.Entry, name string, aliases []string) bool {
	if findByName(entries, name) != nil {
		return true
	}
	for _, alias := range aliases {
		if findByName(entries, alias) != nil {
			return true
		}
	}
	return false
}

// applyChangeFields assigns only the fields explicitly present in changes.
// Supported keys: description, aliases; relationship deltas are expressed
// as relationships.<entryId> mapping to an int level, clamped to [-100,100].
func applyChangeFields(entry *models.Entry, changes map[string]any) {
	if desc, ok := changes["description"].(string); ok {
		entry.Description = desc
	}
	if aliases, ok := changes["aliases"].([]any); ok {
		out := make([]string, 0, len(aliases))
		for _, a := range aliases {
			if s, ok := a.(string); ok {
				out = append(out, s)
			}
		}
		entry.Aliases = out
	}
	if rel, ok := changes["relationships"].(map[string]any); ok && entry.State.Character != nil {
		if entry.State.Character.Relationships == nil {
			entry.State.Character.Relationships = map[string]int{}
		}
		for id, v := range rel {
			if level, ok := toInt(v); ok {
				entry.State.Character.Relationships[id] = models.ClampRelationship(level)
			}
		}
	}
	if disposition, ok := changes["disposition"].(string); ok && entry.State.Character != nil {
		entry.State.Character.Disposition = disposition
	}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}

func mergeInitialState(state *models.EntryState, t models.EntryType, initial map[string]any) {
	if initial == nil {
		return
	}
	switch t {
	case models.EntryCharacter:
		if state.Character == nil {
			state.Character = &models.CharacterState{}
		}
		if v, ok := initial["isPresent"].(bool); ok {
			state.Character.IsPresent = v
		}
		if v, ok := initial["disposition"].(string); ok {
			state.Character.Disposition = v
		}
	case models.EntryLocation:
		if state.Location == nil {
			state.Location = &models.LocationState{}
		}
		if v, ok := initial["isCurrentLocation"].(bool); ok {
			state.Location.IsCurrentLocation = v
		}
	case models.EntryItem:
		if state.Item == nil {
			state.Item = &models.ItemState{}
		}
		if v, ok := initial["isPresent"].(bool); ok {
			state.Item.IsPresent = v
		}
		if v, ok := initial["inInventory"].(bool); ok {
			state.Item.InInventory = v
		}
	}
}
