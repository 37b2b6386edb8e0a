// internal/models/entry.go
package models

import (
	"strings"
	"time"
)

// EntryType is the kind of world-model record an Entry represents.
type EntryType string

const (
	EntryCharacter EntryType = "character"
	EntryLocation  EntryType = "location"
	EntryItem      EntryType = "item"
	EntryFaction   EntryType = "faction"
	EntryConcept   EntryType = "concept"
	EntryEvent     EntryType = "event"
)

// InjectionMode controls when an Entry is eligible for prompt injection.
type InjectionMode string

const (
	InjectionAlways   InjectionMode = "always"
	InjectionKeyword  InjectionMode = "keyword"
	InjectionRelevant InjectionMode = "relevant"
	InjectionNever    InjectionMode = "never"
)

// InjectionPolicy governs whether and how an Entry is surfaced to the
// Narrator Pipeline.
type InjectionPolicy struct {
	Mode     InjectionMode `json:"mode"`
	Keywords []string      `json:"keywords,omitempty"`
	Priority int           `json:"priority"`
}

// Provenance tracks where and when an Entry came into existence and how
// often it has been referenced.
type Provenance struct {
	FirstMentioned string    `json:"first_mentioned"` // Story Entry id
	LastMentioned  string    `json:"last_mentioned"`  // Story Entry id
	MentionCount   int       `json:"mention_count"`
	CreatedBy      string    `json:"created_by"`
	CreatedAt      time.Time `json:"created_at"`
}

// CharacterState is the dynamic state union member for EntryCharacter.
type CharacterState struct {
	IsPresent     bool           `json:"is_present"`
	InInventory   bool           `json:"in_inventory"` // characters are never carried; always false
	Relationships map[string]int `json:"relationships,omitempty"` // entryID -> level, clamped [-100,100]
	Disposition   string         `json:"disposition,omitempty"`
}

// LocationState is the dynamic state union member for EntryLocation.
type LocationState struct {
	IsCurrentLocation bool `json:"is_current_location"`
}

// ItemState is the dynamic state union member for EntryItem.
type ItemState struct {
	IsPresent   bool `json:"is_present"`
	InInventory bool `json:"in_inventory"`
}

// EntryState is the per-type dynamic state union. Only the field matching
// Entry.Type is meaningful; the others are zero values.
type EntryState struct {
	Character *CharacterState `json:"character,omitempty"`
	Location  *LocationState  `json:"location,omitempty"`
	Item      *ItemState      `json:"item,omitempty"`
}

// DefaultStateFor returns the zeroed state union member appropriate for t,
// used to seed a newly created Entry before merging initialState over it.
func DefaultStateFor(t EntryType) EntryState {
	switch t {
	case EntryCharacter:
		return EntryState{Character: &CharacterState{Relationships: map[string]int{}}}
	case EntryLocation:
		return EntryState{Location: &LocationState{}}
	case EntryItem:
		return EntryState{Item: &ItemState{}}
	default:
		return EntryState{}
	}
}

// Entry is a world-model record: a character, location, item, faction,
// concept, or event, with a static description and dynamic per-type state.
type Entry struct {
	ID          string          `json:"id"`
	StoryID     string          `json:"story_id"`
	Name        string          `json:"name"`
	Type        EntryType       `json:"type"`
	Description string          `json:"description"`
	Aliases     []string        `json:"aliases,omitempty"` // unique within a story, case-insensitive
	State       EntryState      `json:"state"`
	Injection   InjectionPolicy `json:"injection"`
	Provenance  Provenance      `json:"provenance"`
}

// IsCurrentLocation reports whether e is the (at most one) current-location
// entry.
func (e *Entry) IsCurrentLocation() bool {
	return e.Type == EntryLocation && e.State.Location != nil && e.State.Location.IsCurrentLocation
}

// IsPresent reports whether e is marked present in the current scene.
func (e *Entry) IsPresent() bool {
	switch e.Type {
	case EntryCharacter:
		return e.State.Character != nil && e.State.Character.IsPresent
	case EntryItem:
		return e.State.Item != nil && e.State.Item.IsPresent
	default:
		return false
	}
}

// InInventory reports whether e (an item) is carried.
func (e *Entry) InInventory() bool {
	return e.Type == EntryItem && e.State.Item != nil && e.State.Item.InInventory
}

// ClampRelationship clamps a relationship level into [-100, 100].
func ClampRelationship(level int) int {
	if level < -100 {
		return -100
	}
	if level > 100 {
		return 100
	}
	return level
}

// MatchesNameOrAlias reports whether name case-insensitively equals e's name
// or one of its aliases.
func (e *Entry) MatchesNameOrAlias(name string) bool {
	if strings.EqualFold(e.Name, name) {
		return true
	}
	for _, a := range e.Aliases {
		if strings.EqualFold(a, name) {
			return true
		}
	}
	return false
}
