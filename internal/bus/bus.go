// internal/bus/bus.go
package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aventura-engine/aventura/internal/utils"
)

// EventType names one of the turn-lifecycle events a Turn Coordinator run
// publishes.
type EventType string

const (
	EventUserInput            EventType = "user_input"
	EventContextReady         EventType = "context_ready"
	EventResponseStreaming    EventType = "response_streaming"
	EventSentenceComplete     EventType = "sentence_complete"
	EventNarrativeResponse    EventType = "narrative_response"
	EventClassificationDone   EventType = "classification_complete"
	EventSuggestionsReady     EventType = "suggestions_ready"
	EventStateUpdated         EventType = "state_updated"
	EventChapterCreated       EventType = "chapter_created"
	EventSaveComplete         EventType = "save_complete"
	EventError                EventType = "error"
)

// Event is one message on the bus. Payload's concrete type is determined by
// Type; consumers type-assert it themselves (see doc comments on each
// EventType constant's producer for the shape).
type Event struct {
	ID        string
	Type      EventType
	StoryID   string
	Seq       uint64
	Timestamp time.Time
	Payload   any
}

// Handler receives a delivered Event. It must not block for long: Emit
// delivers synchronously, in subscriber-registration order, on the calling
// goroutine.
type Handler func(Event)

// Bus is a typed, in-process, single-consumer-group publish/subscribe hub.
// Delivery for a single Emit call is synchronous and source-ordered: all
// subscribers of that event's type run, in registration order, before Emit
// returns. Handlers that themselves call Emit do not recurse into a second
// dispatch pass; the nested event is queued and drained after the current
// dispatch finishes, preserving global emission order (see drain).
//
// Grounded on the register/unregister/broadcast channel manager in the
// teacher's internal/api/websocket.go, collapsed from a goroutine-driven
// mailbox loop into a directly-callable, still race-free dispatcher.
type Bus struct {
	mu          sync.Mutex
	subscribers map[EventType][]Handler
	seq         uint64

	dispatching bool
	pending     []Event

	ring    []Event
	ringCap int
	ringPos int
	ringLen int
}

// New returns a Bus retaining the last ringCap events for debug inspection.
// A ringCap of 0 disables retention.
func New(ringCap int) *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Handler),
		ring:        make([]Event, ringCap),
		ringCap:     ringCap,
	}
}

// Subscribe registers handler for events of type t and returns a function
// that removes it. Safe to call from within a handler.
func (b *Bus) Subscribe(t EventType, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers[t] = append(b.subscribers[t], handler)
	idx := len(b.subscribers[t]) - 1

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		handlers := b.subscribers[t]
		if idx >= len(handlers) || handlers[idx] == nil {
			return
		}
		handlers[idx] = nil
	}
}

// Emit publishes an event for storyID carrying payload. If called while a
// dispatch for this Bus is already in progress on this goroutine (a handler
// emitting a follow-on event), the event is queued rather than dispatched
// immediately, so the currently-in-flight event's subscribers all finish
// before the nested one is delivered.
func (b *Bus) Emit(storyID string, t EventType, payload any) {
	b.mu.Lock()
	b.seq++
	ev := Event{
		ID:        uuid.NewString(),
		Type:      t,
		StoryID:   storyID,
		Seq:       b.seq,
		Timestamp: time.Now(),
		Payload:   payload,
	}
	b.recordLocked(ev)

	if b.dispatching {
		b.pending = append(b.pending, ev)
		b.mu.Unlock()
		return
	}
	b.dispatching = true
	b.mu.Unlock()

	b.dispatch(ev)
	b.drain()
}

// drain delivers any events queued by handlers during the previous
// dispatch, in the order they were queued, until none remain.
func (b *Bus) drain() {
	for {
		b.mu.Lock()
		if len(b.pending) == 0 {
			b.dispatching = false
			b.mu.Unlock()
			return
		}
		next := b.pending[0]
		b.pending = b.pending[1:]
		b.mu.Unlock()

		b.dispatch(next)
	}
}

func (b *Bus) dispatch(ev Event) {
	b.mu.Lock()
	handlers := make([]Handler, len(b.subscribers[ev.Type]))
	copy(handlers, b.subscribers[ev.Type])
	b.mu.Unlock()

	for _, h := range handlers {
		if h == nil {
			continue
		}
		b.invoke(h, ev)
	}
}

// invoke runs a handler, converting a panic into an Error event rather than
// letting it take down the caller's goroutine.
func (b *Bus) invoke(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			utils.GetLogger().Error("event handler panicked", map[string]interface{}{
				"event_type": string(ev.Type),
				"story_id":   ev.StoryID,
				"recovered":  r,
			})
			errEv := Event{
				ID:        uuid.NewString(),
				Type:      EventError,
				StoryID:   ev.StoryID,
				Timestamp: time.Now(),
				Payload:   HandlerPanic{SourceType: ev.Type, Recovered: r},
			}
			b.mu.Lock()
			b.seq++
			errEv.Seq = b.seq
			b.recordLocked(errEv)
			b.pending = append(b.pending, errEv)
			b.mu.Unlock()
		}
	}()
	h(ev)
}

// HandlerPanic is the Payload of an Error event raised by a panicking
// handler (as opposed to one an application component chose to Emit).
type HandlerPanic struct {
	SourceType EventType
	Recovered  any
}

func (b *Bus) recordLocked(ev Event) {
	if b.ringCap == 0 {
		return
	}
	b.ring[b.ringPos] = ev
	b.ringPos = (b.ringPos + 1) % b.ringCap
	if b.ringLen < b.ringCap {
		b.ringLen++
	}
}

// Recent returns up to the last ringCap events recorded, oldest first.
func (b *Bus) Recent() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Event, b.ringLen)
	start := (b.ringPos - b.ringLen + b.ringCap) % b.ringCap
	for i := 0; i < b.ringLen; i++ {
		out[i] = b.ring[(start+i)%b.ringCap]
	}
	return out
}
