// internal/services/narrator.go
package services

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/aventura-engine/aventura/internal/llm"
	"github.com/aventura-engine/aventura/internal/models"
)

const (
	defaultMaxTokens = 8192
	narratorTemp     = 0.8
)

var sentenceTerminators = map[rune]bool{'.': true, '!': true, '?': true, '…': true}

var abbreviationDenylist = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "dr": true, "st": true, "etc": true, "vs": true,
}

const adventureSystemPrompt = `You are the narrator of an interactive text adventure. Write vivid, second-person prose describing the outcome of the player's action. Keep the world internally consistent with the provided story context.`

const creativeSystemPrompt = `You are a collaborative creative-writing partner. Continue the narrative in response to the user's direction, maintaining tone and character voice established so far.`

// NarratorService assembles the per-turn prompt and streams a completion
// back as a sequence of whole sentences, the only unit the rest of the
// system reasons about.
type NarratorService struct {
	provider llm.Provider
}

func NewNarratorService(provider llm.Provider) *NarratorService {
	return &NarratorService{provider: provider}
}

// Stream runs the narration completion and delivers complete sentences on
// the returned channel as they're recognized, with the full accumulated
// text alongside each chunk for ResponseStreaming payloads. The channel is
// closed when the underlying stream ends or ctx is cancelled.
func (n *NarratorService) Stream(ctx context.Context, req NarrationRequest) (<-chan NarrationChunk, error) {
	prompt := assemblePrompt(req)

	chunks, err := n.provider.Stream(ctx, llm.CompletionRequest{
		SystemPrompt: prompt.systemPrompt,
		Messages:     prompt.messages,
		Temperature:  narratorTemp,
		MaxTokens:    defaultMaxTokens,
	})
	if err != nil {
		return nil, err
	}

	out := make(chan NarrationChunk)
	go func() {
		defer close(out)
		seg := newSentenceSegmenter()
		var accumulated strings.Builder

		for chunk := range chunks {
			if chunk.Delta == "" && !chunk.Done {
				continue
			}
			accumulated.WriteString(chunk.Delta)

			select {
			case out <- NarrationChunk{Delta: chunk.Delta, Accumulated: accumulated.String()}:
			case <-ctx.Done():
				return
			}

			for _, sentence := range seg.feed(chunk.Delta) {
				select {
				case out <- NarrationChunk{Sentence: sentence}:
				case <-ctx.Done():
					return
				}
			}
		}

		if final := seg.flush(); final != "" {
			select {
			case out <- NarrationChunk{Sentence: final}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

// NarrationRequest carries everything NarratorService needs to assemble a
// prompt; it is built fresh by the Turn Coordinator each turn from the
// TurnContext and story config.
type NarrationRequest struct {
	Mode             models.Mode
	WorldSnapshot    models.WorldSnapshot
	SelectedEntries  []*models.Entry
	RetrievedContext string
	RecentMessages   []models.StoryEntry // oldest first
	UserInput        string
	TokenBudget      int // 0 uses defaultMaxTokens
}

// NarrationChunk is either a raw streaming delta (Sentence empty) or a
// completed sentence (Sentence non-empty, Delta/Accumulated empty).
type NarrationChunk struct {
	Delta       string
	Accumulated string
	Sentence    string
}

type assembledPrompt struct {
	systemPrompt string
	messages     []llm.Message
}

func assemblePrompt(req NarrationRequest) assembledPrompt {
	systemPrompt := adventureSystemPrompt
	if req.Mode == models.ModeCreativeWriting {
		systemPrompt = creativeSystemPrompt
	}

	var ctxBlock strings.Builder
	ctxBlock.WriteString("[STORY CONTEXT]\n")
	writeSceneContext(&ctxBlock, req.WorldSnapshot)
	writeEntryContext(&ctxBlock, req.SelectedEntries)
	if req.RetrievedContext != "" {
		ctxBlock.WriteString(req.RetrievedContext)
		ctxBlock.WriteString("\n")
	}

	budget := req.TokenBudget
	if budget <= 0 {
		budget = defaultMaxTokens
	}
	messages := []llm.Message{{Role: "system", Content: ctxBlock.String()}}
	messages = append(messages, budgetedWindow(req.RecentMessages, req.UserInput, budget)...)

	return assembledPrompt{systemPrompt: systemPrompt, messages: messages}
}

func writeSceneContext(sb *strings.Builder, snapshot models.WorldSnapshot) {
	var location *models.Entry
	var present []*models.Entry
	var inventory []*models.Entry

	for _, e := range snapshot.Entries {
		if e.IsCurrentLocation() {
			location = e
		}
		if e.IsPresent() {
			present = append(present, e)
		}
		if e.InInventory() {
			inventory = append(inventory, e)
		}
	}

	if location != nil {
		fmt.Fprintf(sb, "Current location: %s — %s\n", location.Name, location.Description)
	}
	if len(present) > 0 {
		sb.WriteString("Present: ")
		for i, e := range present {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(e.Name)
			if e.State.Character != nil && e.State.Character.Disposition != "" {
				fmt.Fprintf(sb, " (%s)", e.State.Character.Disposition)
			}
		}
		sb.WriteString("\n")
	}
	if len(inventory) > 0 {
		sb.WriteString("Inventory: ")
		for i, e := range inventory {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(e.Name)
		}
		sb.WriteString("\n")
	}
}

// writeEntryContext assumes entries are already ordered by priority then
// mention count (EntryEngine.Select's contract).
func writeEntryContext(sb *strings.Builder, entries []*models.Entry) {
	for _, e := range entries {
		fmt.Fprintf(sb, "- %s (%s): %s\n", e.Name, e.Type, e.Description)
	}
}

// budgetedWindow returns the recent-window messages plus the current user
// input as chat messages, evicting the oldest recent messages first when
// over budget. The current user input is never evicted.
func budgetedWindow(recent []models.StoryEntry, userInput string, budget int) []llm.Message {
	userCost := estimateTokens(userInput)
	remaining := budget - userCost

	start := 0
	for start < len(recent) {
		total := 0
		for _, e := range recent[start:] {
			total += estimateTokens(e.Content)
		}
		if total <= remaining {
			break
		}
		start++
	}

	out := make([]llm.Message, 0, len(recent)-start+1)
	for _, e := range recent[start:] {
		role := "assistant"
		if e.Role == models.RoleUserAction {
			role = "user"
		}
		out = append(out, llm.Message{Role: role, Content: e.Content})
	}
	out = append(out, llm.Message{Role: "user", Content: userInput})
	return out
}

// sentenceSegmenter implements the rolling-buffer sentence-boundary state
// machine: a terminator followed by whitespace ends a sentence, unless the
// preceding word is a denylisted abbreviation or a single uppercase letter
// (an initial). A terminator immediately followed by a closing quote also
// ends a sentence, since quoted dialogue is itself a complete utterance.
// Trailing partial text is returned by flush at stream end.
type sentenceSegmenter struct {
	buf []rune
}

func newSentenceSegmenter() *sentenceSegmenter {
	return &sentenceSegmenter{}
}

func isQuoteRune(r rune) bool { return r == '"' || r == '“' || r == '”' }

// feed appends delta to the rolling buffer and returns any sentences it
// completes, in arrival order.
func (s *sentenceSegmenter) feed(delta string) []string {
	s.buf = append(s.buf, []rune(delta)...)

	var sentences []string
	for {
		cut := s.findBoundary()
		if cut < 0 {
			break
		}
		if sentence := strings.TrimSpace(string(s.buf[:cut])); sentence != "" {
			sentences = append(sentences, sentence)
		}
		s.buf = s.buf[cut:]
		for len(s.buf) > 0 && unicode.IsSpace(s.buf[0]) {
			s.buf = s.buf[1:]
		}
	}
	return sentences
}

// findBoundary returns the exclusive end index of the next complete
// sentence within the buffer, or -1 if none has arrived yet.
func (s *sentenceSegmenter) findBoundary() int {
	for i, r := range s.buf {
		if !sentenceTerminators[r] || s.isAbbreviationBefore(i) {
			continue
		}
		if i+1 < len(s.buf) && unicode.IsSpace(s.buf[i+1]) {
			return i + 1
		}
		if i+1 < len(s.buf) && isQuoteRune(s.buf[i+1]) {
			return i + 2
		}
	}
	return -1
}

// isAbbreviationBefore reports whether the word ending at buf[i] (exclusive)
// is a denylisted abbreviation or a single uppercase initial.
func (s *sentenceSegmenter) isAbbreviationBefore(i int) bool {
	j := i
	for j > 0 && !unicode.IsSpace(s.buf[j-1]) {
		j--
	}
	word := string(s.buf[j:i])
	if len([]rune(word)) == 1 && unicode.IsUpper([]rune(word)[0]) {
		return true
	}
	return abbreviationDenylist[strings.ToLower(word)]
}

// flush returns any trailing partial text as a final sentence, called at
// stream end.
func (s *sentenceSegmenter) flush() string {
	text := strings.TrimSpace(string(s.buf))
	s.buf = nil
	return text
}
