// cmd/tui/model.go
package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"

	"github.com/aventura-engine/aventura/internal/bus"
	"github.com/aventura-engine/aventura/internal/models"
	"github.com/aventura-engine/aventura/internal/services"
)

// busEventMsg wraps a bus.Event as a tea.Msg. waitForEvent re-arms itself
// after every delivery so the Update loop keeps draining the subscription
// channel for the life of the program.
type busEventMsg bus.Event

// turnSubmittedMsg reports the outcome of a coordinator.Submit call kicked
// off from submitTurn.
type turnSubmittedMsg struct {
	rejected bool
	err      error
}

// model is the terminal client's Model-Update-View state, subscribed to the
// same internal/bus.Bus the HTTP bridge in internal/api forwards over
// WebSocket. Grounded on theRebelliousNerd-codenerd's cmd/nerd/chat.Model
// (textarea + viewport + spinner + glamour composition), trimmed down from
// that teacher's many split-pane/campaign/shard views to the single
// narration-and-suggestions view this story client needs.
type model struct {
	storyID     string
	coordinator *services.TurnCoordinator
	events      chan bus.Event

	input    textinput.Model
	viewport viewport.Model
	spinner  spinner.Model
	renderer *glamour.TermRenderer
	styles   styles

	narration   strings.Builder
	suggestions []models.Suggestion
	turnActive  bool
	lastError   string

	width  int
	height int
	ready  bool
}

func newModel(storyID string, coordinator *services.TurnCoordinator, events chan bus.Event) model {
	ti := textinput.New()
	ti.Placeholder = "What do you do?"
	ti.Focus()
	ti.CharLimit = 2000
	ti.Prompt = "> "

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	renderer, _ := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)

	return model{
		storyID:     storyID,
		coordinator: coordinator,
		events:      events,
		input:       ti,
		viewport:    viewport.New(80, 20),
		spinner:     sp,
		renderer:    renderer,
		styles:      defaultStyles(),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForEvent(m.events), textinput.Blink)
}

// waitForEvent blocks on the bus subscription channel and resurfaces the
// next delivered event as a tea.Msg. Update re-issues this Cmd after every
// busEventMsg so the subscription is drained for the program's whole life,
// the same re-arming pattern bubbletea programs use for any long-lived
// external channel.
func waitForEvent(events chan bus.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return nil
		}
		return busEventMsg(ev)
	}
}

func (m model) submitTurn(input string) tea.Cmd {
	return func() tea.Msg {
		err := m.coordinator.Submit(context.Background(), m.storyID, input, models.DefaultStoryConfig())
		if err == services.ErrTurnInProgress {
			return turnSubmittedMsg{rejected: true}
		}
		return turnSubmittedMsg{err: err}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		headerHeight := 3
		footerHeight := 4
		m.viewport.Width = msg.Width
		m.viewport.Height = msg.Height - headerHeight - footerHeight
		m.input.Width = msg.Width - 4
		m.ready = true

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		case "enter":
			if input := strings.TrimSpace(m.input.Value()); input != "" && !m.turnActive {
				m.turnActive = true
				m.lastError = ""
				m.input.SetValue("")
				cmds = append(cmds, m.submitTurn(input))
			}
		}

	case turnSubmittedMsg:
		if msg.rejected {
			m.turnActive = false
			m.lastError = "a turn is already in progress"
		} else if msg.err != nil {
			m.turnActive = false
			m.lastError = msg.err.Error()
		}

	case busEventMsg:
		m.applyEvent(bus.Event(msg))
		cmds = append(cmds, waitForEvent(m.events))

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}

	var tiCmd, vpCmd tea.Cmd
	m.input, tiCmd = m.input.Update(msg)
	m.viewport, vpCmd = m.viewport.Update(msg)
	cmds = append(cmds, tiCmd, vpCmd)

	return m, tea.Batch(cmds...)
}

// applyEvent folds one bus.Event into the model's narration buffer, mutating
// state a fresh View render will pick up. Only events with a
// player-observable effect are handled; the rest (context assembly,
// classification internals, save completion) are wire-forwarded to the
// WebSocket bridge but have nothing to show here.
func (m *model) applyEvent(ev bus.Event) {
	switch ev.Type {
	case bus.EventSentenceComplete:
		if p, ok := ev.Payload.(bus.SentenceCompletePayload); ok {
			m.narration.WriteString(p.Text)
			m.narration.WriteString(" ")
			m.refreshViewport()
		}
	case bus.EventNarrativeResponse:
		m.turnActive = false
		m.refreshViewport()
	case bus.EventSuggestionsReady:
		if p, ok := ev.Payload.(bus.SuggestionsReadyPayload); ok {
			m.suggestions = p.Suggestions
		}
	case bus.EventError:
		m.turnActive = false
		if err, ok := ev.Payload.(error); ok {
			m.lastError = err.Error()
		} else {
			m.lastError = fmt.Sprintf("%v", ev.Payload)
		}
	}
}

func (m *model) refreshViewport() {
	rendered := m.narration.String()
	if m.renderer != nil {
		if out, err := m.renderer.Render(rendered); err == nil {
			rendered = out
		}
	}
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(rendered)
	if atBottom {
		m.viewport.GotoBottom()
	}
}

func (m model) View() string {
	if !m.ready {
		return "initializing...\n"
	}

	var b strings.Builder
	b.WriteString(m.styles.title.Render(fmt.Sprintf("aventura — story %s", m.storyID)))
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")

	if len(m.suggestions) > 0 {
		var s strings.Builder
		for _, sug := range m.suggestions {
			s.WriteString(fmt.Sprintf("[%s] %s  ", sug.Type, sug.Text))
		}
		b.WriteString(m.styles.suggestion.Render(s.String()))
		b.WriteString("\n")
	}

	if m.lastError != "" {
		b.WriteString(m.styles.errorText.Render("error: " + m.lastError))
		b.WriteString("\n")
	}

	status := "idle"
	prefix := ""
	if m.turnActive {
		status = "the story is unfolding"
		prefix = m.spinner.View() + " "
	}
	b.WriteString(m.styles.statusBar.Render(fmt.Sprintf("%s%s | %s", prefix, status, time.Now().Format("15:04:05"))))
	b.WriteString("\n")
	b.WriteString(m.styles.prompt.Render(m.input.View()))

	return b.String()
}
