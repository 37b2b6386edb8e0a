// internal/mcp/mcp.go
package mcp

import (
	"context"
	"fmt"

	gosdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/aventura-engine/aventura/internal/models"
	"github.com/aventura-engine/aventura/internal/services"
	"github.com/aventura-engine/aventura/internal/storage"
)

const (
	serverName    = "aventura"
	serverVersion = "0.1.0"
)

// Server exposes the Turn Coordinator and story state as MCP tools, so an
// LLM-driven client (an agent harness, not the bundled TUI) can drive a
// story the same way the HTTP bridge's WebSocket clients do.
//
// Grounded on the tool/handler registration shape of
// louisbranch-fracturing.space's internal/services/mcp/service package:
// each tool is a *mcp.Tool literal paired with an
// mcp.ToolHandlerFor[Input, Output] closure, registered via the generic
// mcp.AddTool. That example's indirection through a mcpRegistrationTarget
// interface and a slice of generic registrar thunks exists to fan out
// across ~20 tool types from one call site; with exactly three tools here,
// the three mcp.AddTool calls are made directly in NewServer instead.
type Server struct {
	inner       *gosdk.Server
	coordinator *services.TurnCoordinator
	persistence storage.Persistence
}

// NewServer builds the MCP tool surface around an already-wired
// TurnCoordinator and Persistence.
func NewServer(coordinator *services.TurnCoordinator, persistence storage.Persistence) *Server {
	inner := gosdk.NewServer(&gosdk.Implementation{Name: serverName, Version: serverVersion}, nil)

	s := &Server{inner: inner, coordinator: coordinator, persistence: persistence}

	gosdk.AddTool(inner, submitTurnTool(), s.submitTurnHandler())
	gosdk.AddTool(inner, listChaptersTool(), s.listChaptersHandler())
	gosdk.AddTool(inner, getWorldSnapshotTool(), s.getWorldSnapshotHandler())

	return s
}

// Serve runs the MCP server over stdio until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	return s.inner.Run(ctx, &gosdk.StdioTransport{})
}

// --- submit_turn ---

type SubmitTurnInput struct {
	StoryID string `json:"story_id" jsonschema:"story to advance"`
	Input   string `json:"input" jsonschema:"the player's action or dialogue for this turn"`
}

type SubmitTurnResult struct {
	Accepted bool `json:"accepted" jsonschema:"whether the turn was accepted (false if a turn was already in progress for this story)"`
}

func submitTurnTool() *gosdk.Tool {
	return &gosdk.Tool{
		Name:        "submit_turn",
		Description: "Submit a player action and advance the story by one turn. Narration, state updates, and suggestions arrive asynchronously over the event bus, not in this tool's result.",
	}
}

func (s *Server) submitTurnHandler() gosdk.ToolHandlerFor[SubmitTurnInput, SubmitTurnResult] {
	return func(ctx context.Context, _ *gosdk.CallToolRequest, input SubmitTurnInput) (*gosdk.CallToolResult, SubmitTurnResult, error) {
		err := s.coordinator.Submit(ctx, input.StoryID, input.Input, models.DefaultStoryConfig())
		if err == services.ErrTurnInProgress {
			return nil, SubmitTurnResult{Accepted: false}, nil
		}
		if err != nil {
			return nil, SubmitTurnResult{}, fmt.Errorf("submit turn: %w", err)
		}
		return nil, SubmitTurnResult{Accepted: true}, nil
	}
}

// --- list_chapters ---

type ListChaptersInput struct {
	StoryID string `json:"story_id" jsonschema:"story whose chapters to list"`
}

type ListChaptersResult struct {
	Chapters []models.ChapterSummaryView `json:"chapters" jsonschema:"chapters in ascending chapter-number order"`
}

func listChaptersTool() *gosdk.Tool {
	return &gosdk.Tool{
		Name:        "list_chapters",
		Description: "List the summarized chapters recorded for a story so far.",
	}
}

func (s *Server) listChaptersHandler() gosdk.ToolHandlerFor[ListChaptersInput, ListChaptersResult] {
	return func(ctx context.Context, _ *gosdk.CallToolRequest, input ListChaptersInput) (*gosdk.CallToolResult, ListChaptersResult, error) {
		chapters, err := s.persistence.ListChapters(ctx, input.StoryID)
		if err != nil {
			return nil, ListChaptersResult{}, fmt.Errorf("list chapters: %w", err)
		}
		views := make([]models.ChapterSummaryView, 0, len(chapters))
		for _, c := range chapters {
			views = append(views, c.ToSummaryView())
		}
		return nil, ListChaptersResult{Chapters: views}, nil
	}
}

// --- get_world_snapshot ---

type GetWorldSnapshotInput struct {
	StoryID string `json:"story_id" jsonschema:"story whose world state to read"`
}

type GetWorldSnapshotResult struct {
	Snapshot models.WorldSnapshot `json:"snapshot" jsonschema:"every tracked entry and the current location"`
}

func getWorldSnapshotTool() *gosdk.Tool {
	return &gosdk.Tool{
		Name:        "get_world_snapshot",
		Description: "Read the current world state (characters, locations, items, and the active location) for a story.",
	}
}

func (s *Server) getWorldSnapshotHandler() gosdk.ToolHandlerFor[GetWorldSnapshotInput, GetWorldSnapshotResult] {
	return func(ctx context.Context, _ *gosdk.CallToolRequest, input GetWorldSnapshotInput) (*gosdk.CallToolResult, GetWorldSnapshotResult, error) {
		entries, err := s.persistence.ListEntries(ctx, input.StoryID)
		if err != nil {
			return nil, GetWorldSnapshotResult{}, fmt.Errorf("list entries: %w", err)
		}
		snapshot := models.WorldSnapshot{Entries: entries}
		for _, e := range entries {
			if e.IsCurrentLocation() {
				snapshot.CurrentLocationID = e.ID
				break
			}
		}
		return nil, GetWorldSnapshotResult{Snapshot: snapshot}, nil
	}
}
