// internal/services/chapter_engine.go
package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/aventura-engine/aventura/internal/llm"
	"github.com/aventura-engine/aventura/internal/models"
	"github.com/aventura-engine/aventura/internal/storage"
	"github.com/aventura-engine/aventura/internal/utils"
)

const defaultMaxConcurrentChapterQueries = 4

// queryCacheTTL bounds how long an answered retrieval question stays cached;
// past that, the narration it was answered against may have been
// re-summarized into a different chapter boundary.
const queryCacheTTL = 15 * time.Minute

type cachedAnswer struct {
	answer    string
	expiresAt time.Time
}

var retrievalDecisionSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"questions": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"chapterNumber": map[string]any{"type": "integer"},
					"question":      map[string]any{"type": "string"},
				},
				"required": []string{"chapterNumber", "question"},
			},
		},
	},
	"required": []string{"questions"},
}

var boundarySchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"optimalEndIndex": map[string]any{"type": "integer"},
		"suggestedTitle":  map[string]any{"type": "string"},
	},
	"required": []string{"optimalEndIndex"},
}

// ChapterEngine owns the chapter list: it decides what past context is
// relevant to a new turn (the retrieval-decision + parallel-query pipeline)
// and detects when a run of narration has grown long enough to summarize
// into a new chapter. No other component creates or reads chapters.
type ChapterEngine struct {
	persistence storage.Persistence
	provider    llm.Provider
	sem         *semaphore.Weighted

	queryCacheMu sync.Mutex
	queryCache   map[string]cachedAnswer
}

// NewChapterEngine constructs a ChapterEngine. maxConcurrentQueries bounds
// how many per-chapter retrieval queries run at once; 0 uses the default.
func NewChapterEngine(persistence storage.Persistence, provider llm.Provider, maxConcurrentQueries int64) *ChapterEngine {
	if maxConcurrentQueries <= 0 {
		maxConcurrentQueries = defaultMaxConcurrentChapterQueries
	}
	return &ChapterEngine{
		persistence: persistence,
		provider:    provider,
		sem:         semaphore.NewWeighted(maxConcurrentQueries),
		queryCache:  make(map[string]cachedAnswer),
	}
}

// PruneCache evicts query-cache entries past their TTL and returns the
// number removed, for internal/scheduler's periodic housekeeping job.
func (c *ChapterEngine) PruneCache() int {
	c.queryCacheMu.Lock()
	defer c.queryCacheMu.Unlock()

	now := time.Now()
	removed := 0
	for key, entry := range c.queryCache {
		if now.After(entry.expiresAt) {
			delete(c.queryCache, key)
			removed++
		}
	}
	return removed
}

// Retrieve runs the retrieval-decision prompt and, for each chapter it
// selects, a targeted query against that chapter's content, combining the
// results in chapter order. When storyID has no chapters yet, or retrieval
// is disabled, it returns an empty string without making any Provider call.
func (c *ChapterEngine) Retrieve(ctx context.Context, storyID string, recentText, userInput string, cfg models.MemoryConfig) (string, error) {
	if !cfg.EnableRetrieval {
		return "", nil
	}
	chapters, err := c.persistence.ListChapters(ctx, storyID)
	if err != nil {
		return "", err
	}
	if len(chapters) == 0 {
		return "", nil
	}

	questions, err := c.decideQuestions(ctx, chapters, recentText, userInput)
	if err != nil {
		return "", err
	}
	if len(questions) == 0 {
		return "", nil
	}

	max := cfg.MaxChaptersPerRetrieval
	if max <= 0 {
		max = 4
	}
	questions = capQuestions(questions, max)

	byNumber := make(map[int]*models.Chapter, len(chapters))
	for _, ch := range chapters {
		byNumber[ch.Number] = ch
	}

	type result struct {
		number int
		answer string
		ok     bool
	}
	results := make([]result, len(questions))

	errg, gctx := errgroup.WithContext(ctx)
	for i, q := range questions {
		i, q := i, q
		errg.Go(func() error {
			if err := c.sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer c.sem.Release(1)

			ch, ok := byNumber[q.ChapterNumber]
			if !ok {
				return nil
			}
			answer, err := c.answerQuestion(gctx, storyID, ch, q.Question)
			if err != nil {
				utils.GetLogger().Warn("chapter retrieval query failed, skipping segment", map[string]interface{}{
					"story_id": storyID, "chapter": ch.Number, "error": err.Error(),
				})
				return nil // a per-chapter failure yields a skipped segment, not a failed retrieval
			}
			results[i] = result{number: ch.Number, answer: answer, ok: true}
			return nil
		})
	}
	if err := errg.Wait(); err != nil {
		return "", err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].number < results[j].number })

	var sb strings.Builder
	for _, r := range results {
		if !r.ok || r.answer == "" {
			continue
		}
		fmt.Fprintf(&sb, "[Chapter %d] %s\n", r.number, r.answer)
	}
	return strings.TrimSpace(sb.String()), nil
}

func (c *ChapterEngine) decideQuestions(ctx context.Context, chapters []*models.Chapter, recentText, userInput string) ([]models.RetrievalQuestion, error) {
	views := make([]models.ChapterSummaryView, 0, len(chapters))
	for _, ch := range chapters {
		views = append(views, ch.ToSummaryView())
	}

	var sb strings.Builder
	for _, v := range views {
		fmt.Fprintf(&sb, "#%d %s (characters: %v, locations: %v)\n", v.Number, v.Summary, v.Characters, v.Locations)
	}

	req := llm.ToolCompletionRequest{
		CompletionRequest: llm.CompletionRequest{
			SystemPrompt: "Decide which past chapters, if any, are relevant to answer the user's next action. Be conservative: an empty list is a valid and frequent result.",
			Messages: []llm.Message{
				{Role: "user", Content: fmt.Sprintf("Recent conversation:\n%s\n\nUser input: %s\n\nChapters:\n%s", recentText, userInput, sb.String())},
			},
			Temperature: 0.7,
		},
		Tools:    []llm.Tool{{Name: "select_questions", Description: "Select relevant chapters and the question to ask each", Schema: retrievalDecisionSchema}},
		ToolName: "select_questions",
	}

	resp, err := c.provider.CompleteWithTools(ctx, req)
	if err != nil {
		return nil, err
	}

	raw, ok := resp.Call.Arguments["questions"]
	if !ok {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, nil
	}

	out := make([]models.RetrievalQuestion, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		num, _ := toInt(m["chapterNumber"])
		question, _ := m["question"].(string)
		if question == "" {
			continue
		}
		out = append(out, models.RetrievalQuestion{ChapterNumber: num, Question: question})
	}
	return out, nil
}

// capQuestions truncates to max, dropping lowest-priority entries first.
// Priority is the model's own ordering (earlier = more important), so
// excess questions are dropped from the tail and the first max are kept in
// model order. No tie-break by chapter number is applied.
func capQuestions(questions []models.RetrievalQuestion, max int) []models.RetrievalQuestion {
	if len(questions) <= max {
		return questions
	}
	return questions[:max]
}

func (c *ChapterEngine) answerQuestion(ctx context.Context, storyID string, ch *models.Chapter, question string) (string, error) {
	key := fmt.Sprintf("%s|%d|%s", storyID, ch.Number, question)
	c.queryCacheMu.Lock()
	if cached, ok := c.queryCache[key]; ok && time.Now().Before(cached.expiresAt) {
		c.queryCacheMu.Unlock()
		return cached.answer, nil
	}
	c.queryCacheMu.Unlock()

	entries, err := c.persistence.ListStoryEntries(ctx, storyID, ch.StartSeq-1)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, e := range entries {
		if e.Seq > ch.EndSeq {
			break
		}
		sb.WriteString(e.Content)
		sb.WriteString("\n")
	}

	resp, err := c.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: "Answer the question using only the chapter content provided. Be concise.",
		Messages: []llm.Message{
			{Role: "user", Content: fmt.Sprintf("Chapter content:\n%s\n\nQuestion: %s", sb.String(), question)},
		},
		Temperature: 0.5,
	})
	if err != nil {
		return "", err
	}

	c.queryCacheMu.Lock()
	c.queryCache[key] = cachedAnswer{answer: resp.Text, expiresAt: time.Now().Add(queryCacheTTL)}
	c.queryCacheMu.Unlock()

	return resp.Text, nil
}

// MaybeCreateChapter evaluates whether enough narration has accumulated
// since the last chapter boundary to summarize a new one, honoring the
// invariant that chapterBuffer entries are always left unconsumed so the
// next turn retains local context. Returns nil, nil when no chapter should
// be created.
func (c *ChapterEngine) MaybeCreateChapter(ctx context.Context, storyID string, cfg models.MemoryConfig, classification models.ClassificationResult) (*models.Chapter, error) {
	lastNumber, err := c.persistence.LatestChapterNumber(ctx, storyID)
	if err != nil {
		return nil, err
	}
	lastEnd := 0
	if lastNumber > 0 {
		chapters, err := c.persistence.ListChapters(ctx, storyID)
		if err != nil {
			return nil, err
		}
		for _, ch := range chapters {
			if ch.Number == lastNumber {
				lastEnd = ch.EndSeq
			}
		}
	}

	entries, err := c.persistence.ListStoryEntries(ctx, storyID, lastEnd)
	if err != nil {
		return nil, err
	}
	m := len(entries)

	threshold := cfg.ChapterThreshold
	if threshold <= 0 {
		threshold = 50
	}
	buffer := cfg.ChapterBuffer

	shouldCreate := classification.ChapterAnalysis.ShouldCreateChapter || m >= threshold+buffer
	if !shouldCreate {
		return nil, nil
	}

	analyzable := m - buffer
	if analyzable <= 0 {
		return nil, nil
	}
	candidates := entries[:analyzable]

	optimalEndIndex, title, err := c.analyzeBoundary(ctx, candidates)
	if err != nil {
		return nil, err
	}
	// the buffer is never consumed: clamp to the last candidate entry.
	if optimalEndIndex > candidates[len(candidates)-1].Seq || optimalEndIndex < candidates[0].Seq {
		optimalEndIndex = candidates[len(candidates)-1].Seq
	}

	var inRange []*models.StoryEntry
	for _, e := range entries {
		if e.Seq <= optimalEndIndex {
			inRange = append(inRange, e)
		}
	}

	summary, err := c.summarize(ctx, inRange)
	if err != nil {
		return nil, err
	}

	chapter := &models.Chapter{
		ID:           uuid.NewString(),
		StoryID:      storyID,
		Number:       lastNumber + 1,
		StartEntryID: inRange[0].ID,
		EndEntryID:   inRange[len(inRange)-1].ID,
		StartSeq:     inRange[0].Seq,
		EndSeq:       inRange[len(inRange)-1].Seq,
		EntryCount:   len(inRange),
		Summary:      summary,
		CreatedBy:    "chapter-engine",
	}
	if title != "" {
		chapter.Retrieval.Keywords = []string{title}
	}

	if err := c.persistence.CreateChapter(ctx, chapter); err != nil {
		return nil, err
	}
	return chapter, nil
}

func (c *ChapterEngine) analyzeBoundary(ctx context.Context, entries []*models.StoryEntry) (int, string, error) {
	var sb strings.Builder
	for i, e := range entries {
		fmt.Fprintf(&sb, "%d) [seq %d] %s\n", i, e.Seq, e.Content)
	}

	resp, err := c.provider.CompleteWithTools(ctx, llm.ToolCompletionRequest{
		CompletionRequest: llm.CompletionRequest{
			SystemPrompt: "Choose the entry sequence number that falls on the most natural scene break in this narration, and a short chapter title.",
			Messages:     []llm.Message{{Role: "user", Content: sb.String()}},
			Temperature:  0.5,
		},
		Tools:    []llm.Tool{{Name: "choose_boundary", Description: "Choose the chapter boundary", Schema: boundarySchema}},
		ToolName: "choose_boundary",
	})
	if err != nil {
		return 0, "", err
	}

	idx, _ := toInt(resp.Call.Arguments["optimalEndIndex"])
	title, _ := resp.Call.Arguments["suggestedTitle"].(string)
	return idx, title, nil
}

func (c *ChapterEngine) summarize(ctx context.Context, entries []*models.StoryEntry) (string, error) {
	var sb strings.Builder
	for _, e := range entries {
		sb.WriteString(e.Content)
		sb.WriteString("\n")
	}

	resp, err := c.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: "Summarize this chapter of narration in 2-4 sentences, capturing key events, characters, and locations.",
		Messages:     []llm.Message{{Role: "user", Content: sb.String()}},
		Temperature:  0.5,
	})
	if err != nil {
		return "", err
	}
	if resp.Text == "" {
		return "(no summary available)", nil
	}
	return resp.Text, nil
}
