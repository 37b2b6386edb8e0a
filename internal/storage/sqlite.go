// internal/storage/sqlite.go
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aventura-engine/aventura/internal/errors"
	"github.com/aventura-engine/aventura/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS story_entries (
	id TEXT PRIMARY KEY,
	story_id TEXT NOT NULL,
	role TEXT NOT NULL,
	seq INTEGER NOT NULL,
	content TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	chapter_id TEXT,
	UNIQUE(story_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_story_entries_story_seq ON story_entries(story_id, seq);

CREATE TABLE IF NOT EXISTS entries (
	id TEXT PRIMARY KEY,
	story_id TEXT NOT NULL,
	name TEXT NOT NULL,
	type TEXT NOT NULL,
	description TEXT,
	aliases TEXT,
	state TEXT,
	injection TEXT,
	provenance TEXT
);
CREATE INDEX IF NOT EXISTS idx_entries_story ON entries(story_id);

CREATE TABLE IF NOT EXISTS chapters (
	id TEXT PRIMARY KEY,
	story_id TEXT NOT NULL,
	number INTEGER NOT NULL,
	start_entry_id TEXT,
	end_entry_id TEXT,
	start_seq INTEGER,
	end_seq INTEGER,
	entry_count INTEGER,
	summary TEXT,
	retrieval TEXT,
	arc_id TEXT,
	created_at TEXT,
	created_by TEXT,
	UNIQUE(story_id, number)
);

CREATE TABLE IF NOT EXISTS arcs (
	id TEXT PRIMARY KEY,
	story_id TEXT NOT NULL,
	title TEXT,
	start_chapter INTEGER,
	end_chapter INTEGER,
	created_at TEXT
);
`

// SQLiteStore is the reference Persistence implementation, backed by
// modernc.org/sqlite (pure Go, no cgo). Swapping it for another store never
// touches core logic, since internal/services only ever depends on the
// Persistence interface.
//
// Grounded on internal/storage/file_storage.go's single-writer discipline:
// that file serializes per-path writes through a sync.Map of mutexes, here
// collapsed to a single-connection pool (MaxOpenConns=1) so SQLite's own
// single-writer rule is never raced against from Go's connection pool.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates (or opens) a SQLite database at path and ensures its schema
// exists. Use ":memory:" for an ephemeral, test-only store.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.NewConfigError("storage: opening sqlite database", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.NewConfigError("storage: applying schema", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) AppendStoryEntry(ctx context.Context, e *models.StoryEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewProcessingError("storage: beginning transaction", err)
	}
	defer tx.Rollback()

	if e.Seq == 0 {
		var maxSeq sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			`SELECT MAX(seq) FROM story_entries WHERE story_id = ?`, e.StoryID,
		).Scan(&maxSeq); err != nil {
			return errors.NewProcessingError("storage: reading max seq", err)
		}
		e.Seq = int(maxSeq.Int64) + 1
	}

	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO story_entries (id, story_id, role, seq, content, timestamp, chapter_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.StoryID, string(e.Role), e.Seq, e.Content, e.Timestamp.Format(time.RFC3339Nano), e.ChapterID,
	)
	if err != nil {
		return errors.NewProcessingError("storage: inserting story entry", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) ListStoryEntries(ctx context.Context, storyID string, afterSeq int) ([]*models.StoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, story_id, role, seq, content, timestamp, chapter_id
		 FROM story_entries WHERE story_id = ? AND seq > ? ORDER BY seq ASC`,
		storyID, afterSeq,
	)
	if err != nil {
		return nil, errors.NewProcessingError("storage: listing story entries", err)
	}
	defer rows.Close()

	var out []*models.StoryEntry
	for rows.Next() {
		e := &models.StoryEntry{}
		var role, ts string
		var chapterID sql.NullString
		if err := rows.Scan(&e.ID, &e.StoryID, &role, &e.Seq, &e.Content, &ts, &chapterID); err != nil {
			return nil, errors.NewProcessingError("storage: scanning story entry", err)
		}
		e.Role = models.EntryRole(role)
		e.ChapterID = chapterID.String
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, errors.NewProcessingError("storage: parsing story entry timestamp", err)
		}
		e.Timestamp = parsed
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertEntry(ctx context.Context, e *models.Entry) error {
	aliases, err := json.Marshal(e.Aliases)
	if err != nil {
		return errors.NewProcessingError("storage: marshaling entry aliases", err)
	}
	state, err := json.Marshal(e.State)
	if err != nil {
		return errors.NewProcessingError("storage: marshaling entry state", err)
	}
	injection, err := json.Marshal(e.Injection)
	if err != nil {
		return errors.NewProcessingError("storage: marshaling entry injection policy", err)
	}
	provenance, err := json.Marshal(e.Provenance)
	if err != nil {
		return errors.NewProcessingError("storage: marshaling entry provenance", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO entries (id, story_id, name, type, description, aliases, state, injection, provenance)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, type = excluded.type, description = excluded.description,
			aliases = excluded.aliases, state = excluded.state, injection = excluded.injection,
			provenance = excluded.provenance`,
		e.ID, e.StoryID, e.Name, string(e.Type), e.Description, aliases, state, injection, provenance,
	)
	if err != nil {
		return errors.NewProcessingError("storage: upserting entry", err)
	}
	return nil
}

func (s *SQLiteStore) scanEntry(row interface{ Scan(...any) error }) (*models.Entry, error) {
	e := &models.Entry{}
	var typ string
	var aliases, state, injection, provenance []byte
	if err := row.Scan(&e.ID, &e.StoryID, &e.Name, &typ, &e.Description, &aliases, &state, &injection, &provenance); err != nil {
		return nil, err
	}
	e.Type = models.EntryType(typ)
	if err := json.Unmarshal(aliases, &e.Aliases); err != nil {
		return nil, fmt.Errorf("unmarshaling aliases: %w", err)
	}
	if err := json.Unmarshal(state, &e.State); err != nil {
		return nil, fmt.Errorf("unmarshaling state: %w", err)
	}
	if err := json.Unmarshal(injection, &e.Injection); err != nil {
		return nil, fmt.Errorf("unmarshaling injection policy: %w", err)
	}
	if err := json.Unmarshal(provenance, &e.Provenance); err != nil {
		return nil, fmt.Errorf("unmarshaling provenance: %w", err)
	}
	return e, nil
}

func (s *SQLiteStore) GetEntry(ctx context.Context, storyID, entryID string) (*models.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, story_id, name, type, description, aliases, state, injection, provenance
		 FROM entries WHERE story_id = ? AND id = ?`,
		storyID, entryID,
	)
	e, err := s.scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.NewProcessingError("storage: scanning entry", err)
	}
	return e, nil
}

func (s *SQLiteStore) ListEntries(ctx context.Context, storyID string) ([]*models.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, story_id, name, type, description, aliases, state, injection, provenance
		 FROM entries WHERE story_id = ?`,
		storyID,
	)
	if err != nil {
		return nil, errors.NewProcessingError("storage: listing entries", err)
	}
	defer rows.Close()

	var out []*models.Entry
	for rows.Next() {
		e, err := s.scanEntry(rows)
		if err != nil {
			return nil, errors.NewProcessingError("storage: scanning entry", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateChapter(ctx context.Context, c *models.Chapter) error {
	retrieval, err := json.Marshal(c.Retrieval)
	if err != nil {
		return errors.NewProcessingError("storage: marshaling chapter retrieval metadata", err)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO chapters (id, story_id, number, start_entry_id, end_entry_id, start_seq, end_seq,
			entry_count, summary, retrieval, arc_id, created_at, created_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.StoryID, c.Number, c.StartEntryID, c.EndEntryID, c.StartSeq, c.EndSeq,
		c.EntryCount, c.Summary, retrieval, c.ArcID, c.CreatedAt.Format(time.RFC3339Nano), c.CreatedBy,
	)
	if err != nil {
		return errors.NewProcessingError("storage: inserting chapter", err)
	}
	return nil
}

func (s *SQLiteStore) ListChapters(ctx context.Context, storyID string) ([]*models.Chapter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, story_id, number, start_entry_id, end_entry_id, start_seq, end_seq,
			entry_count, summary, retrieval, arc_id, created_at, created_by
		 FROM chapters WHERE story_id = ? ORDER BY number ASC`,
		storyID,
	)
	if err != nil {
		return nil, errors.NewProcessingError("storage: listing chapters", err)
	}
	defer rows.Close()

	var out []*models.Chapter
	for rows.Next() {
		c := &models.Chapter{}
		var retrieval []byte
		var arcID sql.NullString
		var createdAt string
		if err := rows.Scan(&c.ID, &c.StoryID, &c.Number, &c.StartEntryID, &c.EndEntryID, &c.StartSeq, &c.EndSeq,
			&c.EntryCount, &c.Summary, &retrieval, &arcID, &createdAt, &c.CreatedBy); err != nil {
			return nil, errors.NewProcessingError("storage: scanning chapter", err)
		}
		c.ArcID = arcID.String
		if err := json.Unmarshal(retrieval, &c.Retrieval); err != nil {
			return nil, errors.NewProcessingError("storage: unmarshaling chapter retrieval metadata", err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, errors.NewProcessingError("storage: parsing chapter created_at", err)
		}
		c.CreatedAt = parsed
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LatestChapterNumber(ctx context.Context, storyID string) (int, error) {
	var n sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(number) FROM chapters WHERE story_id = ?`, storyID,
	).Scan(&n)
	if err != nil {
		return 0, errors.NewProcessingError("storage: reading latest chapter number", err)
	}
	return int(n.Int64), nil
}

func (s *SQLiteStore) CreateArc(ctx context.Context, a *models.Arc) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO arcs (id, story_id, title, start_chapter, end_chapter, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.StoryID, a.Title, a.StartCh, a.EndCh, a.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return errors.NewProcessingError("storage: inserting arc", err)
	}
	return nil
}

func (s *SQLiteStore) ListArcs(ctx context.Context, storyID string) ([]*models.Arc, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, story_id, title, start_chapter, end_chapter, created_at
		 FROM arcs WHERE story_id = ? ORDER BY start_chapter ASC`,
		storyID,
	)
	if err != nil {
		return nil, errors.NewProcessingError("storage: listing arcs", err)
	}
	defer rows.Close()

	var out []*models.Arc
	for rows.Next() {
		a := &models.Arc{}
		var createdAt string
		if err := rows.Scan(&a.ID, &a.StoryID, &a.Title, &a.StartCh, &a.EndCh, &createdAt); err != nil {
			return nil, errors.NewProcessingError("storage: scanning arc", err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, errors.NewProcessingError("storage: parsing arc created_at", err)
		}
		a.CreatedAt = parsed
		out = append(out, a)
	}
	return out, rows.Err()
}

var _ Persistence = (*SQLiteStore)(nil)
