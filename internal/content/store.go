// Package content stores the artifacts produced by critique runs. Each
// item keeps its markdown source and an HTML rendition.
package content

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"
)

// Quality records how a critique run ended.
type Quality string

const (
	// QualityApproved means the editor approved the final draft.
	QualityApproved Quality = "approved"
	// QualityMaxRoundsReached means revisions ran out before approval.
	// The draft is still the best one produced.
	QualityMaxRoundsReached Quality = "max-rounds-reached"
)

// ErrNotFound is returned by [Store.Get] for an unknown id.
var ErrNotFound = errors.New("content not found")

// Item is one saved piece of content.
type Item struct {
	ID          string    `json:"id"`
	RunID       string    `json:"run_id"`
	EntityID    string    `json:"entity_id"`
	ContentType string    `json:"content_type"`
	Title       string    `json:"title"`
	Markdown    string    `json:"markdown"`
	HTML        string    `json:"html"`
	Quality     Quality   `json:"quality"`
	Rounds      int       `json:"rounds"`
	FinalScore  float64   `json:"final_score"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store manages content persistence.
type Store struct {
	db *sql.DB
	md goldmark.Markdown
}

// NewStore creates a content store on db.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db, md: goldmark.New()}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate content: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS content_items (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			content_type TEXT NOT NULL,
			title TEXT NOT NULL,
			markdown TEXT NOT NULL,
			html TEXT NOT NULL,
			quality TEXT NOT NULL,
			rounds INTEGER NOT NULL,
			final_score REAL NOT NULL,
			created_at TIMESTAMP NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_content_run
			ON content_items(run_id);
		CREATE INDEX IF NOT EXISTS idx_content_entity
			ON content_items(entity_id, created_at);
	`)
	return err
}

// Save renders item's markdown, assigns an id and creation time if
// unset, and stores it. Saving a second item for the same run replaces
// the first.
func (s *Store) Save(ctx context.Context, item *Item) error {
	switch item.Quality {
	case QualityApproved, QualityMaxRoundsReached:
	default:
		return fmt.Errorf("save content: invalid quality %q", item.Quality)
	}

	html, err := s.render(item.Markdown)
	if err != nil {
		return fmt.Errorf("render content: %w", err)
	}
	item.HTML = html
	if item.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate content id: %w", err)
		}
		item.ID = id.String()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO content_items
			(id, run_id, entity_id, content_type, title, markdown, html, quality, rounds, final_score, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			id = excluded.id,
			title = excluded.title,
			markdown = excluded.markdown,
			html = excluded.html,
			quality = excluded.quality,
			rounds = excluded.rounds,
			final_score = excluded.final_score,
			created_at = excluded.created_at`,
		item.ID, item.RunID, item.EntityID, item.ContentType, item.Title,
		item.Markdown, item.HTML, string(item.Quality), item.Rounds, item.FinalScore,
		item.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save content %s: %w", item.ID, err)
	}
	return nil
}

func (s *Store) render(md string) (string, error) {
	var buf bytes.Buffer
	if err := s.md.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const selectItem = `
	SELECT id, run_id, entity_id, content_type, title, markdown, html,
		quality, rounds, final_score, created_at
	FROM content_items`

// Get returns the item with the given id.
func (s *Store) Get(ctx context.Context, id string) (*Item, error) {
	item, err := scanItem(s.db.QueryRowContext(ctx, selectItem+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get content %s: %w", id, err)
	}
	return item, nil
}

// ListByEntity returns an entity's items, oldest first.
func (s *Store) ListByEntity(ctx context.Context, entityID string) ([]*Item, error) {
	rows, err := s.db.QueryContext(ctx, selectItem+` WHERE entity_id = ? ORDER BY created_at`, entityID)
	if err != nil {
		return nil, fmt.Errorf("list content: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(sc scanner) (*Item, error) {
	var item Item
	var quality, created string
	err := sc.Scan(&item.ID, &item.RunID, &item.EntityID, &item.ContentType, &item.Title,
		&item.Markdown, &item.HTML, &quality, &item.Rounds, &item.FinalScore, &created)
	if err != nil {
		return nil, err
	}
	item.Quality = Quality(quality)
	item.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return &item, nil
}
