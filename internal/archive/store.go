// Package archive keeps a permanent record of finished runs. Run state
// in the operational store expires; the archive is what remains for
// replay and model evaluation.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nugget/ideaworks/internal/llm"
	"github.com/nugget/ideaworks/internal/runstate"
)

// RunRecord is a persisted terminal run.
type RunRecord struct {
	ID          string              `json:"id"`
	AgentKind   string              `json:"agent_kind"`
	EntityID    string              `json:"entity_id"`
	Status      runstate.Status     `json:"status"`
	Turns       int                 `json:"turns"`
	Resumes     int                 `json:"resumes"`
	ToolsCalled map[string]int      `json:"tools_called,omitempty"`
	Messages    []llm.Message       `json:"messages,omitempty"`
	Plan        []runstate.PlanStep `json:"plan,omitempty"`
	Output      string              `json:"output,omitempty"`
	Error       string              `json:"error,omitempty"`
	ErrorKind   runstate.ErrorKind  `json:"error_kind,omitempty"`
	StartedAt   time.Time           `json:"started_at"`
	CompletedAt time.Time           `json:"completed_at"`
	DurationMs  int64               `json:"duration_ms"`
}

// Store persists run records. It shares the caller's [sql.DB] and
// creates its own table on initialization.
type Store struct {
	db *sql.DB
}

// NewStore creates an archive store using db.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("archive store migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id           TEXT PRIMARY KEY,
			agent_kind   TEXT NOT NULL,
			entity_id    TEXT NOT NULL,
			status       TEXT NOT NULL,
			turns        INTEGER NOT NULL,
			resumes      INTEGER NOT NULL,
			tools_called TEXT,
			messages     TEXT,
			plan         TEXT,
			output       TEXT,
			error        TEXT,
			error_kind   TEXT,
			started_at   TEXT NOT NULL,
			completed_at TEXT NOT NULL,
			duration_ms  INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_runs_entity
			ON runs(entity_id, started_at DESC);
		CREATE INDEX IF NOT EXISTS idx_runs_kind
			ON runs(agent_kind);
	`)
	return err
}

// Record archives a terminal run. Recording the same run twice keeps
// the latest copy.
func (s *Store) Record(ctx context.Context, run *runstate.Run) error {
	if !run.Status.Terminal() {
		return fmt.Errorf("archive run %s: status %q is not terminal", run.ID, run.Status)
	}

	toolsJSON, err := json.Marshal(ToolsCalled(run.Messages))
	if err != nil {
		return fmt.Errorf("marshal tools_called: %w", err)
	}
	msgsJSON, err := json.Marshal(run.Messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}
	planJSON, err := json.Marshal(run.Plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}

	completed := run.UpdatedAt
	if completed.IsZero() {
		completed = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs (
			id, agent_kind, entity_id, status, turns, resumes,
			tools_called, messages, plan, output, error, error_kind,
			started_at, completed_at, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.AgentKind, run.EntityID, string(run.Status),
		run.TurnCount, run.ResumeCount,
		string(toolsJSON), string(msgsJSON), string(planJSON),
		run.FinalOutput, run.Error, string(run.ErrorKind),
		run.StartedAt.Format(time.RFC3339Nano),
		completed.Format(time.RFC3339Nano),
		completed.Sub(run.StartedAt).Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("archive run %s: %w", run.ID, err)
	}
	return nil
}

const selectColumns = `
	SELECT id, agent_kind, entity_id, status, turns, resumes,
		tools_called, messages, plan, output, error, error_kind,
		started_at, completed_at, duration_ms
	FROM runs`

// Get retrieves a single record by run id. It returns sql.ErrNoRows
// (wrapped) when the run was never archived.
func (s *Store) Get(ctx context.Context, id string) (*RunRecord, error) {
	rec, err := scanInto(s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("get archived run %s: %w", id, err)
	}
	return rec, nil
}

// ListByEntity returns an entity's records newest-first. If limit is 0,
// all records are returned.
func (s *Store) ListByEntity(ctx context.Context, entityID string, limit int) ([]*RunRecord, error) {
	query := selectColumns + ` WHERE entity_id = ? ORDER BY started_at DESC`
	args := []any{entityID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*RunRecord
	for rows.Next() {
		rec, err := scanInto(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// scanner abstracts *sql.Row and *sql.Rows for shared scanning logic.
type scanner interface {
	Scan(dest ...any) error
}

func scanInto(s scanner) (*RunRecord, error) {
	var rec RunRecord
	var status string
	var toolsJSON, msgsJSON, planJSON, output, errStr, errKind sql.NullString
	var startedAt, completedAt string

	err := s.Scan(
		&rec.ID, &rec.AgentKind, &rec.EntityID, &status,
		&rec.Turns, &rec.Resumes,
		&toolsJSON, &msgsJSON, &planJSON, &output, &errStr, &errKind,
		&startedAt, &completedAt, &rec.DurationMs,
	)
	if err != nil {
		return nil, err
	}

	rec.Status = runstate.Status(status)
	rec.Output = output.String
	rec.Error = errStr.String
	rec.ErrorKind = runstate.ErrorKind(errKind.String)
	rec.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	rec.CompletedAt, _ = time.Parse(time.RFC3339Nano, completedAt)

	if toolsJSON.Valid && toolsJSON.String != "" {
		_ = json.Unmarshal([]byte(toolsJSON.String), &rec.ToolsCalled)
	}
	if msgsJSON.Valid && msgsJSON.String != "" {
		_ = json.Unmarshal([]byte(msgsJSON.String), &rec.Messages)
	}
	if planJSON.Valid && planJSON.String != "" {
		_ = json.Unmarshal([]byte(planJSON.String), &rec.Plan)
	}
	return &rec, nil
}

// ToolsCalled scans a message history and returns a map of tool names
// to invocation counts.
func ToolsCalled(messages []llm.Message) map[string]int {
	counts := make(map[string]int)
	for _, msg := range messages {
		for _, b := range msg.ToolUses() {
			if b.Name != "" {
				counts[b.Name]++
			}
		}
	}
	if len(counts) == 0 {
		return nil
	}
	return counts
}
