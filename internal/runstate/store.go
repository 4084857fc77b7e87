package runstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/nugget/ideaworks/internal/opstate"
)

// DefaultTTL keeps run state long enough to span several pause/resume
// cycles.
const DefaultTTL = 2 * time.Hour

const (
	runNamespace    = "run"
	activeNamespace = "active_run"
)

// ErrNotFound is returned by [Store.Load] when no live record exists.
var ErrNotFound = errors.New("run not found")

// Store persists runs and the active-run index in an [opstate.KV].
// Each run owns its own key, so concurrent runs never contend; the
// active-run index is a single-writer resource per (kind, entity).
type Store struct {
	kv  opstate.KV
	ttl time.Duration
}

// NewStore wraps kv. A non-positive ttl uses [DefaultTTL].
func NewStore(kv opstate.KV, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{kv: kv, ttl: ttl}
}

// TTL returns the expiry applied to every record written by the store.
func (s *Store) TTL() time.Duration { return s.ttl }

// KV exposes the underlying key-value store so per-run tools can share it.
func (s *Store) KV() opstate.KV { return s.kv }

// Save checkpoints a run, refreshing its expiry.
func (s *Store) Save(ctx context.Context, run *Run) error {
	run.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run %s: %w", run.ID, err)
	}
	if err := s.kv.Set(ctx, runNamespace, run.ID, string(data), s.ttl); err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	return nil
}

// Load fetches a run by id.
func (s *Store) Load(ctx context.Context, runID string) (*Run, error) {
	data, err := s.kv.Get(ctx, runNamespace, runID)
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	if data == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	var run Run
	if err := json.Unmarshal([]byte(data), &run); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return &run, nil
}

// Delete removes a run record.
func (s *Store) Delete(ctx context.Context, runID string) error {
	return s.kv.Delete(ctx, runNamespace, runID)
}

// activeKey escapes the agent kind so a "/" in either part cannot make
// two pairs share a key.
func activeKey(agentKind, entityID string) string {
	return url.PathEscape(agentKind) + "/" + entityID
}

// SetActive maps (agentKind, entityID) to runID, replacing any
// previous mapping.
func (s *Store) SetActive(ctx context.Context, agentKind, entityID, runID string) error {
	if err := s.kv.Set(ctx, activeNamespace, activeKey(agentKind, entityID), runID, s.ttl); err != nil {
		return fmt.Errorf("set active run for %s: %w", activeKey(agentKind, entityID), err)
	}
	return nil
}

// Active returns the run id mapped to (agentKind, entityID), or "".
func (s *Store) Active(ctx context.Context, agentKind, entityID string) (string, error) {
	id, err := s.kv.Get(ctx, activeNamespace, activeKey(agentKind, entityID))
	if err != nil {
		return "", fmt.Errorf("get active run for %s: %w", activeKey(agentKind, entityID), err)
	}
	return id, nil
}

// ClearActive removes the active-run mapping for (agentKind, entityID).
func (s *Store) ClearActive(ctx context.Context, agentKind, entityID string) error {
	return s.kv.Delete(ctx, activeNamespace, activeKey(agentKind, entityID))
}
