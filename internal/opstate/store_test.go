package opstate

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "opstate_test.db")
	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeClock is a settable time source for TTL tests.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestGetMissing(t *testing.T) {
	s := testStore(t)

	val, err := s.Get(context.Background(), "ns", "missing")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != "" {
		t.Errorf("Get() = %q, want empty string for missing key", val)
	}
}

func TestSetAndGet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "run", "0190a1b2", `{"status":"paused"}`, time.Hour); err != nil {
		t.Fatalf("Set() error: %v", err)
	}

	val, err := s.Get(ctx, "run", "0190a1b2")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != `{"status":"paused"}` {
		t.Errorf("Get() = %q", val)
	}
}

func TestSetUpsert(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "ns", "key", "v1", 0); err != nil {
		t.Fatalf("Set(v1) error: %v", err)
	}
	if err := s.Set(ctx, "ns", "key", "v2", 0); err != nil {
		t.Fatalf("Set(v2) error: %v", err)
	}

	val, err := s.Get(ctx, "ns", "key")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != "v2" {
		t.Errorf("Get() = %q, want %q after upsert", val, "v2")
	}
}

func TestDeleteMissing(t *testing.T) {
	s := testStore(t)

	if err := s.Delete(context.Background(), "ns", "nope"); err != nil {
		t.Errorf("Delete(missing) error: %v", err)
	}
}

func TestExpiry(t *testing.T) {
	s := testStore(t)
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s.now = clock.now
	ctx := context.Background()

	if err := s.Set(ctx, "active_run", "research/idea-1", "run-a", 2*time.Hour); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	if err := s.Set(ctx, "active_run", "research/idea-2", "run-b", 0); err != nil {
		t.Fatalf("Set() error: %v", err)
	}

	clock.advance(time.Hour)
	if val, _ := s.Get(ctx, "active_run", "research/idea-1"); val != "run-a" {
		t.Errorf("Get() before expiry = %q, want run-a", val)
	}

	clock.advance(90 * time.Minute)
	if val, _ := s.Get(ctx, "active_run", "research/idea-1"); val != "" {
		t.Errorf("Get() after expiry = %q, want empty", val)
	}
	if val, _ := s.Get(ctx, "active_run", "research/idea-2"); val != "run-b" {
		t.Errorf("Get() without ttl = %q, want run-b", val)
	}
}

func TestSetRefreshesExpiry(t *testing.T) {
	s := testStore(t)
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s.now = clock.now
	ctx := context.Background()

	s.Set(ctx, "ns", "k", "v", time.Hour)
	clock.advance(50 * time.Minute)
	s.Set(ctx, "ns", "k", "v", time.Hour)
	clock.advance(50 * time.Minute)

	if val, _ := s.Get(ctx, "ns", "k"); val != "v" {
		t.Errorf("Get() = %q, want refreshed entry to survive", val)
	}
}

func TestListSkipsExpired(t *testing.T) {
	s := testStore(t)
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s.now = clock.now
	ctx := context.Background()

	s.Set(ctx, "scratchpad:idea-1", "keywords", "a,b", time.Minute)
	s.Set(ctx, "scratchpad:idea-1", "palette", "#fff", time.Hour)
	s.Set(ctx, "scratchpad:idea-2", "keywords", "c", time.Hour)
	clock.advance(2 * time.Minute)

	result, err := s.List(ctx, "scratchpad:idea-1")
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(result) != 1 || result["palette"] != "#fff" {
		t.Errorf("List() = %v, want only palette", result)
	}
}

func TestPrune(t *testing.T) {
	s := testStore(t)
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s.now = clock.now
	ctx := context.Background()

	s.Set(ctx, "run", "a", "1", time.Minute)
	s.Set(ctx, "run", "b", "2", time.Minute)
	s.Set(ctx, "run", "c", "3", 0)
	clock.advance(time.Hour)

	n, err := s.Prune(ctx)
	if err != nil {
		t.Fatalf("Prune() error: %v", err)
	}
	if n != 2 {
		t.Errorf("Prune() removed %d, want 2", n)
	}
}

func TestMemStoreExpiry(t *testing.T) {
	m := NewMemStore()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m.now = clock.now
	ctx := context.Background()

	m.Set(ctx, "ns", "short", "1", time.Minute)
	m.Set(ctx, "ns", "forever", "2", 0)
	clock.advance(time.Hour)

	if val, _ := m.Get(ctx, "ns", "short"); val != "" {
		t.Errorf("Get(short) = %q, want expired", val)
	}
	all, _ := m.List(ctx, "ns")
	if len(all) != 1 || all["forever"] != "2" {
		t.Errorf("List() = %v", all)
	}
	m.Delete(ctx, "ns", "forever")
	if val, _ := m.Get(ctx, "ns", "forever"); val != "" {
		t.Errorf("Get() after Delete = %q", val)
	}
}
