package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeAnthropic serves scripted Messages API replies in order.
type fakeAnthropic struct {
	mu      sync.Mutex
	replies []map[string]any
	calls   int
	delay   time.Duration
}

func (f *fakeAnthropic) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	n := f.calls
	f.calls++
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if n >= len(f.replies) {
		http.Error(w, `{"error":"script exhausted"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(f.replies[n])
}

func (f *fakeAnthropic) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func textReply(s string) map[string]any {
	return map[string]any{
		"type":        "message",
		"role":        "assistant",
		"content":     []map[string]any{{"type": "text", "text": s}},
		"stop_reason": "end_turn",
		"usage":       map[string]int{"input_tokens": 10, "output_tokens": 5},
	}
}

func toolReply(name string) map[string]any {
	return map[string]any{
		"type":        "message",
		"role":        "assistant",
		"content":     []map[string]any{{"type": "tool_use", "id": "tu_1", "name": name, "input": map[string]any{}}},
		"stop_reason": "tool_use",
	}
}

func writeTestConfig(t *testing.T, apiURL, extra string) string {
	t.Helper()
	dir := t.TempDir()
	body := "data_dir: " + filepath.Join(dir, "data") + "\n" +
		"log_level: warn\n" +
		"anthropic:\n  api_key: sk-test\n  base_url: " + apiURL + "\n" + extra
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRun_Usage(t *testing.T) {
	var stdout bytes.Buffer
	if err := run(context.Background(), &stdout, &stdout, nil); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if !strings.Contains(stdout.String(), "critique <type> <entity>") {
		t.Errorf("usage = %q", stdout.String())
	}
}

func TestRun_VersionJSON(t *testing.T) {
	var stdout bytes.Buffer
	if err := run(context.Background(), &stdout, &stdout, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		t.Fatalf("version output is not JSON: %s", stdout.String())
	}
	if info["version"] == "" || info["go_version"] == "" {
		t.Errorf("info = %v", info)
	}
}

func TestRun_BadArguments(t *testing.T) {
	var out bytes.Buffer
	for _, args := range [][]string{
		{"-o", "yaml", "version"},
		{"--frobnicate"},
		{"-config", "/nonexistent/config.yaml", "research", "idea-1", "go"},
	} {
		if err := run(context.Background(), &out, &out, args); err == nil {
			t.Errorf("run(%v) = nil, want error", args)
		}
	}
}

func TestRun_ResearchCompletesAndIsArchived(t *testing.T) {
	api := &fakeAnthropic{replies: []map[string]any{
		toolReply("read_scratchpad"),
		textReply("## Market\nThree competitors."),
	}}
	srv := httptest.NewServer(api)
	defer srv.Close()
	cfg := writeTestConfig(t, srv.URL, "")

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), &stdout, &stderr, []string{"-config", cfg, "research", "idea-1", "size", "the", "market"})
	if err != nil {
		t.Fatalf("run() error = %v\nstderr: %s", err, stderr.String())
	}
	if !strings.Contains(stdout.String(), "Three competitors.") {
		t.Errorf("stdout = %q", stdout.String())
	}
	if !strings.Contains(stderr.String(), "turn 1: [read_scratchpad]") {
		t.Errorf("progress not printed: %q", stderr.String())
	}

	stdout.Reset()
	if err := run(context.Background(), &stdout, &stderr, []string{"-config", cfg, "-o", "json", "history", "idea-1"}); err != nil {
		t.Fatalf("history error = %v", err)
	}
	var records []map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &records); err != nil {
		t.Fatalf("history output is not JSON: %s", stdout.String())
	}
	if len(records) != 1 || records[0]["status"] != "complete" || records[0]["agent_kind"] != "research" {
		t.Errorf("records = %v", records)
	}
}

func TestRun_PausedRunResumesOnNextInvocation(t *testing.T) {
	api := &fakeAnthropic{
		replies: []map[string]any{
			toolReply("read_scratchpad"),
			textReply("Done after resuming."),
		},
		delay: 30 * time.Millisecond,
	}
	srv := httptest.NewServer(api)
	defer srv.Close()
	cfg := writeTestConfig(t, srv.URL, "agent:\n  time_budget: 10ms\n")

	var stdout, stderr bytes.Buffer
	args := []string{"-config", cfg, "research", "idea-2", "find", "competitors"}

	err := run(context.Background(), &stdout, &stderr, args)
	var pe *pausedError
	if !errors.As(err, &pe) {
		t.Fatalf("first run error = %v, want *pausedError\nstderr: %s", err, stderr.String())
	}

	stdout.Reset()
	if err := run(context.Background(), &stdout, &stderr, args); err != nil {
		t.Fatalf("second run error = %v\nstderr: %s", err, stderr.String())
	}
	if !strings.Contains(stdout.String(), "Done after resuming.") {
		t.Errorf("stdout = %q", stdout.String())
	}
	if n := api.callCount(); n != 2 {
		t.Errorf("model calls = %d, want 2", n)
	}
}

func TestRun_CritiqueNeedsSource(t *testing.T) {
	srv := httptest.NewServer(&fakeAnthropic{})
	defer srv.Close()
	cfg := writeTestConfig(t, srv.URL, `
critique:
  advisors:
    - {id: writer, name: Writer, role: author}
    - {id: seo, name: SEO Lead, role: critic}
  content_types:
    - {name: landing-page, author: writer, critics: [seo]}
`)

	var out bytes.Buffer
	err := run(context.Background(), &out, &out, []string{"-config", cfg, "critique", "landing-page", "idea-3"})
	if err == nil || !strings.Contains(err.Error(), "scratchpad") {
		t.Errorf("error = %v, want empty scratchpad error", err)
	}
	err = run(context.Background(), &out, &out, []string{"-config", cfg, "critique", "press-release", "idea-3", "-"})
	if err == nil || !strings.Contains(err.Error(), "landing-page") {
		t.Errorf("error = %v, want unknown content type listing landing-page", err)
	}
}
