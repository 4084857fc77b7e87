package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nugget/ideaworks/internal/events"
	"github.com/nugget/ideaworks/internal/llm"
	"github.com/nugget/ideaworks/internal/llm/llmtest"
	"github.com/nugget/ideaworks/internal/opstate"
	"github.com/nugget/ideaworks/internal/runstate"
	"github.com/nugget/ideaworks/internal/tools"
)

type progressLog struct {
	mu    sync.Mutex
	kinds []string
}

func (p *progressLog) record(kind string, _ map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kinds = append(p.kinds, kind)
}

func (p *progressLog) last() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.kinds) == 0 {
		return ""
	}
	return p.kinds[len(p.kinds)-1]
}

func newTestLoop(client llm.Client) (*Loop, *runstate.Store) {
	store := runstate.NewStore(opstate.NewMemStore(), time.Hour)
	return New(client, store, nil), store
}

func newTestRun(t *testing.T) *runstate.Run {
	t.Helper()
	run, err := runstate.NewRun("research", "idea-1", "Research smart planters.")
	if err != nil {
		t.Fatalf("NewRun() error = %v", err)
	}
	return run
}

func lookupTool() *tools.Registry {
	r := tools.NewRegistry()
	r.Register(&tools.Tool{
		Name:        "lookup",
		Description: "look something up",
		Handler: func(_ context.Context, input json.RawMessage) (any, error) {
			return "found: " + string(input), nil
		},
	})
	return r
}

func TestStart_CompletesWithoutTools(t *testing.T) {
	mock := llmtest.New(llmtest.Text("Market is $2B."))
	loop, store := newTestLoop(mock)
	progress := &progressLog{}

	run := loop.Start(context.Background(), Config{Progress: progress.record}, newTestRun(t))

	if run.Status != runstate.StatusComplete || run.FinalOutput != "Market is $2B." {
		t.Fatalf("run = %+v", run)
	}
	if run.TurnCount != 1 || len(run.Messages) != 2 {
		t.Errorf("turns = %d, messages = %d", run.TurnCount, len(run.Messages))
	}
	if progress.last() != events.KindComplete {
		t.Errorf("last progress = %q, want complete", progress.last())
	}

	saved, err := store.Load(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if saved.Status != runstate.StatusComplete {
		t.Errorf("persisted status = %q", saved.Status)
	}
}

func TestStart_ToolRoundTrip(t *testing.T) {
	mock := llmtest.New(
		llmtest.ToolUse(llmtest.Call{ID: "t1", Name: "lookup", Input: map[string]string{"q": "planters"}}),
		llmtest.Text("done"),
	)
	loop, _ := newTestLoop(mock)

	run := loop.Start(context.Background(), Config{Tools: lookupTool(), SystemPrompt: "be brief"}, newTestRun(t))

	if run.Status != runstate.StatusComplete {
		t.Fatalf("status = %q, error = %q", run.Status, run.Error)
	}
	calls := mock.Calls()
	if len(calls) != 2 {
		t.Fatalf("model calls = %d, want 2", len(calls))
	}
	if calls[0].System != "be brief" || calls[0].MaxTokens != DefaultMaxTokens {
		t.Errorf("request = %+v", calls[0])
	}

	// Second call sees the tool result answering t1.
	results := calls[1].Messages[2]
	if results.Role != llm.RoleUser || len(results.Content) != 1 {
		t.Fatalf("results message = %+v", results)
	}
	if got := results.Content[0]; got.ToolUseID != "t1" || got.IsError || got.Content != `found: {"q":"planters"}` {
		t.Errorf("tool result = %+v", got)
	}
}

func TestStart_AdvertisesPerRunTools(t *testing.T) {
	mock := llmtest.New(llmtest.Text("ok"))
	loop, _ := newTestLoop(mock)
	base := lookupTool()

	loop.Start(context.Background(), Config{Tools: base}, newTestRun(t))

	names := map[string]bool{}
	for _, s := range mock.Calls()[0].Tools {
		names[s.Name] = true
	}
	for _, want := range []string{"lookup", "create_plan", "update_plan", "read_scratchpad", "write_scratchpad"} {
		if !names[want] {
			t.Errorf("tool %q not advertised", want)
		}
	}
	if base.Get("create_plan") != nil {
		t.Error("per-run tools leaked into the shared registry")
	}
}

func TestStart_UnknownToolDoesNotStopSiblings(t *testing.T) {
	mock := llmtest.New(
		llmtest.ToolUse(
			llmtest.Call{ID: "a", Name: "create_plan", Input: map[string]any{
				"steps": []map[string]string{{"description": "Find competitors"}},
			}},
			llmtest.Call{ID: "b", Name: "teleport"},
			llmtest.Call{ID: "c", Name: "lookup", Input: map[string]int{"n": 1}},
		),
		llmtest.Text("finished"),
	)
	loop, _ := newTestLoop(mock)

	run := loop.Start(context.Background(), Config{Tools: lookupTool()}, newTestRun(t))

	if run.Status != runstate.StatusComplete {
		t.Fatalf("status = %q, error = %q", run.Status, run.Error)
	}
	results := run.Messages[2].Content
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	byID := map[string]llm.ContentBlock{}
	for _, r := range results {
		byID[r.ToolUseID] = r
	}
	if byID["a"].IsError || byID["c"].IsError {
		t.Errorf("sibling calls failed: %+v", results)
	}
	if !byID["b"].IsError {
		t.Errorf("unknown tool result not an error: %+v", byID["b"])
	}
	if len(run.Plan) != 1 || run.Plan[0].Description != "Find competitors" {
		t.Errorf("plan = %+v", run.Plan)
	}
}

func TestStart_MaxTurnsAfterRecordingResults(t *testing.T) {
	mock := llmtest.New(llmtest.ToolUse(llmtest.Call{ID: "t1", Name: "lookup"}))
	loop, _ := newTestLoop(mock)

	run := loop.Start(context.Background(), Config{Tools: lookupTool(), MaxTurns: 1}, newTestRun(t))

	if run.Status != runstate.StatusError || run.ErrorKind != runstate.ErrorMaxTurns {
		t.Fatalf("run = %+v", run)
	}
	if run.TurnCount != 1 {
		t.Errorf("TurnCount = %d, want 1", run.TurnCount)
	}
	// user, assistant tool_use, user tool_result
	if len(run.Messages) != 3 || run.Messages[2].Content[0].ToolUseID != "t1" {
		t.Errorf("tool result not recorded: %+v", run.Messages)
	}
	if len(mock.Calls()) != 1 {
		t.Errorf("model calls = %d, want 1", len(mock.Calls()))
	}
}

func TestStart_TimeBudgetPauses(t *testing.T) {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mock := llmtest.New(
		llmtest.ToolUse(llmtest.Call{ID: "t1", Name: "lookup"}),
		llmtest.ToolUse(llmtest.Call{ID: "t2", Name: "lookup"}),
		llmtest.Text("never reached"),
	)
	mock.OnCall = func(*llm.Request) { clock = clock.Add(200 * time.Second) }

	loop, store := newTestLoop(mock)
	loop.now = func() time.Time { return clock }
	progress := &progressLog{}

	run := loop.Start(context.Background(), Config{
		Tools:      lookupTool(),
		TimeBudget: 270 * time.Second,
		Progress:   progress.record,
	}, newTestRun(t))

	if run.Status != runstate.StatusPaused {
		t.Fatalf("status = %q, want paused", run.Status)
	}
	if run.TurnCount != 2 || len(mock.Calls()) != 2 {
		t.Errorf("turns = %d, calls = %d; want 2 and 2", run.TurnCount, len(mock.Calls()))
	}
	if progress.last() != events.KindPaused {
		t.Errorf("last progress = %q", progress.last())
	}

	saved, err := store.Load(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if saved.Status != runstate.StatusPaused || saved.TurnCount != 2 || len(saved.Messages) != 5 {
		t.Errorf("checkpoint = status %q turns %d messages %d", saved.Status, saved.TurnCount, len(saved.Messages))
	}

	// Resume gets a fresh budget and keeps the history.
	resumed, err := loop.Resume(context.Background(), Config{Tools: lookupTool(), TimeBudget: 270 * time.Second}, saved)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if resumed.Status != runstate.StatusComplete || resumed.ResumeCount != 1 || resumed.TurnCount != 3 {
		t.Errorf("resumed = status %q resumes %d turns %d", resumed.Status, resumed.ResumeCount, resumed.TurnCount)
	}
	if got := mock.Calls()[2]; len(got.Messages) != 5 {
		t.Errorf("resumed call saw %d messages, want 5", len(got.Messages))
	}
}

func TestResume_RejectsNonPaused(t *testing.T) {
	loop, _ := newTestLoop(llmtest.New())
	for _, status := range []runstate.Status{runstate.StatusRunning, runstate.StatusComplete, runstate.StatusError} {
		run := newTestRun(t)
		run.Status = status
		if _, err := loop.Resume(context.Background(), Config{}, run); !errors.Is(err, ErrNotResumable) {
			t.Errorf("Resume(%s) error = %v, want ErrNotResumable", status, err)
		}
	}
}

func TestResume_LimitFailsWithoutModelCall(t *testing.T) {
	mock := llmtest.New(llmtest.Text("unused"))
	loop, _ := newTestLoop(mock)
	run := newTestRun(t)
	run.Status = runstate.StatusPaused
	run.ResumeCount = DefaultMaxResumes

	got, err := loop.Resume(context.Background(), Config{}, run)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if got.Status != runstate.StatusError || got.ErrorKind != runstate.ErrorMaxResumes {
		t.Errorf("run = %+v", got)
	}
	if got.ResumeCount != DefaultMaxResumes {
		t.Errorf("ResumeCount = %d, must not exceed %d", got.ResumeCount, DefaultMaxResumes)
	}
	if n := len(mock.Calls()); n != 0 {
		t.Errorf("model calls = %d, want 0", n)
	}
}

func TestStart_TruncatedReplyFails(t *testing.T) {
	loop, _ := newTestLoop(llmtest.New(llmtest.Truncated("The market is")))

	run := loop.Start(context.Background(), Config{}, newTestRun(t))

	if run.Status != runstate.StatusError || run.ErrorKind != runstate.ErrorTruncated {
		t.Fatalf("run = %+v", run)
	}
	if run.FinalOutput != "" {
		t.Errorf("FinalOutput = %q, want empty", run.FinalOutput)
	}
	if len(run.Messages) != 1 {
		t.Errorf("truncated reply appended: %d messages", len(run.Messages))
	}
}

func TestStart_ModelErrorFails(t *testing.T) {
	progress := &progressLog{}
	loop, _ := newTestLoop(llmtest.New(llmtest.Fail(errors.New("503 overloaded"))))

	run := loop.Start(context.Background(), Config{Progress: progress.record}, newTestRun(t))

	if run.Status != runstate.StatusError || run.ErrorKind != runstate.ErrorModel {
		t.Fatalf("run = %+v", run)
	}
	if run.TurnCount != 0 {
		t.Errorf("TurnCount = %d, want 0", run.TurnCount)
	}
	if progress.last() != events.KindError {
		t.Errorf("last progress = %q", progress.last())
	}
}

func TestStart_CancelledContextPauses(t *testing.T) {
	mock := llmtest.New(llmtest.Text("unused"))
	loop, store := newTestLoop(mock)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run := loop.Start(ctx, Config{}, newTestRun(t))

	if run.Status != runstate.StatusPaused {
		t.Fatalf("status = %q, want paused", run.Status)
	}
	if len(mock.Calls()) != 0 {
		t.Error("model called after cancellation")
	}
	if _, err := store.Load(context.Background(), run.ID); err != nil {
		t.Errorf("paused run not persisted: %v", err)
	}
}

func TestStart_PanickingClientFailsRun(t *testing.T) {
	loop, _ := newTestLoop(panicClient{})

	run := loop.Start(context.Background(), Config{}, newTestRun(t))

	if run.Status != runstate.StatusError || run.ErrorKind != runstate.ErrorInternal {
		t.Errorf("run = %+v", run)
	}
}

type panicClient struct{}

func (panicClient) Complete(context.Context, *llm.Request) (*llm.Response, error) {
	panic("decoder bug")
}
