package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nugget/ideaworks/internal/agent"
	"github.com/nugget/ideaworks/internal/llm"
	"github.com/nugget/ideaworks/internal/llm/llmtest"
	"github.com/nugget/ideaworks/internal/opstate"
	"github.com/nugget/ideaworks/internal/runstate"
)

type recordingArchive struct {
	runs []*runstate.Run
}

func (a *recordingArchive) Record(_ context.Context, run *runstate.Run) error {
	a.runs = append(a.runs, run)
	return nil
}

func newWrapper(client llm.Client) (*Wrapper, *runstate.Store, *recordingArchive) {
	store := runstate.NewStore(opstate.NewMemStore(), time.Hour)
	archive := &recordingArchive{}
	return New(agent.New(client, store, nil), store, archive, nil), store, archive
}

func task(cfg agent.Config) Task {
	return Task{AgentKind: "research", EntityID: "idea-3", Initial: "Who competes with us?", Config: cfg}
}

func TestExecute_CompleteCleansUp(t *testing.T) {
	w, store, archive := newWrapper(llmtest.New(llmtest.Text("Three competitors.")))
	ctx := context.Background()

	out, err := w.Execute(ctx, task(agent.Config{}))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out.Status != OutcomeComplete || out.Output != "Three competitors." || out.Resumed {
		t.Errorf("outcome = %+v", out)
	}

	if id, _ := store.Active(ctx, "research", "idea-3"); id != "" {
		t.Errorf("active index still set to %q", id)
	}
	if _, err := store.Load(ctx, out.RunID); !errors.Is(err, runstate.ErrNotFound) {
		t.Errorf("run state not deleted: %v", err)
	}
	if len(archive.runs) != 1 || archive.runs[0].ID != out.RunID {
		t.Errorf("archive = %+v", archive.runs)
	}
}

func TestExecute_PauseThenResume(t *testing.T) {
	mock := llmtest.New(
		llmtest.ToolUse(llmtest.Call{ID: "t1", Name: "create_plan", Input: map[string]any{
			"steps": []map[string]string{{"description": "List competitors"}},
		}}),
		llmtest.Text("Resumed and done."),
	)
	slow := true
	mock.OnCall = func(*llm.Request) {
		if slow {
			time.Sleep(100 * time.Millisecond)
		}
	}
	w, store, _ := newWrapper(mock)
	ctx := context.Background()

	first, err := w.Execute(ctx, task(agent.Config{TimeBudget: 50 * time.Millisecond}))
	if err != nil {
		t.Fatalf("first Execute() error = %v", err)
	}
	if !first.Paused() {
		t.Fatalf("first outcome = %+v, want paused", first)
	}
	if id, _ := store.Active(ctx, "research", "idea-3"); id != first.RunID {
		t.Fatalf("active index = %q, want %q", id, first.RunID)
	}

	slow = false
	second, err := w.Execute(ctx, task(agent.Config{TimeBudget: time.Minute}))
	if err != nil {
		t.Fatalf("second Execute() error = %v", err)
	}
	if second.Status != OutcomeComplete || !second.Resumed || second.RunID != first.RunID {
		t.Errorf("second outcome = %+v", second)
	}
	if second.Resumes != 1 || second.Turns != 2 {
		t.Errorf("resumes = %d, turns = %d", second.Resumes, second.Turns)
	}

	// The resumed turn continues the same conversation.
	calls := mock.Calls()
	if got := len(calls[1].Messages); got != 3 {
		t.Errorf("resumed call saw %d messages, want 3", got)
	}
}

func TestExecute_FailureIsRunError(t *testing.T) {
	w, store, archive := newWrapper(llmtest.New(llmtest.Fail(errors.New("rate limited"))))
	ctx := context.Background()

	out, err := w.Execute(ctx, task(agent.Config{}))
	if out != nil {
		t.Errorf("outcome = %+v, want nil", out)
	}
	var runErr *RunError
	if !errors.As(err, &runErr) {
		t.Fatalf("error = %v, want *RunError", err)
	}
	if runErr.Kind != runstate.ErrorModel || runErr.AgentKind != "research" {
		t.Errorf("RunError = %+v", runErr)
	}
	if id, _ := store.Active(ctx, "research", "idea-3"); id != "" {
		t.Errorf("active index not cleared: %q", id)
	}
	if len(archive.runs) != 1 {
		t.Errorf("failed run not archived")
	}
}

func TestExecute_NonPausedMappingStartsFresh(t *testing.T) {
	w, store, _ := newWrapper(llmtest.New(llmtest.Text("fresh")))
	ctx := context.Background()

	stale, _ := runstate.NewRun("research", "idea-3", "old task")
	if err := store.Save(ctx, stale); err != nil {
		t.Fatal(err)
	}
	if err := store.SetActive(ctx, "research", "idea-3", stale.ID); err != nil {
		t.Fatal(err)
	}

	out, err := w.Execute(ctx, task(agent.Config{}))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out.Resumed || out.RunID == stale.ID {
		t.Errorf("running mapping was resumed: %+v", out)
	}
}

func TestExecute_MissingMappedRunStartsFresh(t *testing.T) {
	w, store, _ := newWrapper(llmtest.New(llmtest.Text("fresh")))
	ctx := context.Background()
	if err := store.SetActive(ctx, "research", "idea-3", "expired-run"); err != nil {
		t.Fatal(err)
	}

	out, err := w.Execute(ctx, task(agent.Config{}))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out.Status != OutcomeComplete || out.Resumed {
		t.Errorf("outcome = %+v", out)
	}
}
