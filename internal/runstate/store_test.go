package runstate

import (
	"context"
	"errors"
	"testing"

	"github.com/nugget/ideaworks/internal/llm"
	"github.com/nugget/ideaworks/internal/opstate"
)

func TestNewRun(t *testing.T) {
	run, err := NewRun("research", "idea-42", "Size the market for smart planters.")
	if err != nil {
		t.Fatalf("NewRun() error = %v", err)
	}
	if run.ID == "" {
		t.Fatal("NewRun() returned empty ID")
	}
	if run.Status != StatusRunning {
		t.Errorf("Status = %q, want running", run.Status)
	}
	if len(run.Messages) != 1 || run.Messages[0].Role != llm.RoleUser {
		t.Errorf("Messages = %+v, want one user message", run.Messages)
	}
	if run.StartedAt.IsZero() {
		t.Error("StartedAt not set")
	}

	other, _ := NewRun("research", "idea-42", "x")
	if other.ID == run.ID {
		t.Error("two runs share an ID")
	}
}

func TestCompleteAndFailAreExclusive(t *testing.T) {
	run := &Run{Status: StatusRunning}
	run.Fail(ErrorModel, "boom")
	run.Complete("done")
	if run.Error != "" || run.FinalOutput != "done" {
		t.Errorf("after Complete: error=%q output=%q", run.Error, run.FinalOutput)
	}
	run.Fail(ErrorModel, "boom")
	if run.FinalOutput != "" || run.Error != "boom" || run.ErrorKind != ErrorModel || !run.Status.Terminal() {
		t.Errorf("after Fail: %+v", run)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := NewStore(opstate.NewMemStore(), 0)
	ctx := context.Background()

	run, _ := NewRun("research", "idea-1", "go")
	run.Append(llm.Message{Role: llm.RoleAssistant, Content: []llm.ContentBlock{
		llm.ToolUseBlock("toolu_1", "create_plan", []byte(`{"steps":[]}`)),
	}})
	run.Plan = []PlanStep{{Description: "Find competitors", Status: StepInProgress}}
	run.TurnCount = 1

	if err := s.Save(ctx, run); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	got, err := s.Load(ctx, run.ID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.TurnCount != 1 || len(got.Messages) != 2 || len(got.Plan) != 1 {
		t.Errorf("Load() = %+v", got)
	}
	if got.Messages[1].Content[0].Name != "create_plan" {
		t.Errorf("tool_use block lost: %+v", got.Messages[1])
	}
}

func TestLoadMissing(t *testing.T) {
	s := NewStore(opstate.NewMemStore(), 0)
	_, err := s.Load(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Load() error = %v, want ErrNotFound", err)
	}
}

func TestActiveIndex(t *testing.T) {
	s := NewStore(opstate.NewMemStore(), 0)
	ctx := context.Background()

	if id, _ := s.Active(ctx, "research", "idea-1"); id != "" {
		t.Fatalf("Active() = %q before SetActive", id)
	}
	if err := s.SetActive(ctx, "research", "idea-1", "run-a"); err != nil {
		t.Fatalf("SetActive() error = %v", err)
	}
	if err := s.SetActive(ctx, "content-critique", "idea-1", "run-b"); err != nil {
		t.Fatalf("SetActive() error = %v", err)
	}

	if id, _ := s.Active(ctx, "research", "idea-1"); id != "run-a" {
		t.Errorf("Active(research) = %q, want run-a", id)
	}
	if id, _ := s.Active(ctx, "content-critique", "idea-1"); id != "run-b" {
		t.Errorf("Active(content-critique) = %q, want run-b", id)
	}

	s.ClearActive(ctx, "research", "idea-1")
	if id, _ := s.Active(ctx, "research", "idea-1"); id != "" {
		t.Errorf("Active() after clear = %q", id)
	}
}

func TestActiveIndexKeysDoNotCollide(t *testing.T) {
	s := NewStore(opstate.NewMemStore(), 0)
	ctx := context.Background()

	if err := s.SetActive(ctx, "a/b", "c", "run-1"); err != nil {
		t.Fatalf("SetActive() error = %v", err)
	}
	if err := s.SetActive(ctx, "a", "b/c", "run-2"); err != nil {
		t.Fatalf("SetActive() error = %v", err)
	}
	if id, _ := s.Active(ctx, "a/b", "c"); id != "run-1" {
		t.Errorf("Active(a/b, c) = %q, want run-1", id)
	}
	if id, _ := s.Active(ctx, "a", "b/c"); id != "run-2" {
		t.Errorf("Active(a, b/c) = %q, want run-2", id)
	}
}
