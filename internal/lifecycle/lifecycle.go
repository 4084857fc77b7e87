// Package lifecycle decides, per (agent kind, entity), whether an
// invocation starts a fresh run or resumes a paused one, and cleans up
// run state once a run is finished.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nugget/ideaworks/internal/agent"
	"github.com/nugget/ideaworks/internal/runstate"
)

// OutcomeStatus distinguishes a finished run from one that must be
// invoked again.
type OutcomeStatus string

const (
	OutcomeComplete OutcomeStatus = "complete"
	// OutcomePaused means the run ran out of time and is waiting for
	// the next invocation with the same kind and entity. It is not a
	// failure.
	OutcomePaused OutcomeStatus = "paused"
)

// Outcome is the non-error result of [Wrapper.Execute].
type Outcome struct {
	Status  OutcomeStatus `json:"status"`
	RunID   string        `json:"run_id"`
	Output  string        `json:"output,omitempty"`
	Turns   int           `json:"turns"`
	Resumes int           `json:"resumes"`
	// Resumed is true when this invocation continued an earlier run.
	Resumed bool `json:"resumed"`
}

// Paused reports whether the caller should retry later.
func (o *Outcome) Paused() bool { return o.Status == OutcomePaused }

// RunError is returned when the run ended in the error state.
type RunError struct {
	RunID     string
	AgentKind string
	EntityID  string
	Kind      runstate.ErrorKind
	Message   string
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s run %s for %s failed: %s", e.AgentKind, e.RunID, e.EntityID, e.Message)
}

// Task names the work to perform. Initial is only used when a fresh
// run is started.
type Task struct {
	AgentKind string
	EntityID  string
	Initial   string
	Config    agent.Config
}

// Archiver receives terminal runs before they are removed from the
// state store.
type Archiver interface {
	Record(ctx context.Context, run *runstate.Run) error
}

// Wrapper runs tasks through the loop. Check-then-act on the active-run
// index is not locked: callers must not invoke the same (kind, entity)
// concurrently.
type Wrapper struct {
	loop    *agent.Loop
	store   *runstate.Store
	archive Archiver
	logger  *slog.Logger
}

// New creates a wrapper. archive may be nil.
func New(loop *agent.Loop, store *runstate.Store, archive Archiver, logger *slog.Logger) *Wrapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Wrapper{loop: loop, store: store, archive: archive, logger: logger}
}

// Execute starts or resumes the run for task's kind and entity. A
// completed or paused run yields an [Outcome]; a failed run yields a
// *[RunError].
func (w *Wrapper) Execute(ctx context.Context, task Task) (*Outcome, error) {
	log := w.logger.With("agent_kind", task.AgentKind, "entity_id", task.EntityID)

	prev, err := w.pausedRun(ctx, task, log)
	if err != nil {
		return nil, err
	}

	var run *runstate.Run
	if prev != nil {
		log.Info("resuming paused run", "run_id", prev.ID, "turn", prev.TurnCount, "resume_count", prev.ResumeCount)
		run, err = w.loop.Resume(ctx, task.Config, prev)
		if err != nil {
			return nil, fmt.Errorf("resume %s run: %w", task.AgentKind, err)
		}
	} else {
		fresh, err := runstate.NewRun(task.AgentKind, task.EntityID, task.Initial)
		if err != nil {
			return nil, err
		}
		if err := w.store.Save(ctx, fresh); err != nil {
			return nil, fmt.Errorf("save new run: %w", err)
		}
		if err := w.store.SetActive(ctx, task.AgentKind, task.EntityID, fresh.ID); err != nil {
			return nil, fmt.Errorf("index new run: %w", err)
		}
		log.Info("starting run", "run_id", fresh.ID)
		run = w.loop.Start(ctx, task.Config, fresh)
	}

	outcome := &Outcome{
		RunID:   run.ID,
		Turns:   run.TurnCount,
		Resumes: run.ResumeCount,
		Resumed: prev != nil,
	}

	// Bookkeeping below must happen even if the caller's context is
	// already done; the run state has to stay consistent.
	bg := context.WithoutCancel(ctx)

	switch run.Status {
	case runstate.StatusPaused:
		if err := w.store.SetActive(bg, run.AgentKind, run.EntityID, run.ID); err != nil {
			return nil, fmt.Errorf("refresh active run: %w", err)
		}
		outcome.Status = OutcomePaused
		return outcome, nil

	case runstate.StatusComplete:
		w.finish(bg, run, log)
		outcome.Status = OutcomeComplete
		outcome.Output = run.FinalOutput
		return outcome, nil

	case runstate.StatusError:
		w.finish(bg, run, log)
		return nil, &RunError{
			RunID:     run.ID,
			AgentKind: run.AgentKind,
			EntityID:  run.EntityID,
			Kind:      run.ErrorKind,
			Message:   run.Error,
		}
	}
	return nil, fmt.Errorf("run %s returned in unexpected status %q", run.ID, run.Status)
}

// pausedRun returns the run mapped to task's key if it is paused.
// Stale or non-paused mappings are dropped so a fresh run can take
// their place.
func (w *Wrapper) pausedRun(ctx context.Context, task Task, log *slog.Logger) (*runstate.Run, error) {
	runID, err := w.store.Active(ctx, task.AgentKind, task.EntityID)
	if err != nil {
		return nil, fmt.Errorf("look up active run: %w", err)
	}
	if runID == "" {
		return nil, nil
	}

	run, err := w.store.Load(ctx, runID)
	switch {
	case errors.Is(err, runstate.ErrNotFound):
		log.Warn("active run index points at missing run", "run_id", runID)
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("load active run: %w", err)
	case run.Status != runstate.StatusPaused:
		log.Warn("active run is not paused, starting fresh", "run_id", runID, "status", run.Status)
		return nil, nil
	}
	return run, nil
}

// finish archives a terminal run, clears its index entry and deletes it.
// Failures are logged: the run's own outcome is what the caller needs.
func (w *Wrapper) finish(ctx context.Context, run *runstate.Run, log *slog.Logger) {
	if w.archive != nil {
		if err := w.archive.Record(ctx, run); err != nil {
			log.Warn("archive run failed", "run_id", run.ID, "error", err)
		}
	}
	if err := w.store.ClearActive(ctx, run.AgentKind, run.EntityID); err != nil {
		log.Warn("clear active run failed", "run_id", run.ID, "error", err)
	}
	if err := w.store.Delete(ctx, run.ID); err != nil {
		log.Warn("delete run state failed", "run_id", run.ID, "error", err)
	}
	log.Info("run finished",
		"run_id", run.ID,
		"status", run.Status,
		"turns", run.TurnCount,
		"resumes", run.ResumeCount,
	)
}
