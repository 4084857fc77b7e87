// Package agent implements the core agent loop: alternate model turns
// with concurrent tool dispatch until the model stops asking for tools,
// checkpointing after every turn so a run can be paused by its time
// budget and resumed later.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nugget/ideaworks/internal/events"
	"github.com/nugget/ideaworks/internal/llm"
	"github.com/nugget/ideaworks/internal/opstate"
	"github.com/nugget/ideaworks/internal/runstate"
	"github.com/nugget/ideaworks/internal/tools"
)

// Defaults applied when the corresponding [Config] field is zero.
const (
	DefaultMaxTurns   = 25
	DefaultTimeBudget = 270 * time.Second
	DefaultMaxResumes = 5
	DefaultMaxTokens  = 4096
)

// ErrNotResumable is returned by [Loop.Resume] for a run that is not
// paused.
var ErrNotResumable = errors.New("run is not paused")

var tracer = otel.Tracer("ideaworks/agent")

// ProgressFunc receives loop transitions. kind is one of the
// events.Kind* constants.
type ProgressFunc func(kind string, detail map[string]any)

// Config parameterizes one invocation of the loop.
type Config struct {
	// Tools available to the model. The loop adds the plan and
	// scratchpad tools to a per-run copy; the registry itself is not
	// modified.
	Tools        *tools.Registry
	SystemPrompt string
	Model        string
	MaxTokens    int

	MaxTurns   int
	TimeBudget time.Duration
	MaxResumes int

	// Progress is optional.
	Progress ProgressFunc

	// Scratchpad backs the scratchpad tools. When nil the run store's
	// key-value store is used.
	Scratchpad opstate.KV
}

func (c Config) withDefaults() Config {
	if c.MaxTurns <= 0 {
		c.MaxTurns = DefaultMaxTurns
	}
	if c.TimeBudget <= 0 {
		c.TimeBudget = DefaultTimeBudget
	}
	if c.MaxResumes <= 0 {
		c.MaxResumes = DefaultMaxResumes
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.Tools == nil {
		c.Tools = tools.NewRegistry()
	}
	return c
}

func (c Config) report(kind string, detail map[string]any) {
	if c.Progress != nil {
		c.Progress(kind, detail)
	}
}

// Loop drives runs against an LLM and persists them in a run store.
// A Loop holds no per-run state and may serve many runs concurrently.
type Loop struct {
	llm    llm.Client
	store  *runstate.Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a loop.
func New(client llm.Client, store *runstate.Store, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{llm: client, store: store, logger: logger, now: time.Now}
}

// Start executes a fresh run until it completes, fails, or exhausts its
// time budget. Loop failures are recorded on the returned run rather
// than returned as errors.
func (l *Loop) Start(ctx context.Context, cfg Config, run *runstate.Run) *runstate.Run {
	return l.execute(ctx, cfg.withDefaults(), run)
}

// Resume continues a paused run with a fresh time budget. A run that has
// already been resumed MaxResumes times is failed without a model call.
func (l *Loop) Resume(ctx context.Context, cfg Config, run *runstate.Run) (*runstate.Run, error) {
	if run.Status != runstate.StatusPaused {
		return nil, fmt.Errorf("resume run %s (status %s): %w", run.ID, run.Status, ErrNotResumable)
	}
	cfg = cfg.withDefaults()

	if run.ResumeCount >= cfg.MaxResumes {
		l.fail(ctx, cfg, run, runstate.ErrorMaxResumes,
			fmt.Sprintf("max resumes exceeded (%d)", cfg.MaxResumes))
		return run, nil
	}

	run.Status = runstate.StatusRunning
	run.ResumeCount++
	l.logger.Info("run resumed",
		"run_id", run.ID,
		"agent_kind", run.AgentKind,
		"entity_id", run.EntityID,
		"resume_count", run.ResumeCount,
		"turn", run.TurnCount,
	)
	return l.execute(ctx, cfg, run), nil
}

func (l *Loop) execute(ctx context.Context, cfg Config, run *runstate.Run) (result *runstate.Run) {
	started := l.now()
	log := l.logger.With("run_id", run.ID, "agent_kind", run.AgentKind, "entity_id", run.EntityID)

	defer func() {
		if r := recover(); r != nil {
			log.Error("agent loop panicked", "panic", r)
			l.fail(ctx, cfg, run, runstate.ErrorInternal, fmt.Sprintf("internal error: %v", r))
			result = run
		}
	}()

	reg := l.runRegistry(cfg, run)
	// Tool calls run to completion once started, even if ctx is cancelled.
	toolCtx := tools.WithRun(context.WithoutCancel(ctx), run.ID, run.EntityID)

	for {
		if elapsed := l.now().Sub(started); elapsed > cfg.TimeBudget || ctx.Err() != nil {
			log.Info("run paused",
				"turn", run.TurnCount,
				"elapsed", elapsed.Round(time.Millisecond),
				"budget", cfg.TimeBudget,
				"cancelled", ctx.Err() != nil,
			)
			l.pause(ctx, cfg, run)
			return run
		}
		if run.TurnCount >= cfg.MaxTurns {
			l.fail(ctx, cfg, run, runstate.ErrorMaxTurns, fmt.Sprintf("max turns exceeded (%d)", cfg.MaxTurns))
			return run
		}
		if done := l.turn(ctx, toolCtx, cfg, reg, run, log); done {
			return run
		}
	}
}

// turn performs one model call and, if requested, one round of tool
// dispatch. It reports whether the run reached a terminal state.
func (l *Loop) turn(ctx, toolCtx context.Context, cfg Config, reg *tools.Registry, run *runstate.Run, log *slog.Logger) bool {
	ctx, span := tracer.Start(ctx, "agent turn")
	defer span.End()
	span.SetAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("agent.kind", run.AgentKind),
		attribute.Int("run.turn", run.TurnCount+1),
	)

	start := time.Now()
	resp, err := l.llm.Complete(ctx, &llm.Request{
		Model:     cfg.Model,
		System:    cfg.SystemPrompt,
		Messages:  run.Messages,
		Tools:     reg.Schemas(),
		MaxTokens: cfg.MaxTokens,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			// Cancellation mid-call leaves the history untouched; the
			// next resume retries this turn.
			log.Info("model call interrupted, pausing", "turn", run.TurnCount, "error", err)
			l.pause(ctx, cfg, run)
			return true
		}
		log.Error("model call failed", "turn", run.TurnCount, "error", err)
		l.fail(ctx, cfg, run, runstate.ErrorModel, fmt.Sprintf("model call failed: %v", err))
		return true
	}
	run.TurnCount++

	log.Debug("model turn done",
		"turn", run.TurnCount,
		"stop_reason", resp.StopReason,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)

	if resp.Truncated() {
		// Tool inputs in a truncated reply cannot be trusted, so the
		// message is not appended.
		span.SetStatus(codes.Error, llm.ErrTruncated.Error())
		l.fail(ctx, cfg, run, runstate.ErrorTruncated,
			fmt.Sprintf("turn %d: %v", run.TurnCount, llm.ErrTruncated))
		return true
	}

	msg := resp.Message()
	run.Append(msg)

	calls := msg.ToolUses()
	if len(calls) == 0 {
		run.Complete(msg.Text())
		if err := l.store.Save(context.WithoutCancel(ctx), run); err != nil {
			log.Error("final checkpoint failed", "error", err)
			l.fail(ctx, cfg, run, runstate.ErrorCheckpoint, fmt.Sprintf("checkpoint: %v", err))
			return true
		}
		log.Info("run complete", "turn", run.TurnCount, "output_len", len(run.FinalOutput))
		cfg.report(events.KindComplete, map[string]any{
			"run_id":     run.ID,
			"turn":       run.TurnCount,
			"output_len": len(run.FinalOutput),
		})
		return true
	}

	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Name
	}
	log.Info("dispatching tools", "turn", run.TurnCount, "tools", names)

	results := tools.Dispatch(toolCtx, reg, calls, log)
	run.Append(llm.Message{Role: llm.RoleUser, Content: results})

	if err := l.store.Save(context.WithoutCancel(ctx), run); err != nil {
		log.Error("checkpoint failed", "turn", run.TurnCount, "error", err)
		l.fail(ctx, cfg, run, runstate.ErrorCheckpoint, fmt.Sprintf("checkpoint: %v", err))
		return true
	}
	cfg.report(events.KindToolCall, map[string]any{
		"run_id": run.ID,
		"turn":   run.TurnCount,
		"tools":  names,
	})

	if run.TurnCount >= cfg.MaxTurns {
		log.Warn("max turns reached", "turn", run.TurnCount, "max_turns", cfg.MaxTurns)
		l.fail(ctx, cfg, run, runstate.ErrorMaxTurns, fmt.Sprintf("max turns exceeded (%d)", cfg.MaxTurns))
		return true
	}
	return false
}

// runRegistry layers the per-run plan and scratchpad tools over the
// configured registry.
func (l *Loop) runRegistry(cfg Config, run *runstate.Run) *tools.Registry {
	reg := cfg.Tools.Clone()
	tools.RegisterPlanTools(reg, tools.NewRunPlan(run))
	kv := cfg.Scratchpad
	if kv == nil {
		kv = l.store.KV()
	}
	tools.RegisterScratchpadTools(reg, kv, l.store.TTL())
	return reg
}

func (l *Loop) pause(ctx context.Context, cfg Config, run *runstate.Run) {
	run.Status = runstate.StatusPaused
	if err := l.store.Save(context.WithoutCancel(ctx), run); err != nil {
		l.logger.Error("pause checkpoint failed", "run_id", run.ID, "error", err)
		l.fail(ctx, cfg, run, runstate.ErrorCheckpoint, fmt.Sprintf("checkpoint: %v", err))
		return
	}
	cfg.report(events.KindPaused, map[string]any{
		"run_id":       run.ID,
		"turn":         run.TurnCount,
		"resume_count": run.ResumeCount,
	})
}

// fail records a terminal error. Persisting is best effort: a run that
// failed because the store is unavailable is still reported as failed.
func (l *Loop) fail(ctx context.Context, cfg Config, run *runstate.Run, kind runstate.ErrorKind, msg string) {
	run.Fail(kind, msg)
	if err := l.store.Save(context.WithoutCancel(ctx), run); err != nil {
		l.logger.Warn("could not persist failed run", "run_id", run.ID, "error", err)
	}
	l.logger.Warn("run failed",
		"run_id", run.ID,
		"agent_kind", run.AgentKind,
		"entity_id", run.EntityID,
		"kind", kind,
		"error", msg,
	)
	cfg.report(events.KindError, map[string]any{
		"run_id": run.ID,
		"turn":   run.TurnCount,
		"error":  msg,
		"kind":   string(kind),
	})
}
