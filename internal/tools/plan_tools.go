package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nugget/ideaworks/internal/runstate"
)

// RunPlan gives the plan tools access to one run's Plan field. Tool
// calls of a turn run concurrently, so every read-modify-write goes
// through Update.
type RunPlan struct {
	mu  sync.Mutex
	run *runstate.Run
}

// NewRunPlan binds plan tools to run.
func NewRunPlan(run *runstate.Run) *RunPlan {
	return &RunPlan{run: run}
}

// Steps returns a copy of the current plan.
func (p *RunPlan) Steps() []runstate.PlanStep {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]runstate.PlanStep(nil), p.run.Plan...)
}

// Update applies fn to a copy of the plan and stores the result unless
// fn fails.
func (p *RunPlan) Update(fn func([]runstate.PlanStep) ([]runstate.PlanStep, error)) ([]runstate.PlanStep, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	next, err := fn(append([]runstate.PlanStep(nil), p.run.Plan...))
	if err != nil {
		return nil, err
	}
	p.run.Plan = next
	return append([]runstate.PlanStep(nil), next...), nil
}

type stepInput struct {
	Description string `json:"description"`
	Rationale   string `json:"rationale"`
}

type planView struct {
	Index int `json:"index"`
	runstate.PlanStep
}

func viewPlan(steps []runstate.PlanStep) map[string]any {
	view := make([]planView, len(steps))
	for i, s := range steps {
		view[i] = planView{Index: i, PlanStep: s}
	}
	return map[string]any{"plan": view}
}

func newSteps(in []stepInput) ([]runstate.PlanStep, error) {
	steps := make([]runstate.PlanStep, 0, len(in))
	for i, s := range in {
		if s.Description == "" {
			return nil, fmt.Errorf("step %d: description is required", i)
		}
		steps = append(steps, runstate.PlanStep{
			Description: s.Description,
			Rationale:   s.Rationale,
			Status:      runstate.StepPending,
		})
	}
	return steps, nil
}

var stepSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"description": map[string]any{"type": "string", "description": "What the step does"},
		"rationale":   map[string]any{"type": "string", "description": "Why the step is needed"},
	},
	"required": []string{"description"},
}

// RegisterPlanTools adds create_plan and update_plan bound to plan.
func RegisterPlanTools(r *Registry, plan *RunPlan) {
	r.Register(&Tool{
		Name: "create_plan",
		Description: "Declare your plan for this task as an ordered list of steps. " +
			"Replaces any existing plan. All steps start as pending.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"steps": map[string]any{"type": "array", "items": stepSchema},
			},
			"required": []string{"steps"},
		},
		Handler: func(_ context.Context, input json.RawMessage) (any, error) {
			var args struct {
				Steps []stepInput `json:"steps"`
			}
			if err := DecodeInput(input, &args); err != nil {
				return nil, err
			}
			if len(args.Steps) == 0 {
				return nil, fmt.Errorf("steps must not be empty")
			}
			steps, err := newSteps(args.Steps)
			if err != nil {
				return nil, err
			}
			updated, err := plan.Update(func([]runstate.PlanStep) ([]runstate.PlanStep, error) {
				return steps, nil
			})
			if err != nil {
				return nil, err
			}
			return viewPlan(updated), nil
		},
	})

	r.Register(&Tool{
		Name: "update_plan",
		Description: "Update your plan: change step statuses by index, and/or insert newly " +
			"discovered steps after a given index (-1 inserts at the start). " +
			"Status updates use indexes from before the insertion.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"updates": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"index": map[string]any{"type": "integer"},
							"status": map[string]any{
								"type": "string",
								"enum": []string{"pending", "in_progress", "complete", "skipped"},
							},
						},
						"required": []string{"index", "status"},
					},
				},
				"insert_after": map[string]any{
					"type":        "integer",
					"description": "Index after which new_steps are inserted",
				},
				"new_steps": map[string]any{"type": "array", "items": stepSchema},
			},
		},
		Handler: func(_ context.Context, input json.RawMessage) (any, error) {
			var args struct {
				Updates []struct {
					Index  int                 `json:"index"`
					Status runstate.StepStatus `json:"status"`
				} `json:"updates"`
				InsertAfter *int        `json:"insert_after"`
				NewSteps    []stepInput `json:"new_steps"`
			}
			if err := DecodeInput(input, &args); err != nil {
				return nil, err
			}
			inserted, err := newSteps(args.NewSteps)
			if err != nil {
				return nil, err
			}

			updated, err := plan.Update(func(steps []runstate.PlanStep) ([]runstate.PlanStep, error) {
				for _, u := range args.Updates {
					if u.Index < 0 || u.Index >= len(steps) {
						return nil, fmt.Errorf("index %d out of range (plan has %d steps)", u.Index, len(steps))
					}
					if !u.Status.Valid() {
						return nil, fmt.Errorf("invalid status %q", u.Status)
					}
					steps[u.Index].Status = u.Status
				}
				if len(inserted) == 0 {
					return steps, nil
				}
				at := len(steps)
				if args.InsertAfter != nil {
					at = *args.InsertAfter + 1
				}
				if at < 0 || at > len(steps) {
					return nil, fmt.Errorf("insert_after %d out of range (plan has %d steps)", at-1, len(steps))
				}
				out := make([]runstate.PlanStep, 0, len(steps)+len(inserted))
				out = append(out, steps[:at]...)
				out = append(out, inserted...)
				return append(out, steps[at:]...), nil
			})
			if err != nil {
				return nil, err
			}
			return viewPlan(updated), nil
		},
	})
}
