// Package runstate defines the Run record driven by the agent loop and
// persists it, together with the active-run index, in an expiring
// key-value store.
package runstate

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nugget/ideaworks/internal/llm"
)

// Status is the lifecycle state of a Run.
type Status string

const (
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
)

// Terminal reports whether the status ends the run for good.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError
}

// StepStatus is the state of one plan step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepComplete   StepStatus = "complete"
	StepSkipped    StepStatus = "skipped"
)

// Valid reports whether s is a known step status.
func (s StepStatus) Valid() bool {
	switch s {
	case StepPending, StepInProgress, StepComplete, StepSkipped:
		return true
	}
	return false
}

// PlanStep is one entry of an agent-authored plan. The loop never reads
// or writes the plan itself; only the plan tools do.
type PlanStep struct {
	Description string     `json:"description"`
	Rationale   string     `json:"rationale,omitempty"`
	Status      StepStatus `json:"status"`
}

// ErrorKind classifies why a run ended in [StatusError], so callers can
// decide whether a retry makes sense.
type ErrorKind string

const (
	ErrorModel      ErrorKind = "model"       // LLM service failure
	ErrorTruncated  ErrorKind = "truncated"   // output cut at max_tokens
	ErrorMaxTurns   ErrorKind = "max_turns"   // turn limit reached
	ErrorMaxResumes ErrorKind = "max_resumes" // resume limit reached
	ErrorCheckpoint ErrorKind = "checkpoint"  // state could not be persisted
	ErrorInternal   ErrorKind = "internal"    // recovered panic
)

// Run is one execution of an agent against one task. Messages is
// append-only; FinalOutput and Error are set only on terminal states
// and never together.
type Run struct {
	ID          string        `json:"id"`
	AgentKind   string        `json:"agent_kind"`
	EntityID    string        `json:"entity_id"`
	Status      Status        `json:"status"`
	TurnCount   int           `json:"turn_count"`
	ResumeCount int           `json:"resume_count"`
	Messages    []llm.Message `json:"messages"`
	Plan        []PlanStep    `json:"plan,omitempty"`
	FinalOutput string        `json:"final_output,omitempty"`
	Error       string        `json:"error,omitempty"`
	ErrorKind   ErrorKind     `json:"error_kind,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// NewRun creates a running Run with a fresh id whose history holds the
// initial user message.
func NewRun(agentKind, entityID, initial string) (*Run, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}
	now := time.Now().UTC()
	return &Run{
		ID:        id.String(),
		AgentKind: agentKind,
		EntityID:  entityID,
		Status:    StatusRunning,
		Messages:  []llm.Message{llm.UserText(initial)},
		StartedAt: now,
		UpdatedAt: now,
	}, nil
}

// Append adds a message to the end of the history.
func (r *Run) Append(msg llm.Message) {
	r.Messages = append(r.Messages, msg)
}

// Complete marks the run finished with the given output.
func (r *Run) Complete(output string) {
	r.Status = StatusComplete
	r.FinalOutput = output
	r.Error = ""
	r.ErrorKind = ""
}

// Fail marks the run failed with the given message.
func (r *Run) Fail(kind ErrorKind, msg string) {
	r.Status = StatusError
	r.Error = msg
	r.ErrorKind = kind
	r.FinalOutput = ""
}
