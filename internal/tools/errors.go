package tools

import "fmt"

// ErrToolUnavailable is returned when a tool call targets a name that is
// not present in the run's registry. Dispatch turns it into an error
// tool_result so the model can recover; it never aborts the run.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("unknown tool: %s", e.ToolName)
}

// PanicError wraps a value recovered from a panicking tool handler.
type PanicError struct {
	ToolName string
	Value    any
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("tool %s panicked: %v", e.ToolName, e.Value)
}
