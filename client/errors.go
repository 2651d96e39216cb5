package client

import (
	"errors"
	"fmt"
	"strings"
)

// ErrExecutionTimeout is the cause reported when a prompt does not finish within the
// client's execution timeout.
var ErrExecutionTimeout = errors.New("execution timeout")

// ErrExecutionInterrupted is returned when the server interrupts a running prompt.
var ErrExecutionInterrupted = errors.New("execution interrupted")

// ErrNoOutputs is returned when a prompt finished without producing any output file.
var ErrNoOutputs = errors.New("workflow produced no output images")

// PromptError is a rejected POST /prompt.
type PromptError struct {
	StatusCode int
	Type       string
	Message    string
	Details    string
	NodeErrors map[string]interface{}
}

func (e *PromptError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "prompt rejected (%d)", e.StatusCode)
	if e.Type != "" {
		fmt.Fprintf(&b, ": %s", e.Type)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Details != "" {
		fmt.Fprintf(&b, " (%s)", e.Details)
	}
	if len(e.NodeErrors) > 0 {
		fmt.Fprintf(&b, " node_errors=%v", e.NodeErrors)
	}
	return b.String()
}

// ExecutionError is an execution_error reported by the server for a running prompt.
type ExecutionError struct {
	PromptID         string
	NodeID           string
	NodeType         string
	NodeName         string
	ExceptionType    string
	ExceptionMessage string
	Traceback        []string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("ComfyUI execution error in node %s (%s): %s: %s",
		e.NodeID, e.NodeType, e.ExceptionType, strings.TrimSpace(e.ExceptionMessage))
}

func newExecutionError(promptID string, ex *PromptMessageStoppedException) *ExecutionError {
	return &ExecutionError{
		PromptID:         promptID,
		NodeID:           ex.NodeID,
		NodeType:         ex.NodeType,
		NodeName:         ex.NodeName,
		ExceptionType:    ex.ExceptionType,
		ExceptionMessage: ex.ExceptionMessage,
		Traceback:        ex.Traceback,
	}
}
