// Package toolerrors provides structured error types for tool invocation failures.
// ToolError preserves error chains and supports errors.Is/As while maintaining
// serialization compatibility for agent-as-tool scenarios.
package toolerrors

import (
	"errors"
	"fmt"
)

// Kind classifies a tool/task failure into the closed set the runtime
// surfaces to callers. Recovery policy is keyed off Kind, not message text.
type Kind string

const (
	// KindSchema marks invalid action parameters; reported as an
	// ActionResult, not fatal to the task.
	KindSchema Kind = "schema"
	// KindToolFailed marks a tool that returned an error or raised; the
	// agent may observe and retry.
	KindToolFailed Kind = "tool_failed"
	// KindToolTimeout marks a per-action deadline exceeded; treated like
	// KindToolFailed unless flagged fatal.
	KindToolTimeout Kind = "tool_timeout"
	// KindCancelled marks a user- or parent-cancelled task.
	KindCancelled Kind = "cancelled"
	// KindTimeout marks a task deadline exceeded.
	KindTimeout Kind = "timeout"
	// KindStepLimit marks a per-task or per-agent step ceiling hit.
	KindStepLimit Kind = "step_limit"
	// KindEndlessLoop marks a repeated handoff pattern above threshold.
	KindEndlessLoop Kind = "endless_loop"
	// KindInvalidTopology marks swarm edges naming unknown agents, or a
	// cycle under a non-handoff edge kind.
	KindInvalidTopology Kind = "invalid_topology"
	// KindInternal marks a bug or unexpected state; the trajectory is
	// preserved and the failure is escalated to the scheduler for logging.
	KindInternal Kind = "internal"
)

// TaskFatal reports whether k terminates the owning task rather than being
// recoverable by the agent loop in place.
func (k Kind) TaskFatal() bool {
	switch k {
	case KindCancelled, KindTimeout, KindStepLimit, KindEndlessLoop, KindInvalidTopology, KindInternal:
		return true
	default:
		return false
	}
}

// ToolError represents a structured tool failure that preserves message and causal
// context while still implementing the standard error interface. Tool errors may be
// nested via Cause to retain rich diagnostics across retries and agent-as-tool hops.
type ToolError struct {
	// Message is the human-readable summary of the failure.
	Message string
	// Cause links to the underlying tool error, enabling error chains with errors.Is/As.
	Cause *ToolError
	// Kind classifies the failure; zero value means unclassified (treated
	// as KindToolFailed by recovery policy).
	Kind Kind
}

// New constructs a ToolError with the provided message. Use when the failure does not
// wrap an underlying error but still requires structured reporting.
func New(message string) *ToolError {
	if message == "" {
		message = "tool error"
	}
	return &ToolError{Message: message}
}

// NewKind constructs a ToolError with an explicit Kind classification.
func NewKind(kind Kind, message string) *ToolError {
	e := New(message)
	e.Kind = kind
	return e
}

// NewWithCause constructs a ToolError that wraps an underlying error. The cause is
// converted into a ToolError chain so error metadata survives serialization while still
// supporting errors.Is/As through Unwrap.
func NewWithCause(message string, cause error) *ToolError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &ToolError{
		Message: message,
		Cause:   FromError(cause),
	}
}

// FromError converts an arbitrary error into a ToolError chain.
func FromError(err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	return &ToolError{
		Message: err.Error(),
		Cause:   FromError(errors.Unwrap(err)),
	}
}

// Errorf formats according to a format specifier and returns the string as a ToolError.
func Errorf(format string, args ...any) *ToolError {
	return New(fmt.Sprintf(format, args...))
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap returns the underlying tool error to support errors.Is/As.
func (e *ToolError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}
