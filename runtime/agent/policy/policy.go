// Package policy codifies policy evaluation and enforcement for agent runs.
// Policy engines decide which tools remain available to planners on each
// turn, enforce resource caps (max tool calls, time budgets, consecutive
// failure limits), and react to planner retry hints. This gives runtime-level
// control over agent behavior without reaching into planner or tool code.
package policy

import (
	"context"
	"time"

	"github.com/agentfabric/runtime/runtime/agent/run"
	"github.com/agentfabric/runtime/runtime/agent/tools"
)

type (
	// Engine decides which tools remain available to the planner on each turn.
	// The runtime invokes the policy engine before every planner call (start and
	// resume) to compute the allowlist and refresh caps.
	//
	// Implementations can inspect retry hints, track failure patterns, consult
	// external systems (approval workflows, rate limiters), or apply rule-based
	// logic to restrict tool access. Decide should be fast (well under the
	// planner's own latency budget); heavy lookups should be cached.
	Engine interface {
		// Decide evaluates policy constraints and returns the decision for this
		// turn. An error typically terminates the run.
		Decide(ctx context.Context, input Input) (Decision, error)
	}

	// Input groups the information made available to the policy engine for a
	// single decision. The runtime constructs this before each planner call.
	Input struct {
		// RunContext carries run-level identifiers, labels, and caps configuration.
		RunContext run.Context

		// Tools lists the candidate tools allowed by the agent registration. The
		// engine filters this down to the allowlist for the current turn.
		Tools []ToolMetadata

		// RetryHint carries planner guidance after a tool failure. Nil when no
		// hint was produced.
		RetryHint *RetryHint

		// RemainingCaps reflects the execution budgets in effect before this turn.
		RemainingCaps CapsState

		// Requested enumerates tools the planner has already asked to invoke this
		// turn, when known. Engines may prioritize or restrict based on this set.
		Requested []tools.Ident

		// Labels are arbitrary key/value pairs propagated to policy decisions.
		Labels map[string]string
	}

	// Decision captures the outcome of a policy evaluation for a turn. The
	// runtime applies it before invoking the planner: filtering the candidate
	// set to the allowlist, merging caps, and terminating the run if
	// DisableTools is set.
	Decision struct {
		// AllowedTools is the final allowlist for this turn. An empty slice means
		// no tools were filtered by this decision (the candidate set is used
		// unmodified); DisableTools is the explicit signal for "no tools at all".
		AllowedTools []tools.Ident

		// Caps carries caps updates to merge into the run's budget. Zero fields
		// leave the corresponding current value untouched.
		Caps CapsState

		// DisableTools forces the planner toward a final response; the runtime
		// terminates the turn with an error if tool calls are still pending.
		DisableTools bool

		// Labels are merged into the run context and propagated to subsequent
		// turns and telemetry.
		Labels map[string]string

		// Metadata captures engine-specific detail (reason codes, approval IDs)
		// persisted alongside the policy decision event.
		Metadata map[string]any
	}

	// ToolMetadata describes a candidate tool available to the agent for policy
	// evaluation.
	ToolMetadata struct {
		ID          tools.Ident
		Title       string
		Description string
		Tags        []string
	}

	// CapsState tracks the execution budgets in force for a run. The runtime
	// decrements these as tool calls execute and terminates the workflow (or
	// forces a final response) once a cap is exhausted.
	CapsState struct {
		// MaxToolCalls is the total tool invocations allowed for the run. Zero
		// means unlimited.
		MaxToolCalls int

		// RemainingToolCalls counts invocations still permitted.
		RemainingToolCalls int

		// MaxConsecutiveFailedToolCalls caps consecutive tool failures. Zero
		// means unlimited.
		MaxConsecutiveFailedToolCalls int

		// RemainingConsecutiveFailedToolCalls counts permitted failures before
		// circuit breaking; resets to MaxConsecutiveFailedToolCalls on success.
		RemainingConsecutiveFailedToolCalls int

		// ExpiresAt is the wall-clock deadline for the run's budget. Zero means
		// no deadline.
		ExpiresAt time.Time
	}
)

// RetryReason categorizes planner failures communicated via RetryHint. These
// mirror planner.RetryReason so policy engines can depend on this package
// without importing planner, avoiding an import cycle through hooks.
type RetryReason string

const (
	RetryReasonInvalidArguments  RetryReason = "invalid_arguments"
	RetryReasonMissingFields     RetryReason = "missing_fields"
	RetryReasonMalformedResponse RetryReason = "malformed_response"
	RetryReasonTimeout           RetryReason = "timeout"
	RetryReasonRateLimited       RetryReason = "rate_limited"
	RetryReasonToolUnavailable   RetryReason = "tool_unavailable"
)

// RetryHint communicates planner guidance after a tool failure so policy
// engines can adjust allowlists or caps accordingly.
type RetryHint struct {
	Reason             RetryReason
	Tool               tools.Ident
	RestrictToTool     bool
	MissingFields      []string
	ExampleInput       map[string]any
	PriorInput         map[string]any
	ClarifyingQuestion string
	Message            string
}
