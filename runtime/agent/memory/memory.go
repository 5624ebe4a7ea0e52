// Package memory exposes agent memory storage contracts and helpers for
// persisting and retrieving agent run history. Memory stores record the
// chronological sequence of messages, tool calls, and results so planners
// can reference prior turns when generating responses, and so observers
// (transcript builders, call trackers) can reconstruct a run after the fact.
package memory

import (
	"context"
	"time"
)

type (
	// Store persists agent run history so planners and tooling can inspect
	// prior turns. Implementations must be safe for concurrent use by multiple
	// goroutines appending to or reading the same run. Production deployments
	// typically use a durable backend (MongoDB, etc.); see features/memory/mongo
	// for an example.
	Store interface {
		// LoadRun retrieves the snapshot for the given agent and run. Returns an
		// empty snapshot (not an error) if the run doesn't exist yet, so callers
		// can treat absence as empty history. Returns an error only for storage
		// failures or connectivity issues.
		LoadRun(ctx context.Context, agentID, runID string) (Snapshot, error)

		// AppendEvents appends events to the run's history, ideally atomically.
		// Implementations may deduplicate events based on timestamp and type.
		AppendEvents(ctx context.Context, agentID, runID string, events ...Event) error
	}

	// Snapshot captures the durable state of a run at a point in time. Snapshots
	// are immutable once returned by LoadRun; concurrent writes produce new
	// snapshots on the next read.
	Snapshot struct {
		// AgentID identifies the agent that produced this run.
		AgentID string
		// RunID identifies the workflow run associated with this snapshot.
		RunID string
		// Events lists the chronological memory events persisted so far, ordered
		// by Timestamp ascending. Empty if the run has no history yet.
		Events []Event
		// Meta carries implementation-defined metadata such as database cursors
		// or sync tokens. Planners should not rely on these fields.
		Meta map[string]any
	}

	// Event describes a single entry persisted to the memory store. Events form
	// a chronological log of the agent's interactions, tool invocations, and
	// responses.
	Event struct {
		// Type indicates the category of the event.
		Type EventType
		// Timestamp marks when the event occurred, used for ordering and filtering.
		Timestamp time.Time
		// Data holds the event-specific payload. The structure depends on Type:
		// user/assistant messages carry strings or structured content, tool calls
		// carry arguments, tool results carry return values.
		Data any
		// Labels provides structured metadata for filtering or policy decisions.
		Labels map[string]string
	}

	// Reader provides read-only access to a snapshot, used by planners and the
	// transcript builder to query prior turns.
	Reader interface {
		// Events returns all events in chronological order.
		Events() []Event

		// FilterByType returns events matching the given type, preserving
		// chronological order.
		FilterByType(t EventType) []Event

		// Latest returns the most recent event of the given type. The boolean
		// return indicates whether an event of that type exists.
		Latest(t EventType) (Event, bool)
	}

	// Annotation represents planner- or policy-supplied metadata appended
	// during execution, typically persisted as EventAnnotation entries.
	Annotation struct {
		// Message is the textual annotation.
		Message string
		// Labels carries structured metadata for filtering or categorization.
		Labels map[string]string
	}
)

// EventType enumerates persisted memory event categories.
type EventType string

const (
	// EventUserMessage records an end-user utterance or input message.
	EventUserMessage EventType = "user_message"

	// EventAssistantMessage records an assistant response or output message.
	EventAssistantMessage EventType = "assistant_message"

	// EventToolCall records a tool invocation request, including tool name and
	// arguments.
	EventToolCall EventType = "tool_call"

	// EventToolResult records the outcome of a tool invocation.
	EventToolResult EventType = "tool_result"

	// EventPlannerNote records planner-generated notes or reasoning steps
	// surfaced alongside a turn.
	EventPlannerNote EventType = "planner_note"

	// EventThinking records intermediate planner deliberation not meant for
	// direct presentation, kept separate from EventPlannerNote so transcript
	// builders can choose whether to surface it.
	EventThinking EventType = "thinking"

	// EventAnnotation records arbitrary annotations injected by policy engines,
	// hooks, or external systems for observability or debugging.
	EventAnnotation EventType = "annotation"
)
