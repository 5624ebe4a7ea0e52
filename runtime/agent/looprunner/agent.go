package looprunner

import (
	"context"

	"github.com/agentfabric/runtime/runtime/agent/task"
)

// Context carries the per-turn execution metadata an Agent is called with,
// in addition to the Observation itself: which peers it may hand off to,
// which tools it may call, and the task-level budget remaining.
type Context struct {
	TaskID    string
	SessionID string
	Step      int
	MaxSteps  int

	// Run is the task-wide shared state (§4.3): token usage accounting, the
	// outputs sink, and the cooperative cancellation flag. It is the same
	// instance across every agent invocation and handoff within one task.
	Run *task.RunContext
}

// Agent is a function of (Observation, Context) -> []ActionModel (§4.6). The
// runner does not inspect an Agent's internals; it only requires that a
// well-formed Observation produces zero or more actions, or an error.
type Agent interface {
	Act(ctx context.Context, obs task.Observation, rc Context) ([]task.ActionModel, error)
}

// AgentFunc adapts a plain function to the Agent interface.
type AgentFunc func(ctx context.Context, obs task.Observation, rc Context) ([]task.ActionModel, error)

// Act implements Agent.
func (f AgentFunc) Act(ctx context.Context, obs task.Observation, rc Context) ([]task.ActionModel, error) {
	return f(ctx, obs, rc)
}

// OnFinalFunc is invoked when an agent's action list terminates the loop
// with a text answer, before FINALIZE publishes the TaskResponse.
type OnFinalFunc func(ctx context.Context, answer string) error

// AgentSpec declares the policy an agent opts into, per §4.6: the tools and
// handoff targets it's allowed to use, whether a handoff blocks for the
// child's answer, whether a tool result is fed back into the same agent's
// next turn, and an optional per-agent step override.
type AgentSpec struct {
	Name               string
	Impl               Agent
	AllowedTools       []string
	AllowedHandoffs    []string
	WaitToolResult     bool
	FeedbackToolResult bool
	MaxStepsOverride   int
	OnFinal            OnFinalFunc
}

func (s AgentSpec) allows(set []string, name string) bool {
	if len(set) == 0 {
		return true
	}
	for _, s := range set {
		if s == name {
			return true
		}
	}
	return false
}

// AllowsTool reports whether name is in the agent's declared allow-list (an
// empty list allows every tool).
func (s AgentSpec) AllowsTool(name string) bool { return s.allows(s.AllowedTools, name) }

// AllowsHandoff reports whether agentName is in the agent's declared
// allow-list (an empty list allows every handoff target).
func (s AgentSpec) AllowsHandoff(agentName string) bool { return s.allows(s.AllowedHandoffs, agentName) }
