package hooks

import (
	"context"
	"sort"
	"sync"

	"github.com/agentfabric/runtime/runtime/agent/task"
	"github.com/agentfabric/runtime/runtime/agent/telemetry"
)

// Point names one of the agent loop's fixed lifecycle hook points (§4.2).
// on_message is a catch-all fired for every message regardless of the other
// points it also triggers.
type Point string

const (
	PointTaskStart     Point = "task_start"
	PointPreAgentStep  Point = "pre_agent_step"
	PointPreLLM        Point = "pre_llm"
	PointPostLLM       Point = "post_llm"
	PointPreTool       Point = "pre_tool"
	PointPostTool      Point = "post_tool"
	PointPostAgentStep Point = "post_agent_step"
	PointTaskEnd       Point = "task_end"
	PointOnMessage     Point = "on_message"
)

// HookExec is one hook's behavior at a Point: given the message reaching
// that point and the task's RunContext, it returns the message to continue
// processing with (unchanged or replaced) and keep=true, or keep=false to
// drop the message entirely (§4.2 "exec(message, context) -> Optional[message]").
// A returned error is logged by the registry and treated as keep=true with
// the original message, so a failing hook never stops the loop.
type HookExec func(ctx context.Context, msg task.Message, rc *task.RunContext) (task.Message, bool, error)

type hookEntry struct {
	name  string
	order int
	exec  HookExec
}

// HookRegistry implements §4.2's HookRegistry: named hooks attached to fixed
// lifecycle points, run in ascending order per point, each able to replace
// or drop the message flowing through that point. This is a distinct
// mechanism from Bus's plain pub/sub fan-out (§4.1) and from register_transformer
// (also §4.1): a HookRegistry entry is keyed by lifecycle point, not by
// message category/topic, and every hook at a point sees the previous
// hook's (possibly replaced) message.
type HookRegistry struct {
	mu     sync.RWMutex
	points map[Point][]hookEntry
	logger telemetry.Logger
}

// HookRegistryOption configures a HookRegistry constructed by NewHookRegistry.
type HookRegistryOption func(*HookRegistry)

// WithHookLogger sets the logger used to report swallowed hook errors.
// Defaults to a no-op logger.
func WithHookLogger(logger telemetry.Logger) HookRegistryOption {
	return func(h *HookRegistry) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHookRegistry returns an empty HookRegistry ready for Register/Fire.
func NewHookRegistry(opts ...HookRegistryOption) *HookRegistry {
	h := &HookRegistry{
		points: make(map[Point][]hookEntry),
		logger: telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register attaches a named hook at point. Hooks registered at the same
// point run in ascending order; equal orders run in registration order
// (sort.SliceStable).
func (h *HookRegistry) Register(point Point, name string, order int, exec HookExec) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entries := append(h.points[point], hookEntry{name: name, order: order, exec: exec})
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].order < entries[j].order })
	h.points[point] = entries
}

// Fire runs every hook registered at point, in order, threading msg through
// each. It returns the (possibly replaced) message and whether it survived:
// false means some hook dropped it and the caller must not act on it
// further (e.g. must not forward it to the Bus or to an LLM/tool call).
func (h *HookRegistry) Fire(ctx context.Context, point Point, msg task.Message, rc *task.RunContext) (task.Message, bool) {
	h.mu.RLock()
	entries := make([]hookEntry, len(h.points[point]))
	copy(entries, h.points[point])
	h.mu.RUnlock()

	for _, e := range entries {
		next, keep, err := e.exec(ctx, msg, rc)
		if err != nil {
			h.logger.Error(ctx, "hooks: hook failed, keeping original message", "point", string(point), "hook", e.name, "error", err)
			continue
		}
		if !keep {
			return task.Message{}, false
		}
		msg = next
	}
	return msg, true
}
