// Package task defines the runtime's core data model: the unit of work
// (Task), the typed event published for every step of its execution
// (Message), what an agent observes (Observation) and may do in response
// (ActionModel, ActionResult), the graph an agent runs inside (Swarm), the
// bookkeeping used to detect endless handoff loops and to render a run's
// trajectory (AgentCallTracker), and the per-task shared state threaded
// through a run (RunContext).
package task

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type (
	// StreamingMode controls whether intermediate messages are published
	// for a task in addition to its terminal TaskResponse.
	StreamingMode string

	// Conf is the typed configuration record for a task, per the closed set
	// of recognized keys; unknown keys are rejected by callers decoding
	// configuration into this type (see SPEC_FULL AMBIENT STACK).
	Conf struct {
		MaxSteps          int           `yaml:"max_steps" json:"max_steps"`
		EndlessThreshold  int           `yaml:"endless_threshold" json:"endless_threshold"`
		TimeoutMS         int           `yaml:"timeout_ms" json:"timeout_ms"`
		StreamingMode     StreamingMode `yaml:"streaming_mode" json:"streaming_mode"`
		SequenceDependent bool          `yaml:"sequence_dependent" json:"sequence_dependent"`
		Engine            string        `yaml:"engine" json:"engine"`
		WorkerNum         int           `yaml:"worker_num" json:"worker_num"`
		GraceMS           int           `yaml:"grace_ms" json:"grace_ms"`
	}

	// Task is a single submitted unit of work: an input addressed to an
	// agent or a swarm, under a configuration, optionally attached to an
	// existing session.
	Task struct {
		ID        string
		Input     string
		AgentName string
		Swarm     *Swarm
		ToolNames []string
		Conf      Conf
		SessionID string
	}

	// Category partitions messages on the bus the way §6 envelopes do.
	Category string

	// CallType records how a message's sender came to address its receiver.
	CallType string

	// Headers carries envelope metadata that is not part of the message
	// payload itself.
	Headers struct {
		PreMessageID *string `json:"pre_message_id"`
	}

	// Message is a typed event on the bus and the unit of observability
	// for a task: every agent turn, tool call, text chunk, and the
	// terminal response are all published as Messages.
	Message struct {
		ID        string
		TaskID    string
		SessionID string
		Category  Category
		Topic     string
		Sender    string
		Receiver  *string
		CallType  CallType
		Payload   any
		Headers   Headers
	}

	// Observation is what an agent sees on a turn: the latest inbound
	// message (an initial task input or a tool/handoff result) plus the
	// running step count for the owning task.
	Observation struct {
		TaskID  string
		Message Message
		Step    int
	}

	// ActionModel is an agent's intent for a turn: a tool call, a handoff
	// to a peer agent, or — when ToolName is empty and AgentName is empty —
	// a final text answer.
	ActionModel struct {
		ToolName  string
		AgentName string
		ActionName string
		Params    map[string]any
		Text      string
	}

	// ActionResult is the outcome of dispatching one ActionModel.
	ActionResult struct {
		ActionName string
		Result     any
		Error      string
		IsDone     bool
	}

	// EdgeKind identifies how control flows along a Swarm edge, per §4.7.
	EdgeKind string

	// Edge is one (from, to, kind) triple in a Swarm's adjacency list.
	Edge struct {
		From string
		To   string
		Kind EdgeKind
	}

	// Swarm is a graph of agents with typed edges: workflow (topological
	// DAG handoff of text output), handoff (tree call, caller suspends),
	// or team (a leader invokes teammates as tools).
	Swarm struct {
		Agents     []string
		Edges      []Edge
		RootAgents []string
	}

	// TaskResponse is the bit-stable JSON terminal response for a task,
	// per §6.
	TaskResponse struct {
		ID         string                  `json:"id"`
		Success    bool                    `json:"success"`
		Answer     string                  `json:"answer"`
		Msg        string                  `json:"msg"`
		Usage      map[string]AgentUsage   `json:"usage"`
		Trajectory []TrajectoryStep        `json:"trajectory"`
		TimeCostMS int64                   `json:"time_cost_ms"`
	}

	// AgentUsage is one agent's token accounting within a task.
	AgentUsage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		TotalTokens  int `json:"total_tokens"`
	}

	// TrajectoryStep records one step of a task's execution for the
	// TaskResponse.trajectory field.
	TrajectoryStep struct {
		AgentName string    `json:"agent_name"`
		Step      int       `json:"step"`
		Action    string    `json:"action"`
		CallType  CallType  `json:"call_type"`
		At        time.Time `json:"at"`
	}
)

const (
	CategoryAgent   Category = "AGENT"
	CategoryTool    Category = "TOOL"
	CategoryChunk   Category = "CHUNK"
	CategoryCancel  Category = "CANCEL"
	CategoryControl Category = "CONTROL"

	CallTypeAgentDirect CallType = "agent_direct"
	CallTypeAgentAsTool CallType = "agent_as_tool"
	CallTypeToolResult  CallType = "tool_result"
	CallTypeHandoff     CallType = "handoff"

	EdgeWorkflow EdgeKind = "workflow"
	EdgeHandoff  EdgeKind = "handoff"
	EdgeTeam     EdgeKind = "team"

	StreamingOff  StreamingMode = "OFF"
	StreamingCore StreamingMode = "CORE"
)

// NewID generates a new random identifier suitable for task, run, message,
// and session ids when a caller omits one (§6).
func NewID() string {
	return uuid.NewString()
}

// NewTask returns t with its ID populated via NewID if it was left empty.
func NewTask(t Task) Task {
	if t.ID == "" {
		t.ID = NewID()
	}
	return t
}

// Validate checks the swarm's edges reference only declared agents and that
// non-handoff edges do not participate in a cycle, returning an
// invalid_topology-classified error (see toolerrors.KindInvalidTopology) on
// violation. Cycles are allowed only under EdgeHandoff, bounded at runtime
// by endless-loop detection and MaxDepth.
func (s *Swarm) Validate() error {
	if s == nil {
		return nil
	}
	known := make(map[string]struct{}, len(s.Agents))
	for _, a := range s.Agents {
		known[a] = struct{}{}
	}
	adjacency := make(map[string][]Edge)
	for _, e := range s.Edges {
		if _, ok := known[e.From]; !ok {
			return fmt.Errorf("invalid_topology: edge references unknown agent %q", e.From)
		}
		if _, ok := known[e.To]; !ok {
			return fmt.Errorf("invalid_topology: edge references unknown agent %q", e.To)
		}
		if e.Kind != EdgeWorkflow && e.Kind != EdgeHandoff && e.Kind != EdgeTeam {
			return fmt.Errorf("invalid_topology: edge %s->%s has unknown kind %q", e.From, e.To, e.Kind)
		}
		adjacency[e.From] = append(adjacency[e.From], e)
	}
	for _, root := range s.RootAgents {
		if _, ok := known[root]; !ok {
			return fmt.Errorf("invalid_topology: root agent %q is not declared", root)
		}
	}
	// Non-handoff edges must not participate in a cycle.
	visiting := make(map[string]int) // 0=unseen 1=on-stack 2=done
	var visit func(node string) error
	visit = func(node string) error {
		visiting[node] = 1
		for _, e := range adjacency[node] {
			if e.Kind == EdgeHandoff {
				continue
			}
			switch visiting[e.To] {
			case 1:
				return fmt.Errorf("invalid_topology: cycle through non-handoff edge %s->%s", e.From, e.To)
			case 0:
				if err := visit(e.To); err != nil {
					return err
				}
			}
		}
		visiting[node] = 2
		return nil
	}
	for _, a := range s.Agents {
		if visiting[a] == 0 {
			if err := visit(a); err != nil {
				return err
			}
		}
	}
	return nil
}

// ObservationHash returns a stable digest of an observation's message
// payload, used by endless-loop detection to compare consecutive handoffs
// by observation content per §4.7.
func ObservationHash(o Observation) string {
	data, err := json.Marshal(o.Message.Payload)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", o.Message.Payload))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CallHierarchyNode records one agent invocation in a task's call tree,
// grounded on the original implementation's AgentCallTracker
// (direct_calls vs as_tool_calls, indexed by tree depth).
type CallHierarchyNode struct {
	AgentName string
	CallType  CallType
	Depth     int
	Parent    *CallHierarchyNode
	Children  []*CallHierarchyNode
}

// AgentCallTracker records every agent invocation of a task, split into
// direct (handoff/workflow) calls and as-tool calls, and exposes the
// hierarchy for endless-loop detection and trajectory rendering.
type AgentCallTracker struct {
	mu          sync.Mutex
	directCalls []*CallHierarchyNode
	asToolCalls []*CallHierarchyNode
	byDepth     map[int][]*CallHierarchyNode
	// lastHandoffHash and handoffStreak track consecutive handoffs (any
	// edge) that carried an identical observation-hash. Keying the streak
	// by edge rather than by hash alone undercounts a two-agent
	// oscillation: edge (a,b) only recurs every other hop, so an
	// edge-keyed streak needs roughly 2*threshold handoffs to reach
	// threshold repeats on one edge. Spec's own worked example ("after
	// exactly 5 identical handoffs") counts raw handoffs regardless of
	// direction, which is what this field does.
	lastHandoffHash string
	handoffStreak   int
}

// NewAgentCallTracker returns an empty tracker for one task.
func NewAgentCallTracker() *AgentCallTracker {
	return &AgentCallTracker{byDepth: make(map[int][]*CallHierarchyNode)}
}

// RecordCall appends a call to the hierarchy and returns the new node.
func (t *AgentCallTracker) RecordCall(agentName string, callType CallType, depth int, parent *CallHierarchyNode) *CallHierarchyNode {
	t.mu.Lock()
	defer t.mu.Unlock()
	node := &CallHierarchyNode{AgentName: agentName, CallType: callType, Depth: depth, Parent: parent}
	if parent != nil {
		parent.Children = append(parent.Children, node)
	}
	t.byDepth[depth] = append(t.byDepth[depth], node)
	switch callType {
	case CallTypeAgentAsTool:
		t.asToolCalls = append(t.asToolCalls, node)
	default:
		t.directCalls = append(t.directCalls, node)
	}
	return node
}

// DirectCalls returns every direct (non-as-tool) call recorded so far.
func (t *AgentCallTracker) DirectCalls() []*CallHierarchyNode {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*CallHierarchyNode, len(t.directCalls))
	copy(out, t.directCalls)
	return out
}

// AsToolCalls returns every agent-as-tool call recorded so far.
func (t *AgentCallTracker) AsToolCalls() []*CallHierarchyNode {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*CallHierarchyNode, len(t.asToolCalls))
	copy(out, t.asToolCalls)
	return out
}

// ByDepth returns every node recorded at the given tree depth.
func (t *AgentCallTracker) ByDepth(depth int) []*CallHierarchyNode {
	t.mu.Lock()
	defer t.mu.Unlock()
	nodes := t.byDepth[depth]
	out := make([]*CallHierarchyNode, len(nodes))
	copy(out, nodes)
	return out
}

// RecordHandoff registers one handoff edge traversal and reports whether the
// endless-loop threshold has now been reached. The from/to edge identity is
// not part of the detection key: a repeated observation-hash is the signal
// of no progress regardless of which edge carried it, so a two-agent
// oscillation (a->b->a->b->...) that keeps handing back the same
// observation trips the detector after exactly threshold handoffs, matching
// §8's worked example and the "terminates within L+endless_threshold steps"
// bound.
func (t *AgentCallTracker) RecordHandoff(from, to, observationHash string, threshold int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastHandoffHash == observationHash {
		t.handoffStreak++
	} else {
		t.handoffStreak = 1
		t.lastHandoffHash = observationHash
	}
	return threshold > 0 && t.handoffStreak >= threshold
}

// Trajectory renders the recorded calls into the TaskResponse.trajectory
// shape: every direct call in recording order, followed by every as-tool
// call in recording order.
func (t *AgentCallTracker) Trajectory() []TrajectoryStep {
	t.mu.Lock()
	defer t.mu.Unlock()
	all := make([]*CallHierarchyNode, 0, len(t.directCalls)+len(t.asToolCalls))
	all = append(all, t.directCalls...)
	all = append(all, t.asToolCalls...)
	steps := make([]TrajectoryStep, 0, len(all))
	for i, n := range all {
		steps = append(steps, TrajectoryStep{
			AgentName: n.AgentName,
			Step:      i + 1,
			CallType:  n.CallType,
			At:        time.Now(),
		})
	}
	return steps
}

// tokenCounter holds one agent's running token tally as three lock-free
// counters, so AddToken never needs to hold RunContext's map lock while
// accumulating (only while looking up or inserting the counter itself).
type tokenCounter struct {
	input, output, total atomic.Int64
}

// RunContext is the per-task shared state threaded through every agent
// invocation (§4.3): token usage accounting, an outputs sink,
// a cooperative cancellation flag, and the task's call-hierarchy tree. One
// RunContext is created per task and handed to every agent invocation,
// including nested handoffs, so usage and cancellation are visible
// process-wide for that task without any registry beyond this struct.
type RunContext struct {
	TaskID    string
	SessionID string

	mu    sync.Mutex
	usage map[string]*tokenCounter

	outputsMu sync.Mutex
	outputs   []any

	cancelled atomic.Bool
	tree      *AgentCallTracker
}

// NewRunContext returns a RunContext for one task, sharing tree (the
// task's single AgentCallTracker) rather than copying it: the tracker
// already guards its own state and the endless-loop detector needs the
// whole task's call history, not a per-branch snapshot.
func NewRunContext(taskID, sessionID string, tree *AgentCallTracker) *RunContext {
	return &RunContext{TaskID: taskID, SessionID: sessionID, usage: make(map[string]*tokenCounter), tree: tree}
}

// AddToken aggregates usage into agentName's running total (§4.3
// add_token). Concurrent calls for the same agent (e.g. parallel root
// agents) never lose an update: once the per-agent counter exists, every
// field is updated with an atomic add rather than a locked
// read-modify-write of the whole map.
func (c *RunContext) AddToken(agentName string, usage AgentUsage) {
	c.mu.Lock()
	counter, ok := c.usage[agentName]
	if !ok {
		counter = &tokenCounter{}
		c.usage[agentName] = counter
	}
	c.mu.Unlock()
	counter.input.Add(int64(usage.InputTokens))
	counter.output.Add(int64(usage.OutputTokens))
	counter.total.Add(int64(usage.TotalTokens))
}

// Usage snapshots the per-agent token totals accumulated so far, in the
// shape TaskResponse.usage expects.
func (c *RunContext) Usage() map[string]AgentUsage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]AgentUsage, len(c.usage))
	for name, counter := range c.usage {
		out[name] = AgentUsage{
			InputTokens:  int(counter.input.Load()),
			OutputTokens: int(counter.output.Load()),
			TotalTokens:  int(counter.total.Load()),
		}
	}
	return out
}

// Output appends one value to the task's outputs sink.
func (c *RunContext) Output(v any) {
	c.outputsMu.Lock()
	defer c.outputsMu.Unlock()
	c.outputs = append(c.outputs, v)
}

// Outputs returns a snapshot of everything written to the outputs sink so
// far, in append order.
func (c *RunContext) Outputs() []any {
	c.outputsMu.Lock()
	defer c.outputsMu.Unlock()
	out := make([]any, len(c.outputs))
	copy(out, c.outputs)
	return out
}

// Cancel sets the cooperative cancellation flag checked at every hook
// point and before every tool/LLM call (§4.3). It does not itself abort
// any in-flight operation; callers also cancel the Go context carried
// alongside this RunContext to get actual preemption of blocking calls.
func (c *RunContext) Cancel() { c.cancelled.Store(true) }

// Cancelled reports whether Cancel has been called for this task.
func (c *RunContext) Cancelled() bool { return c.cancelled.Load() }

// DeepCopy forks the usage and outputs bookkeeping but shares immutable
// config (§4.3): TaskID/SessionID and the call-hierarchy tree are shared (the
// tree is append-only and already safe for concurrent nested access), but
// the fork gets its own usage and outputs bookkeeping so writes made
// through it are invisible to the parent RunContext. A cancelled parent
// forks into an already-cancelled child, since a nested invocation of a
// cancelled task must not keep running independently.
func (c *RunContext) DeepCopy() *RunContext {
	fork := NewRunContext(c.TaskID, c.SessionID, c.tree)
	for name, usage := range c.Usage() {
		fork.AddToken(name, usage)
	}
	fork.outputs = c.Outputs()
	if c.Cancelled() {
		fork.Cancel()
	}
	return fork
}
