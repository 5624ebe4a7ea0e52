package looprunner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentfabric/runtime/runtime/agent/hooks"
	"github.com/agentfabric/runtime/runtime/agent/task"
	"github.com/agentfabric/runtime/runtime/agent/toolerrors"
)

// MessageEvent adapts a task.Message into a hooks.Event so the loop runner
// can publish every AGENT/TOOL/CHUNK/CANCEL/CONTROL message it produces onto
// the existing hooks.Bus. hooks.baseEvent is unexported, so this type
// implements the six-method Event contract directly rather than embedding
// it.
type MessageEvent struct {
	msg task.Message
	ts  int64
}

// NewMessageEvent wraps msg for publication, stamping the current time.
func NewMessageEvent(msg task.Message) *MessageEvent {
	return &MessageEvent{msg: msg, ts: time.Now().UnixMilli()}
}

// Type implements hooks.Event. The event type namespaces by category, e.g.
// "task.AGENT", "task.TOOL".
func (e *MessageEvent) Type() hooks.EventType { return hooks.EventType("task." + string(e.msg.Category)) }

// RunID implements hooks.Event, identifying the owning task.
func (e *MessageEvent) RunID() string { return e.msg.TaskID }

// SessionID implements hooks.Event.
func (e *MessageEvent) SessionID() string { return e.msg.SessionID }

// AgentID implements hooks.Event, reporting the message's sender.
func (e *MessageEvent) AgentID() string { return e.msg.Sender }

// Timestamp implements hooks.Event.
func (e *MessageEvent) Timestamp() int64 { return e.ts }

// TurnID implements hooks.Event. The loop runner does not group messages by
// conversational turn, so this is always empty.
func (e *MessageEvent) TurnID() string { return "" }

// Message returns the wrapped task.Message for subscribers that want the
// full envelope rather than just the Event accessors.
func (e *MessageEvent) Message() task.Message { return e.msg }

// Category implements hooks.CategorizedEvent, reporting the wrapped
// message's category (e.g. "AGENT", "TOOL") for register_transformer
// filtering.
func (e *MessageEvent) Category() string { return string(e.msg.Category) }

// Topic implements hooks.CategorizedEvent, reporting the wrapped message's
// topic for register_transformer filtering.
func (e *MessageEvent) Topic() string { return e.msg.Topic }

const (
	defaultMaxSteps         = 50
	defaultEndlessThreshold = 3
	defaultMaxDepth         = 16
)

// Runner executes tasks against a Swarm of agents, implementing the
// AgentLoopRunner state machine (§4.8) per agent invocation and the
// workflow/handoff/team routing rules of §4.7.
type Runner struct {
	Bus     hooks.Bus
	Invoker *Invoker
	Agents  map[string]AgentSpec
	Swarm   *task.Swarm

	// Hooks holds the named lifecycle hooks registered for this runner
	// (§4.2). A nil Hooks disables hook dispatch entirely; every hook
	// point is then a no-op, matching the zero-value Runner{} being
	// immediately usable.
	Hooks *hooks.HookRegistry
}

// NewRunner returns a Runner over the given agent registry and optional
// swarm topology (nil means a single agent named by Task.AgentName).
func NewRunner(bus hooks.Bus, invoker *Invoker, agents map[string]AgentSpec, swarm *task.Swarm) *Runner {
	return &Runner{Bus: bus, Invoker: invoker, Agents: agents, Swarm: swarm}
}

// Run executes t to completion and returns its TaskResponse. Run never
// returns an error for task-level failures (cancelled, step_limit,
// endless_loop, ...): those are reported via TaskResponse.Success/Msg per
// §6. Setup failures such as an invalid topology or no agent to run are
// reported the same way, with a nil error.
func (r *Runner) Run(ctx context.Context, t task.Task) (task.TaskResponse, error) {
	start := time.Now()
	t = task.NewTask(t)
	if t.Swarm == nil {
		t.Swarm = r.Swarm
	}
	if t.Swarm != nil {
		if err := t.Swarm.Validate(); err != nil {
			return r.fail(ctx, t, toolerrors.KindInvalidTopology, err.Error(), start, nil), nil
		}
	}

	roots := r.rootAgents(t)
	if len(roots) == 0 {
		return r.fail(ctx, t, toolerrors.KindInternal, "no agent to run", start, nil), nil
	}

	tracker := task.NewAgentCallTracker()
	rc := task.NewRunContext(t.ID, t.SessionID, tracker)

	startMsg := task.Message{
		ID: task.NewID(), TaskID: t.ID, SessionID: t.SessionID,
		Category: task.CategoryControl, Topic: "task_start",
		Sender: "runner", CallType: task.CallTypeAgentDirect, Payload: t.Input,
	}
	if _, keep := r.fireHook(ctx, hooks.PointTaskStart, startMsg, rc); !keep {
		return r.fail(ctx, t, toolerrors.KindInternal, "task_start hook dropped the task", start, rc), nil
	}

	var answers []string
	for _, root := range roots {
		ans, kind, msg, err := r.runAgent(ctx, t, root, t.Input, 0, tracker, task.CallTypeAgentDirect, rc)
		if err != nil {
			return task.TaskResponse{}, err
		}
		if kind != "" {
			return r.failWithTrajectory(ctx, t, kind, msg, start, tracker, rc), nil
		}
		answers = append(answers, ans)
		ans, kind, msg, err = r.followWorkflowEdges(ctx, t, root, ans, tracker, rc)
		if err != nil {
			return task.TaskResponse{}, err
		}
		if kind != "" {
			return r.failWithTrajectory(ctx, t, kind, msg, start, tracker, rc), nil
		}
		answers[len(answers)-1] = ans
	}

	final := joinAnswers(answers)
	r.publish(ctx, t, task.CategoryControl, "phase", t.AgentName, task.CallTypeAgentDirect, StateDone.String(), rc)

	endMsg := task.Message{
		ID: task.NewID(), TaskID: t.ID, SessionID: t.SessionID,
		Category: task.CategoryControl, Topic: "task_end",
		Sender: t.AgentName, CallType: task.CallTypeAgentDirect, Payload: final,
	}
	r.fireHook(ctx, hooks.PointTaskEnd, endMsg, rc)

	r.publish(ctx, t, task.CategoryControl, "task_response", t.AgentName, task.CallTypeAgentDirect, final, rc)
	return task.TaskResponse{
		ID:         t.ID,
		Success:    true,
		Answer:     final,
		Usage:      rc.Usage(),
		Trajectory: tracker.Trajectory(),
		TimeCostMS: time.Since(start).Milliseconds(),
	}, nil
}

// followWorkflowEdges chases "workflow" edges out of agentName: the text
// answer of each agent becomes the input of the next, topologically, until
// no outgoing workflow edge remains (§4.7).
func (r *Runner) followWorkflowEdges(ctx context.Context, t task.Task, agentName, answer string, tracker *task.AgentCallTracker, rc *task.RunContext) (string, toolerrors.Kind, string, error) {
	if t.Swarm == nil {
		return answer, "", "", nil
	}
	current, text := agentName, answer
	for depth := 0; depth < defaultMaxDepth; depth++ {
		next, ok := r.workflowSuccessor(t.Swarm, current)
		if !ok {
			return text, "", "", nil
		}
		ans, kind, msg, err := r.runAgent(ctx, t, next, text, 0, tracker, task.CallTypeAgentDirect, rc)
		if err != nil || kind != "" {
			return text, kind, msg, err
		}
		current, text = next, ans
	}
	return text, toolerrors.KindStepLimit, "max_depth exceeded following workflow edges", nil
}

func (r *Runner) workflowSuccessor(s *task.Swarm, from string) (string, bool) {
	for _, e := range s.Edges {
		if e.Kind == task.EdgeWorkflow && e.From == from {
			return e.To, true
		}
	}
	return "", false
}

func (r *Runner) rootAgents(t task.Task) []string {
	if t.Swarm != nil && len(t.Swarm.RootAgents) > 0 {
		return t.Swarm.RootAgents
	}
	if t.AgentName != "" {
		return []string{t.AgentName}
	}
	return nil
}

// runAgent drives one agent through the AgentLoopRunner state machine to
// completion: repeated OBSERVE->POLICY->VALIDATE->DISPATCH->COLLECT cycles
// until an action terminates the loop, then FINALIZE. It returns the
// text answer on success, or a non-empty toolerrors.Kind classifying a
// task-fatal failure.
func (r *Runner) runAgent(ctx context.Context, t task.Task, agentName, input string, depth int, tracker *task.AgentCallTracker, callType task.CallType, rc *task.RunContext) (string, toolerrors.Kind, string, error) {
	spec, ok := r.Agents[agentName]
	if !ok {
		return "", toolerrors.KindInternal, fmt.Sprintf("no such agent %q", agentName), nil
	}
	tracker.RecordCall(agentName, callType, depth, nil)

	maxSteps := t.Conf.MaxSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}
	if spec.MaxStepsOverride > 0 {
		maxSteps = spec.MaxStepsOverride
	}
	endlessThreshold := t.Conf.EndlessThreshold
	if endlessThreshold <= 0 {
		endlessThreshold = defaultEndlessThreshold
	}

	obs := task.Observation{
		TaskID: t.ID,
		Step:   0,
		Message: task.Message{
			ID:       task.NewID(),
			TaskID:   t.ID,
			Category: task.CategoryAgent,
			Topic:    agentName,
			Sender:   "runner",
			CallType: callType,
			Payload:  input,
		},
	}
	r.publishMessage(ctx, obs.Message, rc)
	r.publishPhase(ctx, t, agentName, StateInit, rc)

	var state State
	for step := 0; ; step++ {
		if rc.Cancelled() {
			return "", toolerrors.KindCancelled, "cancelled", nil
		}
		select {
		case <-ctx.Done():
			kind, _ := classifyCancellation(ctx.Err())
			return "", kind, ctx.Err().Error(), nil
		default:
		}
		if step >= maxSteps {
			return "", toolerrors.KindStepLimit, "max_steps exceeded", nil
		}

		state = StateObserve
		obs.Step = step
		r.publishPhase(ctx, t, agentName, state, rc)

		if msg, keep := r.fireHook(ctx, hooks.PointPreAgentStep, obs.Message, rc); !keep {
			return "", toolerrors.KindInternal, "pre_agent_step hook dropped message", nil
		} else {
			obs.Message = msg
		}

		state = StatePolicy
		r.publishPhase(ctx, t, agentName, state, rc)

		if msg, keep := r.fireHook(ctx, hooks.PointPreLLM, obs.Message, rc); !keep {
			return "", toolerrors.KindInternal, "pre_llm hook dropped message", nil
		} else {
			obs.Message = msg
		}

		actions, err := spec.Impl.Act(ctx, obs, Context{TaskID: t.ID, SessionID: t.SessionID, Step: step, MaxSteps: maxSteps, Run: rc})
		if err != nil {
			if kind, ok := classifyCancellation(err); ok {
				return "", kind, err.Error(), nil
			}
			return "", toolerrors.KindInternal, err.Error(), nil
		}

		if _, keep := r.fireHook(ctx, hooks.PointPostLLM, obs.Message, rc); !keep {
			return "", toolerrors.KindInternal, "post_llm hook dropped message", nil
		}

		state = StateValidate
		r.publishPhase(ctx, t, agentName, state, rc)
		actions = r.validateActions(ctx, t, agentName, spec, actions, rc)

		if len(actions) == 0 {
			return "", toolerrors.KindInternal, "agent produced no valid actions", nil
		}

		// A text-only action (no tool, no handoff) is a final answer.
		if len(actions) == 1 && actions[0].ToolName == "" && actions[0].AgentName == "" {
			answer := actions[0].Text
			if spec.OnFinal != nil {
				if err := spec.OnFinal(ctx, answer); err != nil {
					return "", toolerrors.KindInternal, err.Error(), nil
				}
			}
			r.publishPhase(ctx, t, agentName, StateFinalize, rc)
			return answer, "", "", nil
		}

		state = StateDispatch
		r.publishPhase(ctx, t, agentName, state, rc)
		nextInput, kind, msg, done, err := r.dispatch(ctx, t, agentName, spec, actions, depth, tracker, obs, endlessThreshold, rc)
		if err != nil {
			if k, ok := classifyCancellation(err); ok {
				return "", k, err.Error(), nil
			}
			return "", toolerrors.KindInternal, err.Error(), nil
		}
		if kind != "" {
			return "", kind, msg, nil
		}
		if done {
			r.publishPhase(ctx, t, agentName, StateFinalize, rc)
			return nextInput, "", "", nil
		}

		state = StateCollect
		r.publishPhase(ctx, t, agentName, state, rc)
		obs.Message = task.Message{
			ID:       task.NewID(),
			TaskID:   t.ID,
			Category: task.CategoryTool,
			Topic:    agentName,
			Sender:   agentName,
			CallType: task.CallTypeToolResult,
			Payload:  nextInput,
		}
		r.publishMessage(ctx, obs.Message, rc)

		if msg, keep := r.fireHook(ctx, hooks.PointPostAgentStep, obs.Message, rc); !keep {
			return "", toolerrors.KindInternal, "post_agent_step hook dropped message", nil
		} else {
			obs.Message = msg
		}
	}
}

// classifyCancellation maps a context-cancellation error to the Kind the
// runtime reports for it (§4.9): a deadline gives KindTimeout, any other
// cancellation gives KindCancelled. It applies whether the error came from
// ctx.Err() directly or was returned by an Agent/tool that observed
// ctx.Done() itself (e.g. while blocked inside Act or a tool call), so a
// cancellation is classified consistently no matter where it's first
// noticed. ok is false for any error unrelated to context cancellation.
func classifyCancellation(err error) (kind toolerrors.Kind, ok bool) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return toolerrors.KindTimeout, true
	case errors.Is(err, context.Canceled):
		return toolerrors.KindCancelled, true
	default:
		return "", false
	}
}

// fireHook runs point's registered hooks over msg, if any Hooks are
// configured, returning the (possibly replaced) message and whether it
// survives. With r.Hooks == nil, fireHook is a no-op that always keeps msg
// unchanged.
func (r *Runner) fireHook(ctx context.Context, point hooks.Point, msg task.Message, rc *task.RunContext) (task.Message, bool) {
	if r.Hooks == nil {
		return msg, true
	}
	return r.Hooks.Fire(ctx, point, msg, rc)
}

// validateActions drops actions the agent's spec does not permit, publishing
// a PlannerNote warning for each drop (§4.8 VALIDATE).
func (r *Runner) validateActions(ctx context.Context, t task.Task, agentName string, spec AgentSpec, actions []task.ActionModel, rc *task.RunContext) []task.ActionModel {
	out := make([]task.ActionModel, 0, len(actions))
	for _, a := range actions {
		if a.ToolName != "" && !spec.AllowsTool(a.ToolName) {
			r.warn(ctx, t, agentName, fmt.Sprintf("dropped disallowed tool action %q", a.ToolName), rc)
			continue
		}
		if a.AgentName != "" && !spec.AllowsHandoff(a.AgentName) {
			r.warn(ctx, t, agentName, fmt.Sprintf("dropped disallowed handoff to %q", a.AgentName), rc)
			continue
		}
		out = append(out, a)
	}
	return out
}

// dispatch runs every action of a step (§4.4, §4.8 DISPATCH). It returns:
//   - (answer, "", "", true, nil) when an action finalized the task (handoff
//     that returned an answer at the root, or is_done),
//   - (nextInput, "", "", false, nil) to continue the loop with nextInput fed
//     back as the next Observation,
//   - (_, kind, msg, false, nil) on a task-fatal condition.
func (r *Runner) dispatch(ctx context.Context, t task.Task, agentName string, spec AgentSpec, actions []task.ActionModel, depth int, tracker *task.AgentCallTracker, obs task.Observation, endlessThreshold int, rc *task.RunContext) (string, toolerrors.Kind, string, bool, error) {
	var toolActions []task.ActionModel
	for _, a := range actions {
		if a.AgentName != "" {
			if depth+1 >= defaultMaxDepth {
				return "", toolerrors.KindStepLimit, "max_depth exceeded", false, nil
			}
			hash := task.ObservationHash(obs)
			if tracker.RecordHandoff(agentName, a.AgentName, hash, endlessThreshold) {
				return "", toolerrors.KindEndlessLoop, fmt.Sprintf("endless handoff %s->%s", agentName, a.AgentName), false, nil
			}
			input := a.Text
			if input == "" {
				input = obs.Message.Topic
			}
			ans, kind, msg, err := r.runAgent(ctx, t, a.AgentName, input, depth+1, tracker, task.CallTypeHandoff, rc)
			if err != nil || kind != "" {
				return "", kind, msg, false, err
			}
			if !spec.WaitToolResult {
				r.publish(ctx, t, task.CategoryAgent, a.AgentName, agentName, task.CallTypeHandoff, ans, rc)
			}
			return ans, "", "", true, nil
		}
		toolActions = append(toolActions, a)
	}

	if len(toolActions) == 0 {
		return "", "", "", false, nil
	}

	preMsg := task.Message{
		ID: task.NewID(), TaskID: t.ID, SessionID: t.SessionID,
		Category: task.CategoryTool, Topic: agentName, Sender: agentName,
		Payload: toolActions,
	}
	if _, keep := r.fireHook(ctx, hooks.PointPreTool, preMsg, rc); !keep {
		return "", toolerrors.KindInternal, "pre_tool hook dropped message", false, nil
	}

	results := r.Invoker.Invoke(ctx, toolActions, Context{TaskID: t.ID, SessionID: t.SessionID, Run: rc})

	postMsg := task.Message{
		ID: task.NewID(), TaskID: t.ID, SessionID: t.SessionID,
		Category: task.CategoryTool, Topic: agentName, Sender: agentName,
		CallType: task.CallTypeToolResult, Payload: results,
	}
	r.fireHook(ctx, hooks.PointPostTool, postMsg, rc)

	for i, res := range results {
		r.publish(ctx, t, task.CategoryTool, toolActions[i].ActionName, agentName, task.CallTypeToolResult, res, rc)
		if res.IsDone {
			return fmt.Sprintf("%v", res.Result), "", "", true, nil
		}
	}
	return summarizeResults(results), "", "", false, nil
}

func summarizeResults(results []task.ActionResult) string {
	out := ""
	for i, r := range results {
		if i > 0 {
			out += "\n"
		}
		if r.Error != "" {
			out += fmt.Sprintf("%s: error: %s", r.ActionName, r.Error)
			continue
		}
		out += fmt.Sprintf("%s: %v", r.ActionName, r.Result)
	}
	return out
}

func joinAnswers(answers []string) string {
	if len(answers) == 1 {
		return answers[0]
	}
	out := ""
	for i, a := range answers {
		if i > 0 {
			out += "\n\n"
		}
		out += a
	}
	return out
}

func (r *Runner) publishPhase(ctx context.Context, t task.Task, agentName string, state State, rc *task.RunContext) {
	r.publish(ctx, t, task.CategoryControl, "phase", agentName, task.CallTypeAgentDirect, state.String(), rc)
}

func (r *Runner) warn(ctx context.Context, t task.Task, agentName, text string, rc *task.RunContext) {
	r.publish(ctx, t, task.CategoryControl, "warning", agentName, task.CallTypeAgentDirect, text, rc)
}

func (r *Runner) publish(ctx context.Context, t task.Task, category task.Category, topic, sender string, callType task.CallType, payload any, rc *task.RunContext) {
	r.publishMessage(ctx, task.Message{
		ID:        task.NewID(),
		TaskID:    t.ID,
		SessionID: t.SessionID,
		Category:  category,
		Topic:     topic,
		Sender:    sender,
		CallType:  callType,
		Payload:   payload,
	}, rc)
}

// publishMessage runs the catch-all on_message hook (§4.2) over msg before
// handing it to the Bus: a hook may rewrite or drop any message the runner
// produces, not just the ones tied to a more specific lifecycle point.
func (r *Runner) publishMessage(ctx context.Context, msg task.Message, rc *task.RunContext) {
	msg, keep := r.fireHook(ctx, hooks.PointOnMessage, msg, rc)
	if !keep {
		return
	}
	if r.Bus == nil {
		return
	}
	_ = r.Bus.Publish(ctx, NewMessageEvent(msg))
}

// fail builds a failure TaskResponse and publishes it as the task's terminal
// task_response message, preserving the "exactly one TASK_RESPONSE per task"
// invariant (§8) on every exit path, not just the success path. rc may be
// nil when the task fails before a RunContext exists (e.g. an invalid
// swarm topology), in which case Usage is left empty.
func (r *Runner) fail(ctx context.Context, t task.Task, kind toolerrors.Kind, msg string, start time.Time, rc *task.RunContext) task.TaskResponse {
	resp := task.TaskResponse{
		ID:         t.ID,
		Success:    false,
		Msg:        fmt.Sprintf("%s: %s", kind, msg),
		TimeCostMS: time.Since(start).Milliseconds(),
	}
	if rc != nil {
		resp.Usage = rc.Usage()
	}
	r.publish(ctx, t, task.CategoryControl, "task_response", t.AgentName, task.CallTypeAgentDirect, resp, rc)
	return resp
}

func (r *Runner) failWithTrajectory(ctx context.Context, t task.Task, kind toolerrors.Kind, msg string, start time.Time, tracker *task.AgentCallTracker, rc *task.RunContext) task.TaskResponse {
	resp := task.TaskResponse{
		ID:         t.ID,
		Success:    false,
		Msg:        fmt.Sprintf("%s: %s", kind, msg),
		TimeCostMS: time.Since(start).Milliseconds(),
		Trajectory: tracker.Trajectory(),
	}
	if rc != nil {
		resp.Usage = rc.Usage()
	}
	r.publish(ctx, t, task.CategoryControl, "task_response", t.AgentName, task.CallTypeAgentDirect, resp, rc)
	return resp
}
