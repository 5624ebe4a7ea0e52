package looprunner

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentfabric/runtime/runtime/agent/hooks"
	"github.com/agentfabric/runtime/runtime/agent/sandbox"
	"github.com/agentfabric/runtime/runtime/agent/task"
	"github.com/agentfabric/runtime/runtime/agent/tools"
)

func echoAgent(text string) Agent {
	return AgentFunc(func(ctx context.Context, obs task.Observation, rc Context) ([]task.ActionModel, error) {
		return []task.ActionModel{{Text: text}}, nil
	})
}

func TestRunnerSingleAgentFinalAnswer(t *testing.T) {
	bus := hooks.NewBus()
	var types []string
	_, err := bus.Register(hooks.SubscriberFunc(func(ctx context.Context, evt hooks.Event) error {
		types = append(types, string(evt.Type()))
		return nil
	}))
	require.NoError(t, err)

	invoker := NewInvoker(nil, nil)
	agents := map[string]AgentSpec{
		"greeter": {Name: "greeter", Impl: echoAgent("hello")},
	}
	r := NewRunner(bus, invoker, agents, nil)

	resp, err := r.Run(context.Background(), task.Task{AgentName: "greeter", Input: "hi"})
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, "hello", resp.Answer)
	require.NotEmpty(t, resp.Trajectory)
	require.Contains(t, types, "task.CONTROL")
}

func TestRunnerToolDispatchAndFinalize(t *testing.T) {
	invoker := NewInvoker(nil, nil)
	invoker.Register(ToolDef{
		Name: "lookup.run",
		Fn: func(ctx context.Context, params map[string]any) (any, error) {
			return "42", nil
		},
	})

	calls := 0
	agent := AgentFunc(func(ctx context.Context, obs task.Observation, rc Context) ([]task.ActionModel, error) {
		calls++
		if calls == 1 {
			return []task.ActionModel{{ToolName: "lookup", ActionName: "lookup.run", Params: map[string]any{}}}, nil
		}
		return []task.ActionModel{{Text: "done"}}, nil
	})

	r := NewRunner(nil, invoker, map[string]AgentSpec{"a": {Name: "a", Impl: agent}}, nil)
	resp, err := r.Run(context.Background(), task.Task{AgentName: "a", Input: "start"})
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, "done", resp.Answer)
	require.Equal(t, 2, calls)
}

func TestRunnerStepLimit(t *testing.T) {
	invoker := NewInvoker(nil, nil)
	invoker.Register(ToolDef{
		Name: "loop.run",
		Fn: func(ctx context.Context, params map[string]any) (any, error) {
			return "again", nil
		},
	})
	agent := AgentFunc(func(ctx context.Context, obs task.Observation, rc Context) ([]task.ActionModel, error) {
		return []task.ActionModel{{ToolName: "loop", ActionName: "loop.run", Params: map[string]any{}}}, nil
	})

	bus := hooks.NewBus()
	var terminal int
	_, err := bus.Register(hooks.SubscriberFunc(func(ctx context.Context, evt hooks.Event) error {
		if me, ok := evt.(*MessageEvent); ok && me.Message().Topic == "task_response" {
			terminal++
		}
		return nil
	}))
	require.NoError(t, err)

	r := NewRunner(bus, invoker, map[string]AgentSpec{"a": {Name: "a", Impl: agent}}, nil)
	resp, err := r.Run(context.Background(), task.Task{AgentName: "a", Input: "start", Conf: task.Conf{MaxSteps: 2}})
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Contains(t, resp.Msg, "step_limit")
	// Single terminator (§8): exactly one task_response message is
	// published even on a task-fatal failure path, not just on success.
	require.Equal(t, 1, terminal)
}

func TestRunnerHandoffEndlessLoop(t *testing.T) {
	a := AgentFunc(func(ctx context.Context, obs task.Observation, rc Context) ([]task.ActionModel, error) {
		return []task.ActionModel{{AgentName: "b", Text: "go"}}, nil
	})
	b := AgentFunc(func(ctx context.Context, obs task.Observation, rc Context) ([]task.ActionModel, error) {
		return []task.ActionModel{{AgentName: "a", Text: "go"}}, nil
	})
	swarm := &task.Swarm{
		Agents:     []string{"a", "b"},
		Edges:      []task.Edge{{From: "a", To: "b", Kind: task.EdgeHandoff}, {From: "b", To: "a", Kind: task.EdgeHandoff}},
		RootAgents: []string{"a"},
	}
	invoker := NewInvoker(nil, nil)
	r := NewRunner(nil, invoker, map[string]AgentSpec{
		"a": {Name: "a", Impl: a, WaitToolResult: true},
		"b": {Name: "b", Impl: b, WaitToolResult: true},
	}, swarm)
	resp, err := r.Run(context.Background(), task.Task{Conf: task.Conf{EndlessThreshold: 2}})
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Contains(t, resp.Msg, "endless_loop")
}

func TestRunnerReportsTokenUsage(t *testing.T) {
	agent := AgentFunc(func(ctx context.Context, obs task.Observation, rc Context) ([]task.ActionModel, error) {
		rc.Run.AddToken("writer", task.AgentUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15})
		return []task.ActionModel{{Text: "done"}}, nil
	})
	r := NewRunner(nil, NewInvoker(nil, nil), map[string]AgentSpec{"writer": {Name: "writer", Impl: agent}}, nil)

	resp, err := r.Run(context.Background(), task.Task{AgentName: "writer", Input: "go"})
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, task.AgentUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}, resp.Usage["writer"])
}

func TestRunnerClassifiesTimeoutDistinctFromCancel(t *testing.T) {
	blocking := AgentFunc(func(ctx context.Context, obs task.Observation, rc Context) ([]task.ActionModel, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	r := NewRunner(nil, NewInvoker(nil, nil), map[string]AgentSpec{"a": {Name: "a", Impl: blocking}}, nil)

	timeoutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	resp, err := r.Run(timeoutCtx, task.Task{AgentName: "a", Input: "go"})
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.True(t, strings.HasPrefix(resp.Msg, "timeout"), "got %q", resp.Msg)

	cancelCtx, abort := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		abort()
	}()
	resp, err = r.Run(cancelCtx, task.Task{AgentName: "a", Input: "go"})
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.True(t, strings.HasPrefix(resp.Msg, "cancelled"), "got %q", resp.Msg)
}

func TestRunnerHookRegistryFiresLifecyclePoints(t *testing.T) {
	reg := hooks.NewHookRegistry()
	var fired []string
	for _, p := range []hooks.Point{hooks.PointTaskStart, hooks.PointPreAgentStep, hooks.PointPreLLM, hooks.PointPostLLM, hooks.PointPostAgentStep, hooks.PointTaskEnd} {
		p := p
		reg.Register(p, string(p), 0, func(ctx context.Context, msg task.Message, rc *task.RunContext) (task.Message, bool, error) {
			fired = append(fired, string(p))
			return msg, true, nil
		})
	}

	r := NewRunner(nil, NewInvoker(nil, nil), map[string]AgentSpec{"greeter": {Name: "greeter", Impl: echoAgent("hi")}}, nil)
	r.Hooks = reg

	resp, err := r.Run(context.Background(), task.Task{AgentName: "greeter", Input: "go"})
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Contains(t, fired, string(hooks.PointTaskStart))
	require.Contains(t, fired, string(hooks.PointPreAgentStep))
	require.Contains(t, fired, string(hooks.PointPreLLM))
	require.Contains(t, fired, string(hooks.PointPostLLM))
	require.Contains(t, fired, string(hooks.PointTaskEnd))
}

func TestRunnerHookCanDropMessageToHaltTask(t *testing.T) {
	reg := hooks.NewHookRegistry()
	reg.Register(hooks.PointPreLLM, "blocker", 0, func(ctx context.Context, msg task.Message, rc *task.RunContext) (task.Message, bool, error) {
		return task.Message{}, false, nil
	})

	r := NewRunner(nil, NewInvoker(nil, nil), map[string]AgentSpec{"greeter": {Name: "greeter", Impl: echoAgent("hi")}}, nil)
	r.Hooks = reg

	resp, err := r.Run(context.Background(), task.Task{AgentName: "greeter", Input: "go"})
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Contains(t, resp.Msg, "pre_llm hook dropped message")
}

func TestInvokerSchemaValidation(t *testing.T) {
	validator := tools.NewParamValidator()
	schema := []byte(`{"type":"object","required":["x"],"properties":{"x":{"type":"string"}}}`)
	require.NoError(t, validator.Register(&tools.ToolSpec{Name: "echo.run", Payload: tools.TypeSpec{Schema: schema}}))

	invoker := NewInvoker(validator, nil)
	called := false
	invoker.Register(ToolDef{Name: "echo.run", Fn: func(ctx context.Context, params map[string]any) (any, error) {
		called = true
		return "ok", nil
	}})

	results := invoker.Invoke(context.Background(), []task.ActionModel{
		{ToolName: "echo", ActionName: "echo.run", Params: map[string]any{}},
	}, Context{})
	require.Len(t, results, 1)
	require.NotEmpty(t, results[0].Error)
	require.False(t, called)
}

func TestInvokerSandboxAffinity(t *testing.T) {
	mgr := sandbox.New(4)
	defer mgr.Close(context.Background())

	invoker := NewInvoker(nil, mgr)
	var workerIDs []int
	invoker.Register(ToolDef{
		Name:      "fs.read",
		SandboxID: "sandbox-1",
		Fn: func(ctx context.Context, params map[string]any) (any, error) {
			id, _ := sandbox.WorkerID(ctx)
			workerIDs = append(workerIDs, id)
			return "data", nil
		},
	})

	for i := 0; i < 5; i++ {
		invoker.Invoke(context.Background(), []task.ActionModel{
			{ToolName: "fs", ActionName: "fs.read", Params: map[string]any{}},
		}, Context{})
	}
	require.Len(t, workerIDs, 5)
	for _, id := range workerIDs[1:] {
		require.Equal(t, workerIDs[0], id)
	}
}
