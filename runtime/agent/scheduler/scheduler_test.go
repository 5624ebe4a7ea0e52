package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentfabric/runtime/runtime/agent/hooks"
	"github.com/agentfabric/runtime/runtime/agent/looprunner"
	"github.com/agentfabric/runtime/runtime/agent/task"
)

func echoAgent(text string) looprunner.Agent {
	return looprunner.AgentFunc(func(ctx context.Context, obs task.Observation, rc looprunner.Context) ([]task.ActionModel, error) {
		return []task.ActionModel{{Text: text + ":" + obs.Message.Payload.(string)}}, nil
	})
}

// sleepyAgent ignores cancellation and sleeps the full duration, modeling a
// tool/agent that does not respond to the cooperative cancel signal in time.
func sleepyAgent(d time.Duration) looprunner.Agent {
	return looprunner.AgentFunc(func(ctx context.Context, obs task.Observation, rc looprunner.Context) ([]task.ActionModel, error) {
		time.Sleep(d)
		return []task.ActionModel{{Text: "late"}}, nil
	})
}

func newRunner(agents map[string]looprunner.AgentSpec) *looprunner.Runner {
	return looprunner.NewRunner(hooks.NewBus(), looprunner.NewInvoker(nil, nil), agents, nil)
}

func TestSchedulerRunTaskLocal(t *testing.T) {
	r := newRunner(map[string]looprunner.AgentSpec{"a": {Name: "a", Impl: echoAgent("hi")}})
	s := New(r, nil)

	resp, err := s.RunTask(context.Background(), task.Task{AgentName: "a", Input: "x"}, RunConf{Engine: EngineLocal})
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, "hi:x", resp.Answer)
}

func TestSchedulerRunTaskTimeout(t *testing.T) {
	r := newRunner(map[string]looprunner.AgentSpec{"a": {Name: "a", Impl: sleepyAgent(500 * time.Millisecond)}})
	s := New(r, nil)

	resp, err := s.RunTask(context.Background(), task.Task{
		AgentName: "a", Input: "x",
		Conf: task.Conf{TimeoutMS: 20, GraceMS: 20},
	}, RunConf{})
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Equal(t, "timeout", resp.Msg)
}

func TestSchedulerRunTasksConcurrent(t *testing.T) {
	r := newRunner(map[string]looprunner.AgentSpec{"a": {Name: "a", Impl: echoAgent("hi")}})
	s := New(r, nil)

	ts := []task.Task{
		{AgentName: "a", Input: "1"},
		{AgentName: "a", Input: "2"},
		{AgentName: "a", Input: "3"},
	}
	out, err := s.RunTasks(context.Background(), ts, RunConf{})
	require.NoError(t, err)
	require.Len(t, out, 3)
	for _, resp := range out {
		require.True(t, resp.Success)
	}
}

func TestSchedulerRunTasksSequenceDependent(t *testing.T) {
	agent := looprunner.AgentFunc(func(ctx context.Context, obs task.Observation, rc looprunner.Context) ([]task.ActionModel, error) {
		return []task.ActionModel{{Text: obs.Message.Payload.(string) + "!"}}, nil
	})
	r := newRunner(map[string]looprunner.AgentSpec{"a": {Name: "a", Impl: agent}})
	s := New(r, nil)

	ts := []task.Task{
		{ID: "t1", AgentName: "a", Input: "start"},
		{ID: "t2", AgentName: "a", Input: "ignored"},
	}
	out, err := s.RunTasks(context.Background(), ts, RunConf{SequenceDependent: true})
	require.NoError(t, err)
	require.Equal(t, "start!", out["t1"].Answer)
	require.Equal(t, "start!!", out["t2"].Answer)
}

func TestSchedulerBatchRun(t *testing.T) {
	r := newRunner(map[string]looprunner.AgentSpec{"a": {Name: "a", Impl: echoAgent("hi")}})
	s := New(r, nil)

	inputs := []string{"a", "b", "c", "d", "e"}
	out, err := s.BatchRun(context.Background(), "a", nil, inputs, 2, task.Conf{}, RunConf{})
	require.NoError(t, err)
	require.Len(t, out, len(inputs))
	for i, in := range inputs {
		require.Equal(t, "hi:"+in, out[i].Answer)
	}
}

func TestSchedulerDistributedRequiresRemote(t *testing.T) {
	r := newRunner(map[string]looprunner.AgentSpec{"a": {Name: "a", Impl: echoAgent("hi")}})
	s := New(r, nil)

	_, err := s.RunTask(context.Background(), task.Task{AgentName: "a", Input: "x"}, RunConf{Engine: EngineDistributed})
	require.Error(t, err)
}

type fakeRemote struct{ calls int }

func (f *fakeRemote) RunTask(ctx context.Context, t task.Task) (task.TaskResponse, error) {
	f.calls++
	return task.TaskResponse{ID: t.ID, Success: true, Answer: "remote"}, nil
}

func TestSchedulerDistributedDelegates(t *testing.T) {
	r := newRunner(map[string]looprunner.AgentSpec{"a": {Name: "a", Impl: echoAgent("hi")}})
	remote := &fakeRemote{}
	s := New(r, remote)

	resp, err := s.RunTask(context.Background(), task.Task{AgentName: "a", Input: "x"}, RunConf{Engine: EngineDistributed})
	require.NoError(t, err)
	require.Equal(t, "remote", resp.Answer)
	require.Equal(t, 1, remote.calls)
}

func TestSchedulerStreamingRunTask(t *testing.T) {
	bus := hooks.NewBus()
	r := looprunner.NewRunner(bus, looprunner.NewInvoker(nil, nil), map[string]looprunner.AgentSpec{
		"a": {Name: "a", Impl: echoAgent("hi")},
	}, nil)
	s := New(r, nil)

	handle, err := s.StreamingRunTask(context.Background(), task.Task{AgentName: "a", Input: "x"}, RunConf{})
	require.NoError(t, err)
	defer handle.Stop()

	var sawTerminal bool
	for msg := range handle.Messages {
		if msg.Topic == "task_response" {
			sawTerminal = true
		}
	}
	require.True(t, sawTerminal)

	resp, err := handle.Response()
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, "hi:x", resp.Answer)
}

func TestSchedulerSyncRun(t *testing.T) {
	r := newRunner(map[string]looprunner.AgentSpec{"a": {Name: "a", Impl: echoAgent("hi")}})
	s := New(r, nil)

	resp, err := s.SyncRun(task.Task{AgentName: "a", Input: "x"}, RunConf{})
	require.NoError(t, err)
	require.True(t, resp.Success)
}
