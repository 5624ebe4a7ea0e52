package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentfabric/runtime/runtime/agent/run"
	"github.com/agentfabric/runtime/runtime/agent/task"
)

func TestHookRegistryRunsInOrder(t *testing.T) {
	reg := NewHookRegistry()
	var order []string

	reg.Register(PointPreLLM, "second", 10, func(ctx context.Context, msg task.Message, rc *task.RunContext) (task.Message, bool, error) {
		order = append(order, "second")
		return msg, true, nil
	})
	reg.Register(PointPreLLM, "first", 1, func(ctx context.Context, msg task.Message, rc *task.RunContext) (task.Message, bool, error) {
		order = append(order, "first")
		return msg, true, nil
	})

	msg := task.Message{Category: task.CategoryAgent, Topic: "t"}
	_, keep := reg.Fire(context.Background(), PointPreLLM, msg, nil)
	require.True(t, keep)
	require.Equal(t, []string{"first", "second"}, order)
}

func TestHookRegistryReplacesMessage(t *testing.T) {
	reg := NewHookRegistry()
	reg.Register(PointPreTool, "redact", 0, func(ctx context.Context, msg task.Message, rc *task.RunContext) (task.Message, bool, error) {
		msg.Payload = "redacted"
		return msg, true, nil
	})

	out, keep := reg.Fire(context.Background(), PointPreTool, task.Message{Payload: "secret"}, nil)
	require.True(t, keep)
	require.Equal(t, "redacted", out.Payload)
}

func TestHookRegistryDropsMessage(t *testing.T) {
	reg := NewHookRegistry()
	reg.Register(PointPostTool, "blocker", 0, func(ctx context.Context, msg task.Message, rc *task.RunContext) (task.Message, bool, error) {
		return task.Message{}, false, nil
	})

	_, keep := reg.Fire(context.Background(), PointPostTool, task.Message{Payload: "x"}, nil)
	require.False(t, keep)
}

func TestHookRegistryFailureKeepsOriginalMessage(t *testing.T) {
	reg := NewHookRegistry()
	reg.Register(PointOnMessage, "flaky", 0, func(ctx context.Context, msg task.Message, rc *task.RunContext) (task.Message, bool, error) {
		return task.Message{}, false, errors.New("boom")
	})

	in := task.Message{Payload: "unchanged"}
	out, keep := reg.Fire(context.Background(), PointOnMessage, in, nil)
	require.True(t, keep)
	require.Equal(t, in.Payload, out.Payload)
}

func TestHookRegistryPointsAreIndependent(t *testing.T) {
	reg := NewHookRegistry()
	var fired []string
	reg.Register(PointTaskStart, "start", 0, func(ctx context.Context, msg task.Message, rc *task.RunContext) (task.Message, bool, error) {
		fired = append(fired, "start")
		return msg, true, nil
	})

	_, _ = reg.Fire(context.Background(), PointTaskEnd, task.Message{}, nil)
	require.Empty(t, fired)

	_, _ = reg.Fire(context.Background(), PointTaskStart, task.Message{}, nil)
	require.Equal(t, []string{"start"}, fired)
}

type categorizedTestEvent struct {
	category, topic string
	payload         any
}

func (e *categorizedTestEvent) Type() EventType    { return EventType(e.category) }
func (e *categorizedTestEvent) RunID() string      { return "run1" }
func (e *categorizedTestEvent) SessionID() string  { return "session1" }
func (e *categorizedTestEvent) AgentID() string    { return "agent1" }
func (e *categorizedTestEvent) Timestamp() int64   { return 0 }
func (e *categorizedTestEvent) TurnID() string     { return "" }
func (e *categorizedTestEvent) Category() string   { return e.category }
func (e *categorizedTestEvent) Topic() string      { return e.topic }

func TestBusRegisterTransformerReplacesEvent(t *testing.T) {
	bus := NewBus()
	var received any
	_, err := bus.Register(SubscriberFunc(func(ctx context.Context, event Event) error {
		received = event.(*categorizedTestEvent).payload
		return nil
	}))
	require.NoError(t, err)

	bus.RegisterTransformer("TOOL", "search", 0, func(ctx context.Context, event Event) (Event, error) {
		e := event.(*categorizedTestEvent)
		e.payload = "transformed"
		return e, nil
	})

	require.NoError(t, bus.Publish(context.Background(), &categorizedTestEvent{category: "TOOL", topic: "search", payload: "original"}))
	require.Equal(t, "transformed", received)
}

func TestBusRegisterTransformerDropsEvent(t *testing.T) {
	bus := NewBus()
	delivered := false
	_, err := bus.Register(SubscriberFunc(func(ctx context.Context, event Event) error {
		delivered = true
		return nil
	}))
	require.NoError(t, err)

	bus.RegisterTransformer("TOOL", "", 0, func(ctx context.Context, event Event) (Event, error) {
		return nil, nil
	})

	require.NoError(t, bus.Publish(context.Background(), &categorizedTestEvent{category: "TOOL", topic: "anything"}))
	require.False(t, delivered)
}

func TestBusRegisterTransformerSkipsNonMatchingTopic(t *testing.T) {
	bus := NewBus()
	delivered := false
	_, err := bus.Register(SubscriberFunc(func(ctx context.Context, event Event) error {
		delivered = true
		return nil
	}))
	require.NoError(t, err)

	bus.RegisterTransformer("TOOL", "other-topic", 0, func(ctx context.Context, event Event) (Event, error) {
		return nil, nil
	})

	require.NoError(t, bus.Publish(context.Background(), &categorizedTestEvent{category: "TOOL", topic: "search"}))
	require.True(t, delivered)
}

func TestBusRegisterTransformerIgnoresUncategorizedEvent(t *testing.T) {
	bus := NewBus()
	delivered := false
	_, err := bus.Register(SubscriberFunc(func(ctx context.Context, event Event) error {
		delivered = true
		return nil
	}))
	require.NoError(t, err)

	bus.RegisterTransformer("", "", 0, func(ctx context.Context, event Event) (Event, error) {
		return nil, nil
	})

	require.NoError(t, bus.Publish(context.Background(), NewRunStartedEvent("run1", "agent1", run.Context{}, nil)))
	require.True(t, delivered, "a non-CategorizedEvent must never match a transformer")
}
