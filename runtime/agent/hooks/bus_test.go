package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/agentfabric/runtime/runtime/agent/run"
)

func TestBusPublishFanOut(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	count := 0
	sub := SubscriberFunc(func(ctx context.Context, event Event) error {
		count++
		return nil
	})
	_, err := bus.Register(sub)
	require.NoError(t, err)
	evt1 := NewRunStartedEvent("run1", "agent1", run.Context{}, nil)
	require.NoError(t, bus.Publish(ctx, evt1))
	evt2 := NewRunCompletedEvent("run1", "agent1", "session1", "success", run.PhaseCompleted, nil)
	require.NoError(t, bus.Publish(ctx, evt2))
	require.Equal(t, 2, count)
}

func TestBusRegisterNil(t *testing.T) {
	bus := NewBus()
	_, err := bus.Register(nil)
	require.Error(t, err)
}

func TestBusPublishSkipsFailingSubscriber(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	var order []string
	failing := SubscriberFunc(func(ctx context.Context, event Event) error {
		order = append(order, "failing")
		return errors.New("boom")
	})
	ok := SubscriberFunc(func(ctx context.Context, event Event) error {
		order = append(order, "ok")
		return nil
	})
	_, err := bus.Register(failing)
	require.NoError(t, err)
	_, err = bus.Register(ok)
	require.NoError(t, err)

	evt := NewRunStartedEvent("run1", "agent1", run.Context{}, nil)
	require.NoError(t, bus.Publish(ctx, evt))
	require.Equal(t, []string{"failing", "ok"}, order)
}

func TestSubscriptionClose(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()
	count := 0
	sub := SubscriberFunc(func(ctx context.Context, event Event) error {
		count++
		return nil
	})
	subscription, err := bus.Register(sub)
	require.NoError(t, err)
	evt1 := NewRunStartedEvent("run1", "agent1", run.Context{}, nil)
	require.NoError(t, bus.Publish(ctx, evt1))
	require.NoError(t, subscription.Close())
	evt2 := NewRunCompletedEvent("run1", "agent1", "session1", "success", run.PhaseCompleted, nil)
	require.NoError(t, bus.Publish(ctx, evt2))
	require.Equal(t, 1, count)
}
