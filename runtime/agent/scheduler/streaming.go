package scheduler

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/agentfabric/runtime/runtime/agent/hooks"
	"github.com/agentfabric/runtime/runtime/agent/looprunner"
	"github.com/agentfabric/runtime/runtime/agent/task"
)

// streamOverflow bounds how many unconsumed messages a streaming queue will
// buffer before it starts dropping the newest chunk and incrementing an
// overflow counter (§4.1 backpressure, §4.10 "drop-newest with a counter").
// A task is never failed by a slow or absent consumer.
const streamOverflow = 256

// StreamHandle is the per-task streaming queue §4.1/§4.9's
// streaming_run_task returns: Messages yields every published message for
// the task in publish order and is closed once the terminal TaskResponse
// message has been delivered or the task has returned; Stop does not close
// it. Response resolves once the task has actually finished.
type StreamHandle struct {
	Messages <-chan task.Message
	Response func() (task.TaskResponse, error)

	sub      hooks.Subscription
	overflow *int64
}

// Overflow reports how many chunks were dropped because the consumer fell
// behind (§4.1).
func (h *StreamHandle) Overflow() int64 {
	if h.overflow == nil {
		return 0
	}
	return atomic.LoadInt64(h.overflow)
}

// Stop releases the handle's subscription. Safe to call after Messages has
// already closed, and safe to call multiple times.
func (h *StreamHandle) Stop() {
	if h.sub != nil {
		_ = h.sub.Close()
	}
}

// StreamingRunTask starts t asynchronously and returns a StreamHandle whose
// Messages channel delivers every AGENT/TOOL/CHUNK/CANCEL/CONTROL message
// published for the task, in order, terminated by (and including) the
// task_response message, per §4.9/§4.10. Response blocks for the task's
// actual TaskResponse value; it is safe to call before or after draining
// Messages.
func (s *Scheduler) StreamingRunTask(ctx context.Context, t task.Task, rc RunConf) (*StreamHandle, error) {
	t = task.NewTask(t)
	bus := s.Runner.Bus
	if bus == nil {
		bus = hooks.NewBus()
	}

	out := make(chan task.Message, streamOverflow)
	var overflow int64
	var once sync.Once

	sub, err := bus.Register(hooks.SubscriberFunc(func(_ context.Context, evt hooks.Event) error {
		me, ok := evt.(*looprunner.MessageEvent)
		if !ok {
			return nil
		}
		msg := me.Message()
		if msg.TaskID != t.ID {
			return nil
		}
		select {
		case out <- msg:
		default:
			atomic.AddInt64(&overflow, 1)
		}
		if msg.Topic == "task_response" {
			once.Do(func() { close(out) })
		}
		return nil
	}))
	if err != nil {
		return nil, err
	}

	runner := *s.Runner
	runner.Bus = bus
	runnerScheduler := &Scheduler{Runner: &runner, Remote: s.Remote, pools: s.pools}

	type result struct {
		resp task.TaskResponse
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		resp, err := runnerScheduler.RunTask(ctx, t, rc)
		once.Do(func() { close(out) })
		resCh <- result{resp, err}
	}()

	var cached *result
	var mu sync.Mutex
	return &StreamHandle{
		Messages: out,
		sub:      sub,
		overflow: &overflow,
		Response: func() (task.TaskResponse, error) {
			mu.Lock()
			defer mu.Unlock()
			if cached == nil {
				r := <-resCh
				cached = &r
			}
			return cached.resp, cached.err
		},
	}, nil
}
