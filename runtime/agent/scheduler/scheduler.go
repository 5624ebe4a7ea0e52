// Package scheduler implements the TaskScheduler & Runners component (§4.9):
// the submission surface that accepts a Task or a batch of Tasks, applies
// timeout/cancellation, picks a runtime engine, and owns each task's
// lifetime until its TaskResponse is published.
//
// The scheduler is a thin layer over looprunner.Runner: it does not
// reimplement the agent loop, it decides *how many goroutines* run it and
// *when to give up*. Engine selection (local/pool/distributed) only affects
// concurrency and process placement; AgentLoopRunner correctness is
// engine-independent by construction, per §4.9.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentfabric/runtime/runtime/agent/looprunner"
	"github.com/agentfabric/runtime/runtime/agent/task"
	"github.com/agentfabric/runtime/runtime/agent/toolerrors"
)

const (
	// EngineLocal runs every task on its own goroutine in the current
	// process, with no concurrency cap.
	EngineLocal = "local"
	// EnginePool runs tasks on a bounded worker pool sized by
	// RunConf.PoolSize (default defaultPoolSize), reusing the pool's
	// goroutines across tasks.
	EnginePool = "pool"
	// EngineDistributed delegates RunTask to a caller-supplied RemoteClient
	// implementing the RPC stub described in §6/§9; the scheduler owns no
	// wire protocol of its own.
	EngineDistributed = "distributed"

	defaultPoolSize  = 8
	defaultGraceMS   = 2000
	defaultBatchSize = 4
)

type (
	// RemoteClient is the contract a distributed engine's transport must
	// satisfy. The scheduler is agnostic to whether this is backed by gRPC,
	// HTTP, or an in-process bridge — per §1's scope boundary, concrete
	// transports are external collaborators.
	RemoteClient interface {
		RunTask(ctx context.Context, t task.Task) (task.TaskResponse, error)
	}

	// RunConf configures one submission independently of the Task's own
	// Conf: which engine to use, pool sizing, and sequencing across a batch.
	// Unlike task.Conf (carried with the task and visible to the agent
	// loop), RunConf is scheduler-only and never crosses into Observation.
	RunConf struct {
		Engine            string
		PoolSize          int
		SequenceDependent bool
	}

	// Scheduler accepts Task submissions and drives them to completion via
	// Runner, honoring each task's timeout/cancellation and the requested
	// engine.
	Scheduler struct {
		Runner *looprunner.Runner
		Remote RemoteClient

		poolMu sync.Mutex
		pools  map[int]chan struct{}
	}
)

// New returns a Scheduler over runner. remote may be nil; EngineDistributed
// submissions then fail with toolerrors.KindInternal.
func New(runner *looprunner.Runner, remote RemoteClient) *Scheduler {
	return &Scheduler{Runner: runner, Remote: remote, pools: make(map[int]chan struct{})}
}

// RunTask executes t to completion per the chosen engine and returns its
// TaskResponse. It enforces t.Conf.TimeoutMS (via Context.cancel semantics,
// §4.3/§4.9): if the task does not finish within TimeoutMS, its context is
// cancelled and, absent cooperative completion within t.Conf.GraceMS (or
// defaultGraceMS), RunTask synthesizes TaskResponse{success:false,
// msg:"timeout"} itself so a misbehaving agent can never hang the caller.
func (s *Scheduler) RunTask(ctx context.Context, t task.Task, rc RunConf) (task.TaskResponse, error) {
	t = task.NewTask(t)

	runCtx, cancel := withTaskTimeout(ctx, t.Conf.TimeoutMS)
	defer cancel()

	grace := time.Duration(t.Conf.GraceMS) * time.Millisecond
	if grace <= 0 {
		grace = defaultGraceMS * time.Millisecond
	}

	switch engineOf(rc, t) {
	case EngineDistributed:
		if s.Remote == nil {
			return task.TaskResponse{}, fmt.Errorf("%s: distributed engine not configured", toolerrors.KindInternal)
		}
		return s.Remote.RunTask(runCtx, t)
	case EnginePool:
		return s.runPooled(runCtx, t, rc, grace)
	default:
		return s.runLocal(runCtx, t, grace)
	}
}

func engineOf(rc RunConf, t task.Task) string {
	if rc.Engine != "" {
		return rc.Engine
	}
	if t.Conf.Engine != "" {
		return t.Conf.Engine
	}
	return EngineLocal
}

// runLocal runs t on a dedicated goroutine, racing its completion against
// runCtx's deadline/cancellation plus a grace window (§4.9 Cancellation &
// timeout).
func (s *Scheduler) runLocal(runCtx context.Context, t task.Task, grace time.Duration) (task.TaskResponse, error) {
	type out struct {
		resp task.TaskResponse
		err  error
	}
	done := make(chan out, 1)
	go func() {
		resp, err := s.Runner.Run(runCtx, t)
		done <- out{resp, err}
	}()

	select {
	case o := <-done:
		return o.resp, o.err
	case <-runCtx.Done():
		select {
		case o := <-done:
			return o.resp, o.err
		case <-time.After(grace):
			return task.TaskResponse{
				ID:      t.ID,
				Success: false,
				Msg:     string(toolerrors.KindTimeout),
			}, nil
		}
	}
}

// pool returns the bounded-concurrency semaphore for size, creating it on
// first use. Pools are keyed by size so distinct RunConf.PoolSize values get
// independent capacity rather than silently sharing one pool.
func (s *Scheduler) pool(size int) chan struct{} {
	if size <= 0 {
		size = defaultPoolSize
	}
	s.poolMu.Lock()
	defer s.poolMu.Unlock()
	p, ok := s.pools[size]
	if !ok {
		p = make(chan struct{}, size)
		s.pools[size] = p
	}
	return p
}

// runPooled is identical to runLocal except it first acquires a slot from
// the sized worker pool, bounding the number of tasks executing
// concurrently under EnginePool (§4.9 "pool (dedicated loop pool... reused)").
func (s *Scheduler) runPooled(runCtx context.Context, t task.Task, rc RunConf, grace time.Duration) (task.TaskResponse, error) {
	p := s.pool(rc.PoolSize)
	select {
	case p <- struct{}{}:
	case <-runCtx.Done():
		return task.TaskResponse{ID: t.ID, Success: false, Msg: string(toolerrors.KindCancelled)}, nil
	}
	defer func() { <-p }()
	return s.runLocal(runCtx, t, grace)
}

// withTaskTimeout returns a context bound by timeoutMS, or ctx unchanged
// (with a no-op cancel) when timeoutMS is non-positive.
func withTaskTimeout(ctx context.Context, timeoutMS int) (context.Context, context.CancelFunc) {
	if timeoutMS <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(timeoutMS)*time.Millisecond)
}

// RunTasks submits every task in ts and returns a map of task id to
// TaskResponse, per §4.9 run_task(list[task]). Tasks run concurrently unless
// rc.SequenceDependent is set (see runSequence).
func (s *Scheduler) RunTasks(ctx context.Context, ts []task.Task, rc RunConf) (map[string]task.TaskResponse, error) {
	if rc.SequenceDependent {
		return s.runSequence(ctx, ts, rc)
	}

	type keyed struct {
		id   string
		resp task.TaskResponse
		err  error
	}
	results := make(chan keyed, len(ts))
	var wg sync.WaitGroup
	for _, t := range ts {
		t := task.NewTask(t)
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := s.RunTask(ctx, t, rc)
			results <- keyed{t.ID, resp, err}
		}()
	}
	wg.Wait()
	close(results)

	out := make(map[string]task.TaskResponse, len(ts))
	for k := range results {
		if k.err != nil {
			return out, k.err
		}
		out[k.id] = k.resp
	}
	return out, nil
}

// runSequence executes ts strictly one after another: each task after the
// first receives the previous task's TaskResponse.Answer as its Input
// (§4.9 "Sequence-dependent mode"). A task-fatal failure (Success=false)
// halts the sequence; remaining tasks are not run and are absent from the
// returned map.
func (s *Scheduler) runSequence(ctx context.Context, ts []task.Task, rc RunConf) (map[string]task.TaskResponse, error) {
	out := make(map[string]task.TaskResponse, len(ts))
	var prevAnswer string
	for i, t := range ts {
		t = task.NewTask(t)
		if i > 0 {
			t.Input = prevAnswer
		}
		resp, err := s.RunTask(ctx, t, rc)
		if err != nil {
			return out, err
		}
		out[t.ID] = resp
		if !resp.Success {
			break
		}
		prevAnswer = resp.Answer
	}
	return out, nil
}

// BatchRun creates a fresh Task (with a new id and session id) for every
// element of inputs and executes them in batches of batchSize, per §4.9
// batch_run. The returned slice preserves the order of inputs. batchSize <=
// 0 uses defaultBatchSize.
func (s *Scheduler) BatchRun(ctx context.Context, agentOrSwarm string, swarm *task.Swarm, inputs []string, batchSize int, conf task.Conf, rc RunConf) ([]task.TaskResponse, error) {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	out := make([]task.TaskResponse, len(inputs))
	for start := 0; start < len(inputs); start += batchSize {
		end := start + batchSize
		if end > len(inputs) {
			end = len(inputs)
		}
		var wg sync.WaitGroup
		var mu sync.Mutex
		var firstErr error
		for i := start; i < end; i++ {
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				t := task.Task{
					ID:        task.NewID(),
					Input:     inputs[i],
					AgentName: agentOrSwarm,
					Swarm:     swarm,
					Conf:      conf,
					SessionID: task.NewID(),
				}
				resp, err := s.RunTask(ctx, t, rc)
				mu.Lock()
				defer mu.Unlock()
				if err != nil && firstErr == nil {
					firstErr = err
				}
				out[i] = resp
			}()
		}
		wg.Wait()
		if firstErr != nil {
			return out, firstErr
		}
	}
	return out, nil
}

// SyncRun is a thin blocking wrapper over RunTask for callers on a plain
// synchronous call stack with no context of their own, per §4.9 sync_run.
func (s *Scheduler) SyncRun(t task.Task, rc RunConf) (task.TaskResponse, error) {
	return s.RunTask(context.Background(), t, rc)
}
