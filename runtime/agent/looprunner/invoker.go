package looprunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/agentfabric/runtime/runtime/agent/sandbox"
	"github.com/agentfabric/runtime/runtime/agent/task"
	"github.com/agentfabric/runtime/runtime/agent/toolerrors"
	"github.com/agentfabric/runtime/runtime/agent/tools"
)

// ToolFunc executes one resolved action and returns its result. It is called
// on the sandbox worker owning def.SandboxID when SandboxID is non-empty.
type ToolFunc func(ctx context.Context, params map[string]any) (any, error)

// TransientError is implemented by a ToolFunc error to mark it retryable
// (429, 5xx, connection drop); errors that don't implement it are treated as
// non-transient and surfaced verbatim (§4.4).
type TransientError interface {
	Transient() bool
}

// ToolDef registers one callable action under "tool_name.action_name".
type ToolDef struct {
	// Name is the full "tool_name.action_name" identifier.
	Name string
	// SandboxID pins execution to a single SandboxManager worker; empty runs
	// inline on the caller's goroutine.
	SandboxID string
	// Idempotent declares the action safe to retry on a transient error.
	Idempotent bool
	// ParallelSafe declares the action safe to run concurrently with sibling
	// actions dispatched in the same step.
	ParallelSafe bool
	Fn           ToolFunc
}

// Invoker resolves and executes ActionModel values per §4.4: parameter
// validation against the declared schema, sandbox-affine dispatch, and
// bounded jittered-backoff retry for idempotent actions.
type Invoker struct {
	mu         sync.RWMutex
	defs       map[string]ToolDef
	validator  *tools.ParamValidator
	sandboxMgr *sandbox.Manager
	maxRetries uint64
}

// NewInvoker returns an Invoker. validator and sandboxMgr may be nil: a nil
// validator skips schema validation, a nil sandboxMgr runs every action
// inline.
func NewInvoker(validator *tools.ParamValidator, sandboxMgr *sandbox.Manager) *Invoker {
	return &Invoker{
		defs:       make(map[string]ToolDef),
		validator:  validator,
		sandboxMgr: sandboxMgr,
		maxRetries: 3,
	}
}

// Register adds or replaces a ToolDef.
func (iv *Invoker) Register(def ToolDef) {
	iv.mu.Lock()
	defer iv.mu.Unlock()
	iv.defs[def.Name] = def
}

func (iv *Invoker) lookup(name string) (ToolDef, bool) {
	iv.mu.RLock()
	defer iv.mu.RUnlock()
	d, ok := iv.defs[name]
	return d, ok
}

// Invoke dispatches every action and returns results in submitted order
// (§4.4 tie-breaks), regardless of whether any ran concurrently.
func (iv *Invoker) Invoke(ctx context.Context, actions []task.ActionModel, rc Context) []task.ActionResult {
	results := make([]task.ActionResult, len(actions))
	var wg sync.WaitGroup
	for i, a := range actions {
		i, a := i, a
		def, ok := iv.lookup(a.ActionName)
		if ok && def.ParallelSafe {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[i] = iv.invokeOne(ctx, a, rc)
			}()
			continue
		}
		results[i] = iv.invokeOne(ctx, a, rc)
	}
	wg.Wait()
	return results
}

func (iv *Invoker) invokeOne(ctx context.Context, a task.ActionModel, rc Context) task.ActionResult {
	def, ok := iv.lookup(a.ActionName)
	if !ok {
		return task.ActionResult{ActionName: a.ActionName, Error: fmt.Sprintf("no such action %q", a.ActionName), IsDone: false}
	}

	if iv.validator != nil {
		raw, err := json.Marshal(a.Params)
		if err != nil {
			return task.ActionResult{ActionName: a.ActionName, Error: toolerrors.NewKind(toolerrors.KindSchema, err.Error()).Error()}
		}
		if issues, err := iv.validator.Validate(tools.Ident(a.ActionName), raw); err == nil && len(issues) > 0 {
			return task.ActionResult{ActionName: a.ActionName, Error: toolerrors.NewKind(toolerrors.KindSchema, fmt.Sprintf("%d validation issue(s)", len(issues))).Error()}
		}
	}

	call := func(ctx context.Context) (any, error) { return def.Fn(ctx, a.Params) }

	dispatch := func(ctx context.Context) (any, error) {
		if iv.sandboxMgr != nil && def.SandboxID != "" {
			return iv.sandboxMgr.Submit(ctx, sandbox.Op{SandboxID: def.SandboxID, Fn: call})
		}
		return call(ctx)
	}

	result, err := iv.callWithContext(ctx, dispatch)

	if err != nil && def.Idempotent && isTransient(err) {
		result, err = iv.retry(ctx, def, dispatch)
	}
	if err != nil {
		return task.ActionResult{ActionName: a.ActionName, Error: classifyErr(err)}
	}
	return task.ActionResult{ActionName: a.ActionName, Result: result}
}

// callWithContext races fn against ctx: a tool function that blocks without
// itself checking ctx (§4.4 does not require it to) must still unblock the
// dispatch loop the moment ctx is cancelled or its deadline passes (§4.9 —
// cancellation is observed while blocked inside a tool dispatch, not only
// between agent steps). fn keeps running on its own goroutine until it
// returns; Go has no way to preempt it, so a tool that never returns still
// leaks a goroutine, same as any other un-cancellable blocking call.
func (iv *Invoker) callWithContext(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	type out struct {
		result any
		err    error
	}
	done := make(chan out, 1)
	go func() {
		r, err := fn(ctx)
		done <- out{r, err}
	}()
	select {
	case o := <-done:
		return o.result, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// classifyErr formats a ctx-cancellation error as the toolerrors.Kind the
// rest of the runtime reports for it, distinguishing a deadline (timeout)
// from any other cancellation; any other error passes through verbatim.
func classifyErr(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return toolerrors.NewKind(toolerrors.KindTimeout, err.Error()).Error()
	case errors.Is(err, context.Canceled):
		return toolerrors.NewKind(toolerrors.KindCancelled, err.Error()).Error()
	default:
		return err.Error()
	}
}

// retry re-executes call with jittered exponential backoff, bounded by
// maxRetries, for an idempotent action that failed transiently (§4.4).
// retry does not read def.
func (iv *Invoker) retry(ctx context.Context, def ToolDef, call func(context.Context) (any, error)) (any, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second

	var result any
	operation := func() error {
		r, err := call(ctx)
		if err != nil {
			if !isTransient(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = r
		return nil
	}
	bounded := backoff.WithContext(backoff.WithMaxRetries(b, iv.maxRetries), ctx)
	err := backoff.Retry(operation, bounded)
	return result, err
}

func isTransient(err error) bool {
	te, ok := err.(TransientError)
	return ok && te.Transient()
}
