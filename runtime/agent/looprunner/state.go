// Package looprunner implements the AgentLoopRunner: the per-agent-invocation
// state machine that turns one inbound Observation into zero or more
// dispatched actions and, eventually, a task.TaskResponse.
//
// The state names are load-bearing: they are published on the hooks.Bus as
// run-phase transitions, mirroring how the original aworld runner names its
// loop phases.
package looprunner

// State names one phase of the per-agent-invocation loop.
type State string

const (
	StateInit     State = "INIT"
	StateObserve  State = "OBSERVE"
	StatePolicy   State = "POLICY"
	StateValidate State = "VALIDATE"
	StateDispatch State = "DISPATCH"
	StateCollect  State = "COLLECT"
	StateFinalize State = "FINALIZE"
	StateDone     State = "DONE"
)

func (s State) String() string { return string(s) }
