// Command agentrun is the minimal runner CLI described in §6: it loads an
// agent or swarm definition and an optional run configuration from YAML,
// submits one task built from --input, and reports the result with the
// exit codes the spec freezes (0 success, 1 failure, 2 invalid config, 124
// timeout).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/agentfabric/runtime/runtime/agent/hooks"
	"github.com/agentfabric/runtime/runtime/agent/looprunner"
	"github.com/agentfabric/runtime/runtime/agent/scheduler"
	"github.com/agentfabric/runtime/runtime/agent/task"
)

const (
	exitSuccess       = 0
	exitFailure       = 1
	exitInvalidConfig = 2
	exitTimeout       = 124
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("agentrun", flag.ContinueOnError)
	agentPath := fs.String("agent", "", "path to the agent/swarm YAML definition (required)")
	inputArg := fs.String("input", "", "task input: a literal string, or @path to read it from a file")
	streaming := fs.Bool("streaming", false, "print every streamed message before the final response")
	runConfPath := fs.String("run-conf", "", "path to a run configuration YAML document")
	if err := fs.Parse(args); err != nil {
		return exitInvalidConfig
	}

	if *agentPath == "" {
		fmt.Fprintln(os.Stderr, "agentrun: --agent is required")
		return exitInvalidConfig
	}

	agentCfg, err := loadAgentConfig(*agentPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "agentrun:", err)
		return exitInvalidConfig
	}

	input, err := resolveInput(*inputArg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "agentrun:", err)
		return exitInvalidConfig
	}

	runConfDoc, err := loadRunConf(*runConfPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "agentrun:", err)
		return exitInvalidConfig
	}

	specs, swarm, rootAgent, err := buildSwarm(agentCfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "agentrun:", err)
		return exitInvalidConfig
	}

	conf, rc := taskConf(runConfDoc)
	t := task.Task{Input: input, AgentName: rootAgent, Conf: conf}

	bus := hooks.NewBus()
	runner := looprunner.NewRunner(bus, looprunner.NewInvoker(nil, nil), specs, swarm)
	sched := scheduler.New(runner, nil)

	ctx := context.Background()
	var (
		resp   task.TaskResponse
		runErr error
	)
	if *streaming {
		resp, runErr = runStreaming(ctx, sched, t, rc)
	} else {
		resp, runErr = sched.RunTask(ctx, t, rc)
	}
	if runErr != nil {
		fmt.Fprintln(os.Stderr, "agentrun:", runErr)
		return exitFailure
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(resp)

	switch {
	case resp.Success:
		return exitSuccess
	case strings.HasPrefix(resp.Msg, "timeout"):
		return exitTimeout
	default:
		return exitFailure
	}
}

func runStreaming(ctx context.Context, sched *scheduler.Scheduler, t task.Task, rc scheduler.RunConf) (task.TaskResponse, error) {
	handle, err := sched.StreamingRunTask(ctx, t, rc)
	if err != nil {
		return task.TaskResponse{}, err
	}
	defer handle.Stop()
	for msg := range handle.Messages {
		fmt.Fprintf(os.Stderr, "[%s/%s] %s: %v\n", msg.Category, msg.Topic, msg.Sender, msg.Payload)
	}
	return handle.Response()
}

// resolveInput returns arg verbatim, unless it is prefixed with "@", in
// which case the rest is treated as a file path to read the input from
// (§6 "--input <string|@file>").
func resolveInput(arg string) (string, error) {
	if !strings.HasPrefix(arg, "@") {
		return arg, nil
	}
	data, err := os.ReadFile(arg[1:])
	if err != nil {
		return "", fmt.Errorf("reading --input file: %w", err)
	}
	return string(data), nil
}
