package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunSuccess(t *testing.T) {
	agentPath := writeTemp(t, "agent.yaml", "name: greeter\nkind: final\ntext: hi\n")
	code := run([]string{"--agent", agentPath, "--input", "hello"})
	require.Equal(t, exitSuccess, code)
}

func TestRunMissingAgentFlag(t *testing.T) {
	code := run([]string{"--input", "hello"})
	require.Equal(t, exitInvalidConfig, code)
}

func TestRunBadAgentFile(t *testing.T) {
	agentPath := writeTemp(t, "agent.yaml", "name: greeter\nkind: bogus\n")
	code := run([]string{"--agent", agentPath, "--input", "hello"})
	require.Equal(t, exitInvalidConfig, code)
}

func TestRunEndlessHandoffFailure(t *testing.T) {
	doc := `
agents:
  - {name: a, kind: handoff, handoff_to: b, allowed_handoffs: [b]}
  - {name: b, kind: handoff, handoff_to: a, allowed_handoffs: [a]}
edges:
  - {from: a, to: b, kind: handoff}
  - {from: b, to: a, kind: handoff}
root_agents: [a]
`
	agentPath := writeTemp(t, "swarm.yaml", doc)
	runConfPath := writeTemp(t, "run.yaml", "endless_threshold: 1\n")
	code := run([]string{"--agent", agentPath, "--input", "go", "--run-conf", runConfPath})
	require.Equal(t, exitFailure, code)
}
