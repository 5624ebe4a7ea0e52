package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentfabric/runtime/runtime/agent/looprunner"
	"github.com/agentfabric/runtime/runtime/agent/task"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAgentConfigSingle(t *testing.T) {
	path := writeTemp(t, "agent.yaml", "name: greeter\nkind: final\ntext: hello\n")
	cfg, err := loadAgentConfig(path)
	require.NoError(t, err)
	require.Equal(t, "greeter", cfg.Name)

	specs, swarm, root, err := buildSwarm(cfg)
	require.NoError(t, err)
	require.Nil(t, swarm)
	require.Equal(t, "greeter", root)
	require.Contains(t, specs, "greeter")
}

func TestLoadAgentConfigSwarm(t *testing.T) {
	doc := `
agents:
  - {name: a, kind: final, text: outline}
  - {name: b, kind: echo}
edges:
  - {from: a, to: b, kind: workflow}
root_agents: [a]
`
	path := writeTemp(t, "swarm.yaml", doc)
	cfg, err := loadAgentConfig(path)
	require.NoError(t, err)

	specs, swarm, _, err := buildSwarm(cfg)
	require.NoError(t, err)
	require.NotNil(t, swarm)
	require.Len(t, specs, 2)

	impl := specs["a"].Impl
	actions, err := impl.Act(context.Background(), task.Observation{Message: task.Message{Payload: "x"}}, looprunner.Context{})
	require.NoError(t, err)
	require.Equal(t, "outline", actions[0].Text)
}

func TestLoadAgentConfigUnknownKind(t *testing.T) {
	path := writeTemp(t, "bad.yaml", "name: a\nkind: mystery\n")
	cfg, err := loadAgentConfig(path)
	require.NoError(t, err)
	_, _, _, err = buildSwarm(cfg)
	require.Error(t, err)
}

func TestLoadAgentConfigRejectsUnknownFields(t *testing.T) {
	path := writeTemp(t, "typo.yaml", "nmae: a\nkind: echo\n")
	_, err := loadAgentConfig(path)
	require.Error(t, err)
}

func TestResolveInputLiteralAndFile(t *testing.T) {
	v, err := resolveInput("hello")
	require.NoError(t, err)
	require.Equal(t, "hello", v)

	path := writeTemp(t, "input.txt", "from file")
	v, err = resolveInput("@" + path)
	require.NoError(t, err)
	require.Equal(t, "from file", v)
}

func TestTaskConfDefaults(t *testing.T) {
	conf, rc := taskConf(runConfFile{})
	require.Equal(t, task.StreamingOff, conf.StreamingMode)
	require.Equal(t, "", rc.Engine)
}

func TestParseEdgeKindRejectsUnknown(t *testing.T) {
	_, err := parseEdgeKind("sideways")
	require.Error(t, err)
}
