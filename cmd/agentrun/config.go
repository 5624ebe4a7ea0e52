package main

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/agentfabric/runtime/runtime/agent/looprunner"
	"github.com/agentfabric/runtime/runtime/agent/scheduler"
	"github.com/agentfabric/runtime/runtime/agent/task"
)

// agentConfig is the --agent <yaml> document: either a single agent or a
// swarm of named agents wired by typed edges (§4.7, §6). The core does not
// inspect an agent's internals (§4.6), so the CLI only wires the handful of
// built-in policy kinds useful for exercising the runtime end to end; a real
// deployment registers its own Agent implementations in process rather than
// driving them from this CLI.
type agentConfig struct {
	Name   string       `yaml:"name"`
	Kind   string       `yaml:"kind"`
	Text   string       `yaml:"text"`
	Agents []agentEntry `yaml:"agents"`
	Edges  []edgeEntry  `yaml:"edges"`
	Root   []string     `yaml:"root_agents"`
}

type agentEntry struct {
	Name            string   `yaml:"name"`
	Kind            string   `yaml:"kind"`
	Text            string   `yaml:"text"`
	HandoffTo       string   `yaml:"handoff_to"`
	AllowedTools    []string `yaml:"allowed_tools"`
	AllowedHandoffs []string `yaml:"allowed_handoffs"`
	WaitToolResult  bool     `yaml:"wait_tool_result"`
}

type edgeEntry struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
	Kind string `yaml:"kind"`
}

// runConfFile is the --run-conf <yaml> document, covering both the task's
// own Conf (visible to the agent loop) and the scheduler-only RunConf
// (engine selection, pooling, sequencing).
type runConfFile struct {
	MaxSteps          int    `yaml:"max_steps"`
	EndlessThreshold  int    `yaml:"endless_threshold"`
	TimeoutMS         int    `yaml:"timeout_ms"`
	GraceMS           int    `yaml:"grace_ms"`
	StreamingMode     string `yaml:"streaming_mode"`
	SequenceDependent bool   `yaml:"sequence_dependent"`
	Engine            string `yaml:"engine"`
	WorkerNum         int    `yaml:"worker_num"`
}

func loadAgentConfig(path string) (agentConfig, error) {
	var cfg agentConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading --agent file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parsing --agent yaml: %w", err)
	}
	if len(cfg.Agents) == 0 && cfg.Name == "" {
		return cfg, fmt.Errorf("--agent file must set either name+kind or agents+root_agents")
	}
	return cfg, nil
}

func loadRunConf(path string) (runConfFile, error) {
	var cfg runConfFile
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading --run-conf file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parsing --run-conf yaml: %w", err)
	}
	return cfg, nil
}

// buildPolicy resolves a built-in Agent implementation for one of the CLI's
// recognized policy kinds: "echo" answers with the observed input
// unchanged; "final" always answers with a fixed configured text; "handoff"
// always routes to handoffTo, carrying the observed input forward (useful
// for exercising swarm routing and endless-loop detection from the CLI
// without a real LLM). Unknown kinds are a config error (exit code 2), not
// a silent default.
func buildPolicy(kind, text, handoffTo string) (looprunner.Agent, error) {
	switch kind {
	case "", "echo":
		return looprunner.AgentFunc(func(ctx context.Context, obs task.Observation, rc looprunner.Context) ([]task.ActionModel, error) {
			input, _ := obs.Message.Payload.(string)
			return []task.ActionModel{{Text: input}}, nil
		}), nil
	case "final":
		return looprunner.AgentFunc(func(ctx context.Context, obs task.Observation, rc looprunner.Context) ([]task.ActionModel, error) {
			return []task.ActionModel{{Text: text}}, nil
		}), nil
	case "handoff":
		if handoffTo == "" {
			return nil, fmt.Errorf("kind: handoff requires handoff_to")
		}
		return looprunner.AgentFunc(func(ctx context.Context, obs task.Observation, rc looprunner.Context) ([]task.ActionModel, error) {
			input, _ := obs.Message.Payload.(string)
			return []task.ActionModel{{AgentName: handoffTo, Text: input}}, nil
		}), nil
	default:
		return nil, fmt.Errorf("unknown agent kind %q (want echo, final, or handoff)", kind)
	}
}

// buildSwarm translates the YAML document into the looprunner/task types the
// Runner expects: a map of AgentSpec plus, when the document declares more
// than a single bare agent, a task.Swarm.
func buildSwarm(cfg agentConfig) (map[string]looprunner.AgentSpec, *task.Swarm, string, error) {
	specs := make(map[string]looprunner.AgentSpec)

	if len(cfg.Agents) == 0 {
		impl, err := buildPolicy(cfg.Kind, cfg.Text, "")
		if err != nil {
			return nil, nil, "", err
		}
		specs[cfg.Name] = looprunner.AgentSpec{Name: cfg.Name, Impl: impl}
		return specs, nil, cfg.Name, nil
	}

	names := make([]string, 0, len(cfg.Agents))
	for _, a := range cfg.Agents {
		if a.Name == "" {
			return nil, nil, "", fmt.Errorf("every entry under agents: needs a name")
		}
		impl, err := buildPolicy(a.Kind, a.Text, a.HandoffTo)
		if err != nil {
			return nil, nil, "", fmt.Errorf("agent %q: %w", a.Name, err)
		}
		specs[a.Name] = looprunner.AgentSpec{
			Name:            a.Name,
			Impl:            impl,
			AllowedTools:    a.AllowedTools,
			AllowedHandoffs: a.AllowedHandoffs,
			WaitToolResult:  a.WaitToolResult,
		}
		names = append(names, a.Name)
	}

	edges := make([]task.Edge, 0, len(cfg.Edges))
	for _, e := range cfg.Edges {
		kind, err := parseEdgeKind(e.Kind)
		if err != nil {
			return nil, nil, "", err
		}
		edges = append(edges, task.Edge{From: e.From, To: e.To, Kind: kind})
	}

	swarm := &task.Swarm{Agents: names, Edges: edges, RootAgents: cfg.Root}
	if err := swarm.Validate(); err != nil {
		return nil, nil, "", err
	}
	return specs, swarm, "", nil
}

func parseEdgeKind(s string) (task.EdgeKind, error) {
	switch task.EdgeKind(s) {
	case task.EdgeWorkflow, task.EdgeHandoff, task.EdgeTeam:
		return task.EdgeKind(s), nil
	default:
		return "", fmt.Errorf("unknown edge kind %q (want workflow, handoff, or team)", s)
	}
}

// taskConf translates a runConfFile into the task.Conf/scheduler.RunConf
// pair RunTask expects, applying the same defaults the runner uses when a
// field is left at its zero value.
func taskConf(f runConfFile) (task.Conf, scheduler.RunConf) {
	mode := task.StreamingMode(f.StreamingMode)
	if mode == "" {
		mode = task.StreamingOff
	}
	return task.Conf{
			MaxSteps:          f.MaxSteps,
			EndlessThreshold:  f.EndlessThreshold,
			TimeoutMS:         f.TimeoutMS,
			GraceMS:           f.GraceMS,
			StreamingMode:     mode,
			SequenceDependent: f.SequenceDependent,
			Engine:            f.Engine,
			WorkerNum:         f.WorkerNum,
		}, scheduler.RunConf{
			Engine:            f.Engine,
			PoolSize:          f.WorkerNum,
			SequenceDependent: f.SequenceDependent,
		}
}
