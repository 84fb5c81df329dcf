package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Overlap detection modes.
const (
	OverlapOff   = "off"
	OverlapDefer = "defer"
	OverlapWarn  = "warn"
)

type Config struct {
	Agent       AgentConfig  `yaml:"agent"`
	ReadyAgent  AgentConfig  `yaml:"ready_agent"`
	Settings    Settings     `yaml:"settings"`
	Gates       []Gate       `yaml:"gates,omitempty"`
	Permissions *Permissions `yaml:"permissions,omitempty"`
	Preamble    string       `yaml:"preamble,omitempty"`
}

// Gate defines a verification command run in the worktree before a worker
// branch is handed to the merge coordinator (linter, type checker, tests).
type Gate struct {
	Name string `yaml:"name"`
	Run  string `yaml:"run"`
}

// Permissions mirrors the Claude Code .claude/settings.json permissions block.
// When set, ll writes this into each worktree before invoking the agent.
type Permissions struct {
	Allow []string `yaml:"allow" json:"allow"`
	Deny  []string `yaml:"deny,omitempty" json:"deny,omitempty"`
}

type AgentConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

type Settings struct {
	Mainline         string   `yaml:"mainline"`
	Remote           string   `yaml:"remote"`
	MaxWorkers       int      `yaml:"max_workers"`
	IssueTimeout     Duration `yaml:"issue_timeout"`
	ActionTimeout    Duration `yaml:"action_timeout"`
	PollInterval     Duration `yaml:"poll_interval"`
	OverlapDetection string   `yaml:"overlap_detection"`
	MaxContinuations int      `yaml:"max_continuations"`
	StateFile        string   `yaml:"state_file"`
}

// Duration wraps time.Duration for YAML unmarshaling from strings like "10s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// DefaultPreamble is prepended to every agent prompt when no custom
// preamble is configured.
const DefaultPreamble = "You are running non-interactively. Do not ask questions or wait for confirmation.\nIf something is unclear, make your best judgement and proceed.\nDo not run git commit — your changes will be committed automatically."

// ResolvePreamble returns the effective preamble: the configured one, or the
// default.
func (cfg *Config) ResolvePreamble() string {
	if cfg.Preamble != "" {
		return cfg.Preamble
	}
	return DefaultPreamble
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	return parse(data)
}

func parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}

	if cfg.Settings.Mainline == "" {
		cfg.Settings.Mainline = "main"
	}
	if cfg.Settings.Remote == "" {
		cfg.Settings.Remote = "origin"
	}
	if cfg.Settings.MaxWorkers == 0 {
		cfg.Settings.MaxWorkers = 3
	}
	if cfg.Settings.IssueTimeout == 0 {
		cfg.Settings.IssueTimeout = Duration(30 * time.Minute)
	}
	if cfg.Settings.ActionTimeout == 0 {
		cfg.Settings.ActionTimeout = Duration(10 * time.Minute)
	}
	if cfg.Settings.PollInterval == 0 {
		cfg.Settings.PollInterval = Duration(30 * time.Second)
	}
	if cfg.Settings.OverlapDetection == "" {
		cfg.Settings.OverlapDetection = OverlapOff
	}
	if cfg.Settings.MaxContinuations == 0 {
		cfg.Settings.MaxContinuations = 3
	}
	if cfg.Settings.StateFile == "" {
		cfg.Settings.StateFile = ".auto-state.json"
	}
	if cfg.ReadyAgent.Command == "" {
		cfg.ReadyAgent = cfg.Agent
	}

	return &cfg, nil
}

func Validate(cfg *Config) []error {
	var errs []error

	if cfg.Agent.Command == "" {
		errs = append(errs, fmt.Errorf("agent.command is required"))
	}

	if cfg.Settings.MaxWorkers < 1 {
		errs = append(errs, fmt.Errorf("settings.max_workers must be at least 1"))
	}

	switch cfg.Settings.OverlapDetection {
	case OverlapOff, OverlapDefer, OverlapWarn:
	default:
		errs = append(errs, fmt.Errorf("settings.overlap_detection must be off, defer or warn (got %q)",
			cfg.Settings.OverlapDetection))
	}

	errs = append(errs, ValidateGates(cfg.Gates)...)

	return errs
}

// ValidateGates checks that all gates have non-empty names and run commands,
// and that gate names are unique.
func ValidateGates(gates []Gate) []error {
	var errs []error
	names := make(map[string]bool)
	for i, g := range gates {
		if g.Name == "" {
			errs = append(errs, fmt.Errorf("gates[%d]: name is required", i))
		} else if names[g.Name] {
			errs = append(errs, fmt.Errorf("gates[%d]: duplicate name %q", i, g.Name))
		} else {
			names[g.Name] = true
		}
		if g.Run == "" {
			errs = append(errs, fmt.Errorf("gates[%d]: run is required", i))
		}
	}
	return errs
}
