package config

import (
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := parse([]byte(`
agent:
  command: claude
  args: ["-p"]
`))
	if err != nil {
		t.Fatalf("parse: %s", err)
	}

	if cfg.Settings.Mainline != "main" {
		t.Errorf("mainline default = %q, want main", cfg.Settings.Mainline)
	}
	if cfg.Settings.Remote != "origin" {
		t.Errorf("remote default = %q, want origin", cfg.Settings.Remote)
	}
	if cfg.Settings.MaxWorkers != 3 {
		t.Errorf("max_workers default = %d, want 3", cfg.Settings.MaxWorkers)
	}
	if cfg.Settings.IssueTimeout.Duration() != 30*time.Minute {
		t.Errorf("issue_timeout default = %s, want 30m", cfg.Settings.IssueTimeout.Duration())
	}
	if cfg.Settings.OverlapDetection != OverlapOff {
		t.Errorf("overlap_detection default = %q, want off", cfg.Settings.OverlapDetection)
	}
	if cfg.Settings.StateFile != ".auto-state.json" {
		t.Errorf("state_file default = %q", cfg.Settings.StateFile)
	}
	if cfg.ReadyAgent.Command != "claude" {
		t.Errorf("ready_agent should default to agent, got %q", cfg.ReadyAgent.Command)
	}
}

func TestParseDurations(t *testing.T) {
	cfg, err := parse([]byte(`
agent:
  command: claude
settings:
  issue_timeout: 5m
  poll_interval: 100ms
`))
	if err != nil {
		t.Fatalf("parse: %s", err)
	}
	if cfg.Settings.IssueTimeout.Duration() != 5*time.Minute {
		t.Errorf("issue_timeout = %s, want 5m", cfg.Settings.IssueTimeout.Duration())
	}
	if cfg.Settings.PollInterval.Duration() != 100*time.Millisecond {
		t.Errorf("poll_interval = %s, want 100ms", cfg.Settings.PollInterval.Duration())
	}
}

func TestParseBadDuration(t *testing.T) {
	_, err := parse([]byte(`
agent:
  command: claude
settings:
  issue_timeout: "not-a-duration"
`))
	if err == nil {
		t.Fatal("expected error for bad duration")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr int
	}{
		{
			name: "valid",
			yaml: `
agent:
  command: claude
`,
			wantErr: 0,
		},
		{
			name:    "missing agent command",
			yaml:    `settings: {max_workers: 2}`,
			wantErr: 1,
		},
		{
			name: "bad overlap mode",
			yaml: `
agent:
  command: claude
settings:
  overlap_detection: maybe
`,
			wantErr: 1,
		},
		{
			name: "duplicate gate names",
			yaml: `
agent:
  command: claude
gates:
  - name: lint
    run: golangci-lint run
  - name: lint
    run: go vet ./...
`,
			wantErr: 1,
		},
		{
			name: "gate missing run",
			yaml: `
agent:
  command: claude
gates:
  - name: lint
`,
			wantErr: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := parse([]byte(tt.yaml))
			if err != nil {
				t.Fatalf("parse: %s", err)
			}
			errs := Validate(cfg)
			if len(errs) != tt.wantErr {
				t.Errorf("Validate returned %d errors (%v), want %d", len(errs), errs, tt.wantErr)
			}
		})
	}
}

func TestResolvePreamble(t *testing.T) {
	cfg := &Config{}
	if got := cfg.ResolvePreamble(); got != DefaultPreamble {
		t.Errorf("empty config should resolve the default preamble")
	}
	cfg.Preamble = "custom"
	if got := cfg.ResolvePreamble(); got != "custom" {
		t.Errorf("ResolvePreamble = %q, want custom", got)
	}
}
