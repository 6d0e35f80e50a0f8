package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/lucasnoah/storyfactory/internal/pipeline"
)

// Config is the top-level configuration parsed from factory.yaml.
type Config struct {
	Pipeline PipelineSection       `yaml:"pipeline"`
	Retry    RetrySection          `yaml:"retry"`
	Phases   map[string]PhaseAgent `yaml:"phases"`
	Storage  StorageSection        `yaml:"storage"`
	Log      LogSection            `yaml:"log"`
	HTTP     HTTPSection           `yaml:"http"`

	// Source is the file the config was loaded from, empty for built-in defaults.
	Source string `yaml:"-"`
}

// PipelineSection controls phase sequencing and approval.
type PipelineSection struct {
	Analysis         *bool    `yaml:"analysis"`
	AutoApproveAll   bool     `yaml:"auto_approve_all"`
	ApprovalRequired []string `yaml:"approval_required"`
	AgentTimeout     string   `yaml:"agent_timeout"`
	Workdir          string   `yaml:"workdir"`
	// Worktrees gives every story with a codebase its own git worktree.
	Worktrees    bool   `yaml:"worktrees"`
	WorktreeBase string `yaml:"worktree_base"`
}

// RetrySection bounds and automates the retry loop for build/test phases.
type RetrySection struct {
	MaxAttempts int  `yaml:"max_attempts"`
	AutoApprove bool `yaml:"auto_approve"`
	Rollback    bool `yaml:"rollback"`
}

// PhaseAgent binds a phase to an agent. Command agents run Command and judge
// its output; prompt agents render Template and pass it to Command; the
// pull_request agent needs no command at all.
type PhaseAgent struct {
	Kind       string `yaml:"kind"`
	Command    string `yaml:"command"`
	Parser     string `yaml:"parser"`
	TestParser string `yaml:"test_parser"`
	Timeout    string `yaml:"timeout"`
	FixCommand string `yaml:"fix_command"`
	AutoFix    bool   `yaml:"auto_fix"`
	// Checks run ahead of Command for build and integration kinds.
	Checks []PhaseCheck `yaml:"checks"`

	// Prompt agents.
	Template string            `yaml:"template"`
	Mode     string            `yaml:"mode"`
	Vars     map[string]string `yaml:"vars"`

	// Pull request agent.
	Base  string `yaml:"base"`
	Draft bool   `yaml:"draft"`
}

// PhaseCheck is an extra command gating a build or integration phase.
type PhaseCheck struct {
	Name       string `yaml:"name"`
	Command    string `yaml:"command"`
	Parser     string `yaml:"parser"`
	Timeout    string `yaml:"timeout"`
	FixCommand string `yaml:"fix_command"`
	AutoFix    bool   `yaml:"auto_fix"`
}

// StorageSection locates the story store and the event log.
type StorageSection struct {
	DataDir     string `yaml:"data_dir"`
	DatabaseURL string `yaml:"database_url"`
	SQLitePath  string `yaml:"sqlite_path"`
}

// LogSection configures the zap logger.
type LogSection struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// HTTPSection configures the API server.
type HTTPSection struct {
	Addr string `yaml:"addr"`
}

// AnalysisEnabled reports whether the Analysis phase runs. It defaults to true.
func (c *Config) AnalysisEnabled() bool {
	return c.Pipeline.Analysis == nil || *c.Pipeline.Analysis
}

// ApprovalPhases resolves the configured approval_required names.
func (c *Config) ApprovalPhases() ([]pipeline.Phase, error) {
	var out []pipeline.Phase
	for _, name := range c.Pipeline.ApprovalRequired {
		p, err := pipeline.ParsePhase(name)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// AgentTimeout is the per-phase deadline for agents without their own timeout.
func (c *Config) AgentTimeout() time.Duration {
	d, err := time.ParseDuration(c.Pipeline.AgentTimeout)
	if err != nil || d <= 0 {
		return DefaultAgentTimeout
	}
	return d
}

// StoriesDir is where the story store keeps its files.
func (c *Config) StoriesDir() string {
	return filepath.Join(c.Storage.DataDir, "stories")
}

// WorktreesDir is where story worktrees are created.
func (c *Config) WorktreesDir() string {
	return filepath.Join(c.Storage.DataDir, "worktrees")
}

// TemplatesDir holds prompt templates that replace the built-in ones.
func (c *Config) TemplatesDir() string {
	return filepath.Join(c.Storage.DataDir, "templates")
}

// SQLiteFile is the event log path used when no database_url is set.
func (c *Config) SQLiteFile() string {
	if c.Storage.SQLitePath != "" {
		return c.Storage.SQLitePath
	}
	return filepath.Join(c.Storage.DataDir, "factory.db")
}

// PhaseAgents returns the configured agents keyed by phase.
func (c *Config) PhaseAgents() (map[pipeline.Phase]PhaseAgent, error) {
	out := make(map[pipeline.Phase]PhaseAgent, len(c.Phases))
	for name, pa := range c.Phases {
		p, err := pipeline.ParsePhase(name)
		if err != nil {
			return nil, fmt.Errorf("phases.%s: %w", name, err)
		}
		out[p] = pa
	}
	return out, nil
}

// TimeoutDuration parses the phase timeout, returning zero when unset.
func (pa PhaseAgent) TimeoutDuration() time.Duration {
	return parseTimeout(pa.Timeout)
}

// TimeoutDuration parses the check timeout, returning zero when unset.
func (pc PhaseCheck) TimeoutDuration() time.Duration {
	return parseTimeout(pc.Timeout)
}

func parseTimeout(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
