package cli

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lucasnoah/storyfactory/internal/agent"
	"github.com/lucasnoah/storyfactory/internal/checks"
	"github.com/lucasnoah/storyfactory/internal/config"
	"github.com/lucasnoah/storyfactory/internal/db"
	"github.com/lucasnoah/storyfactory/internal/github"
	"github.com/lucasnoah/storyfactory/internal/logging"
	"github.com/lucasnoah/storyfactory/internal/metrics"
	"github.com/lucasnoah/storyfactory/internal/orchestrator"
	"github.com/lucasnoah/storyfactory/internal/pipeline"
	"github.com/lucasnoah/storyfactory/internal/prompt"
	"github.com/lucasnoah/storyfactory/internal/testresults"
	"github.com/lucasnoah/storyfactory/internal/worktree"
)

// app is everything a command needs, wired from the resolved config.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *pipeline.Store
	events db.EventLog
	orch   *orchestrator.Orchestrator
}

func loadConfig() (*config.Config, error) {
	if configFile != "" {
		return config.Load(configFile)
	}
	return config.LoadDefault()
}

// newApp loads and validates the config, opens storage and builds the
// orchestrator. The returned cleanup stops running loops and closes storage.
func newApp(ctx context.Context) (*app, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		return nil, nil, fmt.Errorf("invalid config: %s (see 'factory config validate')", errs[0])
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}

	store, err := pipeline.OpenStore(cfg.StoriesDir())
	if err != nil {
		return nil, nil, fmt.Errorf("open story store: %w", err)
	}

	events, err := db.OpenEventLog(ctx, cfg.Storage.DatabaseURL, cfg.SQLiteFile())
	if err != nil {
		return nil, nil, fmt.Errorf("open event log: %w", err)
	}

	shell := &checks.ExecRunner{}
	runner := checks.NewRunner(shell)
	agents, err := buildAgents(cfg, runner)
	if err != nil {
		events.Close()
		return nil, nil, err
	}
	approvals, err := cfg.ApprovalPhases()
	if err != nil {
		events.Close()
		return nil, nil, err
	}

	opts := orchestrator.Options{
		Store:              store,
		Agents:             agents,
		Events:             events,
		Logger:             logger,
		Metrics:            metrics.New(),
		ApprovalRequired:   approvals,
		AnalysisEnabled:    cfg.AnalysisEnabled(),
		MaxAttempts:        cfg.Retry.MaxAttempts,
		AutoApproveRetries: cfg.Retry.AutoApprove,
		AgentTimeout:       cfg.AgentTimeout(),
		Workdir:            cfg.Pipeline.Workdir,
	}
	if cfg.Retry.Rollback {
		opts.Rollbacker = &agent.GitRollbacker{Cmd: shell}
	}
	if cfg.Pipeline.Worktrees {
		opts.Workspaces = worktree.NewManager(&worktree.ExecGit{}, cfg.WorktreesDir(), cfg.Pipeline.WorktreeBase)
	}
	orch := orchestrator.New(opts)

	a := &app{cfg: cfg, logger: logger, store: store, events: events, orch: orch}
	cleanup := func() {
		orch.Close()
		events.Close()
		_ = logging.Sync(logger)
	}
	return a, cleanup, nil
}

// buildAgents registers the configured agent for every phase.
func buildAgents(cfg *config.Config, runner *checks.Runner) (*agent.Registry, error) {
	phases, err := cfg.PhaseAgents()
	if err != nil {
		return nil, err
	}
	reg := agent.NewRegistry()
	for phase, pa := range phases {
		kind, err := agent.ParseKind(pa.Kind)
		if err != nil {
			return nil, fmt.Errorf("phases.%s: %w", phase, err)
		}
		switch kind {
		case agent.KindPrompt:
			reg.Register(phase, &agent.PromptAgent{
				Template: pa.Template,
				Command:  pa.Command,
				Mode:     prompt.Mode(pa.Mode),
				Vars:     pa.Vars,
				Timeout:  pa.TimeoutDuration(),
				Loader:   &prompt.Loader{Dir: cfg.TemplatesDir()},
				Builder:  prompt.NewBuilder(&worktree.ExecGit{}),
				Runner:   runner,
			})
		case agent.KindPullRequest:
			reg.Register(phase, &agent.PullRequestAgent{
				Client: github.NewClient(&github.ExecRunner{}),
				Base:   pa.Base,
				Draft:  pa.Draft,
			})
		default:
			a, err := commandAgent(phase, kind, pa, runner)
			if err != nil {
				return nil, err
			}
			reg.Register(phase, a)
		}
	}
	return reg, nil
}

func commandAgent(phase pipeline.Phase, kind agent.Kind, pa config.PhaseAgent, runner *checks.Runner) (*agent.CommandAgent, error) {
	a := &agent.CommandAgent{
		Kind: kind,
		Check: checks.CheckConfig{
			Name:       phase.String(),
			Command:    pa.Command,
			Parser:     pa.Parser,
			Timeout:    pa.TimeoutDuration(),
			AutoFix:    pa.AutoFix,
			FixCommand: pa.FixCommand,
		},
		Runner: runner,
	}
	for _, pc := range pa.Checks {
		a.Prechecks = append(a.Prechecks, checks.CheckConfig{
			Name:       pc.Name,
			Command:    pc.Command,
			Parser:     pc.Parser,
			Timeout:    pc.TimeoutDuration(),
			AutoFix:    pc.AutoFix,
			FixCommand: pc.FixCommand,
		})
	}
	if pa.TestParser != "" {
		p, err := testresults.ParserFor(pa.TestParser)
		if err != nil {
			return nil, fmt.Errorf("phases.%s: %w", phase, err)
		}
		a.TestParser = p
	}
	return a, nil
}
