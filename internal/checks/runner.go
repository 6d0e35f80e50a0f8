package checks

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Result holds the structured output of a check run.
type Result struct {
	CheckName   string       `json:"check_name"`
	Passed      bool         `json:"passed"`
	AutoFixed   bool         `json:"auto_fixed"`
	ExitCode    int          `json:"exit_code"`
	DurationMs  int          `json:"duration_ms"`
	Summary     string       `json:"summary"`
	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
	Output      string       `json:"output,omitempty"`
	Stdout      string       `json:"-"`
	Stderr      string       `json:"-"`
}

// CheckConfig holds the fields the runner needs for one command.
type CheckConfig struct {
	Name       string
	Command    string
	Parser     string
	Timeout    time.Duration
	AutoFix    bool
	FixCommand string
}

// CommandRunner abstracts command execution for testability.
type CommandRunner interface {
	Run(ctx context.Context, dir string, command string) (stdout string, stderr string, exitCode int, err error)
}

// ExecRunner implements CommandRunner by shelling out.
type ExecRunner struct{}

func (e *ExecRunner) Run(ctx context.Context, dir string, command string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return stdoutBuf.String(), stderrBuf.String(), -1, fmt.Errorf("exec: %w", err)
		}
		exitCode = exitErr.ExitCode()
		if ctx.Err() != nil {
			return stdoutBuf.String(), stderrBuf.String(), exitCode, ctx.Err()
		}
	}
	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// DefaultTimeout applies to checks that do not set their own.
const DefaultTimeout = 10 * time.Minute

// Runner executes checks and parses their output.
type Runner struct {
	cmd     CommandRunner
	parsers map[string]Parser
}

// NewRunner creates a Runner with the given command runner.
func NewRunner(cmd CommandRunner) *Runner {
	r := &Runner{
		cmd:     cmd,
		parsers: make(map[string]Parser),
	}
	r.parsers["generic"] = &GenericParser{}
	r.parsers["compiler"] = &CompilerParser{}
	return r
}

// Exec runs a raw command in dir, bypassing parsing.
func (r *Runner) Exec(ctx context.Context, dir string, command string) (string, string, int, error) {
	return r.cmd.Run(ctx, dir, command)
}

// Run executes a single check in the given directory.
func (r *Runner) Run(ctx context.Context, dir string, cfg CheckConfig) (*Result, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	result, err := r.runOnce(ctx, dir, cfg, timeout)
	if err != nil {
		return nil, err
	}

	// Auto-fix: if check failed, auto_fix enabled, and fix_command set, run fix then re-check
	if !result.Passed && cfg.AutoFix && cfg.FixCommand != "" {
		fixCtx, cancel := context.WithTimeout(ctx, timeout)
		// Fix commands often exit non-zero; only the re-check decides.
		_, _, _, _ = r.cmd.Run(fixCtx, dir, cfg.FixCommand)
		cancel()

		recheck, err := r.runOnce(ctx, dir, cfg, timeout)
		if err != nil {
			return nil, fmt.Errorf("re-run after fix: %w", err)
		}
		recheck.AutoFixed = true
		return recheck, nil
	}

	return result, nil
}

// runOnce executes a check command once and parses the output.
func (r *Runner) runOnce(ctx context.Context, dir string, cfg CheckConfig, timeout time.Duration) (*Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, exitCode, err := r.cmd.Run(runCtx, dir, cfg.Command)
	durationMs := int(time.Since(start).Milliseconds())

	if err != nil {
		// Our own deadline is a failed check; a cancelled parent is the caller's problem.
		if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return &Result{
				CheckName:  cfg.Name,
				Passed:     false,
				ExitCode:   -1,
				DurationMs: durationMs,
				Summary:    fmt.Sprintf("timeout after %s", timeout),
				Output:     tail(stdout, stderr),
				Stdout:     stdout,
				Stderr:     stderr,
			}, nil
		}
		return nil, fmt.Errorf("run check %q: %w", cfg.Name, err)
	}

	parser, ok := r.parsers[cfg.Parser]
	if !ok {
		parser = r.parsers["generic"]
	}
	parsed := parser.Parse(stdout, stderr, exitCode)

	return &Result{
		CheckName:   cfg.Name,
		Passed:      exitCode == 0 && parsed.Passed,
		ExitCode:    exitCode,
		DurationMs:  durationMs,
		Summary:     parsed.Summary,
		Diagnostics: parsed.Diagnostics,
		Output:      parsed.Output,
		Stdout:      stdout,
		Stderr:      stderr,
	}, nil
}
