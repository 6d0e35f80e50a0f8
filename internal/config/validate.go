package config

import (
	"fmt"
	"sort"
	"time"

	"github.com/lucasnoah/storyfactory/internal/pipeline"
	"github.com/lucasnoah/storyfactory/internal/prompt"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// recognizedParsers is the set of valid output parser names for phase commands.
var recognizedParsers = map[string]bool{
	"generic":  true,
	"compiler": true,
}

var recognizedTestParsers = map[string]bool{
	"gotest":  true,
	"go-test": true,
	"vitest":  true,
	"jest":    true,
}

var recognizedKinds = map[string]bool{
	"build":        true,
	"test":         true,
	"integration":  true,
	"baseline":     true,
	"prompt":       true,
	"pull_request": true,
}

var recognizedLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks a Config for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError

	if cfg.Retry.MaxAttempts < 1 {
		errs = append(errs, ValidationError{Field: "retry.max_attempts", Message: "must be at least 1"})
	}
	if _, err := time.ParseDuration(cfg.Pipeline.AgentTimeout); err != nil {
		errs = append(errs, ValidationError{
			Field:   "pipeline.agent_timeout",
			Message: fmt.Sprintf("invalid duration %q", cfg.Pipeline.AgentTimeout),
		})
	}

	for i, name := range cfg.Pipeline.ApprovalRequired {
		if _, ok := executablePhase(name); !ok {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("pipeline.approval_required[%d]", i),
				Message: fmt.Sprintf("unknown phase %q", name),
			})
		}
	}

	// Sorted so the output is stable.
	names := make([]string, 0, len(cfg.Phases))
	for name := range cfg.Phases {
		names = append(names, name)
	}
	sort.Strings(names)

	seen := make(map[pipeline.Phase]string)
	for _, name := range names {
		pa := cfg.Phases[name]
		prefix := "phases." + name

		phase, ok := executablePhase(name)
		if !ok {
			errs = append(errs, ValidationError{Field: prefix, Message: "is not a pipeline phase"})
			continue
		}
		if other, dup := seen[phase]; dup {
			errs = append(errs, ValidationError{Field: prefix, Message: fmt.Sprintf("duplicates %q", other)})
		}
		seen[phase] = name

		if pa.Command == "" && pa.Kind != "pull_request" {
			errs = append(errs, ValidationError{Field: prefix + ".command", Message: "is required"})
		}
		if !recognizedKinds[pa.Kind] {
			errs = append(errs, ValidationError{Field: prefix + ".kind", Message: fmt.Sprintf("unrecognized kind %q", pa.Kind)})
		}
		if pa.Parser != "" && !recognizedParsers[pa.Parser] {
			errs = append(errs, ValidationError{Field: prefix + ".parser", Message: fmt.Sprintf("unrecognized parser %q", pa.Parser)})
		}
		if pa.Kind == "test" || pa.Kind == "baseline" {
			if !recognizedTestParsers[pa.TestParser] {
				errs = append(errs, ValidationError{Field: prefix + ".test_parser", Message: fmt.Sprintf("unrecognized test parser %q", pa.TestParser)})
			}
		}
		if pa.Timeout != "" {
			if _, err := time.ParseDuration(pa.Timeout); err != nil {
				errs = append(errs, ValidationError{Field: prefix + ".timeout", Message: fmt.Sprintf("invalid duration %q", pa.Timeout)})
			}
		}
		if phase.IsBuildTest() && (pa.Kind == "baseline" || pa.Kind == "prompt" || pa.Kind == "pull_request") {
			errs = append(errs, ValidationError{Field: prefix + ".kind", Message: fmt.Sprintf("%s kind cannot judge a build/test phase", pa.Kind)})
		}
		if pa.Kind == "pull_request" && phase != pipeline.PhasePullRequest {
			errs = append(errs, ValidationError{Field: prefix + ".kind", Message: "pull_request kind only runs in the PullRequest phase"})
		}
		if len(pa.Checks) > 0 && pa.Kind != "build" && pa.Kind != "integration" {
			errs = append(errs, ValidationError{Field: prefix + ".checks", Message: fmt.Sprintf("not supported for kind %q", pa.Kind)})
		}
		for i, pc := range pa.Checks {
			cp := fmt.Sprintf("%s.checks[%d]", prefix, i)
			if pc.Name == "" {
				errs = append(errs, ValidationError{Field: cp + ".name", Message: "is required"})
			}
			if pc.Command == "" {
				errs = append(errs, ValidationError{Field: cp + ".command", Message: "is required"})
			}
			if !recognizedParsers[pc.Parser] {
				errs = append(errs, ValidationError{Field: cp + ".parser", Message: fmt.Sprintf("unrecognized parser %q", pc.Parser)})
			}
			if pc.Timeout != "" {
				if _, err := time.ParseDuration(pc.Timeout); err != nil {
					errs = append(errs, ValidationError{Field: cp + ".timeout", Message: fmt.Sprintf("invalid duration %q", pc.Timeout)})
				}
			}
		}
		if pa.Kind == "prompt" && !prompt.IsValidMode(pa.Mode) {
			errs = append(errs, ValidationError{Field: prefix + ".mode", Message: fmt.Sprintf("unrecognized mode %q", pa.Mode)})
		}
	}

	if !recognizedLevels[cfg.Log.Level] {
		errs = append(errs, ValidationError{Field: "log.level", Message: fmt.Sprintf("unrecognized level %q", cfg.Log.Level)})
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "console" {
		errs = append(errs, ValidationError{Field: "log.format", Message: fmt.Sprintf("must be json or console, got %q", cfg.Log.Format)})
	}

	return errs
}

func executablePhase(name string) (pipeline.Phase, bool) {
	p, err := pipeline.ParsePhase(name)
	if err != nil || p == pipeline.PhaseNone || p == pipeline.PhaseCompleted {
		return pipeline.PhaseNone, false
	}
	return p, true
}
