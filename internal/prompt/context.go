package prompt

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/lucasnoah/storyfactory/internal/pipeline"
)

// Mode controls how much repository and history context a prompt carries.
type Mode string

const (
	ModeFull     Mode = "full"
	ModeCodeOnly Mode = "code_only"
	ModeMinimal  Mode = "minimal"
)

// ValidModes lists all valid modes.
var ValidModes = []Mode{ModeFull, ModeCodeOnly, ModeMinimal}

// IsValidMode checks whether a string is a valid mode. Empty means full.
func IsValidMode(s string) bool {
	if s == "" {
		return true
	}
	for _, m := range ValidModes {
		if string(m) == s {
			return true
		}
	}
	return false
}

// GitRunner runs git commands for context building.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// Input is what a prompt is built from.
type Input struct {
	Story    pipeline.Story
	Phase    pipeline.Phase
	Attempt  int
	Workdir  string
	Tasks    []pipeline.Task
	Baseline []string
	Prior    []pipeline.PhaseStatus
	Mode     Mode
	// HasBaseline marks a recorded baseline, which may be empty.
	HasBaseline bool
	// Vars are custom variables from config; they override built-in ones.
	Vars map[string]string
}

// Builder assembles template variables for a phase.
type Builder struct {
	git GitRunner
}

// NewBuilder creates a Builder. A nil git runner leaves git variables empty.
func NewBuilder(git GitRunner) *Builder {
	return &Builder{git: git}
}

// Build returns the variables for in. Every built-in variable is present,
// empty when it does not apply, so templates can test it with {{#if}}.
func (b *Builder) Build(ctx context.Context, in Input) (Vars, error) {
	mode := in.Mode
	if mode == "" {
		mode = ModeFull
	}
	if !IsValidMode(string(mode)) {
		return nil, fmt.Errorf("invalid context mode %q for phase %s", mode, in.Phase)
	}

	vars := Vars{
		"story_id":         in.Story.ID,
		"story_title":      in.Story.Title,
		"story_content":    in.Story.Content,
		"phase":            in.Phase.String(),
		"attempt":          strconv.Itoa(in.Attempt),
		"workdir":          in.Workdir,
		"tasks":            formatTasks(in.Tasks),
		"fix_tasks":        formatFixes(in.Tasks),
		"baseline_count":   "",
		"prior_phases":     "",
		"git_commits":      "",
		"git_diff_summary": "",
		"files_changed":    "",
	}
	if in.HasBaseline || len(in.Baseline) > 0 {
		vars["baseline_count"] = strconv.Itoa(len(in.Baseline))
	}

	switch mode {
	case ModeFull:
		b.addGitContext(ctx, in.Workdir, vars)
		vars["prior_phases"] = formatPrior(in.Prior)
	case ModeCodeOnly:
		// Fresh eyes: the code, but not what earlier phases concluded.
		b.addGitContext(ctx, in.Workdir, vars)
	case ModeMinimal:
	}

	for k, v := range in.Vars {
		vars[k] = v
	}
	return vars, nil
}

func (b *Builder) addGitContext(ctx context.Context, dir string, vars Vars) {
	if b.git == nil || dir == "" {
		return
	}
	base, err := b.mergeBase(ctx, dir)
	if err != nil {
		// No main branch to compare against: fall back to HEAD.
		vars["git_commits"] = b.quiet(ctx, dir, "log", "--oneline", "-20")
		vars["git_diff_summary"] = b.quiet(ctx, dir, "diff", "--stat", "HEAD")
		vars["files_changed"] = b.quiet(ctx, dir, "diff", "--name-only", "HEAD")
		return
	}
	vars["git_commits"] = b.quiet(ctx, dir, "log", "--oneline", base+"..HEAD")
	vars["git_diff_summary"] = b.quiet(ctx, dir, "diff", "--stat", base+"...HEAD")
	vars["files_changed"] = b.quiet(ctx, dir, "diff", "--name-only", base+"...HEAD")
}

// mergeBase finds the common ancestor between HEAD and main/master.
func (b *Builder) mergeBase(ctx context.Context, dir string) (string, error) {
	base, err := b.git.Run(ctx, dir, "merge-base", "main", "HEAD")
	if err != nil {
		base, err = b.git.Run(ctx, dir, "merge-base", "master", "HEAD")
	}
	return base, err
}

// quiet runs git and drops errors; git context is optional.
func (b *Builder) quiet(ctx context.Context, dir string, args ...string) string {
	out, err := b.git.Run(ctx, dir, args...)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

func formatTasks(tasks []pipeline.Task) string {
	var sb strings.Builder
	for _, t := range tasks {
		if t.Type == pipeline.TaskFix {
			continue
		}
		fmt.Fprintf(&sb, "%d. [%s] %s", t.Index, t.Status, t.Title)
		if t.File != "" {
			fmt.Fprintf(&sb, " (%s", t.File)
			if t.Method != "" {
				fmt.Fprintf(&sb, ", %s", t.Method)
			}
			sb.WriteString(")")
		}
		sb.WriteString("\n")
		if t.Description != "" {
			fmt.Fprintf(&sb, "   %s\n", t.Description)
		}
	}
	return strings.TrimSpace(sb.String())
}

func formatFixes(tasks []pipeline.Task) string {
	var sb strings.Builder
	for _, t := range tasks {
		if t.Type != pipeline.TaskFix || t.Fix == nil {
			continue
		}
		fmt.Fprintf(&sb, "### %d. %s (%s)\n", t.Index, t.Title, t.Fix.FixType)
		if t.File != "" {
			fmt.Fprintf(&sb, "File: %s\n", t.File)
		}
		if t.Fix.ErrorLocation != "" {
			fmt.Fprintf(&sb, "Location: %s\n", t.Fix.ErrorLocation)
		}
		if t.Fix.ErrorMessage != "" {
			fmt.Fprintf(&sb, "Error: %s\n", t.Fix.ErrorMessage)
		}
		if t.Fix.StackTrace != "" {
			fmt.Fprintf(&sb, "Stack trace:\n%s\n", t.Fix.StackTrace)
		}
		if t.Fix.SuggestedFix != "" {
			fmt.Fprintf(&sb, "Suggested fix: %s\n", t.Fix.SuggestedFix)
		}
		if t.Fix.ExistingCode != "" {
			fmt.Fprintf(&sb, "Code before rollback:\n```\n%s\n```\n", t.Fix.ExistingCode)
		}
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}

func formatPrior(prior []pipeline.PhaseStatus) string {
	var sb strings.Builder
	for _, p := range prior {
		fmt.Fprintf(&sb, "### %s (attempt %d): %s\n", p.Phase, p.RetryAttempt, p.State)
		if p.Message != "" {
			fmt.Fprintf(&sb, "%s\n", p.Message)
		}
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}
