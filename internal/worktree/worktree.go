// Package worktree gives each story its own git worktree so agents working on
// different stories never share a checkout.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/lucasnoah/storyfactory/internal/pipeline"
)

// GitRunner provides git commands. Interface for testing.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecGit implements GitRunner using exec.CommandContext.
type ExecGit struct{}

func (g *ExecGit) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Manager creates and removes story worktrees under baseDir.
type Manager struct {
	git     GitRunner
	baseDir string
	baseRef string
}

// NewManager creates a worktree manager. New branches start at baseRef
// (HEAD when empty); refs under origin/ are fetched first.
func NewManager(git GitRunner, baseDir, baseRef string) *Manager {
	if baseRef == "" {
		baseRef = "HEAD"
	}
	return &Manager{git: git, baseDir: baseDir, baseRef: baseRef}
}

// Path returns the worktree path for a story.
func (m *Manager) Path(storyID string) string {
	return filepath.Join(m.baseDir, storyID)
}

// Ensure returns the story's worktree, creating it from the story's codebase
// on first use. Stories without a codebase get an empty path.
func (m *Manager) Ensure(ctx context.Context, story pipeline.Story) (string, error) {
	if story.Codebase == "" {
		return "", nil
	}
	path := m.Path(story.ID)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("stat worktree: %w", err)
	}

	if remote, ok := strings.CutPrefix(m.baseRef, "origin/"); ok {
		// Best effort: an offline fetch still leaves the last known ref.
		m.git.Run(ctx, story.Codebase, "fetch", "origin", remote)
	}

	branch := Branch(story)
	_, err := m.git.Run(ctx, story.Codebase, "worktree", "add", path, "-b", branch, m.baseRef)
	if err != nil {
		if !strings.Contains(err.Error(), "already exists") {
			return "", fmt.Errorf("create worktree: %w", err)
		}
		// The branch survived an earlier worktree; check it out again.
		if _, err := m.git.Run(ctx, story.Codebase, "worktree", "add", path, branch); err != nil {
			return "", fmt.Errorf("create worktree: %w", err)
		}
	}
	return path, nil
}

// Remove deletes the story's worktree and its branch. Uncommitted work makes
// git refuse, and the error is returned.
func (m *Manager) Remove(ctx context.Context, story pipeline.Story) error {
	if story.Codebase == "" {
		return nil
	}
	path := m.Path(story.ID)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	branch, err := m.git.Run(ctx, path, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		branch = ""
	}
	if _, err := m.git.Run(ctx, story.Codebase, "worktree", "remove", path); err != nil {
		return fmt.Errorf("remove worktree: %w", err)
	}
	if branch != "" && branch != "HEAD" && branch != "main" && branch != "master" {
		if _, err := m.git.Run(ctx, story.Codebase, "branch", "-D", branch); err != nil {
			return fmt.Errorf("delete branch %q: %w", branch, err)
		}
	}
	return nil
}

// Branch names the story's branch: story/<short id>-<title slug>.
func Branch(story pipeline.Story) string {
	id := story.ID
	if len(id) > 8 {
		id = id[:8]
	}
	slug := strings.ToLower(nonAlphaNum.ReplaceAllString(story.Title, "-"))
	slug = strings.ReplaceAll(slug, "/", "-")
	if len(slug) > 40 {
		slug = slug[:40]
	}
	return sanitizeBranch("story/" + id + "-" + strings.Trim(slug, "-_"))
}

var nonAlphaNum = regexp.MustCompile(`[^a-zA-Z0-9/_-]+`)

// sanitizeBranch cleans up a branch name.
func sanitizeBranch(name string) string {
	s := nonAlphaNum.ReplaceAllString(name, "-")
	s = strings.Trim(s, "-")
	if len(s) > 100 {
		s = s[:100]
	}
	return s
}
