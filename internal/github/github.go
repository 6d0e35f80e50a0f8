// Package github opens pull requests for finished stories through the gh CLI.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/lucasnoah/storyfactory/internal/pipeline"
)

// CmdRunner runs gh commands. Interface for testing.
type CmdRunner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// GitRunner runs git commands. Interface for testing.
type GitRunner interface {
	RunGit(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecRunner runs gh and git via exec.
type ExecRunner struct{}

func (r *ExecRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	return run(ctx, dir, "gh", args...)
}

// RunGit implements GitRunner.
func (r *ExecRunner) RunGit(ctx context.Context, dir string, args ...string) (string, error) {
	return run(ctx, dir, "git", args...)
}

func run(ctx context.Context, dir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("%s %s: %s: %w", name, strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Client provides GitHub operations.
type Client struct {
	cmd CmdRunner
	git GitRunner
}

// NewClient creates a GitHub client. If cmd also implements GitRunner,
// it will be used for git operations (e.g., PushBranch).
func NewClient(cmd CmdRunner) *Client {
	c := &Client{cmd: cmd}
	if git, ok := cmd.(GitRunner); ok {
		c.git = git
	}
	return c
}

// NewClientWithGit creates a GitHub client with a separate git runner.
func NewClientWithGit(cmd CmdRunner, git GitRunner) *Client {
	return &Client{cmd: cmd, git: git}
}

// PRCreateOpts holds options for creating a PR.
type PRCreateOpts struct {
	Title  string
	Body   string
	Branch string
	Base   string
	Draft  bool
}

// PRCreateResult holds the result of creating a PR.
type PRCreateResult struct {
	URL string
}

// CreatePR creates a pull request from the repository at dir.
func (c *Client) CreatePR(ctx context.Context, dir string, opts PRCreateOpts) (*PRCreateResult, error) {
	args := []string{"pr", "create", "--title", opts.Title, "--body", opts.Body, "--head", opts.Branch}
	if opts.Base != "" {
		args = append(args, "--base", opts.Base)
	}
	if opts.Draft {
		args = append(args, "--draft")
	}

	out, err := c.cmd.Run(ctx, dir, args...)
	if err != nil {
		return nil, fmt.Errorf("create PR: %w", err)
	}

	return &PRCreateResult{URL: lastLine(out)}, nil
}

// FindPRByBranch checks if a PR already exists for a given branch.
// Returns the PR result if found, nil if none exist.
func (c *Client) FindPRByBranch(ctx context.Context, dir, branch string) (*PRCreateResult, error) {
	out, err := c.cmd.Run(ctx, dir, "pr", "list", "--head", branch, "--json", "url", "--limit", "1")
	if err != nil {
		return nil, fmt.Errorf("find PR by branch: %w", err)
	}

	var prs []struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal([]byte(out), &prs); err != nil {
		return nil, fmt.Errorf("parse PR list JSON: %w", err)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return &PRCreateResult{URL: prs[0].URL}, nil
}

// CurrentBranch returns the branch checked out at dir.
func (c *Client) CurrentBranch(ctx context.Context, dir string) (string, error) {
	if c.git == nil {
		return "", fmt.Errorf("git runner not configured")
	}
	out, err := c.git.RunGit(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("current branch: %w", err)
	}
	return out, nil
}

// PushBranch pushes a branch to the remote.
func (c *Client) PushBranch(ctx context.Context, dir string, branch string) error {
	if c.git == nil {
		return fmt.Errorf("git runner not configured")
	}
	if strings.HasPrefix(branch, "-") {
		return fmt.Errorf("invalid branch name %q: must not start with -", branch)
	}
	_, err := c.git.RunGit(ctx, dir, "push", "-u", "origin", branch)
	if err != nil {
		return fmt.Errorf("push branch: %w", err)
	}
	return nil
}

// PRBody renders the pull request description for a story: its content,
// acceptance criteria and the tasks that were delivered.
func PRBody(story pipeline.Story, tasks []pipeline.Task) string {
	rest, ac := splitAcceptanceCriteria(story.Content)

	var b strings.Builder
	b.WriteString("## Summary\n\n")
	if rest != "" {
		b.WriteString(rest)
	} else {
		b.WriteString(story.Title)
	}
	b.WriteString("\n")

	if ac != "" {
		b.WriteString("\n## Acceptance Criteria\n\n")
		b.WriteString(ac)
		b.WriteString("\n")
	}

	if len(tasks) > 0 {
		b.WriteString("\n## Tasks\n\n")
		for _, t := range tasks {
			mark := " "
			if t.Status == pipeline.TaskCompleted {
				mark = "x"
			}
			line := t.Title
			if t.Type == pipeline.TaskFix {
				line = "fix: " + line
			}
			fmt.Fprintf(&b, "- [%s] %s\n", mark, line)
		}
	}

	fmt.Fprintf(&b, "\n---\nStory `%s`\n", story.ID)
	return b.String()
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

var acHeaderRe = regexp.MustCompile(`(?mi)^##\s+acceptance\s+criteria`)
var checkboxRe = regexp.MustCompile(`(?m)^\s*[-*]\s+\[[ xX]\]\s+(.+)$`)
var nextHeaderRe = regexp.MustCompile(`(?m)^##\s+`)

// splitAcceptanceCriteria separates acceptance criteria from the rest of a
// story body. It looks for an "## Acceptance Criteria" section, then falls
// back to checkbox lists.
func splitAcceptanceCriteria(body string) (rest, ac string) {
	loc := acHeaderRe.FindStringIndex(body)
	if loc != nil {
		section := body[loc[1]:]
		tail := ""
		if nextLoc := nextHeaderRe.FindStringIndex(section); nextLoc != nil {
			tail = section[nextLoc[0]:]
			section = section[:nextLoc[0]]
		}
		rest = strings.TrimSpace(strings.TrimSpace(body[:loc[0]]) + "\n\n" + strings.TrimSpace(tail))
		return rest, strings.TrimSpace(section)
	}

	matches := checkboxRe.FindAllStringSubmatch(body, -1)
	if len(matches) == 0 {
		return strings.TrimSpace(body), ""
	}
	var criteria []string
	for _, m := range matches {
		criteria = append(criteria, "- "+m[1])
	}
	rest = strings.TrimSpace(checkboxRe.ReplaceAllString(body, ""))
	return rest, strings.Join(criteria, "\n")
}
