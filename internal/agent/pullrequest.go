package agent

import (
	"context"
	"fmt"

	"github.com/lucasnoah/storyfactory/internal/github"
)

// PullRequestAgent pushes the story's branch and opens a pull request for it,
// reusing one that is already open for the branch.
type PullRequestAgent struct {
	Client *github.Client
	Base   string
	Draft  bool
}

type pullRequestOutput struct {
	URL     string `json:"url"`
	Branch  string `json:"branch"`
	Created bool   `json:"created"`
}

func (a *PullRequestAgent) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Workdir == "" {
		return nil, fmt.Errorf("pull request agent: story %s has no workdir", req.Story.ID)
	}
	branch, err := a.Client.CurrentBranch(ctx, req.Workdir)
	if err != nil {
		return nil, fmt.Errorf("pull request agent: %w", err)
	}
	switch branch {
	case "HEAD", "main", "master", a.Base:
		return nil, fmt.Errorf("pull request agent: refusing to open a pull request from %q", branch)
	}
	if err := a.Client.PushBranch(ctx, req.Workdir, branch); err != nil {
		return nil, fmt.Errorf("pull request agent: %w", err)
	}

	pr, err := a.Client.FindPRByBranch(ctx, req.Workdir, branch)
	if err != nil {
		return nil, fmt.Errorf("pull request agent: %w", err)
	}
	created := pr == nil
	if created {
		pr, err = a.Client.CreatePR(ctx, req.Workdir, github.PRCreateOpts{
			Title:  req.Story.Title,
			Body:   github.PRBody(req.Story, req.Tasks),
			Branch: branch,
			Base:   a.Base,
			Draft:  a.Draft,
		})
		if err != nil {
			return nil, fmt.Errorf("pull request agent: %w", err)
		}
	}

	out, err := marshalOutput(pullRequestOutput{URL: pr.URL, Branch: branch, Created: created})
	if err != nil {
		return nil, err
	}
	summary := "opened " + pr.URL
	if !created {
		summary = "updated " + pr.URL
	}
	return &Result{Summary: summary, Output: out}, nil
}
