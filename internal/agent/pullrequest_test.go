package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/storyfactory/internal/github"
	"github.com/lucasnoah/storyfactory/internal/pipeline"
)

// fakeGH answers gh and git calls by their first argument.
type fakeGH struct {
	branch  string
	prList  string
	created string
	pushErr error
	calls   []string
}

func (f *fakeGH) Run(ctx context.Context, dir string, args ...string) (string, error) {
	f.calls = append(f.calls, "gh "+strings.Join(args, " "))
	if args[1] == "list" {
		return f.prList, nil
	}
	return f.created, nil
}

func (f *fakeGH) RunGit(ctx context.Context, dir string, args ...string) (string, error) {
	f.calls = append(f.calls, "git "+strings.Join(args, " "))
	if args[0] == "push" {
		return "", f.pushErr
	}
	return f.branch, nil
}

func prRequest() Request {
	req := request()
	req.Phase = pipeline.PhasePullRequest
	req.Story.Content = "Show the cart total.\n\n## Acceptance Criteria\n- [ ] total includes tax"
	req.Tasks = []pipeline.Task{{Index: 0, Title: "Add totals", Status: pipeline.TaskCompleted, Type: pipeline.TaskOriginal}}
	return req
}

func TestPullRequestAgent_Creates(t *testing.T) {
	gh := &fakeGH{branch: "story/s1-cart-totals", prList: "[]", created: "Creating pull request...\nhttps://github.com/acme/shop/pull/7"}
	a := &PullRequestAgent{Client: github.NewClient(gh), Base: "develop"}

	res, err := a.Run(context.Background(), prRequest())
	require.NoError(t, err)
	assert.Equal(t, "opened https://github.com/acme/shop/pull/7", res.Summary)

	var out pullRequestOutput
	require.NoError(t, json.Unmarshal(res.Output, &out))
	assert.Equal(t, pullRequestOutput{URL: "https://github.com/acme/shop/pull/7", Branch: "story/s1-cart-totals", Created: true}, out)

	require.Len(t, gh.calls, 4)
	assert.Equal(t, "git push -u origin story/s1-cart-totals", gh.calls[1])
	assert.Contains(t, gh.calls[3], "--title Cart totals")
	assert.Contains(t, gh.calls[3], "--base develop")
	assert.Contains(t, gh.calls[3], "- [x] Add totals")
}

func TestPullRequestAgent_ReusesOpenPR(t *testing.T) {
	gh := &fakeGH{branch: "story/s1-cart-totals", prList: `[{"url":"https://github.com/acme/shop/pull/3"}]`}
	a := &PullRequestAgent{Client: github.NewClient(gh)}

	res, err := a.Run(context.Background(), prRequest())
	require.NoError(t, err)
	assert.Equal(t, "updated https://github.com/acme/shop/pull/3", res.Summary)
	for _, c := range gh.calls {
		assert.NotContains(t, c, "pr create")
	}
}

func TestPullRequestAgent_RefusesMainBranch(t *testing.T) {
	gh := &fakeGH{branch: "main"}
	a := &PullRequestAgent{Client: github.NewClient(gh)}

	_, err := a.Run(context.Background(), prRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refusing")
	assert.Len(t, gh.calls, 1)
}

func TestPullRequestAgent_PushFailureIsAgentError(t *testing.T) {
	gh := &fakeGH{branch: "story/s1", pushErr: errors.New("permission denied")}
	a := &PullRequestAgent{Client: github.NewClient(gh)}

	res, err := a.Run(context.Background(), prRequest())
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Contains(t, err.Error(), "push branch")
}

func TestPullRequestAgent_NoWorkdir(t *testing.T) {
	req := prRequest()
	req.Workdir = ""
	_, err := (&PullRequestAgent{Client: github.NewClient(&fakeGH{})}).Run(context.Background(), req)
	assert.Error(t, err)
}
