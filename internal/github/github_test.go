package github

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/lucasnoah/storyfactory/internal/pipeline"
)

type mockCmd struct {
	calls   [][]string
	dirs    []string
	results []mockResult
	idx     int
}

type mockResult struct {
	output string
	err    error
}

func (m *mockCmd) Run(_ context.Context, dir string, args ...string) (string, error) {
	m.calls = append(m.calls, args)
	m.dirs = append(m.dirs, dir)
	if m.idx >= len(m.results) {
		return "", nil
	}
	r := m.results[m.idx]
	m.idx++
	return r.output, r.err
}

type mockGitRunner struct {
	calls   []gitCall
	results []mockResult
	idx     int
}

type gitCall struct {
	Dir  string
	Args []string
}

func (m *mockGitRunner) RunGit(_ context.Context, dir string, args ...string) (string, error) {
	m.calls = append(m.calls, gitCall{Dir: dir, Args: args})
	if m.idx >= len(m.results) {
		return "", nil
	}
	r := m.results[m.idx]
	m.idx++
	return r.output, r.err
}

var ctx = context.Background()

func TestCreatePR(t *testing.T) {
	mock := &mockCmd{
		results: []mockResult{{output: "Creating pull request for story/abc into main\n\nhttps://github.com/org/repo/pull/1"}},
	}

	client := NewClient(mock)
	result, err := client.CreatePR(ctx, "/work/abc", PRCreateOpts{
		Title:  "Add auth",
		Body:   "Implements authentication",
		Branch: "story/abc-add-auth",
		Base:   "main",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.URL != "https://github.com/org/repo/pull/1" {
		t.Errorf("expected URL, got %q", result.URL)
	}

	if len(mock.calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(mock.calls))
	}
	if mock.dirs[0] != "/work/abc" {
		t.Errorf("expected gh to run in /work/abc, got %q", mock.dirs[0])
	}
	args := strings.Join(mock.calls[0], " ")
	if !strings.Contains(args, "--title") || !strings.Contains(args, "--base main") {
		t.Errorf("unexpected args: %s", args)
	}
	if strings.Contains(args, "--draft") {
		t.Errorf("draft flag set without Draft: %s", args)
	}
}

func TestCreatePR_Draft(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{output: "https://github.com/org/repo/pull/2"}}}

	_, err := NewClient(mock).CreatePR(ctx, "", PRCreateOpts{Title: "t", Branch: "story/x", Draft: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	args := strings.Join(mock.calls[0], " ")
	if !strings.HasSuffix(args, "--draft") {
		t.Errorf("expected --draft, got: %s", args)
	}
	if strings.Contains(args, "--base") {
		t.Errorf("expected no --base without Base, got: %s", args)
	}
}

func TestCreatePR_Error(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{err: fmt.Errorf("no commits between main and story/x")}}}

	_, err := NewClient(mock).CreatePR(ctx, "", PRCreateOpts{Title: "t", Branch: "story/x"})
	if err == nil || !strings.Contains(err.Error(), "create PR") {
		t.Fatalf("expected create PR error, got %v", err)
	}
}

func TestFindPRByBranch(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{output: `[{"url":"https://github.com/org/repo/pull/9"}]`}}}

	pr, err := NewClient(mock).FindPRByBranch(ctx, "/work", "story/abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pr == nil || pr.URL != "https://github.com/org/repo/pull/9" {
		t.Errorf("unexpected PR: %+v", pr)
	}
	args := strings.Join(mock.calls[0], " ")
	if args != "pr list --head story/abc --json url --limit 1" {
		t.Errorf("unexpected args: %s", args)
	}
}

func TestFindPRByBranch_None(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{output: `[]`}}}

	pr, err := NewClient(mock).FindPRByBranch(ctx, "/work", "story/abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pr != nil {
		t.Errorf("expected no PR, got %+v", pr)
	}
}

func TestFindPRByBranch_BadJSON(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{output: `not json`}}}

	if _, err := NewClient(mock).FindPRByBranch(ctx, "/work", "story/abc"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestCurrentBranch(t *testing.T) {
	gitMock := &mockGitRunner{results: []mockResult{{output: "story/abc-add-auth"}}}

	branch, err := NewClientWithGit(&mockCmd{}, gitMock).CurrentBranch(ctx, "/work/abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if branch != "story/abc-add-auth" {
		t.Errorf("unexpected branch %q", branch)
	}
	if gitMock.calls[0].Dir != "/work/abc" {
		t.Errorf("expected dir /work/abc, got %q", gitMock.calls[0].Dir)
	}
}

func TestPushBranch(t *testing.T) {
	gitMock := &mockGitRunner{
		results: []mockResult{{output: ""}},
	}

	client := NewClientWithGit(&mockCmd{}, gitMock)
	err := client.PushBranch(ctx, "/tmp/worktree", "story/abc-add-auth")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(gitMock.calls) != 1 {
		t.Fatalf("expected 1 git call, got %d", len(gitMock.calls))
	}
	call := gitMock.calls[0]
	if call.Dir != "/tmp/worktree" {
		t.Errorf("expected dir /tmp/worktree, got %q", call.Dir)
	}
	expectedArgs := []string{"push", "-u", "origin", "story/abc-add-auth"}
	if len(call.Args) != len(expectedArgs) {
		t.Fatalf("expected args %v, got %v", expectedArgs, call.Args)
	}
	for i, arg := range expectedArgs {
		if call.Args[i] != arg {
			t.Errorf("arg[%d]: expected %q, got %q", i, arg, call.Args[i])
		}
	}
}

func TestPushBranch_RejectsDashPrefix(t *testing.T) {
	client := NewClientWithGit(&mockCmd{}, &mockGitRunner{})
	err := client.PushBranch(ctx, "/tmp", "--delete")
	if err == nil {
		t.Fatal("expected error for branch starting with -")
	}
	if !strings.Contains(err.Error(), "must not start with -") {
		t.Errorf("expected rejection message, got %q", err.Error())
	}
}

func TestPushBranch_NoGitRunner(t *testing.T) {
	client := NewClient(&mockCmd{}) // mockCmd doesn't implement GitRunner
	err := client.PushBranch(ctx, "/tmp", "story/abc")
	if err == nil {
		t.Fatal("expected error when git runner not configured")
	}
	if !strings.Contains(err.Error(), "git runner not configured") {
		t.Errorf("expected 'git runner not configured', got %q", err.Error())
	}
}

func TestPRBody(t *testing.T) {
	story := pipeline.Story{
		ID:    "abc",
		Title: "Add auth",
		Content: `As a user I can sign in.

## Acceptance Criteria
- [ ] Login works
- [ ] Logout works

## Notes
Use the session store.`,
	}
	tasks := []pipeline.Task{
		{Title: "Add login handler", Status: pipeline.TaskCompleted, Type: pipeline.TaskOriginal},
		{Title: "TestLogout fails", Status: pipeline.TaskPending, Type: pipeline.TaskFix},
	}

	body := PRBody(story, tasks)
	for _, want := range []string{
		"## Summary\n\nAs a user I can sign in.",
		"## Notes\nUse the session store.",
		"## Acceptance Criteria\n\n- [ ] Login works\n- [ ] Logout works\n",
		"- [x] Add login handler\n",
		"- [ ] fix: TestLogout fails\n",
		"Story `abc`",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q:\n%s", want, body)
		}
	}
	if strings.Count(body, "Login works") != 1 {
		t.Errorf("acceptance criteria repeated:\n%s", body)
	}
}

func TestPRBody_EmptyContent(t *testing.T) {
	body := PRBody(pipeline.Story{ID: "abc", Title: "Add auth"}, nil)
	if !strings.Contains(body, "## Summary\n\nAdd auth\n") {
		t.Errorf("expected title as summary, got:\n%s", body)
	}
	if strings.Contains(body, "## Tasks") {
		t.Errorf("expected no task section, got:\n%s", body)
	}
}

func TestSplitAcceptanceCriteria_Header(t *testing.T) {
	body := `## Overview
Some intro.

## Acceptance Criteria
- [ ] Login works
- [ ] Logout works
- [x] Session persists

## Dependencies
Some deps.`

	rest, ac := splitAcceptanceCriteria(body)
	if !strings.Contains(ac, "Login works") {
		t.Errorf("expected Login works in AC, got %q", ac)
	}
	if !strings.Contains(ac, "Logout works") {
		t.Errorf("expected Logout works in AC, got %q", ac)
	}
	if strings.Contains(ac, "Dependencies") {
		t.Errorf("AC should not include Dependencies section, got %q", ac)
	}
	if !strings.Contains(rest, "Some intro.") || !strings.Contains(rest, "## Dependencies") {
		t.Errorf("rest should keep the other sections, got %q", rest)
	}
	if strings.Contains(rest, "Login works") {
		t.Errorf("rest should not include the criteria, got %q", rest)
	}
}

func TestSplitAcceptanceCriteria_CheckboxFallback(t *testing.T) {
	body := `Do these things:
- [ ] First thing
- [ ] Second thing
- [x] Third thing`

	rest, ac := splitAcceptanceCriteria(body)
	if !strings.Contains(ac, "First thing") {
		t.Errorf("expected First thing in AC, got %q", ac)
	}
	if rest != "Do these things:" {
		t.Errorf("unexpected rest %q", rest)
	}
}

func TestSplitAcceptanceCriteria_IndentedCheckboxes(t *testing.T) {
	body := `Tasks:
  - [ ] Indented item
  - [X] Uppercase X item`

	_, ac := splitAcceptanceCriteria(body)
	if !strings.Contains(ac, "Indented item") {
		t.Errorf("expected indented checkbox in AC, got %q", ac)
	}
	if !strings.Contains(ac, "Uppercase X item") {
		t.Errorf("expected uppercase X checkbox in AC, got %q", ac)
	}
}

func TestSplitAcceptanceCriteria_NoAC(t *testing.T) {
	body := "Just a plain description with no criteria."
	rest, ac := splitAcceptanceCriteria(body)
	if ac != "" {
		t.Errorf("expected empty AC, got %q", ac)
	}
	if rest != body {
		t.Errorf("expected body unchanged, got %q", rest)
	}
}
