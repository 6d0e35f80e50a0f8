package prompt

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/lucasnoah/storyfactory/internal/pipeline"
)

// fakeGit answers by subcommand; merge-base fails unless base is set.
type fakeGit struct {
	base  string
	calls []string
}

func (g *fakeGit) Run(_ context.Context, dir string, args ...string) (string, error) {
	g.calls = append(g.calls, strings.Join(args, " "))
	switch args[0] {
	case "merge-base":
		if g.base == "" {
			return "", errors.New("not a valid object name")
		}
		return g.base, nil
	case "log":
		return "abc123 add totals\n", nil
	case "diff":
		if args[1] == "--stat" {
			return " cart/cart.go | 10 +++++", nil
		}
		return "cart/cart.go", nil
	}
	return "", nil
}

func testInput() Input {
	return Input{
		Story:   pipeline.Story{ID: "s1", Title: "Cart totals", Content: "As a shopper I see my cart total."},
		Phase:   pipeline.PhaseReviewing,
		Attempt: 1,
		Workdir: "/work/s1",
		Tasks: []pipeline.Task{
			{Index: 0, Title: "Add Total", Description: "Sum line items.", File: "cart/cart.go", Status: pipeline.TaskCompleted, Type: pipeline.TaskOriginal},
			{Index: 1, Title: "TestTotal fails", File: "cart/cart_test.go", Status: pipeline.TaskPending, Type: pipeline.TaskFix,
				Fix: &pipeline.FixDetail{FixType: pipeline.FixTestFailure, ErrorLocation: "cart_test.go:40", ErrorMessage: "got 3, want 4"}},
		},
		Baseline: []string{"cart/TestAdd", "cart/TestDiscount"},
		Prior: []pipeline.PhaseStatus{
			{Phase: pipeline.PhasePlanning, State: pipeline.StateCompleted, Message: "planned 1 tasks"},
		},
	}
}

func TestBuild_Full(t *testing.T) {
	git := &fakeGit{base: "deadbeef"}
	vars, err := NewBuilder(git).Build(context.Background(), testInput())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := map[string]string{
		"story_id":         "s1",
		"phase":            "Reviewing",
		"attempt":          "1",
		"baseline_count":   "2",
		"git_commits":      "abc123 add totals",
		"git_diff_summary": "cart/cart.go | 10 +++++",
		"files_changed":    "cart/cart.go",
		"tasks":            "0. [Completed] Add Total (cart/cart.go)\n   Sum line items.",
	}
	for k, v := range want {
		if vars[k] != v {
			t.Errorf("%s = %q, want %q", k, vars[k], v)
		}
	}
	if !strings.Contains(vars["fix_tasks"], "### 1. TestTotal fails (TestFailure)") || !strings.Contains(vars["fix_tasks"], "Location: cart_test.go:40") {
		t.Errorf("unexpected fix_tasks: %q", vars["fix_tasks"])
	}
	if !strings.Contains(vars["prior_phases"], "### Planning (attempt 0): Completed\nplanned 1 tasks") {
		t.Errorf("unexpected prior_phases: %q", vars["prior_phases"])
	}
	if git.calls[1] != "log --oneline deadbeef..HEAD" {
		t.Errorf("expected log against the merge base, got %q", git.calls[1])
	}
}

func TestBuild_FallsBackToHead(t *testing.T) {
	git := &fakeGit{}
	vars, err := NewBuilder(git).Build(context.Background(), testInput())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// main and master both tried before falling back.
	if git.calls[0] != "merge-base main HEAD" || git.calls[1] != "merge-base master HEAD" {
		t.Errorf("unexpected merge-base calls: %v", git.calls)
	}
	if git.calls[2] != "log --oneline -20" {
		t.Errorf("expected HEAD log fallback, got %q", git.calls[2])
	}
	if vars["git_commits"] == "" {
		t.Error("expected commits from fallback")
	}
}

func TestBuild_Modes(t *testing.T) {
	in := testInput()

	in.Mode = ModeCodeOnly
	vars, err := NewBuilder(&fakeGit{base: "b"}).Build(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vars["prior_phases"] != "" || vars["git_commits"] == "" {
		t.Errorf("code_only should keep git context and drop prior phases: %v", vars)
	}

	in.Mode = ModeMinimal
	git := &fakeGit{base: "b"}
	vars, err = NewBuilder(git).Build(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(git.calls) != 0 || vars["git_commits"] != "" || vars["prior_phases"] != "" {
		t.Errorf("minimal should skip git and prior phases: %v", vars)
	}
	if vars["tasks"] == "" {
		t.Error("minimal still carries tasks")
	}

	in.Mode = "everything"
	if _, err := NewBuilder(nil).Build(context.Background(), in); err == nil {
		t.Error("expected error for invalid mode")
	}
}

func TestBuild_CustomVarsOverride(t *testing.T) {
	in := testInput()
	in.Vars = map[string]string{"story_title": "Renamed", "team": "payments"}
	vars, err := NewBuilder(nil).Build(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vars["story_title"] != "Renamed" || vars["team"] != "payments" {
		t.Errorf("custom vars not applied: %v", vars)
	}
	if vars["git_commits"] != "" {
		t.Error("nil git runner should leave git vars empty")
	}
}

func TestIsValidMode(t *testing.T) {
	for _, s := range []string{"", "full", "code_only", "minimal"} {
		if !IsValidMode(s) {
			t.Errorf("%q should be valid", s)
		}
	}
	if IsValidMode("findings_only") {
		t.Error("findings_only should be invalid")
	}
}
