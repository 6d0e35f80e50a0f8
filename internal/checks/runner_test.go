package checks

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// mockCmd records calls and returns configured results.
type mockCmd struct {
	calls   []mockCall
	results []mockResult
	callIdx int
}

type mockCall struct {
	Dir     string
	Command string
}

type mockResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
	Block    bool // wait for ctx to end
}

func (m *mockCmd) Run(ctx context.Context, dir string, command string) (string, string, int, error) {
	m.calls = append(m.calls, mockCall{Dir: dir, Command: command})
	if m.callIdx >= len(m.results) {
		return "", "", 0, nil
	}
	r := m.results[m.callIdx]
	m.callIdx++
	if r.Block {
		<-ctx.Done()
		return r.Stdout, r.Stderr, -1, ctx.Err()
	}
	return r.Stdout, r.Stderr, r.ExitCode, r.Err
}

func TestRunner_Run_HappyPath(t *testing.T) {
	mock := &mockCmd{
		results: []mockResult{
			{Stdout: "all good", ExitCode: 0},
		},
	}
	runner := NewRunner(mock)

	result, err := runner.Run(context.Background(), "/tmp/test", CheckConfig{
		Name:    "build",
		Command: "go build ./...",
		Parser:  "generic",
		Timeout: 30 * time.Second,
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Passed {
		t.Errorf("expected passed=true, got false")
	}
	if result.CheckName != "build" {
		t.Errorf("expected check_name=build, got %q", result.CheckName)
	}
	if result.ExitCode != 0 {
		t.Errorf("expected exit_code=0, got %d", result.ExitCode)
	}
	if len(mock.calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(mock.calls))
	}
	if mock.calls[0].Dir != "/tmp/test" {
		t.Errorf("expected dir=/tmp/test, got %q", mock.calls[0].Dir)
	}
	if mock.calls[0].Command != "go build ./..." {
		t.Errorf("expected command=go build ./..., got %q", mock.calls[0].Command)
	}
}

func TestRunner_Run_FailedCheck(t *testing.T) {
	mock := &mockCmd{
		results: []mockResult{
			{Stderr: "./cart/cart.go:12:5: undefined: Total", ExitCode: 1},
		},
	}
	runner := NewRunner(mock)

	result, err := runner.Run(context.Background(), "/tmp/test", CheckConfig{
		Name:    "build",
		Command: "go build ./...",
		Parser:  "compiler",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Passed {
		t.Error("expected passed=false")
	}
	if result.ExitCode != 1 {
		t.Errorf("expected exit_code=1, got %d", result.ExitCode)
	}
	if len(result.Diagnostics) != 1 {
		t.Fatalf("expected 1 diagnostic, got %d", len(result.Diagnostics))
	}
	if result.Diagnostics[0].File != "cart/cart.go" {
		t.Errorf("expected file cart/cart.go, got %q", result.Diagnostics[0].File)
	}
	if !strings.Contains(result.Output, "undefined: Total") {
		t.Errorf("expected output to carry stderr, got %q", result.Output)
	}
}

func TestRunner_Run_UnknownParserFallsBackToGeneric(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{Stdout: "boom", ExitCode: 2}}}
	runner := NewRunner(mock)

	result, err := runner.Run(context.Background(), "/tmp", CheckConfig{Name: "x", Command: "x", Parser: "nope"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Passed {
		t.Error("expected passed=false")
	}
	if !strings.Contains(result.Summary, "exit code 2") {
		t.Errorf("expected generic summary, got %q", result.Summary)
	}
}

func TestRunner_Run_AutoFix(t *testing.T) {
	mock := &mockCmd{
		results: []mockResult{
			{Stdout: "needs formatting", ExitCode: 1},
			{ExitCode: 0},
			{ExitCode: 0},
		},
	}
	runner := NewRunner(mock)

	result, err := runner.Run(context.Background(), "/tmp/test", CheckConfig{
		Name:       "fmt",
		Command:    "gofmt -l .",
		AutoFix:    true,
		FixCommand: "gofmt -w .",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Passed {
		t.Error("expected passed after fix")
	}
	if !result.AutoFixed {
		t.Error("expected auto_fixed=true")
	}
	if len(mock.calls) != 3 {
		t.Fatalf("expected 3 calls (check, fix, re-check), got %d", len(mock.calls))
	}
	if mock.calls[1].Command != "gofmt -w ." {
		t.Errorf("expected fix command, got %q", mock.calls[1].Command)
	}
}

func TestRunner_Run_NoAutoFixWhenDisabled(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{ExitCode: 1}}}
	runner := NewRunner(mock)

	result, err := runner.Run(context.Background(), "/tmp", CheckConfig{Name: "fmt", Command: "x", FixCommand: "y"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.AutoFixed {
		t.Error("expected auto_fixed=false")
	}
	if len(mock.calls) != 1 {
		t.Errorf("expected 1 call, got %d", len(mock.calls))
	}
}

func TestRunner_Run_Timeout(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{Block: true}}}
	runner := NewRunner(mock)

	result, err := runner.Run(context.Background(), "/tmp", CheckConfig{
		Name:    "slow",
		Command: "sleep 100",
		Timeout: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("timeout should be a failed check, got error: %v", err)
	}
	if result.Passed {
		t.Error("expected passed=false")
	}
	if result.ExitCode != -1 {
		t.Errorf("expected exit_code=-1, got %d", result.ExitCode)
	}
	if !strings.Contains(result.Summary, "timeout") {
		t.Errorf("expected timeout summary, got %q", result.Summary)
	}
}

func TestRunner_Run_ParentCancelled(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{Block: true}}}
	runner := NewRunner(mock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := runner.Run(ctx, "/tmp", CheckConfig{Name: "slow", Command: "sleep 100"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRunner_Run_ExecError(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{Err: errors.New("no shell")}}}
	runner := NewRunner(mock)

	_, err := runner.Run(context.Background(), "/tmp", CheckConfig{Name: "x", Command: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestExecRunner_Run(t *testing.T) {
	r := &ExecRunner{}
	stdout, _, code, err := r.Run(context.Background(), t.TempDir(), "echo hello; exit 3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code != 3 {
		t.Errorf("expected exit code 3, got %d", code)
	}
	if strings.TrimSpace(stdout) != "hello" {
		t.Errorf("expected hello, got %q", stdout)
	}
}
