package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/storyfactory/internal/checks"
	"github.com/lucasnoah/storyfactory/internal/pipeline"
	"github.com/lucasnoah/storyfactory/internal/testresults"
)

type fakeCmd struct {
	stdout   string
	stderr   string
	exitCode int
	commands []string
	dirs     []string
}

func (f *fakeCmd) Run(ctx context.Context, dir string, command string) (string, string, int, error) {
	f.commands = append(f.commands, command)
	f.dirs = append(f.dirs, dir)
	return f.stdout, f.stderr, f.exitCode, nil
}

const goTestOutput = `{"Action":"run","Package":"example.com/cart","Test":"TestAdd"}
{"Action":"pass","Package":"example.com/cart","Test":"TestAdd","Elapsed":0.01}
{"Action":"run","Package":"example.com/cart","Test":"TestTotal"}
{"Action":"output","Package":"example.com/cart","Test":"TestTotal","Output":"    cart_test.go:40: got 3, want 4\n"}
{"Action":"fail","Package":"example.com/cart","Test":"TestTotal","Elapsed":0.02}
{"Action":"run","Package":"example.com/cart","Test":"TestDiscount"}
{"Action":"pass","Package":"example.com/cart","Test":"TestDiscount","Elapsed":0.01}
`

func testAgent(kind Kind, cmd *fakeCmd) *CommandAgent {
	return &CommandAgent{
		Kind:       kind,
		Check:      checks.CheckConfig{Name: string(kind), Command: "make " + string(kind), Parser: "compiler"},
		TestParser: &testresults.GoTestParser{},
		Runner:     checks.NewRunner(cmd),
	}
}

func request() Request {
	return Request{
		Story:   pipeline.Story{ID: "s1", Title: "Cart totals"},
		Phase:   pipeline.PhaseUnitTesting,
		Workdir: "/work/s1",
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	noop := Func(func(ctx context.Context, req Request) (*Result, error) { return &Result{}, nil })
	r.Register(pipeline.PhaseUnitTesting, noop)
	r.Register(pipeline.PhasePlanning, noop)

	_, ok := r.Get(pipeline.PhaseCoding)
	assert.False(t, ok)
	_, ok = r.Get(pipeline.PhasePlanning)
	assert.True(t, ok)
	assert.Equal(t, []pipeline.Phase{pipeline.PhasePlanning, pipeline.PhaseUnitTesting}, r.Phases())
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("baseline")
	require.NoError(t, err)
	assert.Equal(t, KindBaseline, k)
	_, err = ParseKind("lint")
	assert.Error(t, err)
}

func TestCommandAgent_BuildPasses(t *testing.T) {
	cmd := &fakeCmd{stdout: "ok"}
	res, err := testAgent(KindBuild, cmd).Run(context.Background(), request())
	require.NoError(t, err)
	assert.Nil(t, res.Failure)
	assert.Equal(t, []string{"/work/s1"}, cmd.dirs)

	var out map[string]any
	require.NoError(t, json.Unmarshal(res.Output, &out))
	assert.Contains(t, out, "check")
}

func TestCommandAgent_BuildFailure(t *testing.T) {
	cmd := &fakeCmd{
		stderr:   "./cart/cart.go:12:5: undefined: Total\n./cart/price.go:3:1: syntax error\n",
		exitCode: 1,
	}
	res, err := testAgent(KindBuild, cmd).Run(context.Background(), request())
	require.NoError(t, err)
	require.NotNil(t, res.Failure)

	f := res.Failure
	assert.Equal(t, pipeline.ReasonBuildFailed, f.Reason)
	require.Len(t, f.Errors, 2)
	assert.Equal(t, "cart/cart.go:12:5", f.Errors[0].Location)
	assert.Equal(t, []string{"cart/cart.go", "cart/price.go"}, f.Files)
	assert.Nil(t, f.Summary())
}

func TestCommandAgent_IntegrationFailureWithoutDiagnostics(t *testing.T) {
	cmd := &fakeCmd{stdout: "deploy: connection refused", exitCode: 7}
	res, err := testAgent(KindIntegration, cmd).Run(context.Background(), request())
	require.NoError(t, err)
	require.NotNil(t, res.Failure)
	assert.Equal(t, pipeline.ReasonIntegrationFailed, res.Failure.Reason)
	require.Len(t, res.Failure.Errors, 1)
	assert.Contains(t, res.Failure.Errors[0].Message, "connection refused")
}

func TestCommandAgent_TestsFailClassifiesAgainstBaseline(t *testing.T) {
	cmd := &fakeCmd{stdout: goTestOutput, exitCode: 1}
	req := request()
	req.Baseline = []string{"example.com/cart/TestAdd", "example.com/cart/TestTotal"}
	req.HasBaseline = true

	res, err := testAgent(KindTest, cmd).Run(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, res.Failure)

	f := res.Failure
	assert.Equal(t, pipeline.ReasonTestsFailed, f.Reason)
	require.Len(t, f.Errors, 1)
	assert.Equal(t, "example.com/cart/TestTotal", f.Errors[0].Name)
	assert.Equal(t, "cart_test.go:40: got 3, want 4", f.Errors[0].Message)

	s := f.Summary()
	require.NotNil(t, s)
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 1, s.NewTestsTotal, "TestDiscount is not in the baseline")
	assert.True(t, s.IsBreakingChange)
}

// With Analysis disabled there is no baseline, so a failing test is never breaking.
func TestCommandAgent_TestsFailWithoutBaseline(t *testing.T) {
	cmd := &fakeCmd{stdout: goTestOutput, exitCode: 1}
	res, err := testAgent(KindTest, cmd).Run(context.Background(), request())
	require.NoError(t, err)
	require.NotNil(t, res.Failure)

	s := res.Failure.Summary()
	require.NotNil(t, s)
	assert.Equal(t, 3, s.NewTestsTotal)
	assert.Equal(t, 1, s.NewTestsFailed)
	assert.Equal(t, 0, s.ExistingTestsFailed)
	assert.False(t, s.IsBreakingChange)
}

// A recorded but empty baseline means nothing passed before; every test is new.
func TestCommandAgent_TestsFailWithEmptyBaseline(t *testing.T) {
	cmd := &fakeCmd{stdout: goTestOutput, exitCode: 1}
	req := request()
	req.Baseline = []string{}
	req.HasBaseline = true
	res, err := testAgent(KindTest, cmd).Run(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, res.Failure)
	assert.False(t, res.Failure.Summary().IsBreakingChange)
}

func TestCommandAgent_BaselineWithNoPassingTests(t *testing.T) {
	failing := strings.ReplaceAll(goTestOutput, `"Action":"pass"`, `"Action":"fail"`)
	res, err := testAgent(KindBaseline, &fakeCmd{stdout: failing, exitCode: 1}).Run(context.Background(), request())
	require.NoError(t, err)
	require.NotNil(t, res.Baseline, "an empty baseline must still be recorded")
	assert.Empty(t, res.Baseline)
}

func TestCommandAgent_TestsPass(t *testing.T) {
	passing := strings.ReplaceAll(goTestOutput, `"Action":"fail"`, `"Action":"pass"`)
	res, err := testAgent(KindTest, &fakeCmd{stdout: passing}).Run(context.Background(), request())
	require.NoError(t, err)
	assert.Nil(t, res.Failure)
	assert.Contains(t, res.Summary, "3 passed")
}

func TestCommandAgent_UnparseableFailingTests(t *testing.T) {
	cmd := &fakeCmd{stdout: "cart_test.go:5:2: undefined: NewCart\nFAIL\n", exitCode: 2}
	res, err := testAgent(KindTest, cmd).Run(context.Background(), request())
	require.NoError(t, err)
	require.NotNil(t, res.Failure)
	assert.Equal(t, pipeline.ReasonTestsFailed, res.Failure.Reason)
	assert.Equal(t, []string{"cart_test.go"}, res.Failure.Files)
}

func TestCommandAgent_Baseline(t *testing.T) {
	cmd := &fakeCmd{stdout: goTestOutput, exitCode: 1}
	res, err := testAgent(KindBaseline, cmd).Run(context.Background(), request())
	require.NoError(t, err)
	assert.Nil(t, res.Failure, "baseline never fails the phase")
	assert.Equal(t, []string{"example.com/cart/TestAdd", "example.com/cart/TestDiscount"}, res.Baseline)
}

func TestCommandAgent_NoWorkdir(t *testing.T) {
	req := request()
	req.Workdir = ""
	_, err := testAgent(KindBuild, &fakeCmd{}).Run(context.Background(), req)
	assert.Error(t, err)
}

func TestFailureFixGenerator_Tests(t *testing.T) {
	results := []testresults.TestResult{
		{Name: "TestOld", Suite: "cart", File: "cart_test.go", Error: "boom"},
		{Name: "TestNew", Suite: "cart", File: "cart_test.go", Error: "bang", IsNewTest: true},
	}
	f := &Failure{
		Reason:      pipeline.ReasonTestsFailed,
		Message:     "2 failed",
		TestResults: results,
		Errors: []ErrorDetail{
			{Name: "cart/TestOld", File: "cart_test.go", Message: "boom"},
			{Name: "cart/TestNew", File: "cart_test.go", Message: "bang"},
		},
	}
	fixes, err := FailureFixGenerator{}.GenerateFixes(context.Background(), FixRequest{
		Phase:     pipeline.PhaseUnitTesting,
		Failure:   f,
		Snapshots: map[string]string{"cart_test.go": "package cart"},
	})
	require.NoError(t, err)
	require.Len(t, fixes, 2)

	assert.Equal(t, "Fix failing test cart/TestOld", fixes[0].Title)
	assert.Equal(t, pipeline.FixTestFailure, fixes[0].FixType)
	assert.Equal(t, "package cart", fixes[0].ExistingCode)
	assert.Contains(t, fixes[0].SuggestedFix, "passed before")
	assert.Contains(t, fixes[1].SuggestedFix, "added by the story")
}

func TestFailureFixGenerator_FallbackAndBuild(t *testing.T) {
	fixes, err := FailureFixGenerator{}.GenerateFixes(context.Background(), FixRequest{
		Phase:   pipeline.PhaseDebugging,
		Failure: &Failure{Reason: pipeline.ReasonBuildFailed, Message: "build exploded"},
	})
	require.NoError(t, err)
	require.Len(t, fixes, 1)
	assert.Equal(t, pipeline.FixBuildError, fixes[0].FixType)
	assert.Equal(t, "build exploded", fixes[0].Description)

	fixes, err = FailureFixGenerator{}.GenerateFixes(context.Background(), FixRequest{
		Failure: &Failure{
			Reason: pipeline.ReasonBuildFailed,
			Errors: []ErrorDetail{{File: "a.go", Location: "a.go:1:1", Message: "bad"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Fix build error in a.go", fixes[0].Title)
	assert.Equal(t, "a.go:1:1", fixes[0].ErrorLocation)

	_, err = FailureFixGenerator{}.GenerateFixes(context.Background(), FixRequest{})
	assert.Error(t, err)
}

func TestFileSnapshotter(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cart.go"), []byte("package cart"), 0o644))

	s := &FileSnapshotter{Root: dir}
	got, err := s.Snapshot(context.Background(), []string{"cart.go", "missing.go"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"cart.go": "package cart"}, got)

	_, err = s.Snapshot(context.Background(), []string{"../escape.go"})
	assert.Error(t, err)
}

func TestFileSnapshotter_TruncatesOnRuneBoundary(t *testing.T) {
	dir := t.TempDir()
	// The three-byte rune straddles the size limit.
	content := strings.Repeat("a", maxSnapshotBytes-1) + "€" + strings.Repeat("b", 10)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "big.go"), []byte(content), 0o644))

	s := &FileSnapshotter{Root: dir}
	got, err := s.Snapshot(context.Background(), []string{"big.go"})
	require.NoError(t, err)

	snap := got["big.go"]
	assert.True(t, utf8.ValidString(snap))
	assert.True(t, strings.HasPrefix(snap, strings.Repeat("a", maxSnapshotBytes-1)+"\n"))
	assert.NotContains(t, snap, "€")
	assert.Contains(t, snap, fmt.Sprintf("truncated, %d of %d bytes shown", maxSnapshotBytes-1, len(content)))
}

func TestGitRollbacker(t *testing.T) {
	cmd := &fakeCmd{}
	g := &GitRollbacker{Cmd: cmd}
	require.NoError(t, g.Rollback(context.Background(), "/work", []string{"a.go", "it's.go"}))
	require.Len(t, cmd.commands, 1)
	assert.Equal(t, `git checkout -- 'a.go' 'it'\''s.go'`, cmd.commands[0])

	require.NoError(t, g.Rollback(context.Background(), "/work", nil))
	assert.Len(t, cmd.commands, 1)

	cmd.exitCode = 1
	assert.Error(t, g.Rollback(context.Background(), "/work", []string{"a.go"}))
}

// scriptedCmd fails the commands listed in failing and passes the rest.
type scriptedCmd struct {
	failing  map[string]string
	commands []string
}

func (s *scriptedCmd) Run(ctx context.Context, dir string, command string) (string, string, int, error) {
	s.commands = append(s.commands, command)
	if out, ok := s.failing[command]; ok {
		return "", out, 1, nil
	}
	return "ok", "", 0, nil
}

func TestCommandAgent_PrecheckStopsGate(t *testing.T) {
	cmd := &scriptedCmd{failing: map[string]string{"go vet ./...": "./cart/cart.go:9:2: unreachable code\n"}}
	a := testAgent(KindBuild, nil)
	a.Runner = checks.NewRunner(cmd)
	a.Prechecks = []checks.CheckConfig{
		{Name: "fmt", Command: "gofmt -l .", Parser: "generic"},
		{Name: "vet", Command: "go vet ./...", Parser: "compiler"},
	}

	req := request()
	req.Phase = pipeline.PhaseDebugging
	res, err := a.Run(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, res.Failure)

	assert.Equal(t, []string{"gofmt -l .", "go vet ./..."}, cmd.commands, "main command must not run after a failing precheck")
	assert.Equal(t, pipeline.ReasonBuildFailed, res.Failure.Reason)
	assert.True(t, strings.HasPrefix(res.Failure.Message, "vet: "))
	assert.Equal(t, []string{"cart/cart.go"}, res.Failure.Files)

	var out commandOutput
	require.NoError(t, json.Unmarshal(res.Output, &out))
	require.NotNil(t, out.Gate)
	assert.False(t, out.Gate.Passed)
	assert.Equal(t, "Debugging", out.Gate.Gate)
	assert.Len(t, out.Gate.Checks, 2)
	assert.Contains(t, out.Gate.RemainingFailures, "vet")
}

func TestCommandAgent_PrechecksPass(t *testing.T) {
	cmd := &scriptedCmd{}
	a := testAgent(KindIntegration, nil)
	a.Runner = checks.NewRunner(cmd)
	a.Prechecks = []checks.CheckConfig{{Name: "lint", Command: "make lint", Parser: "generic"}}

	res, err := a.Run(context.Background(), request())
	require.NoError(t, err)
	assert.Nil(t, res.Failure)
	assert.Equal(t, []string{"make lint", "make integration"}, cmd.commands)
}
