package testresults

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarize_Empty(t *testing.T) {
	s := Summarize(nil)
	assert.Equal(t, TestSummary{}, s)
	assert.False(t, s.IsBreakingChange)
}

func TestSummarize_ExistingFailureIsBreaking(t *testing.T) {
	s := Summarize([]TestResult{{Name: "TestLegacy", IsNewTest: false, Passed: false}})
	assert.Equal(t, 1, s.ExistingTestsFailed)
	assert.Equal(t, 1, s.Failed)
	assert.True(t, s.IsBreakingChange)
}

func TestSummarize_NewFailureIsNotBreaking(t *testing.T) {
	s := Summarize([]TestResult{{Name: "TestFresh", IsNewTest: true, Passed: false}})
	assert.Equal(t, 0, s.ExistingTestsFailed)
	assert.Equal(t, 1, s.NewTestsFailed)
	assert.False(t, s.IsBreakingChange)
}

func TestSummarize_Mixed(t *testing.T) {
	results := []TestResult{
		{Name: "a", Passed: true, Duration: 10 * time.Millisecond},
		{Name: "b", Passed: true, IsNewTest: true, Duration: 5 * time.Millisecond},
		{Name: "c", Skipped: true, Duration: time.Millisecond},
		{Name: "d", IsNewTest: true, Skipped: true},
		{Name: "e", IsNewTest: true},
	}

	s := Summarize(results)
	assert.Equal(t, 5, s.Total)
	assert.Equal(t, 2, s.Passed)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 2, s.Skipped)
	assert.Equal(t, 3, s.NewTestsTotal)
	assert.Equal(t, 1, s.NewTestsPassed)
	assert.Equal(t, 1, s.NewTestsFailed)
	assert.Equal(t, 1, s.NewTestsSkipped)
	assert.Equal(t, 2, s.ExistingTestsTotal)
	assert.Equal(t, 1, s.ExistingTestsPassed)
	assert.Equal(t, 1, s.ExistingTestsSkipped)
	assert.Equal(t, 16*time.Millisecond, s.Duration)
	assert.False(t, s.IsBreakingChange)
}

func TestSummary_String(t *testing.T) {
	s := Summarize([]TestResult{{Name: "x"}, {Name: "y", Passed: true}})
	assert.Equal(t, "1 passed, 1 failed, 0 skipped out of 2 (breaking: 1 existing tests failed)", s.String())
}

func TestMarkNew(t *testing.T) {
	results := []TestResult{
		{Name: "TestOld", Suite: "pkg/a"},
		{Name: "TestNew", Suite: "pkg/a"},
	}
	MarkNew(results, []string{"pkg/a/TestOld"})
	require.Len(t, results, 2)
	assert.False(t, results[0].IsNewTest)
	assert.True(t, results[1].IsNewTest)
}

func TestMarkNew_NoBaselineMeansNew(t *testing.T) {
	results := []TestResult{{Name: "TestAnything"}, {Name: "TestOther", Passed: true}}
	MarkNew(results, nil)
	assert.True(t, results[0].IsNewTest)
	assert.True(t, results[1].IsNewTest)
	assert.False(t, Summarize(results).IsBreakingChange)
}

func TestPassingKeys(t *testing.T) {
	keys := PassingKeys([]TestResult{
		{Name: "A", Suite: "s", Passed: true},
		{Name: "B", Suite: "s"},
		{Name: "C", Passed: true},
	})
	assert.Equal(t, []string{"s/A", "C"}, keys)
}
