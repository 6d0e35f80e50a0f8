package pipeline

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhaseOrdinals(t *testing.T) {
	// Wire-compatible ordinals.
	assert.Equal(t, 0, int(PhaseNone))
	assert.Equal(t, 1, int(PhaseAnalysis))
	assert.Equal(t, 3, int(PhaseCoding))
	assert.Equal(t, 7, int(PhaseUnitTesting))
	assert.Equal(t, 9, int(PhaseCompleted))

	assert.Equal(t, 0, int(StatePending))
	assert.Equal(t, 6, int(StateWaitingRetryApproval))
}

func TestPhaseNext(t *testing.T) {
	assert.Equal(t, PhasePlanning, PhaseAnalysis.Next())
	assert.Equal(t, PhaseDebugging, PhaseCoding.Next())
	assert.Equal(t, PhaseCompleted, PhasePullRequest.Next())
	assert.Equal(t, PhaseCompleted, PhaseCompleted.Next())
}

func TestParsePhase(t *testing.T) {
	for in, want := range map[string]Phase{
		"Coding":       PhaseCoding,
		"unit-testing": PhaseUnitTesting,
		"pull_request": PhasePullRequest,
		"7":            PhaseUnitTesting,
	} {
		got, err := ParsePhase(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParsePhase("lunch")
	assert.Error(t, err)
}

func TestParseRetryAction(t *testing.T) {
	a, err := ParseRetryAction("auto-fix")
	require.NoError(t, err)
	assert.Equal(t, ActionAutoFix, a)

	a, err = ParseRetryAction("SkipTests")
	require.NoError(t, err)
	assert.Equal(t, ActionSkipTests, a)

	_, err = ParseRetryAction("retry-harder")
	assert.Error(t, err)
}

func TestIsBuildTest(t *testing.T) {
	assert.True(t, PhaseDebugging.IsBuildTest())
	assert.True(t, PhaseDeployment.IsBuildTest())
	assert.True(t, PhaseUnitTesting.IsBuildTest())
	assert.False(t, PhaseCoding.IsBuildTest())
	assert.False(t, PhaseReviewing.IsBuildTest())
}

func TestRunRewind(t *testing.T) {
	r := NewRun("s1", PhaseAnalysis, false, 3)
	for _, p := range []Phase{PhaseAnalysis, PhasePlanning, PhaseCoding} {
		r.Phase(p).State = StateCompleted
	}
	r.Phase(PhaseDebugging).State = StateWaitingRetryApproval
	r.CurrentPhase = PhaseDebugging

	r.Rewind(PhaseCoding, PhaseDebugging, 1)

	assert.Equal(t, PhaseCoding, r.CurrentPhase)
	assert.Equal(t, StateCompleted, r.Phase(PhasePlanning).State)
	assert.Equal(t, StatePending, r.Phase(PhaseCoding).State)
	assert.Equal(t, 1, r.Phase(PhaseCoding).RetryAttempt)
	assert.Equal(t, StatePending, r.Phase(PhaseDebugging).State)
	require.Len(t, r.History, 2)
	assert.Equal(t, PhaseCoding, r.History[0].Phase)
	assert.Equal(t, 0, r.History[0].RetryAttempt)
	assert.Equal(t, StateWaitingRetryApproval, r.History[1].State)
}

func TestTaskJSON_FixDetailOnlyOnFixTasks(t *testing.T) {
	orig, err := json.Marshal(Task{Index: 1, Type: TaskOriginal})
	require.NoError(t, err)
	assert.NotContains(t, string(orig), `"fix"`)

	fix, err := json.Marshal(Task{Index: 2, Type: TaskFix, RetryAttempt: 1, Fix: &FixDetail{FixType: FixTestFailure}})
	require.NoError(t, err)
	assert.Contains(t, string(fix), `"fix_type":"TestFailure"`)
}
