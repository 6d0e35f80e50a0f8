package tasks

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/storyfactory/internal/pipeline"
)

func newIndexer(t *testing.T) (*Indexer, *pipeline.Store) {
	t.Helper()
	store := pipeline.NewStore(t.TempDir())
	require.NoError(t, store.CreateStory(&pipeline.Story{ID: "s1", Title: "story"}))
	return NewIndexer(store), store
}

func specs(titles ...string) []pipeline.TaskSpec {
	out := make([]pipeline.TaskSpec, len(titles))
	for i, title := range titles {
		out[i] = pipeline.TaskSpec{Title: title, File: title + ".go"}
	}
	return out
}

func fixes(n int) []pipeline.FixTask {
	out := make([]pipeline.FixTask, n)
	for i := range out {
		out[i] = pipeline.FixTask{Title: "fix", FixType: pipeline.FixTestFailure, ExistingCode: "package x"}
	}
	return out
}

func TestAssignInitial(t *testing.T) {
	ix, store := newIndexer(t)

	got, err := ix.AssignInitial("s1", specs("a", "b", "c"))
	require.NoError(t, err)
	require.Len(t, got, 3)

	persisted, err := store.GetTasks("s1")
	require.NoError(t, err)
	for i, task := range persisted {
		assert.Equal(t, i+1, task.Index)
		assert.Equal(t, pipeline.TaskOriginal, task.Type)
		assert.Equal(t, 0, task.RetryAttempt)
		assert.Equal(t, pipeline.TaskPending, task.Status)
		assert.Nil(t, task.Fix)
	}
	assert.Equal(t, "b", persisted[1].Title)
}

func TestAssignInitial_ReplacesPreviousSet(t *testing.T) {
	ix, store := newIndexer(t)

	_, err := ix.AssignInitial("s1", specs("a", "b", "c"))
	require.NoError(t, err)
	_, err = ix.AppendFix("s1", fixes(1), 1)
	require.NoError(t, err)

	_, err = ix.AssignInitial("s1", specs("x"))
	require.NoError(t, err)

	persisted, _ := store.GetTasks("s1")
	require.Len(t, persisted, 1)
	assert.Equal(t, 1, persisted[0].Index)
	assert.Equal(t, "x", persisted[0].Title)
}

func TestAppendFix_ContinuesAfterMax(t *testing.T) {
	ix, store := newIndexer(t)
	_, err := ix.AssignInitial("s1", specs("a", "b"))
	require.NoError(t, err)

	added, err := ix.AppendFix("s1", fixes(2), 1)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, Indices(added))

	persisted, _ := store.GetTasks("s1")
	require.Len(t, persisted, 4)
	assert.Equal(t, pipeline.TaskFix, persisted[2].Type)
	assert.Equal(t, 1, persisted[2].RetryAttempt)
	require.NotNil(t, persisted[2].Fix)
	assert.Equal(t, "package x", persisted[2].Fix.ExistingCode)
	assert.Equal(t, pipeline.FixTestFailure, persisted[2].Fix.FixType)
}

func TestAppendFix_MonotonicAcrossFreshIndexers(t *testing.T) {
	ix, store := newIndexer(t)
	_, err := ix.AssignInitial("s1", specs("a"))
	require.NoError(t, err)

	last := 1
	for attempt := 1; attempt <= 4; attempt++ {
		// A new indexer sees only what is persisted, as after a process restart.
		fresh := NewIndexer(store)
		added, err := fresh.AppendFix("s1", fixes(attempt), attempt)
		require.NoError(t, err)
		require.Len(t, added, attempt)
		assert.Equal(t, last+1, added[0].Index)
		last = added[len(added)-1].Index
	}

	persisted, _ := store.GetTasks("s1")
	seen := make(map[int]bool)
	for i, task := range persisted {
		assert.False(t, seen[task.Index], "duplicate index %d", task.Index)
		seen[task.Index] = true
		assert.Equal(t, i+1, task.Index, "gapless from 1")
	}
	assert.Equal(t, 11, MaxIndex(persisted))
}

func TestAppendFix_SameAttemptIsIdempotent(t *testing.T) {
	ix, store := newIndexer(t)
	_, err := ix.AssignInitial("s1", specs("a"))
	require.NoError(t, err)

	first, err := ix.AppendFix("s1", fixes(2), 1)
	require.NoError(t, err)

	// Re-applying attempt 1, as after a failed run update, returns the recorded tasks.
	again, err := NewIndexer(store).AppendFix("s1", fixes(2), 1)
	require.NoError(t, err)
	assert.Equal(t, Indices(first), Indices(again))

	persisted, _ := store.GetTasks("s1")
	assert.Len(t, persisted, 3)

	next, err := ix.AppendFix("s1", fixes(1), 2)
	require.NoError(t, err)
	assert.Equal(t, []int{4}, Indices(next))
}

func TestAppendFix_RejectsAttemptZero(t *testing.T) {
	ix, _ := newIndexer(t)
	_, err := ix.AppendFix("s1", fixes(1), 0)
	assert.Error(t, err)
}

func TestAppendFix_UnknownStory(t *testing.T) {
	ix, _ := newIndexer(t)
	_, err := ix.AppendFix("ghost", fixes(1), 1)
	assert.True(t, errors.Is(err, pipeline.ErrNotFound))
}

func TestPending(t *testing.T) {
	list := []pipeline.Task{
		{Index: 1, Status: pipeline.TaskCompleted},
		{Index: 2, Status: pipeline.TaskPending},
		{Index: 3, Status: pipeline.TaskInProgress},
		{Index: 4, Status: pipeline.TaskFailed},
	}
	assert.Equal(t, []int{2, 3}, Indices(Pending(list)))
	assert.Equal(t, 0, MaxIndex(nil))
}
