// Package tasks assigns and continues monotonic task indices for a story.
package tasks

import (
	"fmt"

	"github.com/lucasnoah/storyfactory/internal/pipeline"
)

// Store is the persistence the indexer needs. UpdateTasks must serialize per story.
type Store interface {
	GetTasks(storyID string) ([]pipeline.Task, error)
	UpdateTasks(storyID string, fn func([]pipeline.Task) ([]pipeline.Task, error)) error
}

// Indexer assigns task indices. It keeps no state of its own: the current
// maximum index is always recomputed from the persisted task list.
type Indexer struct {
	store Store
}

// NewIndexer creates an Indexer over store.
func NewIndexer(store Store) *Indexer {
	return &Indexer{store: store}
}

// AssignInitial replaces the story's task set with specs indexed 1..N in input order.
func (ix *Indexer) AssignInitial(storyID string, specs []pipeline.TaskSpec) ([]pipeline.Task, error) {
	assigned := make([]pipeline.Task, len(specs))
	for i, spec := range specs {
		assigned[i] = pipeline.Task{
			Index:       i + 1,
			Title:       spec.Title,
			Description: spec.Description,
			Project:     spec.Project,
			File:        spec.File,
			Method:      spec.Method,
			Modify:      spec.Modify,
			Type:        pipeline.TaskOriginal,
			Status:      pipeline.TaskPending,
		}
	}

	err := ix.store.UpdateTasks(storyID, func([]pipeline.Task) ([]pipeline.Task, error) {
		return assigned, nil
	})
	if err != nil {
		return nil, fmt.Errorf("assign initial tasks: %w", err)
	}
	return assigned, nil
}

// AppendFix appends fix tasks after the current maximum index, tagged with retryAttempt.
// Existing tasks are never renumbered. The returned tasks carry their assigned indices.
// Fix tasks already recorded for retryAttempt are returned as-is, so repeating
// an append for the same attempt adds nothing.
func (ix *Indexer) AppendFix(storyID string, fixes []pipeline.FixTask, retryAttempt int) ([]pipeline.Task, error) {
	if retryAttempt < 1 {
		return nil, fmt.Errorf("append fix tasks: retry attempt must be >= 1, got %d", retryAttempt)
	}

	var appended []pipeline.Task
	err := ix.store.UpdateTasks(storyID, func(existing []pipeline.Task) ([]pipeline.Task, error) {
		appended = nil
		for _, t := range existing {
			if t.Type == pipeline.TaskFix && t.RetryAttempt == retryAttempt {
				appended = append(appended, t)
			}
		}
		if len(appended) > 0 {
			return existing, nil
		}

		next := MaxIndex(existing)
		appended = make([]pipeline.Task, 0, len(fixes))
		for _, f := range fixes {
			next++
			appended = append(appended, fromFix(f, next, retryAttempt))
		}
		return append(existing, appended...), nil
	})
	if err != nil {
		return nil, fmt.Errorf("append fix tasks: %w", err)
	}
	return appended, nil
}

// MaxIndex returns the largest index in tasks, or 0 when there are none.
func MaxIndex(tasks []pipeline.Task) int {
	highest := 0
	for _, t := range tasks {
		if t.Index > highest {
			highest = t.Index
		}
	}
	return highest
}

// Pending returns the tasks that still need a coding pass.
func Pending(tasks []pipeline.Task) []pipeline.Task {
	var out []pipeline.Task
	for _, t := range tasks {
		if t.Status == pipeline.TaskPending || t.Status == pipeline.TaskInProgress {
			out = append(out, t)
		}
	}
	return out
}

// Indices returns the index of each task.
func Indices(tasks []pipeline.Task) []int {
	out := make([]int, len(tasks))
	for i, t := range tasks {
		out[i] = t.Index
	}
	return out
}

func fromFix(f pipeline.FixTask, index, attempt int) pipeline.Task {
	return pipeline.Task{
		Index:        index,
		Title:        f.Title,
		Description:  f.Description,
		File:         f.TargetFile,
		Modify:       true,
		Type:         pipeline.TaskFix,
		RetryAttempt: attempt,
		Status:       pipeline.TaskPending,
		Fix: &pipeline.FixDetail{
			FixType:       f.FixType,
			ErrorMessage:  f.ErrorMessage,
			ErrorLocation: f.ErrorLocation,
			StackTrace:    f.StackTrace,
			SuggestedFix:  f.SuggestedFix,
			ExistingCode:  f.ExistingCode,
		},
	}
}
