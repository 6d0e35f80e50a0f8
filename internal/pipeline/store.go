package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned when a story or one of its records does not exist.
var ErrNotFound = errors.New("not found")

// Store manages story state on disk. Every read-modify-write is serialized per story.
type Store struct {
	baseDir string // defaults to ~/.factory/stories

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir, locks: make(map[string]*sync.Mutex)}
}

// DefaultStore returns a Store at ~/.factory/stories, creating the directory if needed.
func DefaultStore() (*Store, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}
	return OpenStore(filepath.Join(home, ".factory", "stories"))
}

// OpenStore returns a Store at dir, creating the directory if needed.
func OpenStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return NewStore(dir), nil
}

// BaseDir returns the store's root directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// lock acquires the per-story mutex and returns its release func.
func (s *Store) lock(id string) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// ValidID reports whether id can name a story directory: one non-empty path
// element that is not "." or "..".
func ValidID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`) && filepath.Base(id) == id
}

func checkID(id string) error {
	if !ValidID(id) {
		return fmt.Errorf("story %q: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) storyDir(id string) string {
	return filepath.Join(s.baseDir, id)
}

func (s *Store) storyPath(id string) string   { return filepath.Join(s.storyDir(id), "story.json") }
func (s *Store) markersPath(id string) string { return filepath.Join(s.storyDir(id), "markers.json") }
func (s *Store) tasksPath(id string) string   { return filepath.Join(s.storyDir(id), "tasks.json") }
func (s *Store) runPath(id string) string     { return filepath.Join(s.storyDir(id), "run.json") }
func (s *Store) baselinePath(id string) string {
	return filepath.Join(s.storyDir(id), "baseline.json")
}

// phaseAttemptDir returns the directory for a specific phase attempt.
func (s *Store) phaseAttemptDir(id string, phase Phase, attempt int) string {
	return filepath.Join(s.storyDir(id), "phases", phase.String(), fmt.Sprintf("attempt-%d", attempt))
}

// Exists reports whether a story has been created.
func (s *Store) Exists(id string) bool {
	if !ValidID(id) {
		return false
	}
	_, err := os.Stat(s.storyPath(id))
	return err == nil
}

// CreateStory persists a new story.
func (s *Store) CreateStory(story *Story) error {
	if !ValidID(story.ID) {
		return fmt.Errorf("invalid story id %q", story.ID)
	}
	unlock := s.lock(story.ID)
	defer unlock()

	if s.Exists(story.ID) {
		return fmt.Errorf("story %s already exists", story.ID)
	}
	if err := os.MkdirAll(filepath.Join(s.storyDir(story.ID), "phases"), 0o755); err != nil {
		return fmt.Errorf("mkdir phases: %w", err)
	}

	now := time.Now().UTC()
	if story.CreatedAt.IsZero() {
		story.CreatedAt = now
	}
	story.UpdatedAt = now
	if err := WriteJSON(s.storyPath(story.ID), story); err != nil {
		return fmt.Errorf("write story.json: %w", err)
	}
	return nil
}

// GetStory reads a story.
func (s *Store) GetStory(id string) (*Story, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	var story Story
	if err := ReadJSON(s.storyPath(id), &story); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("story %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &story, nil
}

// ListStories returns all stories ordered by creation time.
func (s *Store) ListStories() ([]Story, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", s.baseDir, err)
	}

	var stories []Story
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		story, err := s.GetStory(entry.Name())
		if err != nil {
			continue // skip broken entries
		}
		stories = append(stories, *story)
	}

	sort.Slice(stories, func(i, j int) bool {
		return stories[i].CreatedAt.Before(stories[j].CreatedAt)
	})
	return stories, nil
}

// DeleteStory removes a story with its tasks, markers and phase history.
func (s *Store) DeleteStory(id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	unlock := s.lock(id)
	defer unlock()

	dir := s.storyDir(id)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("story %s: %w", id, ErrNotFound)
	}
	return os.RemoveAll(dir)
}

// ResetStory drops tasks, markers, run state and phase results, keeping the story itself.
func (s *Store) ResetStory(id string) error {
	unlock := s.lock(id)
	defer unlock()

	if !s.Exists(id) {
		return fmt.Errorf("story %s: %w", id, ErrNotFound)
	}
	for _, path := range []string{s.tasksPath(id), s.markersPath(id), s.runPath(id), s.baselinePath(id)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", filepath.Base(path), err)
		}
	}
	return os.RemoveAll(filepath.Join(s.storyDir(id), "phases"))
}

// GetMarkers reads the status markers. A missing or unreadable file means no markers are set.
func (s *Store) GetMarkers(id string) Markers {
	var m Markers
	if !ValidID(id) {
		return m
	}
	if err := ReadJSON(s.markersPath(id), &m); err != nil {
		return Markers{}
	}
	return m
}

// Transition moves a story's markers to the given status.
func (s *Store) Transition(id string, to StoryStatus) error {
	return s.UpdateMarkers(id, func(m Markers) Markers { return m.Transition(to) })
}

// UpdateMarkers performs a serialized read-modify-write of the markers.
func (s *Store) UpdateMarkers(id string, fn func(Markers) Markers) error {
	unlock := s.lock(id)
	defer unlock()

	if !s.Exists(id) {
		return fmt.Errorf("story %s: %w", id, ErrNotFound)
	}
	return WriteJSON(s.markersPath(id), fn(s.GetMarkers(id)))
}

// Status derives the story's status from its markers and task set.
func (s *Store) Status(id string) (StoryStatus, error) {
	if !s.Exists(id) {
		return "", fmt.Errorf("story %s: %w", id, ErrNotFound)
	}
	tasks, err := s.GetTasks(id)
	if err != nil {
		return "", err
	}
	return DeriveStatus(s.GetMarkers(id), len(tasks) > 0), nil
}

// GetTasks reads a story's tasks ordered by index.
func (s *Store) GetTasks(id string) ([]Task, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	var tasks []Task
	if err := ReadJSON(s.tasksPath(id), &tasks); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Index < tasks[j].Index })
	return tasks, nil
}

// UpdateTasks performs a serialized read-modify-write of the task list.
// If fn returns an error nothing is written.
func (s *Store) UpdateTasks(id string, fn func([]Task) ([]Task, error)) error {
	unlock := s.lock(id)
	defer unlock()

	if !s.Exists(id) {
		return fmt.Errorf("story %s: %w", id, ErrNotFound)
	}
	tasks, err := s.GetTasks(id)
	if err != nil {
		return err
	}
	next, err := fn(tasks)
	if err != nil {
		return err
	}
	if next == nil {
		next = []Task{}
	}
	return WriteJSON(s.tasksPath(id), next)
}

// SetTaskStatus updates the status of the tasks with the given indices.
func (s *Store) SetTaskStatus(id string, status TaskStatus, indices ...int) error {
	want := make(map[int]bool, len(indices))
	for _, i := range indices {
		want[i] = true
	}
	return s.UpdateTasks(id, func(tasks []Task) ([]Task, error) {
		for i := range tasks {
			if want[tasks[i].Index] {
				tasks[i].Status = status
			}
		}
		return tasks, nil
	})
}

// CreateRun writes a fresh run, replacing any previous one.
func (s *Store) CreateRun(run *Run) error {
	unlock := s.lock(run.StoryID)
	defer unlock()

	if !s.Exists(run.StoryID) {
		return fmt.Errorf("story %s: %w", run.StoryID, ErrNotFound)
	}
	return WriteJSON(s.runPath(run.StoryID), run)
}

// GetRun reads the pipeline run for a story.
func (s *Store) GetRun(id string) (*Run, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	var run Run
	if err := ReadJSON(s.runPath(id), &run); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("pipeline for story %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &run, nil
}

// UpdateRun performs a serialized read-modify-write of the run.
// If fn returns an error nothing is written and the error is returned.
func (s *Store) UpdateRun(id string, fn func(*Run) error) (*Run, error) {
	unlock := s.lock(id)
	defer unlock()

	run, err := s.GetRun(id)
	if err != nil {
		return nil, err
	}
	if err := fn(run); err != nil {
		return nil, err
	}
	run.UpdatedAt = time.Now().UTC()
	if err := WriteJSON(s.runPath(id), run); err != nil {
		return nil, err
	}
	return run, nil
}

// SavePhaseResult writes the raw agent output of a phase attempt.
func (s *Store) SavePhaseResult(id string, phase Phase, attempt int, data []byte) error {
	if err := checkID(id); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return WriteAtomic(filepath.Join(s.phaseAttemptDir(id, phase, attempt), "result.json"), data)
}

// GetPhaseResult reads the raw agent output of a phase attempt.
func (s *Store) GetPhaseResult(id string, phase Phase, attempt int) ([]byte, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.phaseAttemptDir(id, phase, attempt), "result.json"))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s attempt %d result: %w", phase, attempt, ErrNotFound)
	}
	return data, err
}

// GetBaseline returns the names of tests that passed before the story's
// changes. ok is false when no baseline was ever recorded; a recorded
// baseline may still be empty.
func (s *Store) GetBaseline(id string) (names []string, ok bool, err error) {
	if err := checkID(id); err != nil {
		return nil, false, err
	}
	if err := ReadJSON(s.baselinePath(id), &names); err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if names == nil {
		names = []string{}
	}
	return names, true, nil
}

// SaveBaseline records the test baseline for a story.
func (s *Store) SaveBaseline(id string, names []string) error {
	unlock := s.lock(id)
	defer unlock()

	if !s.Exists(id) {
		return fmt.Errorf("story %s: %w", id, ErrNotFound)
	}
	sorted := append([]string{}, names...)
	sort.Strings(sorted)
	return WriteJSON(s.baselinePath(id), sorted)
}
