package pipeline

// Markers are the independently persisted flags a story's status is derived from.
type Markers struct {
	Approved   bool `json:"approved"`
	Completed  bool `json:"completed"`
	InProgress bool `json:"in_progress"`
	Failed     bool `json:"failed"`
}

// DeriveStatus computes a story's status. Priority: failed, completed,
// in-progress, approved, then planned when tasks exist.
func DeriveStatus(m Markers, hasTasks bool) StoryStatus {
	switch {
	case m.Failed:
		return StatusFailed
	case m.Completed:
		return StatusCompleted
	case m.InProgress:
		return StatusInProgress
	case m.Approved:
		return StatusApproved
	case hasTasks:
		return StatusPlanned
	default:
		return StatusNotStarted
	}
}

// Transition returns the markers after moving to status, clearing the ones it makes stale.
// Applying the same transition twice yields the same markers.
func (m Markers) Transition(to StoryStatus) Markers {
	switch to {
	case StatusNotStarted, StatusPlanned:
		// Planned is derived from the task set, so no marker may shadow it.
		return Markers{}
	case StatusApproved:
		return Markers{Approved: true}
	case StatusInProgress:
		return Markers{Approved: m.Approved, InProgress: true}
	case StatusCompleted:
		return Markers{Approved: m.Approved, Completed: true}
	case StatusFailed:
		return Markers{Approved: m.Approved, Failed: true}
	}
	return m
}
