// Package approval decides whether a phase may start on its own or must wait for sign-off.
package approval

import (
	"fmt"
	"time"

	"github.com/lucasnoah/storyfactory/internal/pipeline"
)

// Decision is the gate's verdict for a phase about to start.
type Decision int

const (
	Proceed Decision = iota
	WaitForApproval
)

func (d Decision) String() string {
	if d == WaitForApproval {
		return "WaitForApproval"
	}
	return "Proceed"
}

// Gate holds the set of phases that require human sign-off.
type Gate struct {
	required map[pipeline.Phase]bool
}

// NewGate creates a Gate requiring approval for the given phases.
func NewGate(phases ...pipeline.Phase) *Gate {
	g := &Gate{required: make(map[pipeline.Phase]bool, len(phases))}
	for _, p := range phases {
		g.required[p] = true
	}
	return g
}

// Requires reports whether phase is configured to need approval.
func (g *Gate) Requires(phase pipeline.Phase) bool {
	return g.required[phase]
}

// Decide returns WaitForApproval when phase needs sign-off and autoApproveAll is off.
func (g *Gate) Decide(phase pipeline.Phase, autoApproveAll bool) Decision {
	if autoApproveAll || !g.required[phase] {
		return Proceed
	}
	return WaitForApproval
}

// Hold moves a pending phase into WaitingApproval.
func Hold(ps *pipeline.PhaseStatus) {
	ps.State = pipeline.StateWaitingApproval
	ps.Message = "waiting for approval"
	ps.StartedAt = nil
	ps.EndedAt = nil
}

// Resolve applies a human decision to a phase waiting for approval.
// Approving moves it to Running; rejecting fails it with the comment as the message.
func Resolve(ps *pipeline.PhaseStatus, approved bool, comment string, now time.Time) error {
	if ps.State != pipeline.StateWaitingApproval {
		return fmt.Errorf("phase %s is %s, not waiting for approval", ps.Phase, ps.State)
	}
	t := now.UTC()
	if approved {
		ps.State = pipeline.StateRunning
		ps.Message = "approved"
		if comment != "" {
			ps.Message = "approved: " + comment
		}
		ps.StartedAt = &t
		return nil
	}
	ps.State = pipeline.StateFailed
	ps.Message = comment
	if ps.Message == "" {
		ps.Message = "rejected"
	}
	ps.EndedAt = &t
	return nil
}
