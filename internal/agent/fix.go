package agent

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/lucasnoah/storyfactory/internal/pipeline"
)

// FixRequest describes a failure that needs fix tasks.
type FixRequest struct {
	Story     pipeline.Story
	Phase     pipeline.Phase
	Attempt   int
	Failure   *Failure
	Snapshots map[string]string
}

// FixGenerator turns a failure into fix tasks.
type FixGenerator interface {
	GenerateFixes(ctx context.Context, req FixRequest) ([]pipeline.FixTask, error)
}

// FixFunc adapts a plain function to FixGenerator.
type FixFunc func(ctx context.Context, req FixRequest) ([]pipeline.FixTask, error)

func (f FixFunc) GenerateFixes(ctx context.Context, req FixRequest) ([]pipeline.FixTask, error) {
	return f(ctx, req)
}

// FailureFixGenerator derives one fix task per reported error, without calling out
// to anything. Each task carries the snapshot of its target file.
type FailureFixGenerator struct{}

func (FailureFixGenerator) GenerateFixes(ctx context.Context, req FixRequest) ([]pipeline.FixTask, error) {
	if req.Failure == nil {
		return nil, fmt.Errorf("generate fixes: no failure for %s", req.Phase)
	}
	f := req.Failure
	fixType := f.Reason.FixType()

	newTests := make(map[string]bool)
	for _, r := range f.TestResults {
		if r.IsNewTest {
			newTests[r.Key()] = true
			newTests[r.Name] = true
		}
	}

	var fixes []pipeline.FixTask
	for _, e := range f.Errors {
		fix := pipeline.FixTask{
			TargetFile:    e.File,
			FixType:       fixType,
			ErrorMessage:  e.Message,
			ErrorLocation: e.Location,
			StackTrace:    e.StackTrace,
			ExistingCode:  req.Snapshots[e.File],
		}
		switch fixType {
		case pipeline.FixBuildError:
			fix.Title = "Fix build error in " + displayName(e.File, "the build")
			fix.Description = fmt.Sprintf("%s fails to compile: %s", displayName(e.Location, e.File), e.Message)
			fix.SuggestedFix = "Correct the code at the reported location so the project builds."
		case pipeline.FixIntegrationError:
			fix.Title = "Fix integration error in " + displayName(e.File, "the deployment")
			fix.Description = e.Message
			fix.SuggestedFix = "Make the deployed change work against its integration environment."
		default:
			name := displayName(e.Name, filepath.Base(e.File))
			fix.Title = "Fix failing test " + name
			fix.Description = fmt.Sprintf("Test %s failed: %s", name, e.Message)
			if newTests[e.Name] {
				fix.SuggestedFix = "This test was added by the story; fix the implementation or the test's expectations."
			} else {
				fix.SuggestedFix = "This test passed before the story; restore the behaviour it expects."
			}
		}
		fixes = append(fixes, fix)
	}

	if len(fixes) == 0 {
		fixes = append(fixes, pipeline.FixTask{
			Title:        fmt.Sprintf("Fix %s failure", req.Phase),
			Description:  f.Message,
			FixType:      fixType,
			ErrorMessage: f.Message,
		})
	}
	return fixes, nil
}

func displayName(s, fallback string) string {
	if s == "" || s == "." {
		return fallback
	}
	return s
}
