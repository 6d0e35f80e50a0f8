package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/lucasnoah/storyfactory/internal/checks"
	"github.com/lucasnoah/storyfactory/internal/pipeline"
	"github.com/lucasnoah/storyfactory/internal/prompt"
)

// maxOutputTail bounds how much agent output is kept in the phase result.
const maxOutputTail = 4000

// PromptAgent renders a prompt for the phase and hands it to an external
// coding agent through a shell command. In Command, {{prompt_file}} expands
// to the quoted path of the rendered prompt. A non-zero exit is an agent
// error. For Planning the output must contain the task list as JSON.
type PromptAgent struct {
	Template string
	Command  string
	Mode     prompt.Mode
	Vars     map[string]string
	Timeout  time.Duration
	Loader   *prompt.Loader
	Builder  *prompt.Builder
	Runner   *checks.Runner
}

type promptOutput struct {
	Template string `json:"template"`
	Prompt   string `json:"prompt"`
	Output   string `json:"output,omitempty"`
}

func (a *PromptAgent) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Workdir == "" {
		return nil, fmt.Errorf("prompt agent: story %s has no workdir", req.Story.ID)
	}
	name := a.Template
	if name == "" {
		name = strings.ToLower(req.Phase.String()) + ".md"
	}

	text, err := a.render(ctx, name, req)
	if err != nil {
		return nil, fmt.Errorf("prompt agent: %s: %w", name, err)
	}
	path, err := writePrompt(text)
	if err != nil {
		return nil, fmt.Errorf("prompt agent: %w", err)
	}
	defer os.Remove(path)

	command, err := prompt.Render(a.Command, prompt.Vars{
		"prompt_file": shellQuote(path),
		"story_id":    req.Story.ID,
		"phase":       req.Phase.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("prompt agent: command: %w", err)
	}

	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}
	stdout, stderr, code, err := a.Runner.Exec(ctx, req.Workdir, command)
	if err != nil {
		return nil, fmt.Errorf("prompt agent: %w", err)
	}
	if code != 0 {
		detail := stderr
		if strings.TrimSpace(detail) == "" {
			detail = stdout
		}
		return nil, fmt.Errorf("prompt agent: command exited %d: %s", code, strings.TrimSpace(tail(detail, 500)))
	}

	res := &Result{Summary: lastLine(stdout)}
	if req.Phase == pipeline.PhasePlanning {
		specs, err := ParseTaskSpecs(stdout)
		if err != nil {
			return nil, fmt.Errorf("prompt agent: %w", err)
		}
		res.Tasks = specs
		res.Summary = fmt.Sprintf("planned %d tasks", len(specs))
	}
	if res.Output, err = marshalOutput(promptOutput{Template: name, Prompt: text, Output: tail(stdout, maxOutputTail)}); err != nil {
		return nil, err
	}
	return res, nil
}

func (a *PromptAgent) render(ctx context.Context, name string, req Request) (string, error) {
	tmpl, err := a.Loader.Load(name, req.Workdir)
	if err != nil {
		return "", err
	}
	vars, err := a.Builder.Build(ctx, prompt.Input{
		Story:    req.Story,
		Phase:    req.Phase,
		Attempt:  req.Attempt,
		Workdir:  req.Workdir,
		Tasks:    req.Tasks,
		Baseline: req.Baseline,
		Prior:    req.Prior,
		Mode:     a.Mode,
		Vars:     a.Vars,

		HasBaseline: req.HasBaseline,
	})
	if err != nil {
		return "", err
	}
	return prompt.Render(tmpl, vars)
}

func writePrompt(text string) (string, error) {
	f, err := os.CreateTemp("", "factory-prompt-*.md")
	if err != nil {
		return "", fmt.Errorf("write prompt: %w", err)
	}
	if _, err := f.WriteString(text); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write prompt: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("write prompt: %w", err)
	}
	return f.Name(), nil
}

var jsonFenceRe = regexp.MustCompile("(?s)```json\\s*\\n(.*?)```")

// ParseTaskSpecs reads a planning agent's task list: either the whole output
// is a JSON array, or the last ```json fenced block is.
func ParseTaskSpecs(output string) ([]pipeline.TaskSpec, error) {
	raw := strings.TrimSpace(output)
	if !strings.HasPrefix(raw, "[") {
		blocks := jsonFenceRe.FindAllStringSubmatch(output, -1)
		if len(blocks) == 0 {
			return nil, fmt.Errorf("no task list in planning output")
		}
		raw = strings.TrimSpace(blocks[len(blocks)-1][1])
	}

	var specs []pipeline.TaskSpec
	if err := json.Unmarshal([]byte(raw), &specs); err != nil {
		return nil, fmt.Errorf("parse task list: %w", err)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("planning produced no tasks")
	}
	for i, s := range specs {
		if strings.TrimSpace(s.Title) == "" {
			return nil, fmt.Errorf("task %d has no title", i)
		}
	}
	return specs, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	line := strings.TrimSpace(lines[len(lines)-1])
	if len(line) > 200 {
		line = line[:200]
	}
	return line
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
