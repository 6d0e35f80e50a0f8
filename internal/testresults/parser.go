package testresults

import (
	"bufio"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Parser turns a test command's output into per-test results.
type Parser interface {
	Parse(stdout string) ([]TestResult, error)
}

// ParserFor returns the parser registered under name.
func ParserFor(name string) (Parser, error) {
	switch name {
	case "vitest", "jest":
		return &VitestParser{}, nil
	case "gotest", "go-test":
		return &GoTestParser{}, nil
	}
	return nil, fmt.Errorf("unknown test parser %q", name)
}

// VitestParser parses vitest/jest JSON reporter output.
type VitestParser struct{}

type vitestOutput struct {
	TestResults []vitestSuiteResult `json:"testResults"`
}

type vitestSuiteResult struct {
	Name             string                  `json:"name"`
	AssertionResults []vitestAssertionResult `json:"assertionResults"`
}

type vitestAssertionResult struct {
	FullName        string   `json:"fullName"`
	Status          string   `json:"status"` // "passed", "failed", "pending", "skipped", "todo"
	Duration        float64  `json:"duration"`
	FailureMessages []string `json:"failureMessages"`
}

func (p *VitestParser) Parse(stdout string) ([]TestResult, error) {
	var raw vitestOutput
	if err := json.Unmarshal([]byte(stdout), &raw); err != nil {
		return nil, fmt.Errorf("parse vitest json: %w", err)
	}

	var results []TestResult
	for _, suite := range raw.TestResults {
		for _, a := range suite.AssertionResults {
			r := TestResult{
				Name:     a.FullName,
				Suite:    suite.Name,
				File:     suite.Name,
				Passed:   a.Status == "passed",
				Skipped:  a.Status == "pending" || a.Status == "skipped" || a.Status == "todo",
				Duration: time.Duration(a.Duration * float64(time.Millisecond)),
			}
			if len(a.FailureMessages) > 0 {
				msg := a.FailureMessages[0]
				r.Error, r.StackTrace = splitStack(msg)
			}
			results = append(results, r)
		}
	}
	return results, nil
}

// GoTestParser parses `go test -json` event streams.
type GoTestParser struct{}

type goTestEvent struct {
	Action  string  `json:"Action"`
	Package string  `json:"Package"`
	Test    string  `json:"Test"`
	Elapsed float64 `json:"Elapsed"`
	Output  string  `json:"Output"`
}

func (p *GoTestParser) Parse(stdout string) ([]TestResult, error) {
	type key struct{ pkg, test string }
	byTest := make(map[key]*TestResult)
	output := make(map[key]*strings.Builder)
	var order []key

	sc := bufio.NewScanner(strings.NewReader(stdout))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	parsed := 0
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] != '{' {
			continue
		}
		var ev goTestEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		parsed++
		if ev.Test == "" {
			continue
		}
		k := key{ev.Package, ev.Test}
		r, ok := byTest[k]
		if !ok {
			r = &TestResult{Name: ev.Test, Suite: ev.Package, File: ev.Package}
			byTest[k] = r
			output[k] = &strings.Builder{}
			order = append(order, k)
		}
		switch ev.Action {
		case "output":
			output[k].WriteString(ev.Output)
		case "pass":
			r.Passed = true
			r.Duration = time.Duration(ev.Elapsed * float64(time.Second))
		case "fail":
			r.Passed = false
			r.Duration = time.Duration(ev.Elapsed * float64(time.Second))
		case "skip":
			r.Skipped = true
			r.Duration = time.Duration(ev.Elapsed * float64(time.Second))
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan go test output: %w", err)
	}
	if parsed == 0 && strings.TrimSpace(stdout) != "" {
		return nil, fmt.Errorf("no go test json events found")
	}

	sort.SliceStable(order, func(i, j int) bool {
		if order[i].pkg != order[j].pkg {
			return order[i].pkg < order[j].pkg
		}
		return order[i].test < order[j].test
	})

	results := make([]TestResult, 0, len(order))
	for _, k := range order {
		r := byTest[k]
		if r.Failed() {
			r.Error, r.StackTrace = splitStack(output[k].String())
		}
		results = append(results, *r)
	}
	return results, nil
}

// splitStack separates the first meaningful line of a failure from the rest.
func splitStack(msg string) (string, string) {
	msg = strings.TrimSpace(msg)
	for _, line := range strings.Split(msg, "\n") {
		l := strings.TrimSpace(line)
		if l == "" || strings.HasPrefix(l, "=== RUN") || strings.HasPrefix(l, "--- FAIL") {
			continue
		}
		return l, msg
	}
	return msg, ""
}
