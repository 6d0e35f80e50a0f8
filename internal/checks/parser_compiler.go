package checks

import (
	"bufio"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// CompilerParser extracts file:line[:col]: message diagnostics, the format
// shared by go build, gcc, tsc --pretty false, rustc short output and most linters.
type CompilerParser struct{}

var diagnosticRe = regexp.MustCompile(`^\s*(?:\./)?([^\s:]+\.[A-Za-z0-9]+):(\d+)(?::(\d+))?:\s*(.+)$`)

func (p *CompilerParser) Parse(stdout string, stderr string, exitCode int) ParseResult {
	var diags []Diagnostic
	seen := make(map[string]bool)
	for _, stream := range []string{stderr, stdout} {
		sc := bufio.NewScanner(strings.NewReader(stream))
		for sc.Scan() {
			m := diagnosticRe.FindStringSubmatch(sc.Text())
			if m == nil {
				continue
			}
			line, _ := strconv.Atoi(m[2])
			col, _ := strconv.Atoi(m[3])
			d := Diagnostic{File: m[1], Line: line, Column: col, Message: strings.TrimSpace(m[4])}
			key := d.Location() + d.Message
			if seen[key] {
				continue
			}
			seen[key] = true
			diags = append(diags, d)
		}
	}

	passed := exitCode == 0
	result := ParseResult{Passed: passed, Diagnostics: diags}
	switch {
	case passed:
		result.Summary = "passed (exit code 0)"
	case len(diags) > 0:
		result.Summary = fmt.Sprintf("%d errors (exit code %d)", len(diags), exitCode)
	default:
		result.Summary = fmt.Sprintf("exit code %d, no located errors", exitCode)
	}
	if !passed {
		result.Output = tail(stdout, stderr)
	}
	return result
}
