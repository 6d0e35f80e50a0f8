package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRender_SimpleVars(t *testing.T) {
	tmpl := "Hello {{name}}, you are working on story {{story_id}}."
	vars := Vars{
		"name":     "Alice",
		"story_id": "s-42",
	}

	result, err := Render(tmpl, vars)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := "Hello Alice, you are working on story s-42."
	if result != expected {
		t.Errorf("expected %q, got %q", expected, result)
	}
}

func TestRender_MissingVars(t *testing.T) {
	_, err := Render("{{a}} and {{b}} and {{c}}", Vars{"b": "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "a, c") {
		t.Errorf("error should list every missing var, got: %v", err)
	}
}

func TestRender_Conditionals(t *testing.T) {
	tests := []struct {
		name string
		tmpl string
		vars Vars
		want string
	}{
		{"present", "Start.{{#if diff}}\nDiff: {{diff}}\n{{/if}}End.", Vars{"diff": "some changes"}, "Start.\nDiff: some changes\nEnd."},
		{"absent", "Start.{{#if diff}}\nDiff: {{diff}}\n{{/if}}End.", Vars{}, "Start.End."},
		{"empty value", "A{{#if x}}B{{/if}}C", Vars{"x": ""}, "AC"},
		{"several", "{{#if a}}A{{/if}}-{{#if b}}B{{/if}}-{{#if c}}C{{/if}}", Vars{"a": "1", "c": "1"}, "A--C"},
		{"nested", "{{#if a}}outer {{#if b}}inner{{/if}} end{{/if}}", Vars{"a": "yes", "b": "yes"}, "outer inner end"},
		{"nested outer absent", "START{{#if a}}outer {{#if b}}inner{{/if}} end{{/if}}FINISH", Vars{}, "STARTFINISH"},
		{"missing var inside absent block", "START{{#if x}}content with {{y}}{{/if}}MORE", Vars{}, "STARTMORE"},
		{"trailing space in tag", "{{#if x }}content{{/if}}", Vars{"x": "yes"}, "content"},
		{"newline in tag", "{{#if\nx}}content{{/if}}", Vars{"x": "yes"}, "content"},
		{"end tag inside value", "{{#if note}}Note: {{note}}{{/if}} done", Vars{"note": "use {{/if}} carefully"}, "Note: use {{/if}} carefully done"},
		{"no tags", "plain text", nil, "plain text"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Render(tc.tmpl, tc.vars)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestRender_MalformedConditionals(t *testing.T) {
	if _, err := Render("START{{#if x}}content MORE", Vars{"x": "yes"}); err == nil || !strings.Contains(err.Error(), "unclosed") {
		t.Errorf("expected unclosed error, got: %v", err)
	}
	if _, err := Render("text{{/if}}", Vars{}); err == nil || !strings.Contains(err.Error(), "dangling") {
		t.Errorf("expected dangling error, got: %v", err)
	}
}

// Values are inserted literally; they are never expanded again.
func TestRender_ValuesNotReexpanded(t *testing.T) {
	result, err := Render("{{a}} and {{b}}", Vars{"a": "{{b}}", "b": "hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "{{b}} and hello" {
		t.Errorf("expected '{{b}} and hello', got %q", result)
	}
}

func TestBuiltinTemplatesRender(t *testing.T) {
	// Every built-in variable present and empty, as Builder produces them.
	vars := Vars{}
	for _, k := range []string{"story_id", "story_title", "story_content", "phase", "attempt", "workdir",
		"tasks", "fix_tasks", "baseline_count", "prior_phases", "git_commits", "git_diff_summary", "files_changed"} {
		vars[k] = ""
	}
	vars["story_title"] = "Cart totals"

	for _, name := range Names() {
		tmpl, err := (&Loader{}).Load(name, "")
		if err != nil {
			t.Fatalf("load %s: %v", name, err)
		}
		out, err := Render(tmpl, vars)
		if err != nil {
			t.Errorf("render %s: %v", name, err)
			continue
		}
		if !strings.Contains(out, "Cart totals") {
			t.Errorf("%s: expected story title in output", name)
		}
	}
}

func TestNames(t *testing.T) {
	got := strings.Join(Names(), ",")
	if got != "analysis.md,coding.md,planning.md,reviewing.md" {
		t.Errorf("unexpected built-in templates: %s", got)
	}
}

func TestLoader_Precedence(t *testing.T) {
	workdir := t.TempDir()
	dir := t.TempDir()
	loader := &Loader{Dir: dir}

	got, err := loader.Load("coding.md", workdir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != codingTemplate {
		t.Error("expected the built-in template without overrides")
	}

	if err := os.WriteFile(filepath.Join(dir, "coding.md"), []byte("from dir"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got, _ := loader.Load("coding.md", workdir); got != "from dir" {
		t.Errorf("expected template dir to win over built-in, got %q", got)
	}

	override := filepath.Join(workdir, OverrideDir)
	if err := os.MkdirAll(override, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(override, "coding.md"), []byte("from codebase"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got, _ := loader.Load("coding.md", workdir); got != "from codebase" {
		t.Errorf("expected codebase override to win, got %q", got)
	}
}

func TestLoader_NotFound(t *testing.T) {
	if _, err := (&Loader{}).Load("nonexistent.md", ""); err == nil {
		t.Fatal("expected error for missing template")
	}
}

func TestLoader_PathTraversal(t *testing.T) {
	tmpDir := t.TempDir()
	workdir := filepath.Join(tmpDir, "workdir")
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, "secret.txt"), []byte("TOP SECRET DATA"), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"../../../secret.txt", filepath.Join(tmpDir, "secret.txt")} {
		content, err := (&Loader{}).Load(name, workdir)
		if err == nil {
			t.Errorf("Load(%q) read a file outside the override dir: %q", name, content)
		}
	}
}

func TestLoader_Install(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "templates")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "coding.md"), []byte("mine"), 0o644); err != nil {
		t.Fatal(err)
	}

	written, err := (&Loader{Dir: dir}).Install()
	if err != nil {
		t.Fatalf("install error: %v", err)
	}
	if len(written) != len(builtinTemplates)-1 {
		t.Errorf("expected %d templates written, got %v", len(builtinTemplates)-1, written)
	}
	data, err := os.ReadFile(filepath.Join(dir, "coding.md"))
	if err != nil || string(data) != "mine" {
		t.Errorf("existing template overwritten: %q, %v", data, err)
	}

	written, err = (&Loader{Dir: dir}).Install()
	if err != nil || len(written) != 0 {
		t.Errorf("second install should write nothing, got %v, %v", written, err)
	}

	if _, err := (&Loader{}).Install(); err == nil {
		t.Error("expected error without a template dir")
	}
}
