package prompt

// builtinTemplates maps template filename to content. Phases look up
// "<phase>.md" in lower case unless configured otherwise.
var builtinTemplates = map[string]string{
	"analysis.md":  analysisTemplate,
	"planning.md":  planningTemplate,
	"coding.md":    codingTemplate,
	"reviewing.md": reviewingTemplate,
}

const analysisTemplate = `# Analyze: {{story_title}}

> **Do not invoke any skills or slash commands.** Use only built-in tools. Do not modify any files.

## Story {{story_id}}
{{story_content}}

## Repository Context
Working in: {{workdir}}
{{#if git_commits}}

Recent commits:
{{git_commits}}
{{/if}}

## Instructions
1. Read the code this story touches and describe how it works today
2. List the projects, packages and files a change will most likely involve
3. Call out ambiguities in the story and the assumptions you would make
4. Note existing tests that cover the affected behavior
{{#if baseline_count}}

{{baseline_count}} tests currently pass. The change must keep them passing.
{{/if}}

Finish with a short summary paragraph; it is shown to the reviewer who approves the plan.
`

const planningTemplate = `# Plan: {{story_title}}

> **Do not invoke any skills or slash commands.** Use only built-in tools. Do not modify any files.

## Story {{story_id}}
{{story_content}}
{{#if prior_phases}}

## Earlier Phases
{{prior_phases}}
{{/if}}

## Instructions
Break the story into small, independently verifiable code changes. Each task
names one file and, where it helps, one method. Order tasks so that each one
builds on the ones before it.

Respond with a JSON array in a fenced ` + "```json" + ` block, one object per task:

` + "```json" + `
[
  {
    "title": "Add Total to Cart",
    "description": "Sum line items and apply the discount.",
    "project": "cart",
    "file": "cart/cart.go",
    "method": "Total",
    "modify": true
  }
]
` + "```" + `

Set "modify" to false when the task creates a new file.
`

const codingTemplate = `# Implement: {{story_title}}

> **Do not invoke any skills or slash commands.** Use only built-in tools.

## Story {{story_id}}
{{story_content}}

## Repository Context
Working in: {{workdir}}
Phase: {{phase}} (attempt {{attempt}})
{{#if git_diff_summary}}

Changes so far:
{{git_diff_summary}}
{{/if}}
{{#if tasks}}

## Tasks
{{tasks}}
{{/if}}
{{#if fix_tasks}}

## Fixes Required
The last build or test run failed. Fix these problems before anything else:

{{fix_tasks}}
{{/if}}

## Instructions
1. Read the relevant code to understand the current state
2. Implement each task above in order
3. Write or update tests for your changes
4. Run the tests to verify they pass
5. When complete, ensure all changes are committed
{{#if baseline_count}}

{{baseline_count}} tests passed before this story started. Do not break them.
{{/if}}
`

const reviewingTemplate = `# Code Review: {{story_title}}

> **Do not invoke any skills or slash commands.** Use only built-in tools.

## Story {{story_id}}
{{story_content}}

## What Changed
{{#if git_commits}}
Commits:
{{git_commits}}

{{/if}}
{{#if git_diff_summary}}
{{git_diff_summary}}
{{/if}}
{{#if files_changed}}

Files:
{{files_changed}}
{{/if}}
{{#if tasks}}

## Planned Tasks
{{tasks}}
{{/if}}

## Instructions
Review the changes on this branch against the story:
1. Check that every task is implemented and nothing unrelated changed
2. Look for bugs, missing error handling and untested paths
3. Fix what you find directly and commit the fixes
4. Finish with a summary of what you changed, or "no changes" if none were needed
`
