package prompt

// Built-in template names.
const (
	PhaseItem = "phase-item.md"
	TaskItem  = "task-item.md"
	Dispatch  = "dispatch.md"
)

// builtinTemplates maps template filename to content.
var builtinTemplates = map[string]string{
	PhaseItem: phaseItemTemplate,
	TaskItem:  taskItemTemplate,
	Dispatch:  dispatchTemplate,
}

const phaseItemTemplate = `## {{phase_title}}

**Parent Epic:** #{{parent_issue}}
**Phase:** {{phase}}
{{#if retry_count}}**Attempt:** retry {{retry_count}}/3, replacing #{{previous_issue}}
{{/if}}
### Context

This issue is part of the automated workflow for the parent epic.
Produce the deliverable described below from the epic's requirements.

### Epic Description

{{parent_body}}
{{#if output_path}}
### Deliverable

1. Create ` + "`{{output_path}}`" + `.
2. Open a pull request against ` + "`{{base_branch}}`" + ` titled "[{{phase_title}}] Epic #{{parent_issue}}: <summary>".
{{#if pr_marker}}3. Copy this block, without the fence, into the pull request body:

` + "```markdown" + `
{{pr_marker}}
` + "```" + `
{{/if}}{{/if}}
---

{{marker_block}}
`

const taskItemTemplate = `Parent Issue: #{{parent_issue}}
Task ID: ` + "`{{task_key}}`" + `
Level: ` + "`{{level}}`" + `
Plan: ` + "`{{plan_path}}`" + `

## Task Description

{{title}}

## Acceptance Criteria

{{acceptance}}

## Dependencies

{{deps}}

## Notes

{{notes}}

---

{{marker_block}}
`

const dispatchTemplate = `# Task {{task_key}} ({{level_upper}})

{{title}}

## Acceptance Criteria

{{acceptance}}

## Risk

{{risk_notes}}

## Task Issue #{{task_issue}}

{{task_body}}

## Pull Request Requirements

1. Target branch: ` + "`{{base_branch}}`" + `
2. Reference the task issue with "Closes #{{task_issue}}".
3. Include this block verbatim in the pull request body:

{{pr_marker}}
`
