// Package marker reads and writes the metadata block that correlates change
// requests and work items with their parent entity, phase and task.
//
// A block looks like:
//
//	<!-- agent-markers:start -->
//	Agent-Schema-Version: 2
//	Agent-Parent-Issue: 42
//	Agent-PR-Type: task
//	Agent-Task-Key: task-auth-api
//	<!-- agent-markers:end -->
package marker

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// SchemaVersion is the only block schema this package accepts.
const SchemaVersion = 2

// Block boundaries.
const (
	BlockStart = "<!-- agent-markers:start -->"
	BlockEnd   = "<!-- agent-markers:end -->"
)

// Registered keys, in the order Build emits them.
const (
	KeySchemaVersion = "Agent-Schema-Version"
	KeyParentIssue   = "Agent-Parent-Issue"
	KeyPRType        = "Agent-PR-Type"
	KeyIssueType     = "Agent-Issue-Type"
	KeyPhaseName     = "Agent-Phase-Name"
	KeyTaskKey       = "Agent-Task-Key"
	KeyRetryCount    = "Agent-Retry-Count"
)

var keyOrder = []string{
	KeySchemaVersion,
	KeyParentIssue,
	KeyPRType,
	KeyIssueType,
	KeyPhaseName,
	KeyTaskKey,
	KeyRetryCount,
}

// Context selects which document kind a block is validated against.
type Context int

const (
	// Any accepts either a change-request or a work-item block.
	Any Context = iota
	// ChangeRequest requires a PR type and forbids an issue type.
	ChangeRequest
	// WorkItem requires an issue type and forbids a PR type.
	WorkItem
)

func (c Context) String() string {
	switch c {
	case ChangeRequest:
		return "pr"
	case WorkItem:
		return "issue"
	default:
		return "any"
	}
}

// Change-request document types.
const (
	PRTypeSpec = "spec"
	PRTypePlan = "plan"
	PRTypeTask = "task"
)

// Work-item document types.
const (
	IssueTypePhase = "phase"
	IssueTypeTask  = "task"
)

var (
	prTypes    = []string{PRTypeSpec, PRTypePlan, PRTypeTask}
	issueTypes = []string{IssueTypePhase, IssueTypeTask}
	phaseNames = []string{"requirement", "spec", "plan", "execution"}

	lineRe        = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9-]*):\s*(.+)$`)
	parentIssueRe = regexp.MustCompile(`^[1-9][0-9]*$`)
	retryCountRe  = regexp.MustCompile(`^[0-3]$`)

	// TaskKeyPattern matches task identifiers shared with plan documents.
	TaskKeyPattern = regexp.MustCompile(`^task-[a-z0-9][a-z0-9-]{0,62}$`)
)

// Metadata is the typed content of a block. Zero values mean "absent";
// RetryCount uses a pointer because zero is a meaningful count.
type Metadata struct {
	SchemaVersion int    `json:"schema_version"`
	ParentIssue   int    `json:"parent_issue"`
	PRType        string `json:"pr_type,omitempty"`
	IssueType     string `json:"issue_type,omitempty"`
	PhaseName     string `json:"phase_name,omitempty"`
	TaskKey       string `json:"task_key,omitempty"`
	RetryCount    *int   `json:"retry_count,omitempty"`
}

// Parse extracts the single block from body and validates it for ctx.
func Parse(body string, ctx Context) (Metadata, error) {
	block, err := extractBlock(body)
	if err != nil {
		return Metadata{}, err
	}
	raw, err := parseLines(block)
	if err != nil {
		return Metadata{}, err
	}
	md, err := normalize(raw)
	if err != nil {
		return Metadata{}, err
	}
	if err := Validate(md, ctx); err != nil {
		return Metadata{}, err
	}
	return md, nil
}

// TryParse is Parse for callers that only care whether a valid block exists.
func TryParse(body string, ctx Context) (Metadata, bool) {
	md, err := Parse(body, ctx)
	if err != nil {
		return Metadata{}, false
	}
	return md, true
}

// Build renders md as a block after validating it for ctx. A zero
// SchemaVersion is filled in with the current one.
func Build(md Metadata, ctx Context) (string, error) {
	if md.SchemaVersion == 0 {
		md.SchemaVersion = SchemaVersion
	}
	if err := Validate(md, ctx); err != nil {
		return "", err
	}

	values := map[string]string{
		KeySchemaVersion: strconv.Itoa(md.SchemaVersion),
		KeyParentIssue:   strconv.Itoa(md.ParentIssue),
		KeyPRType:        md.PRType,
		KeyIssueType:     md.IssueType,
		KeyPhaseName:     md.PhaseName,
		KeyTaskKey:       md.TaskKey,
	}
	if md.RetryCount != nil {
		values[KeyRetryCount] = strconv.Itoa(*md.RetryCount)
	}

	lines := []string{BlockStart}
	for _, key := range keyOrder {
		if v := values[key]; v != "" {
			lines = append(lines, key+": "+v)
		}
	}
	lines = append(lines, BlockEnd)
	return strings.Join(lines, "\n"), nil
}

func isBlockquote(line string) bool {
	return strings.HasPrefix(strings.TrimLeft(line, " \t"), ">")
}

func isFence(line string) bool {
	t := strings.TrimSpace(line)
	return strings.HasPrefix(t, "```") || strings.HasPrefix(t, "~~~")
}

// extractBlock returns the lines between the boundaries. Boundaries inside
// code fences or blockquotes are documentation, not metadata.
func extractBlock(body string) (string, error) {
	lines := strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n")

	var starts, ends []int
	inFence := false
	for i, line := range lines {
		if isBlockquote(line) {
			continue
		}
		if isFence(line) {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		switch strings.TrimSpace(line) {
		case BlockStart:
			starts = append(starts, i)
		case BlockEnd:
			ends = append(ends, i)
		}
	}

	if len(starts) == 0 || len(ends) == 0 {
		return "", newError(CodeBlockMissing, "", "missing marker block boundaries")
	}
	if len(starts) > 1 || len(ends) > 1 {
		return "", newError(CodeBlockDuplicate, "", "multiple marker blocks are not allowed")
	}
	if ends[0] <= starts[0] {
		return "", newError(CodeBlockInvalid, "", "marker block end appears before start")
	}
	return strings.Join(lines[starts[0]+1:ends[0]], "\n"), nil
}

func parseLines(block string) (map[string]string, error) {
	raw := make(map[string]string)
	empty := true
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		empty = false

		m := lineRe.FindStringSubmatch(line)
		if m == nil {
			return nil, newError(CodeLineInvalid, "", fmt.Sprintf("invalid marker line format: %s", line))
		}
		key, value := m[1], strings.TrimSpace(m[2])
		if !isRegistered(key) {
			return nil, newError(CodeUnknownField, key, fmt.Sprintf("unknown marker field: %s", key))
		}
		if _, dup := raw[key]; dup {
			return nil, newError(CodeDuplicateField, key, fmt.Sprintf("duplicate marker field: %s", key))
		}
		raw[key] = value
	}
	if empty {
		return nil, newError(CodeBlockEmpty, "", "marker block is empty")
	}
	return raw, nil
}

func isRegistered(key string) bool {
	for _, k := range keyOrder {
		if k == key {
			return true
		}
	}
	return false
}

// normalize converts raw strings into typed fields. Numeric fields that do
// not parse are reported with the same codes validation would use.
func normalize(raw map[string]string) (Metadata, error) {
	var md Metadata

	if v, ok := raw[KeySchemaVersion]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return md, newError(CodeSchemaUnsupported, KeySchemaVersion, fmt.Sprintf("unsupported schema version: %s", v))
		}
		md.SchemaVersion = n
	}
	if v, ok := raw[KeyParentIssue]; ok {
		if !parentIssueRe.MatchString(v) {
			return md, newError(CodeParentInvalid, KeyParentIssue, "invalid parent issue marker")
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return md, newError(CodeParentInvalid, KeyParentIssue, "invalid parent issue marker")
		}
		md.ParentIssue = n
	}
	md.PRType = raw[KeyPRType]
	md.IssueType = raw[KeyIssueType]
	md.PhaseName = raw[KeyPhaseName]
	md.TaskKey = raw[KeyTaskKey]
	if v, ok := raw[KeyRetryCount]; ok {
		if !retryCountRe.MatchString(v) {
			return md, newError(CodeRetryCountInvalid, KeyRetryCount, fmt.Sprintf("invalid retry count: %s", v))
		}
		n, _ := strconv.Atoi(v)
		md.RetryCount = &n
	}
	return md, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Validate applies the context-dependent rules to md.
func Validate(md Metadata, ctx Context) error {
	if md.SchemaVersion != SchemaVersion {
		return newError(CodeSchemaUnsupported, KeySchemaVersion, fmt.Sprintf("unsupported schema version: %d", md.SchemaVersion))
	}
	if md.ParentIssue <= 0 {
		return newError(CodeParentInvalid, KeyParentIssue, "invalid parent issue marker")
	}

	switch ctx {
	case ChangeRequest:
		if md.PRType == "" {
			return newError(CodePRTypeMissing, KeyPRType, KeyPRType+" is required for PR metadata")
		}
		if md.IssueType != "" {
			return newError(CodeContextConflict, KeyIssueType, KeyIssueType+" is not allowed in PR metadata")
		}
	case WorkItem:
		if md.IssueType == "" {
			return newError(CodeIssueTypeMissing, KeyIssueType, KeyIssueType+" is required for Issue metadata")
		}
		if md.PRType != "" {
			return newError(CodeContextConflict, KeyPRType, KeyPRType+" is not allowed in Issue metadata")
		}
	}

	if md.PRType != "" && md.IssueType != "" {
		return newError(CodeContextConflict, "", "PR and Issue type markers cannot coexist")
	}
	if md.PRType == "" && md.IssueType == "" {
		return newError(CodeContextMissing, "", "either PR type or Issue type marker must be provided")
	}
	if md.PRType != "" && !contains(prTypes, md.PRType) {
		return newError(CodePRTypeInvalid, KeyPRType, fmt.Sprintf("invalid PR type: %s", md.PRType))
	}
	if md.IssueType != "" && !contains(issueTypes, md.IssueType) {
		return newError(CodeIssueTypeInvalid, KeyIssueType, fmt.Sprintf("invalid Issue type: %s", md.IssueType))
	}
	if md.PhaseName != "" && !contains(phaseNames, md.PhaseName) {
		return newError(CodePhaseInvalid, KeyPhaseName, fmt.Sprintf("invalid phase name: %s", md.PhaseName))
	}
	if md.TaskKey != "" && !TaskKeyPattern.MatchString(md.TaskKey) {
		return newError(CodeTaskKeyInvalid, KeyTaskKey, fmt.Sprintf("invalid task key: %s", md.TaskKey))
	}
	if md.RetryCount != nil && (*md.RetryCount < 0 || *md.RetryCount > 3) {
		return newError(CodeRetryCountInvalid, KeyRetryCount, fmt.Sprintf("invalid retry count: %d", *md.RetryCount))
	}

	switch md.PRType {
	case PRTypeSpec, PRTypePlan:
		if md.PhaseName == "" {
			return newError(CodePhaseRequired, KeyPhaseName, KeyPhaseName+" is required for phase PR")
		}
		if md.PhaseName != md.PRType {
			return newError(CodePhaseMismatch, KeyPhaseName, "PR type and phase name must match")
		}
		if md.TaskKey != "" {
			return newError(CodeTaskKeyForbidden, KeyTaskKey, KeyTaskKey+" is not allowed for phase PR")
		}
		if md.RetryCount != nil {
			return newError(CodeRetryForbidden, KeyRetryCount, KeyRetryCount+" is not allowed in PR metadata")
		}
	case PRTypeTask:
		if md.TaskKey == "" {
			return newError(CodeTaskKeyRequired, KeyTaskKey, KeyTaskKey+" is required for task PR")
		}
		if md.PhaseName != "" {
			return newError(CodePhaseForbidden, KeyPhaseName, KeyPhaseName+" is not allowed for task PR")
		}
		if md.RetryCount != nil {
			return newError(CodeRetryForbidden, KeyRetryCount, KeyRetryCount+" is not allowed in PR metadata")
		}
	}

	switch md.IssueType {
	case IssueTypePhase:
		if md.PhaseName == "" {
			return newError(CodePhaseRequired, KeyPhaseName, KeyPhaseName+" is required for phase Issue")
		}
		if md.TaskKey != "" {
			return newError(CodeTaskKeyForbidden, KeyTaskKey, KeyTaskKey+" is not allowed for phase Issue")
		}
	case IssueTypeTask:
		if md.TaskKey == "" {
			return newError(CodeTaskKeyRequired, KeyTaskKey, KeyTaskKey+" is required for task Issue")
		}
		if md.PhaseName != "" {
			return newError(CodePhaseForbidden, KeyPhaseName, KeyPhaseName+" is not allowed for task Issue")
		}
		if md.RetryCount != nil {
			return newError(CodeRetryForbidden, KeyRetryCount, KeyRetryCount+" is not allowed for task Issue")
		}
	}

	return nil
}

// Retry returns a pointer to n, for building retry metadata inline.
func Retry(n int) *int {
	return &n
}

// Strip removes every unfenced marker block from body, along with a
// trailing "---" separator left in front of it.
func Strip(body string) string {
	lines := strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	inFence, inBlock := false, false
	for _, line := range lines {
		if !inBlock && !isBlockquote(line) && isFence(line) {
			inFence = !inFence
		}
		switch {
		case inFence || isBlockquote(line):
			out = append(out, line)
		case strings.TrimSpace(line) == BlockStart:
			inBlock = true
		case strings.TrimSpace(line) == BlockEnd:
			inBlock = false
		case !inBlock:
			out = append(out, line)
		}
	}
	s := strings.TrimRight(strings.Join(out, "\n"), " \n")
	return strings.TrimRight(strings.TrimSuffix(s, "---"), " \n")
}
