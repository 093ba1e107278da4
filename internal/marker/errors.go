package marker

import (
	"errors"
	"fmt"
)

// Error codes. They are stable and surface in comments and CLI output.
const (
	CodeBlockMissing      = "AGENT_MARKER_BLOCK_MISSING"
	CodeBlockDuplicate    = "AGENT_MARKER_BLOCK_DUPLICATE"
	CodeBlockInvalid      = "AGENT_MARKER_BLOCK_INVALID"
	CodeBlockEmpty        = "AGENT_MARKER_BLOCK_EMPTY"
	CodeLineInvalid       = "AGENT_MARKER_LINE_INVALID"
	CodeUnknownField      = "AGENT_MARKER_UNKNOWN_FIELD"
	CodeDuplicateField    = "AGENT_MARKER_DUPLICATE_FIELD"
	CodeSchemaUnsupported = "AGENT_SCHEMA_UNSUPPORTED"
	CodeParentInvalid     = "AGENT_MARKER_PARENT_INVALID"
	CodePRTypeMissing     = "AGENT_MARKER_PR_TYPE_MISSING"
	CodeIssueTypeMissing  = "AGENT_MARKER_ISSUE_TYPE_MISSING"
	CodeContextConflict   = "AGENT_MARKER_CONTEXT_CONFLICT"
	CodeContextMissing    = "AGENT_MARKER_CONTEXT_MISSING"
	CodePRTypeInvalid     = "AGENT_MARKER_PR_TYPE_INVALID"
	CodeIssueTypeInvalid  = "AGENT_MARKER_ISSUE_TYPE_INVALID"
	CodePhaseInvalid      = "AGENT_MARKER_PHASE_INVALID"
	CodeTaskKeyInvalid    = "AGENT_MARKER_TASK_KEY_INVALID"
	CodeRetryCountInvalid = "AGENT_MARKER_RETRY_COUNT_INVALID"
	CodePhaseRequired     = "AGENT_MARKER_PHASE_REQUIRED"
	CodePhaseMismatch     = "AGENT_MARKER_PHASE_MISMATCH"
	CodeTaskKeyForbidden  = "AGENT_MARKER_TASK_KEY_FORBIDDEN"
	CodeTaskKeyRequired   = "AGENT_MARKER_TASK_KEY_REQUIRED"
	CodePhaseForbidden    = "AGENT_MARKER_PHASE_FORBIDDEN"
	CodeRetryForbidden    = "AGENT_MARKER_RETRY_FORBIDDEN"
)

// Error is a marker parse or validation failure.
type Error struct {
	Code    string
	Field   string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newError(code, field, msg string) *Error {
	return &Error{Code: code, Field: field, Message: msg}
}

// CodeOf returns the marker error code carried by err, or "" if err is not
// a marker error.
func CodeOf(err error) string {
	var me *Error
	if errors.As(err, &me) {
		return me.Code
	}
	return ""
}
