package plan

import (
	"errors"
	"fmt"
	"strings"
)

// Validation error codes.
const (
	CodeModeUnsupported      = "PLAN_MODE_UNSUPPORTED"
	CodeSchemaInvalid        = "PLAN_SCHEMA_INVALID"
	CodeRequiredFieldMissing = "PLAN_REQUIRED_FIELD_MISSING"
	CodeForbiddenAliasKey    = "PLAN_FORBIDDEN_ALIAS_KEY"
	CodeNonMachineKey        = "PLAN_FORBIDDEN_NON_MACHINE_KEY"
	CodeTaskObjectInvalid    = "PLAN_TASK_OBJECT_INVALID"
	CodeTaskIDInvalid        = "PLAN_TASK_ID_INVALID"
	CodeFieldTypeInvalid     = "PLAN_FIELD_TYPE_INVALID"
	CodeLevelInvalid         = "PLAN_LEVEL_INVALID"
	CodeDepsInvalid          = "PLAN_DEPS_INVALID"
	CodeTaskIDDuplicate      = "PLAN_TASK_ID_DUPLICATE"
	CodeDepsSelfReference    = "PLAN_DEPS_SELF_REFERENCE"
	CodeDepsRefNotFound      = "PLAN_DEPS_REF_NOT_FOUND"
	CodeDepsCycle            = "PLAN_DEPS_CYCLE"

	CodeFileNotFound  = "PLAN_FILE_NOT_FOUND"
	CodeFileReadError = "PLAN_FILE_READ_ERROR"
	CodeParseError    = "PLAN_PARSE_ERROR"

	CodeUnknown = "PLAN_UNKNOWN_ERROR"
)

// ValidationError is the first contract violation found in a plan.
type ValidationError struct {
	Code    string
	Path    string
	Message string
	Hint    string
	// Cycle holds the offending path for CodeDepsCycle.
	Cycle []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s at %s: %s", e.Code, e.Path, e.Message)
}

func fail(code, path, msg, hint string) *ValidationError {
	return &ValidationError{Code: code, Path: path, Message: msg, Hint: hint}
}

// Errors returned by document mutation.
var (
	ErrTaskNotFound     = errors.New("task not found in plan")
	ErrFieldNotMutable  = errors.New("only id and status may be changed")
	ErrDocumentNotPlain = errors.New("plan document root is not a mapping")
)

// Report is the structured form of a validation outcome, suitable for JSON
// output and for comments posted back to the parent issue.
type Report struct {
	OK      bool     `json:"ok"`
	Code    string   `json:"code,omitempty"`
	Path    string   `json:"path,omitempty"`
	Message string   `json:"message,omitempty"`
	Hint    string   `json:"hint,omitempty"`
	Cycle   []string `json:"cycle,omitempty"`
}

// FormatError converts err into a Report. A nil err yields an OK report;
// errors that are not validation errors are reported as PLAN_UNKNOWN_ERROR.
func FormatError(err error) Report {
	if err == nil {
		return Report{OK: true}
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return Report{Code: ve.Code, Path: ve.Path, Message: ve.Message, Hint: ve.Hint, Cycle: ve.Cycle}
	}
	return Report{Code: CodeUnknown, Path: "/", Message: err.Error()}
}

// Markdown renders the report as a comment body.
func (r Report) Markdown() string {
	if r.OK {
		return "### Plan validation passed\n"
	}
	var b strings.Builder
	b.WriteString("### Plan validation failed\n\n")
	fmt.Fprintf(&b, "- **Code:** `%s`\n", r.Code)
	fmt.Fprintf(&b, "- **Path:** `%s`\n", r.Path)
	fmt.Fprintf(&b, "- **Message:** %s\n", r.Message)
	if r.Hint != "" {
		fmt.Fprintf(&b, "- **Hint:** %s\n", r.Hint)
	}
	return b.String()
}
