package schema

import (
	"fmt"
	"strings"
)

// ValidationSeverity separates issues that reject a definition from ones
// that are only reported.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is a single problem found while loading a definition.
// Path is the node path ("1/repeat/sequence/0") or a field name.
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

func (i ValidationIssue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// ValidationResult collects the issues of one or more definitions.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid reports whether no error was recorded. Warnings do not count.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityError})
}

// AddErrorf records a VALIDATION_ERROR with a formatted message.
func (r *ValidationResult) AddErrorf(path, format string, args ...any) {
	r.AddError(path, ErrCodeValidation, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityWarning})
}

// Merge appends the issues of other. A nil other is ignored.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// Issues returns errors followed by warnings.
func (r *ValidationResult) Issues() []ValidationIssue {
	out := make([]ValidationIssue, 0, len(r.Errors)+len(r.Warnings))
	out = append(out, r.Errors...)
	return append(out, r.Warnings...)
}

// ToError returns nil for a valid result. Otherwise it returns a
// VALIDATION_ERROR naming every error; the issues ride along in Details.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	var msg string
	if len(r.Errors) == 1 {
		msg = r.Errors[0].String()
	} else {
		parts := make([]string, len(r.Errors))
		for i, issue := range r.Errors {
			parts[i] = issue.String()
		}
		msg = fmt.Sprintf("validation failed with %d errors: %s", len(r.Errors), strings.Join(parts, "; "))
	}

	return NewError(ErrCodeValidation, msg).WithDetails(map[string]any{
		"error_count":   len(r.Errors),
		"warning_count": len(r.Warnings),
		"errors":        r.Errors,
		"warnings":      r.Warnings,
	})
}
