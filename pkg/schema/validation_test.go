package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
}

func TestValidationResult_AddError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("0", ErrCodeValidation, "action is required")

	assert.False(t, r.Valid())
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "0", r.Errors[0].Path)
	assert.Equal(t, ErrCodeValidation, r.Errors[0].Code)
	assert.Equal(t, "action is required", r.Errors[0].Message)
	assert.Equal(t, SeverityError, r.Errors[0].Severity)
}

func TestValidationResult_AddWarning(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("max", ErrCodeValidation, "max is ignored in single mode")

	assert.True(t, r.Valid(), "warnings alone should not make result invalid")
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
}

func TestValidationResult_Merge(t *testing.T) {
	r1 := &ValidationResult{}
	r1.AddError("", ErrCodeValidation, "err1")
	r1.AddWarning("", ErrCodeValidation, "warn1")

	r2 := &ValidationResult{}
	r2.AddErrorf("1/repeat/sequence/0", "bad %s", "delay")
	r2.AddWarning("2", ErrCodeValidation, "warn2")

	r1.Merge(r2)

	assert.Len(t, r1.Errors, 2)
	assert.Len(t, r1.Warnings, 2)
	assert.Equal(t, "bad delay", r1.Errors[1].Message)
}

func TestValidationResult_MergeNil(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("", ErrCodeValidation, "err")
	r.Merge(nil)
	assert.Len(t, r.Errors, 1)
}

func TestValidationResult_ToError_Valid(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("", ErrCodeValidation, "just a warning")
	assert.Nil(t, r.ToError())
}

func TestValidationResult_ToError_SingleError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("0", ErrCodeValidation, "action is required")

	err := r.ToError()
	require.NotNil(t, err)

	var se *ScriptError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, ErrCodeValidation, se.Code)
	assert.Equal(t, "0: action is required", se.Message)
	assert.Equal(t, 1, se.Details["error_count"])
}

func TestValidationResult_ToError_MultipleErrors(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("0", ErrCodeValidation, "err1")
	r.AddError("1", ErrCodeValidation, "err2")
	r.AddWarning("", ErrCodeValidation, "warn1")

	err := r.ToError()
	require.NotNil(t, err)

	var se *ScriptError
	require.True(t, errors.As(err, &se))
	assert.Contains(t, se.Message, "2 errors")
	assert.Contains(t, se.Message, "1: err2")
	assert.Equal(t, 2, se.Details["error_count"])
	assert.Equal(t, 1, se.Details["warning_count"])
}

func TestScriptError_PathAndCode(t *testing.T) {
	cause := errors.New("boom")
	err := NewError(ErrCodeActionExecution, "light.turn_on failed").
		WithPath("1/repeat/sequence/0").
		WithCause(cause)

	assert.Equal(t, "[ACTION_EXECUTION_ERROR] at 1/repeat/sequence/0: light.turn_on failed", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsCode(err, ErrCodeActionExecution))
	assert.False(t, IsCode(nil, ErrCodeActionExecution))

	// The innermost path is kept.
	err.WithPath("1")
	assert.Equal(t, "1/repeat/sequence/0", err.Path)
}

func TestValidationResult_Issues(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("2", ErrCodeValidation, "w")
	r.AddError("0", ErrCodeActionNotFound, "e")

	issues := r.Issues()
	require.Len(t, issues, 2)
	assert.Equal(t, SeverityError, issues[0].Severity)
	assert.Equal(t, "2: w", issues[1].String())
}
