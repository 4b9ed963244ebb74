package validation

import (
	"context"
	"errors"

	"github.com/rendis/scriptd/pkg/schema"
)

// ActionLookup reports whether an action is registered. Satisfied by
// *actions.Registry.
type ActionLookup interface {
	Has(name string) bool
}

// ScriptValidator runs the two-stage check of a definition before the
// engine parses it:
// 1. Structural (JSON Schema over the metadata)
// 2. Semantic (action refs, trigger platforms, unreachable nodes)
type ScriptValidator struct {
	jsonSchema *JSONSchemaValidator
	actions    ActionLookup
}

// NewScriptValidator creates a ScriptValidator. lookup may be nil to skip
// action existence checks.
func NewScriptValidator(lookup ActionLookup) (*ScriptValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &ScriptValidator{jsonSchema: jsv, actions: lookup}, nil
}

// Validate returns the aggregated result. Structural errors skip the
// semantic stage.
func (sv *ScriptValidator) Validate(_ context.Context, def *schema.ScriptDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("", schema.ErrCodeValidation, "script definition is nil")
		return r
	}

	result := validateStructural(sv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def, sv.actions))
	return result
}

// ValidateInput delegates to the underlying JSONSchemaValidator.
func (sv *ScriptValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	return sv.jsonSchema.ValidateInput(input, inputSchema)
}

func validateStructural(v *JSONSchemaValidator, def *schema.ScriptDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	var se *schema.ScriptError
	if !errors.As(err, &se) {
		result.AddError("", schema.ErrCodeValidation, err.Error())
		return result
	}
	if issues, ok := se.Details["issues"].([]schema.ValidationIssue); ok {
		result.Errors = append(result.Errors, issues...)
		return result
	}
	result.AddError("", schema.ErrCodeValidation, se.Message)
	return result
}
