package validation

import (
	"context"
	"testing"

	"github.com/rendis/scriptd/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type mockActionLookup map[string]bool

func (m mockActionLookup) Has(name string) bool { return m[name] }

func lookup(names ...string) mockActionLookup {
	m := mockActionLookup{}
	for _, n := range names {
		m[n] = true
	}
	return m
}

func definition(t *testing.T, src string) *schema.ScriptDefinition {
	t.Helper()
	var def schema.ScriptDefinition
	require.NoError(t, yaml.Unmarshal([]byte(src), &def))
	def.ApplyDefaults()
	return &def
}

func newScriptValidator(t *testing.T, l ActionLookup) *ScriptValidator {
	t.Helper()
	sv, err := NewScriptValidator(l)
	require.NoError(t, err)
	return sv
}

func TestScriptValidator_Valid(t *testing.T) {
	def := definition(t, `
id: porch
mode: parallel
max: 4
sequence:
  - action: light.turn_on
    target: {entity_id: light.porch}
  - wait_for_trigger:
      - platform: event
        event_type: doorbell
    timeout: 10
  - choose:
      - conditions: "x > 1"
        sequence:
          - action: "{{ service }}"
`)
	result := newScriptValidator(t, lookup("light.turn_on")).Validate(context.Background(), def)
	assert.True(t, result.Valid(), "%v", result.Errors)
	assert.Empty(t, result.Warnings)
}

func TestScriptValidator_NilDefinition(t *testing.T) {
	result := newScriptValidator(t, nil).Validate(context.Background(), nil)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "nil")
}

func TestScriptValidator_StructuralShortCircuits(t *testing.T) {
	def := definition(t, `
id: porch
mode: burst
sequence:
  - action: light.missing
`)
	result := newScriptValidator(t, lookup()).Validate(context.Background(), def)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "/mode")
}

func TestScriptValidator_NilLookupSkipsActionCheck(t *testing.T) {
	def := definition(t, `
id: porch
sequence:
  - action: light.missing
`)
	assert.True(t, newScriptValidator(t, nil).Validate(context.Background(), def).Valid())
}

func TestSemantic_NestedUnregisteredAction(t *testing.T) {
	def := definition(t, `
id: porch
sequence:
  - repeat:
      count: 2
      sequence:
        - parallel:
            - action: light.turn_on
            - action: light.missing
`)
	result := validateSemantic(def, lookup("light.turn_on"))
	require.Len(t, result.Errors, 1)
	assert.Equal(t, schema.ErrCodeActionNotFound, result.Errors[0].Code)
	assert.Equal(t, "0/repeat/sequence/0/parallel/1/sequence/0", result.Errors[0].Path)
}

func TestSemantic_SelfCall(t *testing.T) {
	def := definition(t, `
id: porch
sequence:
  - action: script.run
    data: {script_id: porch}
`)
	result := validateSemantic(def, nil)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "cannot run itself")
}

func TestSemantic_UnknownTriggerPlatform(t *testing.T) {
	def := definition(t, `
id: porch
sequence:
  - wait_for_trigger:
      - platform: event
        event_type: a
      - platform: zone
`)
	result := validateSemantic(def, nil)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "0/wait_for_trigger/1", result.Errors[0].Path)
	assert.Equal(t, schema.ErrCodeAttach, result.Errors[0].Code)
}

func TestSemantic_UnreachableAfterStop(t *testing.T) {
	def := definition(t, `
id: porch
sequence:
  - if: "x"
    then:
      - stop: done
      - event: never
  - stop: bail
    enabled: "{{ flag }}"
  - event: maybe
`)
	result := validateSemantic(def, nil)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "0/then/1", result.Warnings[0].Path)
	assert.Contains(t, result.Warnings[0].Message, "unreachable")
}
