package validation

import (
	"fmt"

	"github.com/rendis/scriptd/internal/triggers"
	"github.com/rendis/scriptd/pkg/schema"
)

const scriptRunAction = "script.run"

// validateSemantic checks what the parser cannot: registered action names,
// self-calls through script.run, known trigger platforms and nodes that can
// never run because an unconditional stop precedes them.
func validateSemantic(def *schema.ScriptDefinition, lookup ActionLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	// Shape errors belong to the engine's own parse; only the steps matter here.
	steps := schema.ParseSequence(def.Sequence, "", &schema.ValidationResult{})
	checkSteps(def.ID, steps, lookup, result)
	return result
}

func checkSteps(scriptID string, steps []schema.Step, lookup ActionLookup, result *schema.ValidationResult) {
	for i, step := range steps {
		checkStep(scriptID, step, lookup, result)

		if stop, ok := step.Action.(*schema.Stop); ok && step.Enabled == nil && i < len(steps)-1 {
			kind := "stop"
			if stop.Error {
				kind = "error stop"
			}
			result.AddWarning(steps[i+1].Path, schema.ErrCodeValidation,
				fmt.Sprintf("unreachable: %s at %s always ends the run first", kind, step.Path))
		}
	}
}

func checkStep(scriptID string, step schema.Step, lookup ActionLookup, result *schema.ValidationResult) {
	switch a := step.Action.(type) {
	case *schema.CallAction:
		if schema.IsTemplate(a.Action) {
			return
		}
		if lookup != nil && !lookup.Has(a.Action) {
			result.AddError(step.Path, schema.ErrCodeActionNotFound,
				fmt.Sprintf("action %q not registered", a.Action))
		}
		if a.Action == scriptRunAction {
			if id, _ := a.Data["script_id"].(string); id != "" && id == scriptID {
				result.AddError(step.Path, schema.ErrCodeValidation,
					fmt.Sprintf("script %q cannot run itself", id))
			}
		}
	case *schema.WaitForTrigger:
		for j, t := range a.Triggers {
			switch t.Platform {
			case triggers.PlatformEvent, triggers.PlatformCron, triggers.PlatformTimePattern:
			default:
				if !schema.IsTemplate(t.Platform) {
					result.AddError(fmt.Sprintf("%s/wait_for_trigger/%d", step.Path, j), schema.ErrCodeAttach,
						fmt.Sprintf("unknown trigger platform %q", t.Platform))
				}
			}
		}
	case *schema.Repeat:
		checkSteps(scriptID, a.Sequence, lookup, result)
	case *schema.Choose:
		for _, opt := range a.Options {
			checkSteps(scriptID, opt.Sequence, lookup, result)
		}
		checkSteps(scriptID, a.Default, lookup, result)
	case *schema.IfThenElse:
		checkSteps(scriptID, a.Then, lookup, result)
		checkSteps(scriptID, a.Else, lookup, result)
	case *schema.Parallel:
		for _, branch := range a.Branches {
			checkSteps(scriptID, branch, lookup, result)
		}
	case *schema.Sequence:
		checkSteps(scriptID, a.Steps, lookup, result)
	}
}
