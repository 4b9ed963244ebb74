package validation

import (
	"fmt"
	"sort"

	"github.com/rendis/scriptd/pkg/schema"
)

// ValidateCalls analyses script.run references across a set of definitions:
// cycle detection (Kahn's algorithm) and references to scripts outside the
// set. Cycles are errors; unknown targets are warnings.
func ValidateCalls(defs []*schema.ScriptDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	ids := make(map[string]bool, len(defs))
	for _, d := range defs {
		ids[d.ID] = true
	}

	// edges[id] = scripts id calls, reverse[id] = scripts calling id.
	edges := make(map[string][]string, len(defs))
	reverse := make(map[string][]string, len(defs))
	for _, d := range defs {
		seen := make(map[string]bool)
		for _, ref := range scriptRefs(d) {
			if !ids[ref.target] {
				result.AddWarning(ref.path, schema.ErrCodeValidation,
					fmt.Sprintf("script %q calls unknown script %q", d.ID, ref.target))
				continue
			}
			if seen[ref.target] || ref.target == d.ID {
				continue // self-calls are reported by the semantic stage
			}
			seen[ref.target] = true
			edges[d.ID] = append(edges[d.ID], ref.target)
			reverse[ref.target] = append(reverse[ref.target], d.ID)
		}
	}

	// Kahn's algorithm over callees first.
	outDegree := make(map[string]int, len(ids))
	for id := range ids {
		outDegree[id] = len(edges[id])
	}

	queue := make([]string, 0, len(ids))
	for id, deg := range outDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, caller := range reverse[node] {
			outDegree[caller]--
			if outDegree[caller] == 0 {
				queue = append(queue, caller)
			}
		}
	}

	if visited != len(ids) {
		var cyclic []string
		for id, deg := range outDegree {
			if deg > 0 {
				cyclic = append(cyclic, id)
			}
		}
		sort.Strings(cyclic)
		result.AddError("", schema.ErrCodeValidation,
			fmt.Sprintf("script.run call cycle among %v", cyclic))
	}

	return result
}

type scriptRef struct {
	path   string
	target string
}

// scriptRefs lists the literal script.run targets of def.
func scriptRefs(def *schema.ScriptDefinition) []scriptRef {
	var refs []scriptRef
	var walk func(steps []schema.Step)
	walk = func(steps []schema.Step) {
		for _, step := range steps {
			switch a := step.Action.(type) {
			case *schema.CallAction:
				if a.Action != scriptRunAction {
					continue
				}
				if id, _ := a.Data["script_id"].(string); id != "" && !schema.IsTemplate(id) {
					refs = append(refs, scriptRef{path: def.ID + ":" + step.Path, target: id})
				}
			case *schema.Repeat:
				walk(a.Sequence)
			case *schema.Choose:
				for _, opt := range a.Options {
					walk(opt.Sequence)
				}
				walk(a.Default)
			case *schema.IfThenElse:
				walk(a.Then)
				walk(a.Else)
			case *schema.Parallel:
				for _, b := range a.Branches {
					walk(b)
				}
			case *schema.Sequence:
				walk(a.Steps)
			}
		}
	}
	walk(schema.ParseSequence(def.Sequence, "", &schema.ValidationResult{}))
	return refs
}
