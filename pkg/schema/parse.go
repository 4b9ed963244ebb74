package schema

import (
	"fmt"
	"sort"
	"strings"
)

// IsTemplate reports whether s must be rendered before use.
func IsTemplate(s string) bool {
	return strings.Contains(s, "{{") || strings.HasPrefix(strings.TrimSpace(s), "jq:")
}

// ParseSequence converts raw nodes into typed Steps rooted at prefix ("" for
// the top level), recording every problem in r. The returned steps are only
// meaningful when r is valid.
func ParseSequence(raw any, prefix string, r *ValidationResult) []Step {
	items, ok := asList(raw)
	if !ok {
		r.AddErrorf(prefix, "expected a list of actions, got %T", raw)
		return nil
	}
	steps := make([]Step, 0, len(items))
	for i, item := range items {
		if step, ok := parseStep(item, joinPath(prefix, fmt.Sprint(i)), r); ok {
			steps = append(steps, step)
		}
	}
	return steps
}

func joinPath(prefix string, segs ...string) string {
	all := make([]string, 0, len(segs)+1)
	if prefix != "" {
		all = append(all, prefix)
	}
	all = append(all, segs...)
	return strings.Join(all, "/")
}

var commonKeys = []string{"alias", "enabled", "continue_on_error"}

func parseStep(raw any, path string, r *ValidationResult) (Step, bool) {
	m, ok := raw.(map[string]any)
	if !ok {
		r.AddErrorf(path, "expected an action mapping, got %T", raw)
		return Step{}, false
	}

	step := Step{Path: path}
	errCount := len(r.Errors)

	if v, ok := m["alias"]; ok {
		s, isStr := v.(string)
		if !isStr {
			r.AddErrorf(path, "alias must be a string")
		}
		step.Alias = s
	}
	if v, ok := m["enabled"]; ok {
		switch e := v.(type) {
		case bool:
			step.Enabled = e
		case string:
			if !IsTemplate(e) {
				r.AddErrorf(path, "enabled must be a boolean or a template")
			}
			step.Enabled = e
		default:
			r.AddErrorf(path, "enabled must be a boolean or a template")
		}
	}
	step.ContinueOnError = boolField(m, "continue_on_error", false, path, r)

	kind, found := detectKind(m)
	if !found {
		r.AddErrorf(path, "unable to determine action type from keys %v", sortedKeys(m))
		return step, false
	}

	switch kind {
	case KindCallAction:
		step.Action = parseCallAction(m, path, r)
	case KindFireEvent:
		checkKeys(m, path, r, "event", "event_data")
		step.Action = &FireEvent{
			Event:     stringField(m, "event", true, path, r),
			EventData: mapField(m, "event_data", path, r),
		}
	case KindDelay:
		checkKeys(m, path, r, "delay")
		checkDuration(m["delay"], path, r)
		step.Action = &Delay{Duration: m["delay"]}
	case KindWaitTemplate:
		checkKeys(m, path, r, "wait_template", "timeout", "continue_on_timeout")
		if v, ok := m["timeout"]; ok {
			checkDuration(v, path, r)
		}
		step.Action = &WaitTemplate{
			Template:          stringField(m, "wait_template", true, path, r),
			Timeout:           m["timeout"],
			ContinueOnTimeout: boolField(m, "continue_on_timeout", true, path, r),
		}
	case KindWaitForTrigger:
		checkKeys(m, path, r, "wait_for_trigger", "timeout", "continue_on_timeout")
		if v, ok := m["timeout"]; ok {
			checkDuration(v, path, r)
		}
		step.Action = &WaitForTrigger{
			Triggers:          parseTriggers(m["wait_for_trigger"], path, r),
			Timeout:           m["timeout"],
			ContinueOnTimeout: boolField(m, "continue_on_timeout", true, path, r),
		}
	case KindCondition:
		cond, _ := parseCondition(withoutKeys(m, commonKeys...), path, r)
		step.Action = &Condition{Condition: cond}
	case KindSetVariables:
		checkKeys(m, path, r, "variables")
		vars := mapField(m, "variables", path, r)
		if vars == nil {
			r.AddErrorf(path, "variables must be a non-empty mapping")
		}
		step.Action = &SetVariables{Variables: vars}
	case KindRepeat:
		checkKeys(m, path, r, "repeat")
		step.Action = parseRepeat(m["repeat"], path, r)
	case KindChoose:
		checkKeys(m, path, r, "choose", "default")
		step.Action = parseChoose(m, path, r)
	case KindIfThenElse:
		checkKeys(m, path, r, "if", "then", "else")
		a := &IfThenElse{If: parseConditions(m["if"], joinPath(path, "if", "condition"), r)}
		if _, ok := m["then"]; !ok {
			r.AddErrorf(path, "if requires a then sequence")
		} else {
			a.Then = ParseSequence(m["then"], joinPath(path, "then"), r)
		}
		if v, ok := m["else"]; ok {
			a.Else = ParseSequence(v, joinPath(path, "else"), r)
		}
		step.Action = a
	case KindParallel:
		checkKeys(m, path, r, "parallel")
		step.Action = parseParallel(m["parallel"], path, r)
	case KindSequence:
		checkKeys(m, path, r, "sequence")
		step.Action = &Sequence{Steps: ParseSequence(m["sequence"], joinPath(path, "sequence"), r)}
	case KindStop:
		checkKeys(m, path, r, "stop", "error", "response_variable")
		step.Action = &Stop{
			Message:          stringField(m, "stop", false, path, r),
			Error:            boolField(m, "error", false, path, r),
			ResponseVariable: stringField(m, "response_variable", false, path, r),
		}
	}

	return step, len(r.Errors) == errCount
}

// detectKind picks the variant from the keys present, in the same precedence
// order used for script actions.
func detectKind(m map[string]any) (ActionKind, bool) {
	order := []struct {
		key  string
		kind ActionKind
	}{
		{"delay", KindDelay},
		{"wait_template", KindWaitTemplate},
		{"wait_for_trigger", KindWaitForTrigger},
		{"condition", KindCondition},
		{"and", KindCondition},
		{"or", KindCondition},
		{"not", KindCondition},
		{"event", KindFireEvent},
		{"action", KindCallAction},
		{"service", KindCallAction},
		{"variables", KindSetVariables},
		{"repeat", KindRepeat},
		{"choose", KindChoose},
		{"if", KindIfThenElse},
		{"parallel", KindParallel},
		{"sequence", KindSequence},
		{"stop", KindStop},
	}
	for _, o := range order {
		if _, ok := m[o.key]; ok {
			return o.kind, true
		}
	}
	return "", false
}

func parseCallAction(m map[string]any, path string, r *ValidationResult) *CallAction {
	checkKeys(m, path, r, "action", "service", "data", "target", "response_variable")
	key := "action"
	if _, ok := m["action"]; !ok {
		key = "service"
	}
	name := stringField(m, key, true, path, r)
	if name != "" && !IsTemplate(name) {
		if dot := strings.Index(name, "."); dot <= 0 || dot == len(name)-1 {
			r.AddErrorf(path, "action %q must be in domain.name form", name)
		}
	}
	return &CallAction{
		Action:           name,
		Data:             mapField(m, "data", path, r),
		Target:           mapField(m, "target", path, r),
		ResponseVariable: stringField(m, "response_variable", false, path, r),
	}
}

func parseRepeat(raw any, path string, r *ValidationResult) *Repeat {
	m, ok := raw.(map[string]any)
	if !ok {
		r.AddErrorf(path, "repeat must be a mapping")
		return &Repeat{}
	}
	checkKeys(m, path, r, "count", "while", "until", "for_each", "sequence")

	a := &Repeat{}
	var modes []RepeatMode
	if v, ok := m["count"]; ok {
		modes = append(modes, RepeatCount)
		a.Count = v
		if s, isStr := v.(string); !isStr || !IsTemplate(s) {
			if n, err := ToInt(v); err != nil || n < 0 {
				r.AddErrorf(path, "repeat count must be a non-negative integer or a template")
			}
		}
	}
	if v, ok := m["while"]; ok {
		modes = append(modes, RepeatWhile)
		a.While = parseConditions(v, joinPath(path, "repeat", "while"), r)
	}
	if v, ok := m["until"]; ok {
		modes = append(modes, RepeatUntil)
		a.Until = parseConditions(v, joinPath(path, "repeat", "until"), r)
	}
	if v, ok := m["for_each"]; ok {
		modes = append(modes, RepeatForEach)
		a.ForEach = v
	}
	if len(modes) != 1 {
		r.AddErrorf(path, "repeat requires exactly one of count, while, until, for_each")
	} else {
		a.Mode = modes[0]
	}

	if _, ok := m["sequence"]; !ok {
		r.AddErrorf(path, "repeat requires a sequence")
	} else {
		a.Sequence = ParseSequence(m["sequence"], joinPath(path, "repeat", "sequence"), r)
	}
	return a
}

func parseChoose(m map[string]any, path string, r *ValidationResult) *Choose {
	a := &Choose{}
	options, ok := asList(m["choose"])
	if !ok {
		r.AddErrorf(path, "choose must be a list of options")
		return a
	}
	for i, raw := range options {
		opt, ok := raw.(map[string]any)
		optPath := joinPath(path, "choose", fmt.Sprint(i))
		if !ok {
			r.AddErrorf(optPath, "choose option must be a mapping")
			continue
		}
		checkKeys(opt, optPath, r, "alias", "conditions", "sequence")
		if _, ok := opt["sequence"]; !ok {
			r.AddErrorf(optPath, "choose option requires a sequence")
		}
		a.Options = append(a.Options, ChooseOption{
			Conditions: parseConditions(opt["conditions"], joinPath(optPath, "conditions"), r),
			Sequence:   ParseSequence(opt["sequence"], joinPath(optPath, "sequence"), r),
		})
	}
	if v, ok := m["default"]; ok {
		a.Default = ParseSequence(v, joinPath(path, "default"), r)
	}
	return a
}

func parseParallel(raw any, path string, r *ValidationResult) *Parallel {
	a := &Parallel{}
	branches, ok := asList(raw)
	if !ok || len(branches) == 0 {
		r.AddErrorf(path, "parallel must be a non-empty list")
		return a
	}
	for i, b := range branches {
		branchPath := joinPath(path, "parallel", fmt.Sprint(i), "sequence")
		if bm, ok := b.(map[string]any); ok {
			if seq, ok := bm["sequence"]; ok && len(withoutKeys(bm, "sequence", "alias")) == 0 {
				a.Branches = append(a.Branches, ParseSequence(seq, branchPath, r))
				continue
			}
		}
		if step, ok := parseStep(b, joinPath(branchPath, "0"), r); ok {
			a.Branches = append(a.Branches, []Step{step})
		}
	}
	return a
}

func parseConditions(raw any, path string, r *ValidationResult) []ConditionSpec {
	if raw == nil {
		return nil
	}
	items, ok := asList(raw)
	if !ok {
		items = []any{raw}
	}
	conds := make([]ConditionSpec, 0, len(items))
	for i, item := range items {
		if c, ok := parseCondition(item, joinPath(path, fmt.Sprint(i)), r); ok {
			conds = append(conds, c)
		}
	}
	return conds
}

func parseCondition(raw any, path string, r *ValidationResult) (ConditionSpec, bool) {
	switch v := raw.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			r.AddErrorf(path, "condition template is empty")
			return ConditionSpec{}, false
		}
		return ConditionSpec{Kind: ConditionTemplate, Template: v}, true
	case bool:
		return ConditionSpec{Kind: ConditionTemplate, Template: fmt.Sprint(v)}, true
	case map[string]any:
		alias, _ := v["alias"].(string)
		if c, ok := v["condition"]; ok {
			kind, _ := c.(string)
			switch ConditionKind(kind) {
			case ConditionTemplate:
				tpl := stringField(v, "value_template", true, path, r)
				return ConditionSpec{Kind: ConditionTemplate, Alias: alias, Template: tpl}, tpl != ""
			case ConditionAnd, ConditionOr, ConditionNot:
				return ConditionSpec{
					Kind:       ConditionKind(kind),
					Alias:      alias,
					Conditions: parseConditions(v["conditions"], joinPath(path, "conditions"), r),
				}, true
			}
			if IsTemplate(kind) {
				return ConditionSpec{Kind: ConditionTemplate, Alias: alias, Template: kind}, true
			}
			r.AddErrorf(path, "unknown condition type %v", c)
			return ConditionSpec{}, false
		}
		for _, k := range []ConditionKind{ConditionAnd, ConditionOr, ConditionNot} {
			if nested, ok := v[string(k)]; ok {
				return ConditionSpec{
					Kind:       k,
					Alias:      alias,
					Conditions: parseConditions(nested, joinPath(path, "conditions"), r),
				}, true
			}
		}
	}
	r.AddErrorf(path, "invalid condition %v", raw)
	return ConditionSpec{}, false
}

func parseTriggers(raw any, path string, r *ValidationResult) []TriggerSpec {
	items, ok := asList(raw)
	if !ok {
		items = []any{raw}
	}
	if len(items) == 0 {
		r.AddErrorf(path, "wait_for_trigger requires at least one trigger")
	}
	specs := make([]TriggerSpec, 0, len(items))
	for i, item := range items {
		tPath := joinPath(path, "wait_for_trigger", fmt.Sprint(i))
		m, ok := item.(map[string]any)
		if !ok {
			r.AddErrorf(tPath, "trigger must be a mapping")
			continue
		}
		platform, _ := m["platform"].(string)
		if platform == "" {
			platform, _ = m["trigger"].(string)
		}
		if platform == "" {
			r.AddErrorf(tPath, "trigger requires a platform")
		}
		specs = append(specs, TriggerSpec{
			Platform:  platform,
			ID:        stringField(m, "id", false, tPath, r),
			EventType: stringField(m, "event_type", false, tPath, r),
			EventData: mapField(m, "event_data", tPath, r),
			Cron:      stringField(m, "cron", false, tPath, r),
			EntityID:  stringField(m, "entity_id", false, tPath, r),
			To:        m["to"],
			From:      m["from"],
		})
	}
	return specs
}

func checkDuration(v any, path string, r *ValidationResult) {
	if s, ok := v.(string); ok && IsTemplate(s) {
		return
	}
	if _, err := ParseDuration(v); err != nil {
		r.AddErrorf(path, "%s", err.Error())
	}
}

func checkKeys(m map[string]any, path string, r *ValidationResult, allowed ...string) {
	ok := make(map[string]struct{}, len(allowed)+len(commonKeys))
	for _, k := range append(allowed, commonKeys...) {
		ok[k] = struct{}{}
	}
	for _, k := range sortedKeys(m) {
		if _, found := ok[k]; !found {
			r.AddErrorf(path, "unexpected key %q", k)
		}
	}
}

func withoutKeys(m map[string]any, keys ...string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []map[string]any:
		out := make([]any, len(l))
		for i, item := range l {
			out[i] = item
		}
		return out, true
	case map[string]any:
		return []any{l}, true
	}
	return nil, false
}

func stringField(m map[string]any, key string, required bool, path string, r *ValidationResult) string {
	v, ok := m[key]
	if !ok || v == nil {
		if required {
			r.AddErrorf(path, "%s is required", key)
		}
		return ""
	}
	s, isStr := v.(string)
	if !isStr {
		r.AddErrorf(path, "%s must be a string", key)
		return ""
	}
	if required && s == "" {
		r.AddErrorf(path, "%s must not be empty", key)
	}
	return s
}

func boolField(m map[string]any, key string, def bool, path string, r *ValidationResult) bool {
	v, ok := m[key]
	if !ok {
		return def
	}
	b, isBool := v.(bool)
	if !isBool {
		r.AddErrorf(path, "%s must be a boolean", key)
		return def
	}
	return b
}

func mapField(m map[string]any, key string, path string, r *ValidationResult) map[string]any {
	v, ok := m[key]
	if !ok || v == nil {
		return nil
	}
	mm, isMap := v.(map[string]any)
	if !isMap {
		r.AddErrorf(path, "%s must be a mapping", key)
		return nil
	}
	return mm
}
