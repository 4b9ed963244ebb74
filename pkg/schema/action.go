package schema

// ActionKind names an Action Node variant.
type ActionKind string

const (
	KindCallAction     ActionKind = "call_action"
	KindFireEvent      ActionKind = "fire_event"
	KindDelay          ActionKind = "delay"
	KindWaitTemplate   ActionKind = "wait_template"
	KindWaitForTrigger ActionKind = "wait_for_trigger"
	KindCondition      ActionKind = "condition"
	KindSetVariables   ActionKind = "variables"
	KindRepeat         ActionKind = "repeat"
	KindChoose         ActionKind = "choose"
	KindIfThenElse     ActionKind = "if"
	KindParallel       ActionKind = "parallel"
	KindSequence       ActionKind = "sequence"
	KindStop           ActionKind = "stop"
)

// Step is one node of a script tree: the common envelope plus the variant.
type Step struct {
	// Path is the structural address of the node, e.g. "1/repeat/sequence/0".
	Path string `json:"path"`
	// Alias is a human label used in logs and traces.
	Alias string `json:"alias,omitempty"`
	// Enabled is nil (enabled), a bool, or a template string.
	Enabled         any    `json:"enabled,omitempty"`
	ContinueOnError bool   `json:"continue_on_error,omitempty"`
	Action          Action `json:"-"`
}

// Label returns the alias or, when unset, the action kind.
func (s Step) Label() string {
	if s.Alias != "" {
		return s.Alias
	}
	if s.Action == nil {
		return ""
	}
	return string(s.Action.Kind())
}

// Action is the closed set of node variants. Only types in this package
// implement it.
type Action interface {
	Kind() ActionKind
	isAction()
}

// CallAction invokes "domain.name" through the action registry.
type CallAction struct {
	Action           string         `json:"action"`
	Data             map[string]any `json:"data,omitempty"`
	Target           map[string]any `json:"target,omitempty"`
	ResponseVariable string         `json:"response_variable,omitempty"`
}

// FireEvent publishes an event on the bus.
type FireEvent struct {
	Event     string         `json:"event"`
	EventData map[string]any `json:"event_data,omitempty"`
}

// Delay suspends the run for a (possibly templated) duration.
type Delay struct {
	Duration any `json:"delay"`
}

// WaitTemplate suspends until a template renders truthy.
type WaitTemplate struct {
	Template          string `json:"wait_template"`
	Timeout           any    `json:"timeout,omitempty"`
	ContinueOnTimeout bool   `json:"continue_on_timeout"`
}

// WaitForTrigger suspends until any of the triggers fires.
type WaitForTrigger struct {
	Triggers          []TriggerSpec `json:"wait_for_trigger"`
	Timeout           any           `json:"timeout,omitempty"`
	ContinueOnTimeout bool          `json:"continue_on_timeout"`
}

// Condition halts the run (aborted, not an error) when false.
type Condition struct {
	Condition ConditionSpec `json:"condition"`
}

// SetVariables writes rendered values into the current scope.
type SetVariables struct {
	Variables map[string]any `json:"variables"`
}

// RepeatMode selects which repeat field drives iteration.
type RepeatMode string

const (
	RepeatCount   RepeatMode = "count"
	RepeatWhile   RepeatMode = "while"
	RepeatUntil   RepeatMode = "until"
	RepeatForEach RepeatMode = "for_each"
)

// Repeat runs Sequence multiple times. Exactly one of Count, While, Until,
// ForEach is set, as recorded by Mode.
type Repeat struct {
	Mode     RepeatMode      `json:"mode"`
	Count    any             `json:"count,omitempty"`
	While    []ConditionSpec `json:"while,omitempty"`
	Until    []ConditionSpec `json:"until,omitempty"`
	ForEach  any             `json:"for_each,omitempty"`
	Sequence []Step          `json:"sequence"`
}

// ChooseOption is one guarded branch of a choose node.
type ChooseOption struct {
	Conditions []ConditionSpec `json:"conditions"`
	Sequence   []Step          `json:"sequence"`
}

// Choose runs the first option whose conditions all hold.
type Choose struct {
	Options []ChooseOption `json:"choose"`
	Default []Step         `json:"default,omitempty"`
}

// IfThenElse runs Then when every condition in If holds, otherwise Else.
type IfThenElse struct {
	If   []ConditionSpec `json:"if"`
	Then []Step          `json:"then"`
	Else []Step          `json:"else,omitempty"`
}

// Parallel runs each branch concurrently.
type Parallel struct {
	Branches [][]Step `json:"parallel"`
}

// Sequence runs nested steps in their own scope.
type Sequence struct {
	Steps []Step `json:"sequence"`
}

// Stop ends the run. With Error set the run is aborted.
type Stop struct {
	Message          string `json:"stop"`
	Error            bool   `json:"error,omitempty"`
	ResponseVariable string `json:"response_variable,omitempty"`
}

func (*CallAction) Kind() ActionKind     { return KindCallAction }
func (*FireEvent) Kind() ActionKind      { return KindFireEvent }
func (*Delay) Kind() ActionKind          { return KindDelay }
func (*WaitTemplate) Kind() ActionKind   { return KindWaitTemplate }
func (*WaitForTrigger) Kind() ActionKind { return KindWaitForTrigger }
func (*Condition) Kind() ActionKind      { return KindCondition }
func (*SetVariables) Kind() ActionKind   { return KindSetVariables }
func (*Repeat) Kind() ActionKind         { return KindRepeat }
func (*Choose) Kind() ActionKind         { return KindChoose }
func (*IfThenElse) Kind() ActionKind     { return KindIfThenElse }
func (*Parallel) Kind() ActionKind       { return KindParallel }
func (*Sequence) Kind() ActionKind       { return KindSequence }
func (*Stop) Kind() ActionKind           { return KindStop }

func (*CallAction) isAction()     {}
func (*FireEvent) isAction()      {}
func (*Delay) isAction()          {}
func (*WaitTemplate) isAction()   {}
func (*WaitForTrigger) isAction() {}
func (*Condition) isAction()      {}
func (*SetVariables) isAction()   {}
func (*Repeat) isAction()         {}
func (*Choose) isAction()         {}
func (*IfThenElse) isAction()     {}
func (*Parallel) isAction()       {}
func (*Sequence) isAction()       {}
func (*Stop) isAction()           {}

// ConditionKind is the type of a condition spec.
type ConditionKind string

const (
	ConditionTemplate ConditionKind = "template"
	ConditionAnd      ConditionKind = "and"
	ConditionOr       ConditionKind = "or"
	ConditionNot      ConditionKind = "not"
)

// ConditionSpec is a boolean test. Template conditions carry an expression;
// and/or/not carry nested conditions.
type ConditionSpec struct {
	Kind       ConditionKind   `json:"condition"`
	Alias      string          `json:"alias,omitempty"`
	Template   string          `json:"value_template,omitempty"`
	Conditions []ConditionSpec `json:"conditions,omitempty"`
}

// TriggerSpec describes a trigger a wait_for_trigger node attaches to.
type TriggerSpec struct {
	Platform  string         `json:"platform"`
	ID        string         `json:"id,omitempty"`
	EventType string         `json:"event_type,omitempty"`
	EventData map[string]any `json:"event_data,omitempty"`
	Cron      string         `json:"cron,omitempty"`
	EntityID  string         `json:"entity_id,omitempty"`
	// To and From restrict a state trigger to matching new and old
	// values. nil matches any value.
	To   any `json:"to,omitempty"`
	From any `json:"from,omitempty"`
}
