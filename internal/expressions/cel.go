package expressions

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/rendis/scriptd/pkg/schema"
)

// celIdent matches names CEL can declare as variables.
var celIdent = regexp.MustCompile(`^[_a-zA-Z][_a-zA-Z0-9]*$`)

var celReserved = map[string]struct{}{
	"true": {}, "false": {}, "null": {}, "in": {}, "as": {}, "break": {},
	"const": {}, "continue": {}, "else": {}, "for": {}, "function": {},
	"if": {}, "import": {}, "let": {}, "loop": {}, "package": {},
	"namespace": {}, "return": {}, "var": {}, "void": {}, "while": {},
}

// CELEngine evaluates condition expressions: template conditions,
// choose/if guards and repeat while/until tests.
//
// Each top-level scope variable is declared as dyn, so conditions read
// them directly (`repeat.index < 3`, `wait.completed`). A program is
// compiled once per expression and set of declared names.
type CELEngine struct {
	base     *cel.Env
	programs programCache[cel.Program]
}

func NewCELEngine() (*CELEngine, error) {
	env, err := cel.NewEnv()
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{base: env}, nil
}

func (e *CELEngine) Name() string { return "cel" }

// Evaluate runs expression against data. Keys that are not valid CEL
// identifiers are invisible to it.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeCondition, "empty CEL expression")
	}

	names := declarableNames(data)
	key := strings.Join(names, ",") + "\x00" + expression
	prg, err := e.programs.load(key, func() (cel.Program, error) {
		return e.compile(expression, names)
	})
	if err != nil {
		return nil, err
	}

	activation := make(map[string]any, len(names))
	for _, n := range names {
		activation[n] = data[n]
	}
	out, _, err := prg.ContextEval(ctx, activation)
	if err != nil {
		return nil, exprError(schema.ErrCodeCondition, e.Name(), "evaluate", expression, err)
	}
	return out.Value(), nil
}

func (e *CELEngine) compile(expression string, names []string) (cel.Program, error) {
	decls := make([]cel.EnvOption, 0, len(names))
	for _, n := range names {
		decls = append(decls, cel.Variable(n, cel.DynType))
	}
	env, err := e.base.Extend(decls...)
	if err != nil {
		return nil, exprError(schema.ErrCodeCondition, e.Name(), "declare", expression, err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, exprError(schema.ErrCodeCondition, e.Name(), "compile", expression, issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, exprError(schema.ErrCodeCondition, e.Name(), "plan", expression, err)
	}
	return prg, nil
}

func declarableNames(data map[string]any) []string {
	names := make([]string, 0, len(data))
	for k := range data {
		if _, reserved := celReserved[k]; reserved || !celIdent.MatchString(k) {
			continue
		}
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

var _ Engine = (*CELEngine)(nil)
