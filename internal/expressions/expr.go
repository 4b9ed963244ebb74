package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rendis/scriptd/pkg/schema"
)

// ExprEngine evaluates {{ ... }} template bodies with expr-lang/expr:
// member access on nested maps, arithmetic, ?? and ?. operators and the
// expr builtins. Names missing from the scope evaluate to nil.
type ExprEngine struct {
	programs programCache[*vm.Program]
}

func NewExprEngine() *ExprEngine {
	return &ExprEngine{}
}

func (e *ExprEngine) Name() string { return "expr" }

func (e *ExprEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeRender, "empty template expression")
	}
	prg, err := e.programs.load(expression, func() (*vm.Program, error) {
		prg, err := expr.Compile(expression, expr.AllowUndefinedVariables(), iif)
		if err != nil {
			return nil, exprError(schema.ErrCodeRender, e.Name(), "compile", expression, err)
		}
		return prg, nil
	})
	if err != nil {
		return nil, err
	}

	if data == nil {
		data = map[string]any{}
	}
	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, exprError(schema.ErrCodeRender, e.Name(), "evaluate", expression, err)
	}
	return out, nil
}

// iif(cond, then[, else]) picks a value inline; else defaults to nil.
var iif = expr.Function("iif",
	func(params ...any) (any, error) {
		cond, _ := params[0].(bool)
		if cond {
			return params[1], nil
		}
		if len(params) > 2 {
			return params[2], nil
		}
		return nil, nil
	},
	new(func(bool, any) any),
	new(func(bool, any, any) any),
)

var _ Engine = (*ExprEngine)(nil)
