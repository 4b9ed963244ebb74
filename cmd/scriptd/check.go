package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rendis/scriptd/internal/actions"
	"github.com/rendis/scriptd/internal/streaming"
	"github.com/rendis/scriptd/internal/validation"
	"github.com/rendis/scriptd/pkg/schema"
)

type checkSummary struct {
	Scripts  int
	Errors   int
	Warnings int
}

// runCheck validates definition files or directories without starting a
// server and prints every finding to w.
func runCheck(ctx context.Context, w io.Writer, paths []string) (checkSummary, error) {
	var sum checkSummary
	jsv, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return sum, err
	}
	reg := actions.NewRegistry(jsv)
	err = actions.RegisterBuiltins(reg, actions.BuiltinDeps{
		Events: streaming.NewBus(streaming.NewMemoryHub()),
		RunScript: func(context.Context, string, map[string]any) (any, error) {
			return nil, schema.NewError(schema.ErrCodeRejected, "check mode")
		},
	})
	if err != nil {
		return sum, err
	}
	sv, err := validation.NewScriptValidator(reg)
	if err != nil {
		return sum, err
	}

	var defs []*schema.ScriptDefinition
	for _, p := range paths {
		loaded, err := loadPath(p)
		if err != nil {
			return sum, err
		}
		defs = append(defs, loaded...)
	}

	sum.Scripts = len(defs)
	for _, def := range defs {
		def.ApplyDefaults()
		sum.add(report(w, def.ID, sv.Validate(ctx, def)))
	}
	sum.add(report(w, "", validation.ValidateCalls(defs)))

	fmt.Fprintf(w, "%d scripts checked, %d errors, %d warnings\n", sum.Scripts, sum.Errors, sum.Warnings)
	return sum, nil
}

func (s *checkSummary) add(r *schema.ValidationResult) {
	s.Errors += len(r.Errors)
	s.Warnings += len(r.Warnings)
}

func loadPath(p string) ([]*schema.ScriptDefinition, error) {
	info, err := os.Stat(p)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return schema.LoadDefinitionDir(p)
	}
	def, err := schema.LoadDefinitionFile(p)
	if err != nil {
		return nil, err
	}
	return []*schema.ScriptDefinition{def}, nil
}

func report(w io.Writer, scriptID string, r *schema.ValidationResult) *schema.ValidationResult {
	prefix := ""
	if scriptID != "" {
		prefix = scriptID + ": "
	}
	for _, issue := range r.Issues() {
		fmt.Fprintf(w, "%-7s %s%s: %s\n", issue.Severity, prefix, issue.Path, issue.Message)
	}
	return r
}
