package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rendis/scriptd/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const scriptSchemaURL = "https://scriptd.dev/schemas/script.json"

// scriptSchemaJSON is the JSON Schema for ScriptDefinition metadata. Node
// shapes are checked by schema.ParseSequence, which reports node paths.
const scriptSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://scriptd.dev/schemas/script.json",
  "type": "object",
  "required": ["id", "sequence"],
  "properties": {
    "id": {
      "type": "string",
      "minLength": 1,
      "pattern": "^[A-Za-z0-9_.-]+$"
    },
    "name": { "type": "string" },
    "domain": { "type": "string" },
    "description": { "type": "string" },
    "mode": {
      "type": "string",
      "enum": ["single", "restart", "queued", "parallel"]
    },
    "max": {
      "type": "integer",
      "minimum": 1
    },
    "max_exceeded": {
      "type": "string",
      "enum": ["silent", "debug", "info", "warning", "error", "critical"]
    },
    "variables": { "type": "object" },
    "sequence": {
      "type": "array",
      "items": { "type": "object", "minProperties": 1 }
    }
  },
  "additionalProperties": false
}`

// JSONSchemaValidator checks script definitions and action inputs against
// JSON Schema Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	scriptSchema *jsonschema.Schema

	mu     sync.RWMutex
	inputs map[string]*jsonschema.Schema // compiled action input schemas by source
}

func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	compiled, err := compileSchema(scriptSchemaURL, scriptSchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("script schema: %w", err)
	}
	return &JSONSchemaValidator{
		scriptSchema: compiled,
		inputs:       make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition checks the metadata of def. Violations are listed in
// Details: "violations" as text and "issues" as ValidationIssues whose
// paths are node paths where the violation sits inside the sequence.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.ScriptDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "script definition is nil")
	}
	return validateDoc(v.scriptSchema, def, "script definition")
}

// ValidateInput checks action input against inputSchema. An empty schema
// accepts anything.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if input == nil {
		return schema.NewError(schema.ErrCodeValidation, "input is nil")
	}
	if len(inputSchema) == 0 {
		return nil
	}
	compiled, err := v.inputSchema(string(inputSchema))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}
	return validateDoc(compiled, input, "input")
}

func (v *JSONSchemaValidator) inputSchema(src string) (*jsonschema.Schema, error) {
	v.mu.RLock()
	compiled, ok := v.inputs[src]
	v.mu.RUnlock()
	if ok {
		return compiled, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if compiled, ok := v.inputs[src]; ok {
		return compiled, nil
	}
	compiled, err := compileSchema(fmt.Sprintf("scriptd://input-schema/%d", len(v.inputs)), src)
	if err != nil {
		return nil, err
	}
	v.inputs[src] = compiled
	return compiled, nil
}

// compileSchema compiles src on its own compiler so resource URLs of
// unrelated schemas never collide.
func compileSchema(url, src string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(url)
}

func validateDoc(s *jsonschema.Schema, v any, what string) error {
	// jsonschema expects json.Number for numbers.
	b, err := json.Marshal(v)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "serialize %s", what).WithCause(err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "serialize %s", what).WithCause(err)
	}
	if err := s.Validate(doc); err != nil {
		return toScriptError(err)
	}
	return nil
}

// toScriptError flattens a jsonschema.ValidationError into one
// VALIDATION_ERROR listing every leaf violation.
func toScriptError(err error) *schema.ScriptError {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	var issues []schema.ValidationIssue
	collectIssues(verr, &issues)
	if len(issues) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	texts := make([]string, len(issues))
	for i, issue := range issues {
		texts[i] = "/" + strings.Join(splitPointer(issue.Path), "/") + ": " + issue.Message
	}
	msg := texts[0]
	if len(texts) > 1 {
		msg = fmt.Sprintf("validation failed with %d errors", len(texts))
	}

	// Issue paths are reported relative to the sequence.
	for i := range issues {
		issues[i].Path = nodePath(issues[i].Path)
	}
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": texts, "issues": issues})
}

func collectIssues(verr *jsonschema.ValidationError, out *[]schema.ValidationIssue) {
	if len(verr.Causes) == 0 {
		*out = append(*out, schema.ValidationIssue{
			Path:     strings.Join(verr.InstanceLocation, "/"),
			Code:     schema.ErrCodeValidation,
			Message:  verr.Error(),
			Severity: schema.SeverityError,
		})
		return
	}
	for _, cause := range verr.Causes {
		collectIssues(cause, out)
	}
}

func splitPointer(p string) []string {
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// nodePath maps "sequence/1/repeat" to the node path "1/repeat"; other
// locations are kept as field names.
func nodePath(loc string) string {
	if rest, ok := strings.CutPrefix(loc, "sequence/"); ok {
		return rest
	}
	return loc
}
