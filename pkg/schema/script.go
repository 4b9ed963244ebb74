package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Mode is the concurrency policy of a script.
type Mode string

const (
	ModeSingle   Mode = "single"
	ModeRestart  Mode = "restart"
	ModeQueued   Mode = "queued"
	ModeParallel Mode = "parallel"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeSingle, ModeRestart, ModeQueued, ModeParallel:
		return true
	}
	return false
}

// Max-exceeded log levels. "silent" suppresses the rejection log.
const (
	MaxExceededSilent   = "silent"
	MaxExceededDebug    = "debug"
	MaxExceededInfo     = "info"
	MaxExceededWarning  = "warning"
	MaxExceededError    = "error"
	MaxExceededCritical = "critical"
)

const (
	DefaultMaxRuns     = 10
	DefaultMaxExceeded = MaxExceededWarning
)

// ScriptDefinition is the declarative form of a script as loaded from disk
// or received from a host. Sequence holds raw nodes; ParseSequence turns them
// into typed Steps.
type ScriptDefinition struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name,omitempty" yaml:"name,omitempty"`
	Domain      string         `json:"domain,omitempty" yaml:"domain,omitempty"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Mode        Mode           `json:"mode,omitempty" yaml:"mode,omitempty"`
	Max         int            `json:"max,omitempty" yaml:"max,omitempty"`
	MaxExceeded string         `json:"max_exceeded,omitempty" yaml:"max_exceeded,omitempty"`
	Variables   map[string]any `json:"variables,omitempty" yaml:"variables,omitempty"`
	Sequence    []any          `json:"sequence" yaml:"sequence"`
}

// ApplyDefaults fills unset metadata.
func (d *ScriptDefinition) ApplyDefaults() {
	if d.Name == "" {
		d.Name = d.ID
	}
	if d.Domain == "" {
		d.Domain = "script"
	}
	if d.Mode == "" {
		d.Mode = ModeSingle
	}
	if d.Max == 0 {
		d.Max = DefaultMaxRuns
	}
	if d.MaxExceeded == "" {
		d.MaxExceeded = DefaultMaxExceeded
	}
	d.MaxExceeded = strings.ToLower(d.MaxExceeded)
}

// ParseDefinition decodes a single definition. format is "yaml" or "json";
// an empty format sniffs the first non-space byte.
func ParseDefinition(data []byte, format string) (*ScriptDefinition, error) {
	if format == "" {
		format = "yaml"
		if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
			format = "json"
		}
	}

	var def ScriptDefinition
	switch format {
	case "json":
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, NewError(ErrCodeValidation, "invalid JSON definition").WithCause(err)
		}
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &def); err != nil {
			return nil, NewError(ErrCodeValidation, "invalid YAML definition").WithCause(err)
		}
	default:
		return nil, NewErrorf(ErrCodeValidation, "unsupported definition format %q", format)
	}
	return &def, nil
}

// LoadDefinitionFile reads a definition from path, choosing the decoder by
// extension. The file stem is used as the id when the document has none.
func LoadDefinitionFile(path string) (*ScriptDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition %s: %w", path, err)
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	def, err := ParseDefinition(data, ext)
	if err != nil {
		return nil, err
	}
	if def.ID == "" {
		def.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return def, nil
}

// LoadDefinitionDir loads every .yaml, .yml and .json file in dir, sorted by
// file name.
func LoadDefinitionDir(dir string) ([]*ScriptDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read scripts dir %s: %w", dir, err)
	}

	var defs []*ScriptDefinition
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}
		def, err := LoadDefinitionFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}
