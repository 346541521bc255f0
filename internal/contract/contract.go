// Package contract validates agent inputs and outputs against per-role
// schemas. Violations are fatal for the current unit of work: they mean a
// code bug on one side of the boundary, not a runtime condition to retry.
package contract

import (
	"sort"

	"steward/internal/agent"
	"steward/internal/logging"
)

// FieldType describes the expected Go representation of an envelope value.
type FieldType string

const (
	TypeString     FieldType = "string"
	TypeNumber     FieldType = "number"
	TypeBool       FieldType = "bool"
	TypeStringList FieldType = "string_list"
	TypeMapList    FieldType = "map_list"
	TypeMap        FieldType = "map"
)

// Field is one key in a role's input or output schema.
type Field struct {
	Name     string
	Type     FieldType
	Optional bool
}

// Schema declares the input and output envelopes for one agent role.
type Schema struct {
	Role   agent.Role
	Input  []Field
	Output []Field
}

// Registry holds the role schemas and the strictness policy.
// In non-strict mode, extra keys are downgraded to a warning.
type Registry struct {
	strict  bool
	schemas map[agent.Role]Schema
}

// NewRegistry builds a registry preloaded with the built-in role schemas.
func NewRegistry(strict bool) *Registry {
	r := &Registry{strict: strict, schemas: make(map[agent.Role]Schema)}
	for _, s := range builtinSchemas() {
		r.schemas[s.Role] = s
	}
	return r
}

// Register adds or replaces a role schema.
func (r *Registry) Register(s Schema) {
	r.schemas[s.Role] = s
}

// Strict reports whether extra keys are violations.
func (r *Registry) Strict() bool { return r.strict }

// ValidateInput checks an input envelope before dispatch.
func (r *Registry) ValidateInput(role agent.Role, in agent.Input) error {
	s, ok := r.schemas[role]
	if !ok {
		logging.ContractDebug("no schema registered for role %s; skipping input validation", role)
		return nil
	}
	return r.validate(role, "input", s.Input, map[string]interface{}(in))
}

// ValidateOutput checks an output envelope before consumption.
func (r *Registry) ValidateOutput(role agent.Role, out agent.Output) error {
	s, ok := r.schemas[role]
	if !ok {
		logging.ContractDebug("no schema registered for role %s; skipping output validation", role)
		return nil
	}
	return r.validate(role, "output", s.Output, map[string]interface{}(out))
}

func (r *Registry) validate(role agent.Role, direction string, fields []Field, env map[string]interface{}) error {
	known := make(map[string]Field, len(fields))
	for _, f := range fields {
		known[f.Name] = f
	}

	var missing, extra []string
	typeErrors := make(map[string]string)

	for _, f := range fields {
		v, present := env[f.Name]
		if !present || v == nil {
			if !f.Optional {
				missing = append(missing, f.Name)
			}
			continue
		}
		if !matchesType(v, f.Type) {
			typeErrors[f.Name] = string(f.Type)
		}
	}

	for k := range env {
		if _, ok := known[k]; !ok {
			extra = append(extra, k)
		}
	}
	sort.Strings(missing)
	sort.Strings(extra)

	if len(extra) > 0 && !r.strict {
		logging.Contract("role %s %s carries extra keys %v (non-strict: warning only)", role, direction, extra)
		extra = nil
	}

	if len(missing) == 0 && len(extra) == 0 && len(typeErrors) == 0 {
		logging.ContractDebug("role %s %s envelope valid (%d keys)", role, direction, len(env))
		return nil
	}

	return &agent.ContractViolation{
		Role:       role,
		Direction:  direction,
		Missing:    missing,
		Extra:      extra,
		TypeErrors: typeErrors,
	}
}

// matchesType reports whether a decoded envelope value satisfies the
// declared field type. JSON decoding yields float64 and []interface{},
// so those shapes are accepted alongside native Go values.
func matchesType(v interface{}, t FieldType) bool {
	switch t {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeBool:
		_, ok := v.(bool)
		return ok
	case TypeNumber:
		switch v.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case TypeStringList:
		switch list := v.(type) {
		case []string:
			return true
		case []interface{}:
			for _, e := range list {
				if _, ok := e.(string); !ok {
					return false
				}
			}
			return true
		}
		return false
	case TypeMapList:
		switch list := v.(type) {
		case []map[string]interface{}:
			return true
		case []interface{}:
			for _, e := range list {
				if _, ok := e.(map[string]interface{}); !ok {
					return false
				}
			}
			return true
		}
		return false
	case TypeMap:
		_, ok := v.(map[string]interface{})
		return ok
	}
	return false
}
