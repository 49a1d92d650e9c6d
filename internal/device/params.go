package device

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Params holds transport parameters as decoded from a request.
type Params map[string]any

// FieldType is the wire type of a parameter.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldInt    FieldType = "int"
	FieldBool   FieldType = "bool"
)

// Field describes a single parameter.
type Field struct {
	Name     string
	Type     FieldType
	Required bool
}

// Schema is the parameter set a plugin accepts.
type Schema []Field

// Validate checks presence and type of every field, and rejects parameters
// the schema does not name. Semantic checks belong to the plugin.
func (s Schema) Validate(params Params) error {
	known := make(map[string]Field, len(s))
	for _, f := range s {
		known[f.Name] = f
	}

	var unknown []string
	for name := range params {
		if _, ok := known[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return Errorf(KindInvalidParams, "unknown parameters: %s", strings.Join(unknown, ", "))
	}

	for _, f := range s {
		v, ok := params[f.Name]
		if !ok || v == nil {
			if f.Required {
				return Errorf(KindInvalidParams, "parameter %q is required", f.Name)
			}
			continue
		}
		if err := checkType(f, v); err != nil {
			return err
		}
	}
	return nil
}

func checkType(f Field, v any) error {
	switch f.Type {
	case FieldString:
		s, ok := v.(string)
		if !ok {
			return Errorf(KindInvalidParams, "parameter %q must be a string, got %T", f.Name, v)
		}
		if f.Required && s == "" {
			return Errorf(KindInvalidParams, "parameter %q must not be empty", f.Name)
		}
	case FieldInt:
		if _, ok := toInt(v); !ok {
			return Errorf(KindInvalidParams, "parameter %q must be an integer, got %v", f.Name, v)
		}
	case FieldBool:
		if _, ok := v.(bool); !ok {
			return Errorf(KindInvalidParams, "parameter %q must be a boolean, got %T", f.Name, v)
		}
	default:
		return fmt.Errorf("schema field %q has unknown type %q", f.Name, f.Type)
	}
	return nil
}

// String returns the string parameter name, or "" when absent.
func (p Params) String(name string) string {
	s, _ := p[name].(string)
	return s
}

// Int returns the integer parameter name and whether it was present.
func (p Params) Int(name string) (int, bool) {
	v, ok := p[name]
	if !ok || v == nil {
		return 0, false
	}
	return toInt(v)
}

// Bool returns the boolean parameter name, or def when absent.
func (p Params) Bool(name string, def bool) bool {
	b, ok := p[name].(bool)
	if !ok {
		return def
	}
	return b
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint64:
		if n > math.MaxInt {
			return 0, false
		}
		return int(n), true
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || n > math.MaxInt || n < math.MinInt {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}
