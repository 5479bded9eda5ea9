package extract

import (
	"fmt"
	"math"
	"strings"
)

// FieldType is the JSON type a schema field must hold.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeInteger FieldType = "integer"
	TypeBoolean FieldType = "boolean"
	TypeArray   FieldType = "array"
	TypeObject  FieldType = "object"
)

// Field declares one top-level property of a structured record.
type Field struct {
	Name     string
	Type     FieldType
	Required bool

	// Enum restricts string values. Matching ignores case; the record is
	// rewritten to the canonical spelling.
	Enum []string

	// Min and Max bound numeric values (inclusive) when set.
	Min *float64
	Max *float64

	// MinItems and MaxItems bound array length. MaxItems 0 means unbounded.
	MinItems int
	MaxItems int

	// ItemType, when set, is enforced on every array element.
	ItemType FieldType
}

// Schema describes the record a provider is asked to return. The zero
// Schema accepts any JSON object.
type Schema struct {
	Name   string
	Fields []Field
}

// Bound returns a pointer for Field.Min and Field.Max literals.
func Bound(v float64) *float64 { return &v }

// Violation is one way a record fails its schema.
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	return v.Field + ": " + v.Message
}

// Validate checks record against the schema and returns every violation
// found, not just the first. Enum values are canonicalized in place.
func (s Schema) Validate(record map[string]any) []Violation {
	var out []Violation
	for _, f := range s.Fields {
		val, present := record[f.Name]
		if !present || val == nil {
			if f.Required {
				out = append(out, Violation{Field: f.Name, Message: "required field missing"})
			}
			continue
		}
		out = append(out, f.check(record, val)...)
	}
	return out
}

func (f Field) check(record map[string]any, val any) []Violation {
	fail := func(format string, args ...any) []Violation {
		return []Violation{{Field: f.Name, Message: fmt.Sprintf(format, args...)}}
	}

	switch f.Type {
	case TypeString:
		s, ok := val.(string)
		if !ok {
			return fail("expected string, got %s", jsonType(val))
		}
		if len(f.Enum) > 0 {
			canon, ok := matchEnum(f.Enum, s)
			if !ok {
				return fail("value %q not in [%s]", s, strings.Join(f.Enum, ", "))
			}
			record[f.Name] = canon
		}
	case TypeNumber, TypeInteger:
		n, ok := val.(float64)
		if !ok {
			return fail("expected %s, got %s", f.Type, jsonType(val))
		}
		if f.Type == TypeInteger && n != math.Trunc(n) {
			return fail("expected integer, got %v", n)
		}
		var vs []Violation
		if f.Min != nil && n < *f.Min {
			vs = append(vs, Violation{Field: f.Name, Message: fmt.Sprintf("%v below minimum %v", n, *f.Min)})
		}
		if f.Max != nil && n > *f.Max {
			vs = append(vs, Violation{Field: f.Name, Message: fmt.Sprintf("%v above maximum %v", n, *f.Max)})
		}
		return vs
	case TypeBoolean:
		if _, ok := val.(bool); !ok {
			return fail("expected boolean, got %s", jsonType(val))
		}
	case TypeArray:
		items, ok := val.([]any)
		if !ok {
			return fail("expected array, got %s", jsonType(val))
		}
		var vs []Violation
		if len(items) < f.MinItems {
			vs = append(vs, Violation{Field: f.Name, Message: fmt.Sprintf("has %d items, minimum %d", len(items), f.MinItems)})
		}
		if f.MaxItems > 0 && len(items) > f.MaxItems {
			vs = append(vs, Violation{Field: f.Name, Message: fmt.Sprintf("has %d items, maximum %d", len(items), f.MaxItems)})
		}
		if f.ItemType != "" {
			for i, it := range items {
				if !typeMatches(f.ItemType, it) {
					vs = append(vs, Violation{
						Field:   fmt.Sprintf("%s[%d]", f.Name, i),
						Message: fmt.Sprintf("expected %s, got %s", f.ItemType, jsonType(it)),
					})
				}
			}
		}
		return vs
	case TypeObject:
		if _, ok := val.(map[string]any); !ok {
			return fail("expected object, got %s", jsonType(val))
		}
	}
	return nil
}

func matchEnum(allowed []string, v string) (string, bool) {
	v = strings.TrimSpace(v)
	for _, a := range allowed {
		if strings.EqualFold(a, v) {
			return a, true
		}
	}
	return "", false
}

func typeMatches(t FieldType, v any) bool {
	switch t {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeNumber:
		_, ok := v.(float64)
		return ok
	case TypeInteger:
		n, ok := v.(float64)
		return ok && n == math.Trunc(n)
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeArray:
		_, ok := v.([]any)
		return ok
	case TypeObject:
		_, ok := v.(map[string]any)
		return ok
	}
	return true
}

func jsonType(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
