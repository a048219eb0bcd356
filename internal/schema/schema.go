// Package schema compiles and evaluates the draft-07 JSON Schema subset
// used for parent-to-child chain validation: type, properties, required,
// pattern, const, enum, items, additionalProperties.
package schema

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
)

// Issue is one validation finding, anchored to a JSON path.
type Issue struct {
	Path    string `json:"path"`
	Keyword string `json:"keyword"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s (%s)", i.Path, i.Message, i.Keyword)
}

// Schema is a compiled schema node.
type Schema struct {
	types      []string
	properties map[string]*Schema
	required   []string
	pattern    *regexp.Regexp
	constVal   any
	hasConst   bool
	enum       []any
	items      *Schema

	// additionalProperties: absent means allowed, forbidAdditional=true
	// means forbidden, additionalSchema validates extras when set.
	forbidAdditional bool
	additionalSchema *Schema
}

// Compile builds a Schema from its mapping form. Unknown keywords are
// ignored, matching lenient draft-07 consumers.
func Compile(raw map[string]any) (*Schema, error) {
	s := &Schema{}

	switch t := raw["type"].(type) {
	case string:
		s.types = []string{t}
	case []any:
		for _, item := range t {
			if ts, ok := item.(string); ok {
				s.types = append(s.types, ts)
			}
		}
	}

	if props, ok := raw["properties"].(map[string]any); ok {
		s.properties = make(map[string]*Schema, len(props))
		for name, sub := range props {
			subMap, ok := sub.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("properties.%s: schema must be an object", name)
			}
			compiled, err := Compile(subMap)
			if err != nil {
				return nil, fmt.Errorf("properties.%s: %w", name, err)
			}
			s.properties[name] = compiled
		}
	}

	if req, ok := raw["required"].([]any); ok {
		for _, item := range req {
			if rs, ok := item.(string); ok {
				s.required = append(s.required, rs)
			}
		}
	}

	if pat, ok := raw["pattern"].(string); ok {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", pat, err)
		}
		s.pattern = re
	}

	if c, ok := raw["const"]; ok {
		s.constVal = c
		s.hasConst = true
	}

	if e, ok := raw["enum"].([]any); ok {
		s.enum = e
	}

	if items, ok := raw["items"].(map[string]any); ok {
		compiled, err := Compile(items)
		if err != nil {
			return nil, fmt.Errorf("items: %w", err)
		}
		s.items = compiled
	}

	switch ap := raw["additionalProperties"].(type) {
	case bool:
		s.forbidAdditional = !ap
	case map[string]any:
		compiled, err := Compile(ap)
		if err != nil {
			return nil, fmt.Errorf("additionalProperties: %w", err)
		}
		s.additionalSchema = compiled
	}

	return s, nil
}

// Validate evaluates value against the schema, returning all findings.
func (s *Schema) Validate(value any) []Issue {
	return s.validate(value, "$")
}

func (s *Schema) validate(value any, path string) []Issue {
	var issues []Issue

	if len(s.types) > 0 && !typeMatches(s.types, value) {
		issues = append(issues, Issue{
			Path:    path,
			Keyword: "type",
			Message: fmt.Sprintf("expected %s, got %s", strings.Join(s.types, " or "), typeName(value)),
		})
		// Structural keywords below assume the right shape; stop here.
		return issues
	}

	if s.hasConst && !jsonEqual(value, s.constVal) {
		issues = append(issues, Issue{
			Path:    path,
			Keyword: "const",
			Message: fmt.Sprintf("expected %v, got %v", s.constVal, value),
		})
	}

	if len(s.enum) > 0 {
		found := false
		for _, candidate := range s.enum {
			if jsonEqual(value, candidate) {
				found = true
				break
			}
		}
		if !found {
			issues = append(issues, Issue{
				Path:    path,
				Keyword: "enum",
				Message: fmt.Sprintf("%v is not one of the allowed values", value),
			})
		}
	}

	if s.pattern != nil {
		if str, ok := value.(string); ok && !s.pattern.MatchString(str) {
			issues = append(issues, Issue{
				Path:    path,
				Keyword: "pattern",
				Message: fmt.Sprintf("%q does not match %s", str, s.pattern.String()),
			})
		}
	}

	if obj, ok := value.(map[string]any); ok {
		for _, name := range s.required {
			if _, present := obj[name]; !present {
				issues = append(issues, Issue{
					Path:    path + "." + name,
					Keyword: "required",
					Message: "required property is missing",
				})
			}
		}

		// Deterministic order keeps issue lists stable for callers.
		names := make([]string, 0, len(obj))
		for name := range obj {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			child := obj[name]
			if sub, declared := s.properties[name]; declared {
				issues = append(issues, sub.validate(child, path+"."+name)...)
				continue
			}
			if s.forbidAdditional {
				issues = append(issues, Issue{
					Path:    path + "." + name,
					Keyword: "additionalProperties",
					Message: "property is not allowed",
				})
			} else if s.additionalSchema != nil {
				issues = append(issues, s.additionalSchema.validate(child, path+"."+name)...)
			}
		}
	}

	if arr, ok := value.([]any); ok && s.items != nil {
		for i, item := range arr {
			issues = append(issues, s.items.validate(item, fmt.Sprintf("%s[%d]", path, i))...)
		}
	}

	return issues
}

func typeMatches(types []string, value any) bool {
	name := typeName(value)
	for _, t := range types {
		if t == name {
			return true
		}
		// draft-07: "number" accepts integers too.
		if t == "number" && name == "integer" {
			return true
		}
	}
	return false
}

func typeName(value any) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case float64:
		if v == float64(int64(v)) {
			return "integer"
		}
		return "number"
	case int, int32, int64, json.Number:
		return "integer"
	default:
		return reflect.TypeOf(value).String()
	}
}

// jsonEqual compares two values under JSON semantics: numeric types are
// unified before comparison so 1 == 1.0 regardless of decode path.
func jsonEqual(a, b any) bool {
	return reflect.DeepEqual(normalise(a), normalise(b))
}

func normalise(v any) any {
	switch val := v.(type) {
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return val.String()
		}
		return f
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalise(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalise(item)
		}
		return out
	default:
		return v
	}
}
