// Package merge flattens a chain's configurations and substitutes
// runtime parameters into the result.
package merge

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/leolilley/kiwi/internal/tool"
)

// Merge deep-merges overlay onto base and returns a new map. Mappings
// recurse; scalars and arrays replace; an explicit null in the overlay
// deletes the key.
func Merge(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}

	for k, v := range overlay {
		if v == nil {
			delete(out, k)
			continue
		}
		overlayMap, overlayIsMap := v.(map[string]any)
		baseMap, baseIsMap := out[k].(map[string]any)
		if overlayIsMap && baseIsMap {
			out[k] = Merge(baseMap, overlayMap)
			continue
		}
		out[k] = v
	}
	return out
}

// MergeChain merges configs primitive-first so that links closer to the
// leaf override links closer to the primitive. The chain is leaf first,
// terminal primitive last.
func MergeChain(chain []*tool.Version) map[string]any {
	merged := map[string]any{}
	for i := len(chain) - 1; i >= 0; i-- {
		merged = Merge(merged, chain[i].Config())
	}
	return merged
}

// MissingParamError reports a required parameter that was not supplied
// and has no default.
type MissingParamError struct {
	Name string
}

func (e *MissingParamError) Error() string {
	return fmt.Sprintf("missing required parameter %q", e.Name)
}

// UnknownParamError reports a supplied parameter the manifest does not
// declare, under parameters.strict.
type UnknownParamError struct {
	Name string
}

func (e *UnknownParamError) Error() string {
	return fmt.Sprintf("unknown parameter %q", e.Name)
}

// UnresolvedEnvError reports an environment reference with no value and
// no default.
type UnresolvedEnvError struct {
	Var string
}

func (e *UnresolvedEnvError) Error() string {
	return fmt.Sprintf("unresolved environment variable %q", e.Var)
}

var (
	paramPattern = regexp.MustCompile(`\{([a-z_][a-z0-9_]*)\}`)
	envPattern   = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)
)

// ResolveParams reconciles supplied params against the declared spec:
// defaults are filled in, required omissions fail, and strict specs
// reject undeclared names. Reserved double-underscore keys (__sinks,
// __auth) pass through untouched. Returns a new map.
func ResolveParams(supplied map[string]any, spec *tool.ParameterSpec) (map[string]any, error) {
	params := make(map[string]any, len(supplied))
	for k, v := range supplied {
		params[k] = v
	}
	if spec == nil {
		return params, nil
	}

	declared := make(map[string]bool, len(spec.Parameters))
	for _, p := range spec.Parameters {
		declared[p.Name] = true
		if _, ok := params[p.Name]; ok {
			continue
		}
		if p.Default != nil {
			params[p.Name] = p.Default
			continue
		}
		if p.Required {
			return nil, &MissingParamError{Name: p.Name}
		}
	}

	if spec.Strict {
		for name := range supplied {
			if strings.HasPrefix(name, "__") {
				continue
			}
			if !declared[name] {
				return nil, &UnknownParamError{Name: name}
			}
		}
	}
	return params, nil
}

// Template walks config and substitutes parameters and environment
// references in every string leaf. Substitution is a single pass: a
// substituted value is not re-scanned.
//
// A string that consists of exactly one {param} placeholder is replaced
// by the parameter's value with its type preserved; placeholders inside
// longer strings interpolate the value's string form. ${VAR} references
// resolve from env; ${VAR:-default} falls back; a reference with neither
// is fatal.
func Template(config map[string]any, params map[string]any, env map[string]string) (map[string]any, error) {
	out, err := templateValue(config, params, env)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func templateValue(v any, params map[string]any, env map[string]string) (any, error) {
	switch val := v.(type) {
	case string:
		return templateString(val, params, env)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			sub, err := templateValue(item, params, env)
			if err != nil {
				return nil, err
			}
			out[k] = sub
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			sub, err := templateValue(item, params, env)
			if err != nil {
				return nil, err
			}
			out[i] = sub
		}
		return out, nil
	default:
		return v, nil
	}
}

// substituteParams replaces {name} placeholders. A brace group preceded
// by '$' is environment syntax and is left for the env pass; unknown
// placeholders stay literal.
func substituteParams(s string, params map[string]any) string {
	matches := paramPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		if start > 0 && s[start-1] == '$' {
			continue
		}
		value, ok := params[s[m[2]:m[3]]]
		if !ok {
			continue
		}
		b.WriteString(s[last:start])
		b.WriteString(fmt.Sprintf("%v", value))
		last = end
	}
	b.WriteString(s[last:])
	return b.String()
}

func templateString(s string, params map[string]any, env map[string]string) (any, error) {
	// Whole-string placeholder: preserve the parameter's type.
	if m := paramPattern.FindStringSubmatch(s); m != nil && m[0] == s {
		if value, ok := params[m[1]]; ok {
			return value, nil
		}
	}

	s = substituteParams(s, params)

	var envErr error
	s = envPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envPattern.FindStringSubmatch(match)
		name, hasDefault, fallback := groups[1], groups[2] != "", groups[3]
		if value, ok := env[name]; ok {
			return value
		}
		if hasDefault {
			return fallback
		}
		if envErr == nil {
			envErr = &UnresolvedEnvError{Var: name}
		}
		return match
	})
	if envErr != nil {
		return nil, envErr
	}
	return s, nil
}
