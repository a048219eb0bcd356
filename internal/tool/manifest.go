package tool

// Manifest accessors. The manifest is carried as a free-form mapping;
// these helpers extract the structured fragments the runtime understands,
// tolerating absent or differently-typed values the way a registry
// written in another language may emit them.

// Config returns the manifest's config mapping, or an empty map.
func (v *Version) Config() map[string]any {
	return asMap(v.Manifest["config"])
}

// Retry is a manifest retry policy for the HTTP primitive.
type Retry struct {
	MaxAttempts     int
	BackoffMS       []int
	RetryableErrors []string
}

// RetryPolicy returns the manifest's retry block, or nil when absent.
func (v *Version) RetryPolicy() *Retry {
	m := asMap(v.Manifest["retry"])
	if m == nil {
		return nil
	}
	r := &Retry{
		MaxAttempts:     asInt(m["max_attempts"], 1),
		RetryableErrors: asStringSlice(m["retryable_errors"]),
	}
	for _, raw := range asSlice(m["backoff_ms"]) {
		r.BackoffMS = append(r.BackoffMS, asInt(raw, 0))
	}
	if r.MaxAttempts < 1 {
		r.MaxAttempts = 1
	}
	return r
}

// Parameter is one declared runtime parameter.
type Parameter struct {
	Name     string
	Type     string
	Required bool
	Default  any
}

// ParameterSpec is the manifest's declared parameter schema.
type ParameterSpec struct {
	Parameters []Parameter
	Strict     bool
}

// ParameterSpec returns the declared parameters, or nil when the manifest
// declares none. Strict mode rejects undeclared params.
func (v *Version) ParameterSpec() *ParameterSpec {
	raw, ok := v.Manifest["parameters"]
	if !ok {
		return nil
	}

	spec := &ParameterSpec{}
	switch val := raw.(type) {
	case []any:
		for _, p := range val {
			spec.Parameters = append(spec.Parameters, parseParameter(asMap(p)))
		}
	case map[string]any:
		// Object form: {strict: bool, declared: [...]}
		spec.Strict = asBool(val["strict"])
		for _, p := range asSlice(val["declared"]) {
			spec.Parameters = append(spec.Parameters, parseParameter(asMap(p)))
		}
	default:
		return nil
	}
	return spec
}

func parseParameter(m map[string]any) Parameter {
	return Parameter{
		Name:     asString(m["name"]),
		Type:     asString(m["type"]),
		Required: asBool(m["required"]),
		Default:  m["default"],
	}
}

// ChildSchema pairs a match filter with the JSON Schema a matching child
// must satisfy.
type ChildSchema struct {
	Match  map[string]any
	Schema map[string]any
}

// ChildSchemas returns the manifest's validation.child_schemas entries in
// declaration order, or nil when the manifest declares none.
func (v *Version) ChildSchemas() []ChildSchema {
	validation := asMap(v.Manifest["validation"])
	if validation == nil {
		return nil
	}

	var out []ChildSchema
	for _, raw := range asSlice(validation["child_schemas"]) {
		entry := asMap(raw)
		if entry == nil {
			continue
		}
		out = append(out, ChildSchema{
			Match:  asMap(entry["match"]),
			Schema: asMap(entry["schema"]),
		})
	}
	return out
}

// Signature is an optional detached-signature block on a manifest.
type Signature struct {
	Armored        string
	KeyFingerprint string
	KeyURL         string
}

// SignatureBlock returns the manifest's signature block, or nil.
func (v *Version) SignatureBlock() *Signature {
	m := asMap(v.Manifest["signature"])
	if m == nil {
		return nil
	}
	return &Signature{
		Armored:        asString(m["armored"]),
		KeyFingerprint: asString(m["key_fingerprint"]),
		KeyURL:         asString(m["key_url"]),
	}
}

// Loosely-typed extraction helpers shared by the accessors above.

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asInt(v any, def int) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return def
	}
}

func asStringSlice(v any) []string {
	var out []string
	for _, item := range asSlice(v) {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
