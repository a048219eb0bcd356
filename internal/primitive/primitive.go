// Package primitive implements the two terminal executors of a chain:
// subprocess and http_client. Primitives are stateless; they receive a
// fully merged configuration and ready-made sinks and only report what
// happened.
package primitive

// Config accessors over the merged free-form configuration. Absent keys
// fall back to the given default; values of the wrong shape do too, the
// merger having already normalised everything JSON-decodable.

func getString(cfg map[string]any, key, def string) string {
	if s, ok := cfg[key].(string); ok {
		return s
	}
	return def
}

func getBool(cfg map[string]any, key string, def bool) bool {
	if b, ok := cfg[key].(bool); ok {
		return b
	}
	return def
}

func getInt(cfg map[string]any, key string, def int) int {
	switch n := cfg[key].(type) {
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

func getMap(cfg map[string]any, key string) map[string]any {
	m, _ := cfg[key].(map[string]any)
	return m
}

func getStringSlice(cfg map[string]any, key string) []string {
	var out []string
	switch v := cfg[key].(type) {
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	case []string:
		out = v
	}
	return out
}
