package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// Key derives the broker cache key for a call: hex SHA-256 over the tool
// name and the canonicalized argument map. Canonicalization sorts keys and
// normalizes whitespace and casing so semantically identical calls land on
// the same entry instead of fragmenting the cache.
func Key(toolName string, args map[string]any) string {
	canonical, err := json.Marshal(canonicalize(args))
	if err != nil {
		// Arguments that cannot marshal cannot have been dispatched;
		// fall back to an uncacheable per-tool key.
		canonical = []byte("{}")
	}

	h := sha256.New()
	h.Write([]byte(toolName))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalize normalizes an argument value tree. Map keys are lowercased
// and trimmed, string values are lowercased with internal whitespace
// collapsed, and nested maps and slices are normalized recursively.
// encoding/json emits map keys in sorted order, which supplies the key
// ordering guarantee.
func canonicalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[strings.ToLower(strings.TrimSpace(k))] = canonicalize(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = canonicalize(inner)
		}
		return out
	case string:
		return strings.ToLower(strings.Join(strings.Fields(val), " "))
	default:
		return val
	}
}
