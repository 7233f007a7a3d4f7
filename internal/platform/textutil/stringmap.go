package textutil

import "strings"

// Gateway metadata limits. Stripe truncates keys over 40 runes and values
// over 500 runes on its side; clamping here keeps the copy we persist in
// step with what the gateway keeps.
const (
	maxMetadataKeyLen   = 40
	maxMetadataValueLen = 500
)

func clampRunes(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit])
}

// NormalizeStringMap trims surrounding whitespace, drops entries whose key
// trims to nothing and clamps both sides to the gateway metadata limits.
// When nothing survives it returns nil so callers can treat the map as
// absent.
func NormalizeStringMap(values map[string]string) map[string]string {
	out := make(map[string]string, len(values))
	for key, value := range values {
		key = clampRunes(strings.TrimSpace(key), maxMetadataKeyLen)
		if key == "" {
			continue
		}
		out[key] = clampRunes(strings.TrimSpace(value), maxMetadataValueLen)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
