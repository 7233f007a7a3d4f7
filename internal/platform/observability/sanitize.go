package observability

import (
	"strings"
	"unicode"
)

// Request-derived log and metric fields pass through these helpers so a
// crafted path or header cannot forge log lines or bloat label cardinality.

const (
	maxRouteLen  = 180
	maxMethodLen = 10
	maxActorLen  = 64
)

func stripControl(value string, limit int) string {
	var b strings.Builder
	b.Grow(len(value))
	kept := 0
	for _, r := range value {
		if unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
		kept++
		if kept == limit {
			break
		}
	}
	return b.String()
}

// SanitizeRoute bounds a chi route pattern for use as a log field or
// metric label. An unmatched route collapses to "/".
func SanitizeRoute(route string) string {
	cleaned := stripControl(route, maxRouteLen)
	if cleaned == "" {
		return "/"
	}
	return cleaned
}

// SanitizeMethod bounds an HTTP method token.
func SanitizeMethod(method string) string {
	return stripControl(method, maxMethodLen)
}

// SanitizeUserID bounds an authenticated actor id before it reaches logs.
func SanitizeUserID(uid string) string {
	return stripControl(uid, maxActorLen)
}
