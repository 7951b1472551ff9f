// Package template implements single-level {{dotted.path}} substitution over
// a JSON-shaped execution context. It is deliberately not an expression
// language: no arithmetic, no filters, one lookup per placeholder.
package template

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Render scans left to right for {{...}} placeholder pairs. Text outside
// delimiters is copied verbatim. Text inside is trimmed and resolved as a
// dot-separated path against ctx; placeholders that resolve to nothing render
// as the empty string. An unterminated {{ is copied verbatim to the end.
func Render(s string, ctx any) string {
	var out strings.Builder
	out.Grow(len(s))

	rest := s
	for {
		start := strings.Index(rest, "{{")
		if start == -1 {
			out.WriteString(rest)
			break
		}
		out.WriteString(rest[:start])
		tail := rest[start:]

		end := strings.Index(tail, "}}")
		if end == -1 {
			// No closing delimiter: literal text from here on.
			out.WriteString(tail)
			break
		}

		expr := strings.TrimSpace(tail[2:end])
		if val, ok := Lookup(expr, ctx); ok {
			out.WriteString(Stringify(val))
		}
		rest = tail[end+2:]
	}

	return out.String()
}

// Lookup resolves a dot-separated path against a JSON-shaped value. Empty
// segments are skipped. Object fields are stepped into by key, arrays by a
// non-negative integer index. A missing key, an out-of-range index, or a
// scalar reached with path segments remaining all yield no value.
func Lookup(path string, ctx any) (any, bool) {
	current := ctx
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			continue
		}
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[part]
			if !ok {
				return nil, false
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			current = v[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// Stringify renders a resolved value as template output. Strings are
// unquoted; everything else uses its canonical JSON form.
func Stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return "null"
	case bool:
		if val {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case json.Number:
		return val.String()
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
