package policy

import (
	"net/http"
	"strconv"
	"strings"
)

// sessionHeaderNames is spec.md §4.3's ordered header list: the first one
// present and non-empty wins.
var sessionHeaderNames = []string{
	"x-session-id",
	"x-user-id",
	"x-tenant-id",
	"x-request-id",
	"x-correlation-id",
	"x-trace-id",
}

// extractRoutingKey implements spec.md §4.3's key-extraction order:
// headers, then body fields, then a fallback hash/literal of the body.
// Ported from original_source/src/policies/consistent_hash.rs's
// extract_hash_key and its helpers, which deliberately avoid a full JSON
// parse on the hot path in favor of a tolerant string scan (spec.md §9).
func extractRoutingKey(bodyText string, headers http.Header) string {
	if headers != nil {
		if key, ok := extractKeyFromHeaders(headers); ok {
			return key
		}
	}
	if key, ok := extractKeyFromBody(bodyText); ok {
		return key
	}
	if len(bodyText) > 100 {
		return "request_hash:" + formatHex16(fbiHash([]byte(bodyText)))
	}
	return bodyText
}

func extractKeyFromHeaders(headers http.Header) (string, bool) {
	for _, name := range sessionHeaderNames {
		v := headers.Get(name)
		if v != "" {
			return "header:" + name + ":" + v, true
		}
	}
	return "", false
}

func extractKeyFromBody(text string) (string, bool) {
	if text == "" {
		return "", false
	}
	if v, ok := extractNestedFieldValue(text, "session_params", "session_id"); ok {
		return "session:" + v, true
	}
	if v, ok := extractFieldValue(text, "user"); ok {
		return "user:" + v, true
	}
	if v, ok := extractFieldValue(text, "session_id"); ok {
		return "session:" + v, true
	}
	if v, ok := extractFieldValue(text, "user_id"); ok {
		return "user:" + v, true
	}
	return "", false
}

// findFieldStart locates the colon immediately following the first
// "field" or 'field' token at any nesting depth (skipping only whitespace between the quote
// and the colon), returning the index just after that colon.
func findFieldStart(text, fieldName string) (int, bool) {
	for _, quote := range []byte{'"', '\''} {
		pattern := string(quote) + fieldName + string(quote)
		fieldPos := strings.Index(text, pattern)
		if fieldPos < 0 {
			continue
		}
		after := text[fieldPos+len(pattern):]
		for i := 0; i < len(after); i++ {
			c := after[i]
			if c == ':' {
				return fieldPos + len(pattern) + i + 1, true
			}
			if c != ' ' && c != '\t' && c != '\n' && c != '\r' {
				break
			}
		}
	}
	return 0, false
}

func extractNestedFieldValue(text, parentField, childField string) (string, bool) {
	start, ok := findFieldStart(text, parentField)
	if !ok {
		return "", false
	}
	rest := text[start:]
	braceRel := strings.IndexByte(rest, '{')
	if braceRel < 0 {
		return "", false
	}
	objText, ok := extractJSONObject(rest[braceRel:])
	if !ok {
		return "", false
	}
	return extractFieldValue(objText, childField)
}

// extractJSONObject returns the balanced-brace substring starting at
// text[0] (which must be '{'), via simple depth counting — adequate for
// well-formed request bodies and safe to fail tolerantly on malformed
// ones, per spec.md §9 ("best-effort ... when the scan fails the fallback
// hash path is taken, which is still safe").
func extractJSONObject(text string) (string, bool) {
	if len(text) == 0 || text[0] != '{' {
		return "", false
	}
	depth := 0
	for i, ch := range text {
		switch ch {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[:i+1], true
			}
		}
	}
	return "", false
}

func extractFieldValue(text, fieldName string) (string, bool) {
	patterns := []string{`"` + fieldName + `"`, `'` + fieldName + `'`, fieldName}
	for _, pattern := range patterns {
		fieldPos := strings.Index(text, pattern)
		if fieldPos < 0 {
			continue
		}
		after := text[fieldPos+len(pattern):]
		colonIdx := -1
		for i := 0; i < len(after); i++ {
			c := after[i]
			if c == ':' {
				colonIdx = i
				break
			}
			if c != ' ' && c != '\t' && c != '\n' && c != '\r' {
				break
			}
		}
		if colonIdx < 0 {
			continue
		}
		trimmed := strings.TrimLeft(after[colonIdx+1:], " \t\n\r")
		if strings.HasPrefix(trimmed, `"`) {
			rest := trimmed[1:]
			if end := strings.IndexByte(rest, '"'); end >= 0 {
				return rest[:end], true
			}
			continue
		}
		if strings.HasPrefix(trimmed, "'") {
			rest := trimmed[1:]
			if end := strings.IndexByte(rest, '\''); end >= 0 {
				return rest[:end], true
			}
			continue
		}
		end := strings.IndexAny(trimmed, ", }]\n\r\t")
		if end < 0 {
			end = len(trimmed)
		}
		if end > 0 {
			return trimmed[:end], true
		}
	}
	return "", false
}

func formatHex16(v uint64) string {
	s := strconv.FormatUint(v, 16)
	if len(s) < 16 {
		s = strings.Repeat("0", 16-len(s)) + s
	}
	return s
}
