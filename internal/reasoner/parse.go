package reasoner

import (
	"encoding/json"
	"fmt"
	"strings"
)

// extractJSONObject returns the first balanced {...} block in s. Braces
// inside JSON strings are ignored. Models often wrap their answer in prose
// or markdown fences.
func extractJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// decodeObject locates and decodes the JSON object in a model response.
func decodeObject(resp string) (map[string]any, error) {
	raw, ok := extractJSONObject(resp)
	if !ok {
		return nil, fmt.Errorf("no JSON object in response")
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return obj, nil
}

// number reads a JSON number field.
func number(obj map[string]any, key string) (float64, bool) {
	f, ok := obj[key].(float64)
	return f, ok
}

// stringList reads a JSON array whose members must all be strings.
func stringList(obj map[string]any, key string) ([]string, bool) {
	arr, ok := obj[key].([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out, true
}
