package util

import (
	"encoding/json"
	"strings"
)

// ExtractJSONObject finds and decodes the first balanced JSON object embedded
// in free-form text. Models frequently wrap their structured answers in prose
// or markdown fences; this tolerates both.
func ExtractJSONObject(text string) (map[string]any, bool) {
	start := strings.IndexByte(text, '{')
	for start >= 0 {
		depth := 0
		inString := false
		escaped := false
		for i := start; i < len(text); i++ {
			c := text[i]
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
					var out map[string]any
					if err := json.Unmarshal([]byte(text[start:i+1]), &out); err == nil {
						return out, true
					}
					// Not valid JSON after all; try the next opening brace.
					i = len(text)
				}
			}
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			return nil, false
		}
		start = start + 1 + next
	}
	return nil, false
}
