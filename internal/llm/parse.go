package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// unmarshalLoose decodes JSON out of model output that may carry markdown
// fences or prose around the payload. It finds the first balanced JSON value
// whose shape matches the target.
func unmarshalLoose(content string, target any) error {
	content = stripFences(content)

	if err := json.Unmarshal([]byte(content), target); err == nil {
		return nil
	}

	extracted, ok := firstJSONValue(content)
	if !ok {
		return fmt.Errorf("no JSON value in output")
	}

	if err := json.Unmarshal([]byte(extracted), target); err != nil {
		return fmt.Errorf("invalid JSON in output: %w", err)
	}

	return nil
}

func stripFences(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}

	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	return strings.TrimSpace(content)
}

// firstJSONValue scans for the first balanced {...} or [...] span, skipping
// brackets inside string literals.
func firstJSONValue(content string) (string, bool) {
	start := -1
	var open, close rune
	for i, r := range content {
		if r == '{' || r == '[' {
			start = i
			open = r
			close = '}'
			if r == '[' {
				close = ']'
			}
			break
		}
	}
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(content); i++ {
		ch := rune(content[i])

		if escaped {
			escaped = false
			continue
		}

		switch {
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == open:
			depth++
		case ch == close:
			depth--
			if depth == 0 {
				return content[start : i+1], true
			}
		}
	}

	return "", false
}
