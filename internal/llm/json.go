package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrUnexpectedShape is returned when a model reply cannot be read as the
// structure that was asked for.
var ErrUnexpectedShape = errors.New("unexpected model output shape")

// ParseJSON decodes a model reply into v. Markdown code fences and any
// prose around the outermost JSON value are ignored.
func ParseJSON(content string, v any) error {
	raw := stripFences(content)

	if err := json.Unmarshal([]byte(raw), v); err == nil {
		return nil
	}

	if body, ok := outermostJSON(raw); ok {
		if err := json.Unmarshal([]byte(body), v); err == nil {
			return nil
		}
	}

	return fmt.Errorf("%w: %q", ErrUnexpectedShape, truncate(content, 200))
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "```")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func outermostJSON(s string) (string, bool) {
	start := strings.IndexAny(s, "[{")
	if start < 0 {
		return "", false
	}
	closer := byte('}')
	if s[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(s, closer)
	if end <= start {
		return "", false
	}
	return s[start : end+1], true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
