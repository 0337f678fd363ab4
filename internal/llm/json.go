package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrEmptyResponse = errors.New("empty LLM response")

// DecodeJSONResponse decodes an LLM reply into v. It accepts replies wrapped
// in markdown code fences or surrounded by prose.
func DecodeJSONResponse(text string, v any) error {
	text = stripCodeFence(strings.TrimSpace(text))
	if text == "" {
		return ErrEmptyResponse
	}

	if err := json.Unmarshal([]byte(text), v); err == nil {
		return nil
	}

	// Fall back to the outermost object in the reply.
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("no JSON object in LLM response: %q", truncate(text, 80))
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), v); err != nil {
		return fmt.Errorf("parsing LLM response as JSON: %w", err)
	}
	return nil
}

func stripCodeFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.Split(text, "\n")
	endIdx := len(lines)
	for i := len(lines) - 1; i > 0; i-- {
		if strings.TrimSpace(lines[i]) == "```" {
			endIdx = i
			break
		}
	}
	if endIdx <= 1 {
		return ""
	}
	return strings.TrimSpace(strings.Join(lines[1:endIdx], "\n"))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
