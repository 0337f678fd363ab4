package detect

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/TobiSchelling/ToolPulse/internal/database"
	"github.com/TobiSchelling/ToolPulse/internal/llm"
)

const maxPromptContent = 4000

const detectPrompt = `You identify which AI developer tools a Reddit post talks about.

Only answer with ids from this catalog (id: name, other names):
%s

Post:
%s

Respond with ONLY this JSON:
{"tools": ["id", ...]}

Use an empty list if none of the catalog tools are mentioned.`

// LLMDetector asks a language model which catalog tools a text mentions.
// Ids outside the catalog are discarded.
type LLMDetector struct {
	provider  llm.Provider
	catalog   string
	known     map[string]bool
	maxTokens int
}

// NewLLMDetector creates a detector over the given tools.
func NewLLMDetector(provider llm.Provider, tools []database.Tool, maxTokens int) *LLMDetector {
	if maxTokens <= 0 {
		maxTokens = 256
	}
	known := make(map[string]bool, len(tools))
	var lines []string
	for _, t := range tools {
		known[t.ID] = true
		line := fmt.Sprintf("- %s: %s", t.ID, t.Name)
		if len(t.Keywords) > 0 {
			line += " (" + strings.Join(t.Keywords, ", ") + ")"
		}
		lines = append(lines, line)
	}
	return &LLMDetector{
		provider:  provider,
		catalog:   strings.Join(lines, "\n"),
		known:     known,
		maxTokens: maxTokens,
	}
}

func (d *LLMDetector) Detect(ctx context.Context, text string) ([]string, error) {
	if len(d.known) == 0 {
		return nil, nil
	}
	if len(text) > maxPromptContent {
		text = text[:maxPromptContent] + "..."
	}

	reply, err := d.provider.Generate(ctx, fmt.Sprintf(detectPrompt, d.catalog, text), d.maxTokens)
	if err != nil {
		return nil, fmt.Errorf("tool detection: %w", err)
	}

	var parsed struct {
		Tools []string `json:"tools"`
	}
	if err := llm.DecodeJSONResponse(reply, &parsed); err != nil {
		return nil, fmt.Errorf("tool detection: %w", err)
	}

	seen := make(map[string]bool)
	var out []string
	for _, id := range parsed.Tools {
		id = strings.ToLower(strings.TrimSpace(id))
		if d.known[id] && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}
