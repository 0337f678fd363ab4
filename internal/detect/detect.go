// Package detect finds which catalog tools a piece of text mentions.
package detect

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/TobiSchelling/ToolPulse/internal/database"
)

// Detector maps free text to the ids of the tools it mentions. Results are
// sorted and free of duplicates. Implementations must be deterministic for
// the same input and catalog.
type Detector interface {
	Detect(ctx context.Context, text string) ([]string, error)
}

// Detectable returns the tools detection should look for: active tools plus
// any tool that is an alias source, so that merged names still map to
// their primary.
func Detectable(tools []database.Tool, edges map[string]string) []database.Tool {
	var out []database.Tool
	for _, t := range tools {
		if _, isAlias := edges[t.ID]; t.IsActive || isAlias {
			out = append(out, t)
		}
	}
	return out
}

type toolPattern struct {
	id string
	re *regexp.Regexp
}

// KeywordDetector matches tool names and keywords as whole words,
// case-insensitively.
type KeywordDetector struct {
	patterns []toolPattern
}

// NewKeywordDetector compiles one pattern per tool from its name, id and keywords.
func NewKeywordDetector(tools []database.Tool) *KeywordDetector {
	d := &KeywordDetector{}
	for _, t := range tools {
		terms := uniqueTerms(append([]string{t.Name, t.ID}, t.Keywords...))
		if len(terms) == 0 {
			continue
		}
		quoted := make([]string, len(terms))
		for i, term := range terms {
			quoted[i] = regexp.QuoteMeta(term)
		}
		// RE2 has no lookaround, so boundaries are matched as non-word runes.
		expr := `(?i)(?:^|[^\p{L}\p{N}_])(?:` + strings.Join(quoted, "|") + `)(?:$|[^\p{L}\p{N}_])`
		d.patterns = append(d.patterns, toolPattern{id: t.ID, re: regexp.MustCompile(expr)})
	}
	return d
}

func (d *KeywordDetector) Detect(ctx context.Context, text string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var found []string
	for _, p := range d.patterns {
		if p.re.MatchString(text) {
			found = append(found, p.id)
		}
	}
	sort.Strings(found)
	return found, nil
}

func uniqueTerms(terms []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range terms {
		t = strings.TrimSpace(t)
		key := strings.ToLower(t)
		if len(t) < 2 || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
	}
	// Longer terms first so alternation prefers the most specific match.
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}

// Func adapts a plain function to Detector.
type Func func(ctx context.Context, text string) ([]string, error)

func (f Func) Detect(ctx context.Context, text string) ([]string, error) {
	return f(ctx, text)
}
