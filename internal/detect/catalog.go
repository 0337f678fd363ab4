package detect

import (
	"context"
	"fmt"

	"github.com/TobiSchelling/ToolPulse/internal/database"
	"github.com/TobiSchelling/ToolPulse/internal/llm"
)

// Catalog is the tool catalog detectors are built from. *database.DB
// implements it.
type Catalog interface {
	ListTools(ctx context.Context, activeOnly bool) ([]database.Tool, error)
	AliasEdges(ctx context.Context) (map[string]string, error)
}

// FromCatalog builds a detector over the catalog as it is now. A nil
// provider selects keyword matching.
func FromCatalog(ctx context.Context, catalog Catalog, provider llm.Provider, maxTokens int) (Detector, error) {
	tools, err := catalog.ListTools(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("loading tool catalog: %w", err)
	}
	edges, err := catalog.AliasEdges(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading alias edges: %w", err)
	}

	tools = Detectable(tools, edges)
	if provider == nil {
		return NewKeywordDetector(tools), nil
	}
	return NewLLMDetector(provider, tools, maxTokens), nil
}
