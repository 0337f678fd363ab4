// Package alias resolves tool ids through the alias graph to their primary id.
package alias

import (
	"errors"
	"fmt"
	"sort"
)

// DefaultMaxDepth bounds how many alias hops Resolve follows.
const DefaultMaxDepth = 10

var (
	ErrCircularAlias    = errors.New("circular alias")
	ErrMaxDepthExceeded = errors.New("alias chain exceeds maximum depth")
)

// Resolver follows alias -> primary edges. It is safe for concurrent use
// once constructed.
type Resolver struct {
	edges    map[string]string
	maxDepth int
}

// NewResolver builds a resolver over a snapshot of alias edges.
func NewResolver(edges map[string]string, maxDepth int) *Resolver {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	copied := make(map[string]string, len(edges))
	for k, v := range edges {
		copied[k] = v
	}
	return &Resolver{edges: copied, maxDepth: maxDepth}
}

// Resolve returns the primary id for toolID. Ids without an alias edge
// resolve to themselves.
func (r *Resolver) Resolve(toolID string) (string, error) {
	visited := map[string]bool{toolID: true}
	path := []string{toolID}
	current := toolID

	for depth := 0; ; depth++ {
		next, ok := r.edges[current]
		if !ok {
			return current, nil
		}
		if depth >= r.maxDepth {
			return "", fmt.Errorf("%w: %s after %d hops", ErrMaxDepthExceeded, toolID, r.maxDepth)
		}
		if visited[next] {
			return "", fmt.Errorf("%w: %v -> %s", ErrCircularAlias, path, next)
		}
		visited[next] = true
		path = append(path, next)
		current = next
	}
}

// ResolveAll resolves every id and returns the distinct primary ids, sorted.
func (r *Resolver) ResolveAll(toolIDs []string) ([]string, error) {
	seen := make(map[string]bool, len(toolIDs))
	out := make([]string, 0, len(toolIDs))
	for _, id := range toolIDs {
		primary, err := r.Resolve(id)
		if err != nil {
			return nil, err
		}
		if !seen[primary] {
			seen[primary] = true
			out = append(out, primary)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Sources returns the ids that are aliases of something else.
func (r *Resolver) Sources() []string {
	out := make([]string, 0, len(r.edges))
	for k := range r.edges {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
