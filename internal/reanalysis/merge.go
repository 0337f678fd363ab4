package reanalysis

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/TobiSchelling/ToolPulse/internal/database"
	"github.com/TobiSchelling/ToolPulse/internal/retry"
)

const mergePageSize = 500

// ToolMerger records a merge in the tool catalog. *database.DB implements it.
type ToolMerger interface {
	MergeTools(ctx context.Context, sourceIDs []string, targetID string) error
}

// MergeResult counts the documents a merge touched.
type MergeResult struct {
	Scanned   int `json:"scanned"`
	Rewritten int `json:"rewritten"`
}

// Merger folds tools into one another and rewrites stored detections to match.
type Merger struct {
	guard  *Guard
	tools  ToolMerger
	docs   DocumentStore
	retry  *retry.Policy
	logger *slog.Logger
}

func NewMerger(guard *Guard, tools ToolMerger, docs DocumentStore, policy *retry.Policy, logger *slog.Logger) *Merger {
	if logger == nil {
		logger = slog.Default()
	}
	if policy == nil {
		policy = &retry.Policy{}
	}
	return &Merger{guard: guard, tools: tools, docs: docs, retry: policy, logger: logger}
}

// Merge makes each source an alias of target and rewrites every document
// that mentions a source. It is refused while a reanalysis job is active,
// since the job would write detections computed against the old catalog.
func (m *Merger) Merge(ctx context.Context, sourceIDs []string, targetID string) (*MergeResult, error) {
	sources, err := mergeSources(sourceIDs, targetID)
	if err != nil {
		return nil, err
	}

	var result *MergeResult
	err = m.guard.Exclusive(ctx, func() error {
		if err := m.tools.MergeTools(ctx, sources, targetID); err != nil {
			return fmt.Errorf("merging tools: %w", err)
		}
		result, err = m.RewriteAfterMerge(ctx, sources, targetID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func mergeSources(sourceIDs []string, targetID string) ([]string, error) {
	targetID = strings.TrimSpace(targetID)
	if targetID == "" {
		return nil, fmt.Errorf("%w: target tool id is required", ErrValidation)
	}
	seen := make(map[string]bool)
	var sources []string
	for _, id := range sourceIDs {
		id = strings.TrimSpace(id)
		switch {
		case id == "":
			return nil, fmt.Errorf("%w: source tool ids must not be empty", ErrValidation)
		case id == targetID:
			return nil, fmt.Errorf("%w: cannot merge %s into itself", ErrValidation, id)
		case !seen[id]:
			seen[id] = true
			sources = append(sources, id)
		}
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("%w: at least one source tool id is required", ErrValidation)
	}
	sort.Strings(sources)
	return sources, nil
}

// RewriteAfterMerge replaces every occurrence of a source id in stored
// detections with targetID. Only documents whose tool list changes are
// written. Running it twice is a no-op the second time.
func (m *Merger) RewriteAfterMerge(ctx context.Context, sourceIDs []string, targetID string) (*MergeResult, error) {
	isSource := make(map[string]bool, len(sourceIDs))
	for _, id := range sourceIDs {
		isSource[id] = true
	}

	result := &MergeResult{}
	q := database.DocumentQuery{ToolIDs: sourceIDs, Limit: mergePageSize}
	for {
		var page []database.Document
		if err := m.retry.Do(ctx, "list documents", func(ctx context.Context) error {
			var err error
			page, err = m.docs.ListDocuments(ctx, q)
			return err
		}); err != nil {
			return result, systemError("reading documents after %q: %v", q.AfterID, err)
		}

		for i := range page {
			doc := &page[i]
			result.Scanned++
			rewritten, changed := replaceToolIDs(doc.DetectedToolIDs, isSource, targetID)
			if !changed {
				continue
			}
			doc.DetectedToolIDs = rewritten
			if err := m.retry.Do(ctx, "upsert document", func(ctx context.Context) error {
				return m.docs.UpsertDocument(ctx, doc)
			}); err != nil {
				return result, systemError("storing document %s: %v", doc.ID, err)
			}
			result.Rewritten++
		}

		if len(page) < mergePageSize {
			break
		}
		q.AfterID = page[len(page)-1].ID
	}

	m.logger.Info("rewrote detections after merge",
		"sources", sourceIDs,
		"target", targetID,
		"scanned", result.Scanned,
		"rewritten", result.Rewritten,
	)
	return result, nil
}

// replaceToolIDs maps source ids to target, dedupes and sorts. changed is
// false when the set of ids is unaffected.
func replaceToolIDs(ids []string, isSource map[string]bool, target string) ([]string, bool) {
	changed := false
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if isSource[id] {
			id = target
			changed = true
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	if !changed {
		return ids, false
	}
	sort.Strings(out)
	return out, true
}
