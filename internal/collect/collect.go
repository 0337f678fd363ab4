// Package collect ingests Reddit posts from subreddit feeds into the
// document store.
package collect

import (
	"context"
	"log/slog"

	"github.com/TobiSchelling/ToolPulse/internal/config"
	"github.com/TobiSchelling/ToolPulse/internal/database"
)

// Result holds the results of a collection run.
type Result struct {
	TotalFound   int
	NewDocuments int
	Duplicates   int
	Failed       int
	Sources      map[string]int
}

// DocumentInserter stores newly collected documents. *database.DB implements it.
type DocumentInserter interface {
	InsertDocument(ctx context.Context, d *database.Document) (bool, error)
}

// EntrySource yields feed entries. *FeedParser implements it.
type EntrySource interface {
	ParseAll(ctx context.Context, daysBack int) []FeedEntry
}

// Collector stores feed entries as documents. Posts already stored are left
// alone; refreshing their detections is the reanalysis job's work.
type Collector struct {
	docs     DocumentInserter
	source   EntrySource
	daysBack int
	logger   *slog.Logger
}

// NewCollector creates a collector over the configured subreddit feeds.
func NewCollector(cfg *config.Config, docs DocumentInserter, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	feeds := make([]FeedConfig, len(cfg.Sources.Feeds))
	for i, f := range cfg.Sources.Feeds {
		feeds[i] = FeedConfig{URL: f.URL, Name: f.Name}
	}
	return &Collector{
		docs:     docs,
		source:   NewFeedParser(feeds, cfg.Sources.UserAgent, logger),
		daysBack: cfg.Sources.DaysBack,
		logger:   logger,
	}
}

// Collect stores every new entry from all feeds.
func (c *Collector) Collect(ctx context.Context) (*Result, error) {
	r := &Result{Sources: make(map[string]int)}

	c.logger.Info("collecting from subreddit feeds")
	entries := c.source.ParseAll(ctx, c.daysBack)
	r.TotalFound = len(entries)

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return r, err
		}
		doc := &database.Document{
			ID:          entry.ID,
			Source:      entry.Source,
			Title:       entry.Title,
			URL:         entry.URL,
			Author:      entry.Author,
			PublishedAt: entry.PublishedAt,
		}
		if entry.Content != "" {
			content := entry.Content
			doc.Content = &content
		}

		inserted, err := c.docs.InsertDocument(ctx, doc)
		if err != nil {
			c.logger.Error("failed to store document", "doc_id", entry.ID, "error", err)
			r.Failed++
			continue
		}
		if inserted {
			r.NewDocuments++
			r.Sources[entry.Source]++
		} else {
			r.Duplicates++
		}
	}

	c.logger.Info("collection complete",
		"found", r.TotalFound,
		"new", r.NewDocuments,
		"duplicates", r.Duplicates,
		"failed", r.Failed,
	)
	return r, nil
}
