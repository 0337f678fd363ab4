// Package fetch fills in the text of Reddit link posts from the page they
// point to.
package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"

	"github.com/TobiSchelling/ToolPulse/internal/database"
)

const (
	defaultUserAgent = "toolpulse/1.0 (tool sentiment tracker)"
	minContentLength = 100
	maxBodyBytes     = 5 << 20
)

// Result holds the results of a content fetch run.
type Result struct {
	Fetched int
	Skipped int
	Failed  int
}

// DocumentStore is what the fetcher reads and writes. *database.DB implements it.
type DocumentStore interface {
	GetDocumentsNeedingFetch(ctx context.Context, limit int) ([]database.Document, error)
	UpdateDocumentContent(ctx context.Context, id string, content *string) error
	MarkDocumentFetchAttempted(ctx context.Context, id string) error
}

// ContentFetcher fetches linked article text via HTTP + readability extraction.
type ContentFetcher struct {
	docs      DocumentStore
	client    *http.Client
	userAgent string
	logger    *slog.Logger
}

// NewContentFetcher creates a new content fetcher.
func NewContentFetcher(docs DocumentStore, timeout time.Duration, userAgent string, logger *slog.Logger) *ContentFetcher {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ContentFetcher{
		docs:      docs,
		userAgent: userAgent,
		logger:    logger,
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
	}
}

// FetchMissingContent fetches content for up to limit documents with empty
// content. After an HTTP error from a domain, the rest of that domain's
// documents are skipped for this run.
func (f *ContentFetcher) FetchMissingContent(ctx context.Context, limit int) (*Result, error) {
	docs, err := f.docs.GetDocumentsNeedingFetch(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("listing documents needing fetch: %w", err)
	}

	result := &Result{}
	if len(docs) == 0 {
		f.logger.Info("no documents need content fetching")
		return result, nil
	}

	failedDomains := make(map[string]struct{})
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		domain, host := "", ""
		if u, _ := url.Parse(doc.URL); u != nil {
			domain = strings.ToLower(u.Host)
			host = strings.ToLower(u.Hostname())
		}

		if isReddit(host) {
			// Self posts without a body; there is nothing beyond the title.
			f.markAttempted(ctx, doc.ID)
			result.Skipped++
			continue
		}
		if _, failed := failedDomains[domain]; failed {
			f.markAttempted(ctx, doc.ID)
			result.Failed++
			continue
		}

		content, httpErr := f.fetchArticleContent(ctx, doc.URL)
		if httpErr != nil {
			f.markAttempted(ctx, doc.ID)
			result.Failed++
			if domain != "" {
				failedDomains[domain] = struct{}{}
			}
			f.logger.Warn("HTTP error, skipping remaining documents from domain",
				"url", doc.URL, "domain", domain, "error", httpErr)
			continue
		}

		if content == "" {
			f.markAttempted(ctx, doc.ID)
			result.Failed++
			f.logger.Debug("no extractable content", "url", doc.URL)
			continue
		}
		if err := f.docs.UpdateDocumentContent(ctx, doc.ID, &content); err != nil {
			return result, fmt.Errorf("storing content for %s: %w", doc.ID, err)
		}
		result.Fetched++
		f.logger.Debug("fetched content", "doc_id", doc.ID, "title", doc.Title)
	}

	f.logger.Info("content fetch complete", "fetched", result.Fetched, "skipped", result.Skipped, "failed", result.Failed)
	return result, nil
}

func (f *ContentFetcher) markAttempted(ctx context.Context, id string) {
	if err := f.docs.MarkDocumentFetchAttempted(ctx, id); err != nil {
		f.logger.Warn("failed to mark fetch attempted", "doc_id", id, "error", err)
	}
}

// fetchArticleContent returns the readable text of a page. Only HTTP status
// errors are returned as errors; connection and extraction problems yield
// empty content.
func (f *ContentFetcher) fetchArticleContent(ctx context.Context, articleURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, articleURL, nil)
	if err != nil {
		return "", nil
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", nil
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", &httpError{code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", nil
	}

	parsedURL, _ := url.Parse(articleURL)
	article, err := readability.FromReader(bytes.NewReader(body), parsedURL)
	if err != nil {
		return "", nil
	}

	text := strings.TrimSpace(article.TextContent)
	if len(text) > minContentLength {
		return text, nil
	}
	return "", nil
}

func isReddit(host string) bool {
	return host == "reddit.com" || strings.HasSuffix(host, ".reddit.com") || host == "redd.it"
}

type httpError struct {
	code int
}

func (e *httpError) Error() string {
	return fmt.Sprintf("%d %s", e.code, http.StatusText(e.code))
}
