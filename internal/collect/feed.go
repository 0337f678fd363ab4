package collect

import (
	"context"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
)

const maxPerFeed = 50

// FeedEntry is a Reddit post parsed from a subreddit feed.
type FeedEntry struct {
	ID          string // Reddit fullname, e.g. t3_1abcde
	URL         string // external link for link posts, permalink otherwise
	Title       string
	Author      string
	PublishedAt *time.Time
	Content     string // self-post body as plain text; empty for link posts
	Source      string
}

// FeedConfig represents a single feed configuration.
type FeedConfig struct {
	URL  string
	Name string
}

// FeedParser parses subreddit Atom feeds.
type FeedParser struct {
	feeds  []FeedConfig
	parser *gofeed.Parser
	logger *slog.Logger
}

// NewFeedParser creates a new FeedParser. Reddit throttles requests without
// a descriptive User-Agent.
func NewFeedParser(feeds []FeedConfig, userAgent string, logger *slog.Logger) *FeedParser {
	if logger == nil {
		logger = slog.Default()
	}
	parser := gofeed.NewParser()
	if userAgent != "" {
		parser.UserAgent = userAgent
	}
	return &FeedParser{feeds: feeds, parser: parser, logger: logger}
}

// ParseAll parses all configured feeds and returns entries within daysBack.
// A feed that fails is logged and skipped.
func (fp *FeedParser) ParseAll(ctx context.Context, daysBack int) []FeedEntry {
	cutoff := time.Now().AddDate(0, 0, -daysBack)
	var all []FeedEntry

	for _, fc := range fp.feeds {
		if ctx.Err() != nil {
			break
		}
		name := fc.Name
		if name == "" {
			name = extractSourceName(fc.URL)
		}

		feed, err := fp.parser.ParseURLWithContext(fc.URL, ctx)
		if err != nil {
			fp.logger.Warn("failed to parse feed", "url", fc.URL, "error", err)
			continue
		}
		entries := parseFeed(feed, name, cutoff)
		all = append(all, entries...)
		fp.logger.Info("parsed feed", "source", name, "entries", len(entries), "days_back", daysBack)
	}

	return all
}

func parseFeed(feed *gofeed.Feed, sourceName string, cutoff time.Time) []FeedEntry {
	var entries []FeedEntry
	for _, item := range feed.Items {
		if len(entries) >= maxPerFeed {
			break
		}
		entry := parseItem(item, sourceName)
		if entry == nil {
			continue
		}
		if entry.PublishedAt == nil || !entry.PublishedAt.Before(cutoff) {
			entries = append(entries, *entry)
		}
	}
	return entries
}

var (
	mdBodyPattern = regexp.MustCompile(`(?s)<div class="md">(.*?)</div>`)
	linkPattern   = regexp.MustCompile(`<a href="([^"]+)">\[link\]</a>`)
	postIDPattern = regexp.MustCompile(`/comments/([a-z0-9]+)`)
)

func parseItem(item *gofeed.Item, source string) *FeedEntry {
	title := strings.TrimSpace(item.Title)
	if title == "" {
		return nil
	}

	id := postID(item)
	if id == "" {
		return nil
	}

	entry := &FeedEntry{
		ID:     id,
		URL:    item.Link,
		Title:  title,
		Source: source,
	}
	if item.PublishedParsed != nil {
		t := item.PublishedParsed.UTC()
		entry.PublishedAt = &t
	} else if item.UpdatedParsed != nil {
		t := item.UpdatedParsed.UTC()
		entry.PublishedAt = &t
	}
	author := item.Author
	if author == nil && len(item.Authors) > 0 {
		author = item.Authors[0]
	}
	if author != nil {
		entry.Author = strings.TrimPrefix(strings.TrimSpace(author.Name), "/u/")
	}

	body := item.Content
	if body == "" {
		body = item.Description
	}
	if m := mdBodyPattern.FindStringSubmatch(body); m != nil {
		entry.Content = stripHTML(m[1])
	}
	// Link posts point [link] away from reddit; their text comes from the fetcher.
	if m := linkPattern.FindStringSubmatch(body); m != nil && !isRedditURL(m[1]) {
		entry.URL = m[1]
	}
	if entry.URL == "" {
		return nil
	}

	return entry
}

// postID returns the t3_ fullname from the entry GUID, falling back to the
// permalink.
func postID(item *gofeed.Item) string {
	if strings.HasPrefix(item.GUID, "t3_") {
		return item.GUID
	}
	if m := postIDPattern.FindStringSubmatch(item.Link); m != nil {
		return "t3_" + m[1]
	}
	return ""
}

func isRedditURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return host == "reddit.com" || strings.HasSuffix(host, ".reddit.com") || host == "redd.it"
}

func stripHTML(text string) string {
	var result strings.Builder
	inTag := false
	for _, r := range text {
		if r == '<' {
			inTag = true
			result.WriteRune(' ')
			continue
		}
		if r == '>' {
			inTag = false
			continue
		}
		if !inTag {
			result.WriteRune(r)
		}
	}

	s := result.String()
	s = strings.ReplaceAll(s, "&nbsp;", " ")
	s = strings.ReplaceAll(s, "&amp;", "&")
	s = strings.ReplaceAll(s, "&lt;", "<")
	s = strings.ReplaceAll(s, "&gt;", ">")
	s = strings.ReplaceAll(s, "&quot;", `"`)
	s = strings.ReplaceAll(s, "&#39;", "'")
	s = strings.ReplaceAll(s, "&#32;", " ")

	return strings.Join(strings.Fields(s), " ")
}

// extractSourceName names a feed by its subreddit, or by host otherwise.
func extractSourceName(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil {
		return feedURL
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) >= 2 && parts[0] == "r" {
		return "r/" + parts[1]
	}

	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	if host == "" {
		return feedURL
	}
	return host
}
