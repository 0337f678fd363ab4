package collect

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/TobiSchelling/ToolPulse/internal/config"
	"github.com/TobiSchelling/ToolPulse/internal/database"
)

const subredditFeed = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>ChatGPT Coding</title>
  <entry>
    <author><name>/u/dev_one</name></author>
    <content type="html">&lt;!-- SC_OFF --&gt;&lt;div class="md"&gt;&lt;p&gt;Switched from Copilot to &lt;strong&gt;Cursor&lt;/strong&gt; &amp;amp; never looked back.&lt;/p&gt;&lt;/div&gt;&lt;!-- SC_ON --&gt; &amp;#32; submitted by &amp;#32; &lt;a href="https://www.reddit.com/user/dev_one"&gt; /u/dev_one &lt;/a&gt; &lt;br/&gt; &lt;span&gt;&lt;a href="https://www.reddit.com/r/ChatGPTCoding/comments/1abcde/switched/"&gt;[link]&lt;/a&gt;&lt;/span&gt;</content>
    <id>t3_1abcde</id>
    <link href="https://www.reddit.com/r/ChatGPTCoding/comments/1abcde/switched/" />
    <updated>%[1]s</updated>
    <published>%[1]s</published>
    <title>Switched editors</title>
  </entry>
  <entry>
    <author><name>/u/linker</name></author>
    <content type="html">submitted by &amp;#32; &lt;a href="https://www.reddit.com/user/linker"&gt; /u/linker &lt;/a&gt; &lt;br/&gt; &lt;span&gt;&lt;a href="https://example.com/blog/claude-review"&gt;[link]&lt;/a&gt;&lt;/span&gt;</content>
    <id>t3_2fghij</id>
    <link href="https://www.reddit.com/r/ChatGPTCoding/comments/2fghij/review/" />
    <published>%[1]s</published>
    <title>A long review of Claude</title>
  </entry>
  <entry>
    <id>t3_3old</id>
    <link href="https://www.reddit.com/r/ChatGPTCoding/comments/3old/old/" />
    <published>2020-01-01T00:00:00+00:00</published>
    <title>Ancient post</title>
  </entry>
  <entry>
    <id>t3_4notitle</id>
    <link href="https://www.reddit.com/r/ChatGPTCoding/comments/4notitle/x/" />
    <published>%[1]s</published>
    <title>  </title>
  </entry>
</feed>`

func feedXML() string {
	return fmt.Sprintf(subredditFeed, time.Now().UTC().Add(-time.Hour).Format(time.RFC3339))
}

func TestParseFeedRedditEntries(t *testing.T) {
	feed, err := gofeed.NewParser().ParseString(feedXML())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	entries := parseFeed(feed, "r/ChatGPTCoding", time.Now().AddDate(0, 0, -7))

	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}

	self := entries[0]
	if self.ID != "t3_1abcde" {
		t.Errorf("expected id t3_1abcde, got %s", self.ID)
	}
	if self.Author != "dev_one" {
		t.Errorf("expected author dev_one, got %q", self.Author)
	}
	if self.Content != "Switched from Copilot to Cursor & never looked back." {
		t.Errorf("unexpected content %q", self.Content)
	}
	if self.URL != "https://www.reddit.com/r/ChatGPTCoding/comments/1abcde/switched/" {
		t.Errorf("expected permalink for self post, got %s", self.URL)
	}
	if self.PublishedAt == nil {
		t.Error("expected published time")
	}

	link := entries[1]
	if link.URL != "https://example.com/blog/claude-review" {
		t.Errorf("expected external url for link post, got %s", link.URL)
	}
	if link.Content != "" {
		t.Errorf("expected empty content for link post, got %q", link.Content)
	}
}

func TestPostIDFallsBackToPermalink(t *testing.T) {
	item := &gofeed.Item{Link: "https://www.reddit.com/r/cursor/comments/9xyz12/title/"}
	if got := postID(item); got != "t3_9xyz12" {
		t.Errorf("expected t3_9xyz12, got %s", got)
	}
	if got := postID(&gofeed.Item{Link: "https://example.com"}); got != "" {
		t.Errorf("expected empty id, got %s", got)
	}
}

func TestExtractSourceName(t *testing.T) {
	cases := map[string]string{
		"https://www.reddit.com/r/LocalLLaMA/.rss": "r/LocalLLaMA",
		"https://blog.example.com/feed.xml":        "blog.example.com",
	}
	for in, want := range cases {
		if got := extractSourceName(in); got != want {
			t.Errorf("%s: expected %s, got %s", in, want, got)
		}
	}
}

func TestStripHTML(t *testing.T) {
	got := stripHTML("<p>Hello&nbsp;<b>world</b></p>\n<p>a &lt; b</p>")
	if got != "Hello world a < b" {
		t.Errorf("unexpected %q", got)
	}
}

func TestParseAllOverHTTP(t *testing.T) {
	var gotAgent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAgent = r.Header.Get("User-Agent")
		if r.URL.Path == "/broken/.rss" {
			http.Error(w, "nope", http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/atom+xml")
		io.WriteString(w, feedXML())
	}))
	defer srv.Close()

	fp := NewFeedParser([]FeedConfig{
		{URL: srv.URL + "/broken/.rss", Name: "broken"},
		{URL: srv.URL + "/r/ChatGPTCoding/.rss"},
	}, "toolpulse-test/1.0", slog.New(slog.NewTextHandler(io.Discard, nil)))

	entries := fp.ParseAll(context.Background(), 7)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries from the working feed, got %d", len(entries))
	}
	if entries[0].Source != "r/ChatGPTCoding" {
		t.Errorf("expected source derived from url, got %s", entries[0].Source)
	}
	if gotAgent != "toolpulse-test/1.0" {
		t.Errorf("expected configured user agent, got %q", gotAgent)
	}
}

type staticSource []FeedEntry

func (s staticSource) ParseAll(ctx context.Context, daysBack int) []FeedEntry { return s }

func TestCollectStoresNewDocuments(t *testing.T) {
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	defer db.Close()

	c := NewCollector(&config.Config{}, db, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.source = staticSource{
		{ID: "t3_a", Title: "Self post", URL: "https://www.reddit.com/r/x/comments/a/", Content: "cursor", Source: "r/x"},
		{ID: "t3_b", Title: "Link post", URL: "https://example.com/post", Source: "r/x"},
		{ID: "t3_a", Title: "Self post again", URL: "https://www.reddit.com/r/x/comments/a/", Source: "r/x"},
	}

	r, err := c.Collect(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.TotalFound != 3 || r.NewDocuments != 2 || r.Duplicates != 1 {
		t.Errorf("expected 3 found, 2 new, 1 duplicate; got %+v", r)
	}
	if r.Sources["r/x"] != 2 {
		t.Errorf("expected 2 from r/x, got %d", r.Sources["r/x"])
	}

	link, _ := db.GetDocument(context.Background(), "t3_b")
	if link == nil || link.Content != nil {
		t.Errorf("expected link post stored without content, got %+v", link)
	}
	needing, _ := db.GetDocumentsNeedingFetch(context.Background(), 10)
	if len(needing) != 1 || needing[0].ID != "t3_b" {
		t.Errorf("expected t3_b to need fetching, got %v", needing)
	}
}
