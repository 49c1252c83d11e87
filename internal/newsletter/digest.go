package newsletter

import (
	"context"
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/osteele/liquid"

	"github.com/raybit/mailmate/internal/pkg/logger"
)

const feedFetchTimeout = 20 * time.Second
const maxDigestItems = 5

// digestTemplate renders the daily digest from feed items.
const digestTemplate = `<!DOCTYPE html>
<html>
<body style="font-family: -apple-system, 'Segoe UI', Roboto, sans-serif; max-width: 600px; margin: 0 auto; padding: 20px; color: #333;">
  <h1 style="font-size: 22px;">{{ title }}</h1>
  <p style="color: #666;">{{ date }}</p>
{% for item in items %}  <div style="margin-bottom: 24px;">
    <h2 style="font-size: 17px; margin-bottom: 4px;"><a href="{{ item.link }}" style="color: #0066cc; text-decoration: none;">{{ item.title | escape }}</a></h2>
    <p style="margin: 0;">{{ item.summary | escape | truncate: 280 }}</p>
  </div>
{% endfor %}  <p style="color: #999; font-size: 12px;">You are receiving this because you subscribed to the daily newsletter.</p>
</body>
</html>`

// fallbackTemplate is used when no feed is configured or the fetch fails.
// The send still goes out; an empty digest beats a silently skipped day.
const fallbackTemplate = `<!DOCTYPE html>
<html>
<body style="font-family: -apple-system, 'Segoe UI', Roboto, sans-serif; max-width: 600px; margin: 0 auto; padding: 20px; color: #333;">
  <h1 style="font-size: 22px;">{{ title }}</h1>
  <p style="color: #666;">{{ date }}</p>
  <p>Here is your daily update for {{ date }}. Stay tuned for more curated content.</p>
  <p style="color: #999; font-size: 12px;">You are receiving this because you subscribed to the daily newsletter.</p>
</body>
</html>`

// DigestItem is one rendered entry of the daily digest.
type DigestItem struct {
	Title   string
	Link    string
	Summary string
}

// Digest is a fully rendered newsletter ready to send.
type Digest struct {
	Subject string
	HTML    string
}

// DigestBuilder assembles the daily digest, optionally from an RSS feed.
type DigestBuilder struct {
	feedURL    string
	title      string
	feedParser *gofeed.Parser
	engine     *liquid.Engine
}

func NewDigestBuilder(title, feedURL string) *DigestBuilder {
	engine := liquid.NewEngine()

	engine.RegisterFilter("escape", func(s string) string {
		return html.EscapeString(s)
	})
	engine.RegisterFilter("truncate", func(s string, length int) string {
		if len(s) <= length {
			return s
		}
		if length <= 3 {
			return s[:length]
		}
		return s[:length-3] + "..."
	})

	return &DigestBuilder{
		feedURL:    feedURL,
		title:      title,
		feedParser: gofeed.NewParser(),
		engine:     engine,
	}
}

// Build renders the digest for a calendar day.
func (b *DigestBuilder) Build(ctx context.Context, day time.Time) (*Digest, error) {
	date := day.Format("January 2, 2006")
	bindings := map[string]interface{}{
		"title": b.title,
		"date":  date,
	}

	templateStr := fallbackTemplate
	if b.feedURL != "" {
		items, err := b.fetchItems(ctx)
		if err != nil {
			logger.Warn("newsletter: feed fetch failed, using fallback digest",
				"feedUrl", b.feedURL, "error", err.Error())
		} else if len(items) > 0 {
			templateStr = digestTemplate
			bindings["items"] = items
		}
	}

	rendered, err := b.engine.ParseAndRenderString(templateStr, bindings)
	if err != nil {
		return nil, fmt.Errorf("rendering digest: %w", err)
	}

	return &Digest{
		Subject: fmt.Sprintf("%s - %s", b.title, date),
		HTML:    rendered,
	}, nil
}

func (b *DigestBuilder) fetchItems(ctx context.Context) ([]map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, feedFetchTimeout)
	defer cancel()

	feed, err := b.feedParser.ParseURLWithContext(b.feedURL, ctx)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]interface{}, 0, maxDigestItems)
	for _, item := range feed.Items {
		items = append(items, map[string]interface{}{
			"title":   item.Title,
			"link":    item.Link,
			"summary": stripHTML(item.Description),
		})
		if len(items) >= maxDigestItems {
			break
		}
	}
	return items, nil
}

var tagRe = regexp.MustCompile(`<[^>]*>`)

// stripHTML flattens feed item markup to plain text for the summary line.
func stripHTML(input string) string {
	text := tagRe.ReplaceAllString(input, "")
	text = html.UnescapeString(text)
	return strings.Join(strings.Fields(text), " ")
}
