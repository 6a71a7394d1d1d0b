package poster

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"fyi-squeaker/pkg/squeaker"

	"github.com/PuerkitoBio/goquery"
)

const (
	maxPageSize          = 2 << 20
	maxCardTitle         = 300
	maxCardDescription   = 1000
	defaultCardUserAgent = "fyi-squeaker/1.0"
)

// CardFetcher builds link cards from a page's OpenGraph tags.
type CardFetcher struct {
	client    *http.Client
	logger    *slog.Logger
	userAgent string
}

// NewCardFetcher creates a new link card fetcher.
func NewCardFetcher(client *http.Client, userAgent string, logger *slog.Logger) *CardFetcher {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if userAgent == "" {
		userAgent = defaultCardUserAgent
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CardFetcher{
		client:    client,
		logger:    logger,
		userAgent: userAgent,
	}
}

// Card fetches pageURL and returns its link card.
func (c *CardFetcher) Card(ctx context.Context, pageURL string) (*squeaker.Card, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "text/html")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch card page: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch card page %s: HTTP %d", pageURL, resp.StatusCode)
	}

	card, err := ParseCard(io.LimitReader(resp.Body, maxPageSize), pageURL)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("Link card fetched", "url", pageURL, "title", card.Title)
	return card, nil
}

// ParseCard extracts a link card from an HTML document. OpenGraph tags win over
// the document title and meta description.
func ParseCard(body io.Reader, pageURL string) (*squeaker.Card, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, fmt.Errorf("parse card page: %w", err)
	}

	title := meta(doc, `meta[property="og:title"]`)
	if title == "" {
		title = strings.TrimSpace(doc.Find("title").First().Text())
	}
	if title == "" {
		return nil, fmt.Errorf("no title found on %s", pageURL)
	}

	description := meta(doc, `meta[property="og:description"]`)
	if description == "" {
		description = meta(doc, `meta[name="description"]`)
	}

	return &squeaker.Card{
		URI:         pageURL,
		Title:       clip(title, maxCardTitle),
		Description: clip(description, maxCardDescription),
	}, nil
}

func meta(doc *goquery.Document, selector string) string {
	content, _ := doc.Find(selector).First().Attr("content")
	return strings.Join(strings.Fields(content), " ")
}

// clip cuts s to n runes.
func clip(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
