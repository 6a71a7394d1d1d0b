// Package compose turns feed entries into length-bounded posts.
package compose

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"fyi-squeaker/pkg/squeaker"
)

// Ellipsis marks truncated text.
const Ellipsis = "…"

// ErrFiltered is returned for entries that are intentionally not posted.
var ErrFiltered = errors.New("entry filtered")

// DefaultIgnoredEventTypes are events that never produce a post.
var DefaultIgnoredEventTypes = []squeaker.EventType{
	squeaker.EventComment,
	squeaker.EventFollowupSent,
}

// Config holds composer settings.
type Config struct {
	SiteURL           string // scheme://host of the request platform
	IgnoredEventTypes []squeaker.EventType
	PostLength        int // Platform maximum
	LinkLength        int // Room reserved for the event URL
	BodyNameLength    int
	UserNameLength    int
}

// Composer builds outbound messages.
type Composer struct {
	siteURL        string
	ignored        []squeaker.EventType
	textLength     int
	bodyNameLength int
	userNameLength int
}

// New creates a composer. A nil IgnoredEventTypes uses DefaultIgnoredEventTypes.
func New(cfg *Config) *Composer {
	ignored := cfg.IgnoredEventTypes
	if ignored == nil {
		ignored = DefaultIgnoredEventTypes
	}
	return &Composer{
		siteURL:        strings.TrimSuffix(cfg.SiteURL, "/"),
		ignored:        ignored,
		textLength:     cfg.PostLength - cfg.LinkLength,
		bodyNameLength: cfg.BodyNameLength,
		userNameLength: cfg.UserNameLength,
	}
}

// SiteURL derives the scheme://host prefix used for per-entry links.
func SiteURL(feedURL string) (string, error) {
	u, err := url.Parse(feedURL)
	if err != nil {
		return "", fmt.Errorf("parse feed url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("feed url %q is not absolute", feedURL)
	}
	return u.Scheme + "://" + u.Host, nil
}

// Truncate shortens s to at most limit runes. Truncated output is exactly
// limit runes long, ellipsis included.
func Truncate(s string, limit int, ellipsis string) string {
	if limit <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= limit {
		return s
	}

	marker := []rune(ellipsis)
	if len(marker) >= limit {
		return string(marker[:limit])
	}
	runes := []rune(s)
	return string(runes[:limit-len(marker)]) + ellipsis
}

// Status returns the entry's display status without its trailing period.
func Status(e *squeaker.Entry) string {
	return strings.TrimSuffix(strings.TrimSpace(e.DisplayStatus), ".")
}

// Filter reports whether an entry should be skipped. The returned error wraps
// ErrFiltered and names the reason.
func (c *Composer) Filter(e *squeaker.Entry) error {
	if slices.Contains(c.ignored, e.EventType) {
		return fmt.Errorf("%w: ignored event type %q", ErrFiltered, e.EventType)
	}
	if Status(e) == "" {
		return fmt.Errorf("%w: empty display status", ErrFiltered)
	}
	return nil
}

// EventURL is the public page for a single feed event.
func (c *Composer) EventURL(e *squeaker.Entry) string {
	return c.siteURL + "/request_event/" + strconv.FormatInt(e.ID, 10)
}

// BodyURL is the public profile page of an authority.
func (c *Composer) BodyURL(slug string) string {
	return c.siteURL + "/body/" + slug
}

// Compose builds the message for an entry. Callers are expected to Filter first.
func (c *Composer) Compose(e *squeaker.Entry) *squeaker.Message {
	status := Status(e)
	body := Truncate(e.PublicBody.DisplayName(), c.bodyNameLength, Ellipsis)
	user := Truncate(e.User.Name, c.userNameLength, Ellipsis)
	title := e.InfoRequest.Title

	var line string
	switch {
	case e.Incoming():
		line = fmt.Sprintf("[%s] %s replied about %s", status, body, title)
	case e.IsRequest():
		line = fmt.Sprintf("[Request] %s asked %s %s", user, body, title)
	default:
		line = fmt.Sprintf("[%s] %s about %s", status, user, title)
	}

	msg := &squeaker.Message{
		EntryID: e.ID,
		Text:    Truncate(line, c.textLength, Ellipsis),
		URL:     c.EventURL(e),
	}

	if f, ok := statusFacet(msg.Text, msg.URL); ok {
		msg.Facets = append(msg.Facets, f)
	}
	if slug := e.PublicBody.URLName; e.IsRequest() && !e.Incoming() && slug != "" {
		if f, ok := bodyFacet(msg.Text, body, c.BodyURL(slug)); ok {
			msg.Facets = append(msg.Facets, f)
		}
	}

	return msg
}

// statusFacet links the leading "[status]" of text.
func statusFacet(text, uri string) (squeaker.Facet, bool) {
	start := strings.Index(text, "[")
	end := strings.Index(text, "]")
	if start < 0 || end <= start {
		return squeaker.Facet{}, false
	}
	return squeaker.Facet{ByteStart: start, ByteEnd: end + 1, URI: uri}, true
}

// bodyFacet links the body name in a request line. The search starts after
// " asked " so a user name containing the body name is not linked instead.
func bodyFacet(text, body, uri string) (squeaker.Facet, bool) {
	if body == "" {
		return squeaker.Facet{}, false
	}
	from := strings.Index(text, " asked ")
	if from < 0 {
		return squeaker.Facet{}, false
	}
	from += len(" asked ")
	idx := strings.Index(text[from:], body)
	if idx < 0 {
		return squeaker.Facet{}, false
	}
	start := from + idx
	return squeaker.Facet{ByteStart: start, ByteEnd: start + len(body), URI: uri}, true
}
