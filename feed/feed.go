// Package feed fetches and decodes the request platform's JSON event feed.
package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"fyi-squeaker/pkg/squeaker"

	"github.com/codeGROOVE-dev/retry"
)

const maxBodySize = 10 << 20 // Feed responses are a few hundred KB at most

// FormatError indicates the feed answered, but not with an array of entries.
type FormatError struct {
	Err    error
	URL    string
	Reason string
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("feed format: %s: %s: %v", e.URL, e.Reason, e.Err)
	}
	return fmt.Sprintf("feed format: %s: %s", e.URL, e.Reason)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// IsFormatError checks if an error is a feed format error.
func IsFormatError(err error) bool {
	var formatErr *FormatError
	return errors.As(err, &formatErr)
}

// StatusError indicates a non-2xx response from the feed server.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.URL)
}

// Temporary reports whether retrying the request could succeed.
func (e *StatusError) Temporary() bool {
	switch {
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	default:
		return false
	}
}

// Config holds fetcher configuration.
type Config struct {
	Client     *http.Client
	Logger     *slog.Logger
	FeedURL    string // Base URL; ".json" is appended
	UserAgent  string
	Attempts   uint          // Transport attempts per fetch
	RetryDelay time.Duration // Initial delay between attempts
}

// Fetcher fetches feed entries.
type Fetcher struct {
	client     *http.Client
	logger     *slog.Logger
	url        string
	userAgent  string
	attempts   uint
	retryDelay time.Duration
}

// New creates a new feed fetcher.
func New(cfg *Config) *Fetcher {
	f := &Fetcher{
		client:     cfg.Client,
		logger:     cfg.Logger,
		url:        cfg.FeedURL + ".json",
		userAgent:  cfg.UserAgent,
		attempts:   cfg.Attempts,
		retryDelay: cfg.RetryDelay,
	}
	if f.client == nil {
		f.client = &http.Client{Timeout: 30 * time.Second}
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	// retry treats zero attempts as "forever"
	if f.attempts == 0 {
		f.attempts = 1
	}
	if f.retryDelay <= 0 {
		f.retryDelay = time.Second
	}
	return f
}

// URL returns the address the fetcher polls.
func (f *Fetcher) URL() string {
	return f.url
}

// Fetch retrieves the current feed. Entries are returned in feed order.
func (f *Fetcher) Fetch(ctx context.Context) ([]*squeaker.Entry, error) {
	var entries []*squeaker.Entry

	err := retry.Do(
		func() error {
			var err error
			entries, err = f.fetchOnce(ctx)
			return err
		},
		retry.Attempts(f.attempts),
		retry.Delay(f.retryDelay),
		retry.MaxDelay(time.Minute),
		retry.MaxJitter(f.retryDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			f.logger.Info("Retrying feed fetch after error", "attempt", n, "url", f.url, "error", err)
		}),
		retry.RetryIf(func(err error) bool {
			if IsFormatError(err) {
				return false
			}
			var statusErr *StatusError
			if errors.As(err, &statusErr) {
				return statusErr.Temporary()
			}
			return true
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}

	return entries, nil
}

func (f *Fetcher) fetchOnce(ctx context.Context) ([]*squeaker.Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, http.NoBody)
	if err != nil {
		return nil, retry.Unrecoverable(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	startTime := time.Now()
	resp, err := f.client.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		f.logger.Warn("Feed request failed",
			"url", f.url,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return nil, err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			f.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	f.logger.Debug("Feed request completed",
		"url", f.url,
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds(),
		"content_length", resp.ContentLength)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{URL: f.url, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return Decode(f.url, body)
}

// Decode parses a feed response body. Anything other than a JSON array of
// complete entries is a *FormatError.
func Decode(url string, body []byte) ([]*squeaker.Entry, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, &FormatError{URL: url, Reason: "did not get an array of entries"}
	}

	var entries []*squeaker.Entry
	if err := json.Unmarshal(trimmed, &entries); err != nil {
		return nil, &FormatError{URL: url, Reason: "decode entries", Err: err}
	}

	for i, e := range entries {
		if reason := validate(e); reason != "" {
			return nil, &FormatError{URL: url, Reason: fmt.Sprintf("entry %d: %s", i, reason)}
		}
	}

	return entries, nil
}

func validate(e *squeaker.Entry) string {
	switch {
	case e == nil:
		return "null entry"
	case e.ID == 0:
		return "missing id"
	case e.CreatedAt.IsZero():
		return "missing created_at"
	case e.EventType == "":
		return "missing event_type"
	case e.InfoRequest == nil:
		return "missing info_request"
	case e.PublicBody == nil:
		return "missing public_body"
	case e.User == nil:
		return "missing user"
	default:
		return ""
	}
}
