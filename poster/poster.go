// Package poster publishes composed messages to the social platform.
package poster

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"fyi-squeaker/pkg/squeaker"
)

// Poster defines the interface for post publishing implementations.
type Poster interface {
	// Post publishes a single message and returns once the platform has answered.
	Post(ctx context.Context, msg *squeaker.Message) error
}

// APIError is an error response from an XRPC endpoint.
type APIError struct {
	Method     string
	Code       string // XRPC error name, e.g. "ExpiredToken"
	Message    string
	StatusCode int
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: HTTP %d %s: %s", e.Method, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: HTTP %d", e.Method, e.StatusCode)
}

// IsExpiredToken checks if an error means the access token must be refreshed.
func IsExpiredToken(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == "ExpiredToken" || apiErr.Code == "InvalidToken"
}

// isPermanent reports whether retrying the call cannot help.
func isPermanent(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 && apiErr.StatusCode != http.StatusTooManyRequests
}
