// Package squeaker contains the core domain types for the FOI feed bridge.
package squeaker

import "time"

// EventType is the kind of event reported by the request platform.
type EventType string

// Event types the bridge treats specially.
const (
	EventSent         EventType = "sent"
	EventComment      EventType = "comment"
	EventFollowupSent EventType = "followup_sent"
	EventResponse     EventType = "response"
	EventStatusUpdate EventType = "status_update"
)

// InfoRequest is the request an event belongs to.
type InfoRequest struct {
	Title string `json:"title"`
}

// PublicBody is the authority a request was made to.
type PublicBody struct {
	Name      string `json:"name"`
	ShortName string `json:"short_name"`
	URLName   string `json:"url_name"` // Slug used for /body/<url_name>
}

// DisplayName prefers the short name, falling back to the full name.
func (b *PublicBody) DisplayName() string {
	if b.ShortName != "" {
		return b.ShortName
	}
	return b.Name
}

// User is the person who made the request.
type User struct {
	Name string `json:"name"`
}

// Entry is one event from the feed. Entries are never modified after decoding.
type Entry struct {
	CreatedAt         time.Time    `json:"created_at"`
	IncomingMessageID *int64       `json:"incoming_message_id"`
	InfoRequest       *InfoRequest `json:"info_request"`
	PublicBody        *PublicBody  `json:"public_body"`
	User              *User        `json:"user"`
	EventType         EventType    `json:"event_type"`
	DisplayStatus     string       `json:"display_status"`
	ID                int64        `json:"id"`
}

// Incoming reports whether the event is a reply from the public body.
func (e *Entry) Incoming() bool {
	return e.IncomingMessageID != nil
}

// IsRequest reports whether the event is an initial request being sent.
func (e *Entry) IsRequest() bool {
	return e.EventType == EventSent
}

// Facet links a byte range of a message's text to a URI.
type Facet struct {
	URI       string `json:"uri"`
	ByteStart int    `json:"byte_start"`
	ByteEnd   int    `json:"byte_end"`
}

// Card is an external link preview attached to a post.
type Card struct {
	URI         string `json:"uri"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Message is an outbound post derived from a single entry.
type Message struct {
	Card    *Card   `json:"card,omitempty"`
	Text    string  `json:"text"`
	URL     string  `json:"url"` // Canonical event URL
	Facets  []Facet `json:"facets,omitempty"`
	EntryID int64   `json:"entry_id"`
}
