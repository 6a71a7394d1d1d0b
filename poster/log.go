package poster

import (
	"context"
	"log/slog"

	"fyi-squeaker/pkg/squeaker"
)

// Log is a dry-run poster that logs messages instead of publishing them.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a new dry-run poster.
func NewLog(logger *slog.Logger) *Log {
	return &Log{
		logger: logger,
	}
}

// Post logs the message.
func (l *Log) Post(ctx context.Context, msg *squeaker.Message) error {
	attrs := []any{
		"entry_id", msg.EntryID,
		"text", msg.Text,
		"url", msg.URL,
		"facets", msg.Facets,
	}
	if msg.Card != nil {
		attrs = append(attrs, "card_title", msg.Card.Title, "card_description", msg.Card.Description)
	}
	l.logger.Info("DRY RUN POST", attrs...)
	return nil
}

var _ Poster = (*Log)(nil)
