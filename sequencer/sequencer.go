// Package sequencer posts feed entries strictly one at a time, in order.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fyi-squeaker/compose"
	"fyi-squeaker/pkg/squeaker"

	"golang.org/x/time/rate"
)

// ErrStale is returned for entries at or before the watermark.
var ErrStale = errors.New("entry at or before watermark")

// Poster publishes a message to the social platform.
type Poster interface {
	Post(ctx context.Context, msg *squeaker.Message) error
}

// CardFetcher builds a link preview for a URL.
type CardFetcher interface {
	Card(ctx context.Context, pageURL string) (*squeaker.Card, error)
}

// Config holds sequencer configuration.
type Config struct {
	Composer  *compose.Composer
	Poster    Poster
	Cards     CardFetcher // Optional
	Watermark *Watermark
	Limiter   *rate.Limiter // Optional spacing between posts
	Logger    *slog.Logger
}

// Stats is a snapshot of sequencer progress.
type Stats struct {
	LastDrain time.Time `json:"last_drain"`
	Queued    int       `json:"queued"`
	Posted    int       `json:"posted"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	Stale     int       `json:"stale"`
	InFlight  bool      `json:"in_flight"`
}

// Sequencer is a FIFO work queue with a concurrency of exactly one.
type Sequencer struct {
	composer  *compose.Composer
	poster    Poster
	cards     CardFetcher
	watermark *Watermark
	limiter   *rate.Limiter
	logger    *slog.Logger
	wake      chan struct{}

	mu      sync.Mutex
	queue   []*squeaker.Entry
	waiters []chan struct{}
	stats   Stats
}

// New creates a sequencer. Call Run to start processing.
func New(cfg *Config) *Sequencer {
	s := &Sequencer{
		composer:  cfg.Composer,
		poster:    cfg.Poster,
		cards:     cfg.Cards,
		watermark: cfg.Watermark,
		limiter:   cfg.Limiter,
		logger:    cfg.Logger,
		wake:      make(chan struct{}, 1),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Watermark returns the watermark the sequencer checks entries against.
func (s *Sequencer) Watermark() *Watermark {
	return s.watermark
}

// Submit appends a batch to the queue without blocking. The returned channel
// is closed the next time the queue drains, after the watermark has been
// advanced. An empty batch drains as soon as the worker is idle.
func (s *Sequencer) Submit(batch []*squeaker.Entry) <-chan struct{} {
	done := make(chan struct{})

	s.mu.Lock()
	s.queue = append(s.queue, batch...)
	s.waiters = append(s.waiters, done)
	s.stats.Queued = len(s.queue)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
		// Worker already has a pending wake-up
	}
	return done
}

// Stats returns a snapshot of the sequencer's counters.
func (s *Sequencer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Run processes the queue until ctx is cancelled.
func (s *Sequencer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
			s.process(ctx)
		}
	}
}

func (s *Sequencer) process(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		s.mu.Lock()
		if len(s.queue) == 0 {
			waiters := s.waiters
			s.waiters = nil
			s.mu.Unlock()
			if len(waiters) > 0 {
				s.drain(waiters)
			}
			return
		}
		e := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.stats.Queued = len(s.queue)
		s.stats.InFlight = true
		s.mu.Unlock()

		err := s.handle(ctx, e)

		s.mu.Lock()
		s.stats.InFlight = false
		s.record(e, err)
		s.mu.Unlock()
	}
}

// record counts and logs the outcome of one entry. Called with mu held.
func (s *Sequencer) record(e *squeaker.Entry, err error) {
	switch {
	case err == nil:
		s.stats.Posted++
	case errors.Is(err, compose.ErrFiltered):
		s.stats.Skipped++
		s.logger.Debug("Entry skipped", "entry_id", e.ID, "event_type", e.EventType, "reason", err)
	case errors.Is(err, ErrStale):
		s.stats.Stale++
		s.logger.Info("Entry from before the watermark, discarding", "entry_id", e.ID, "created_at", e.CreatedAt.Format(time.RFC3339))
	default:
		s.stats.Failed++
		s.logger.Error("Failed to post entry", "entry_id", e.ID, "event_type", e.EventType, "error", err)
	}
}

func (s *Sequencer) drain(waiters []chan struct{}) {
	after, moved := s.watermark.Advance()
	s.logger.Info("Queue drained",
		"watermark", after.Format(time.RFC3339),
		"advanced", moved)

	s.mu.Lock()
	s.stats.LastDrain = time.Now()
	s.mu.Unlock()

	for _, done := range waiters {
		close(done)
	}
}

// handle processes a single entry. A returned error never stops the queue.
func (s *Sequencer) handle(ctx context.Context, e *squeaker.Entry) error {
	if err := s.composer.Filter(e); err != nil {
		return err
	}

	if s.watermark.Stale(e.CreatedAt) {
		return fmt.Errorf("%w: entry %d created %s", ErrStale, e.ID, e.CreatedAt.Format(time.RFC3339))
	}
	s.watermark.Observe(e.CreatedAt)

	msg := s.composer.Compose(e)

	if s.cards != nil {
		card, err := s.cards.Card(ctx, msg.URL)
		if err != nil {
			s.logger.Warn("Link card unavailable, posting without it", "entry_id", e.ID, "url", msg.URL, "error", err)
		} else {
			msg.Card = card
		}
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("wait for post slot: %w", err)
		}
	}

	startTime := time.Now()
	if err := s.poster.Post(ctx, msg); err != nil {
		return fmt.Errorf("post entry %d: %w", e.ID, err)
	}

	s.logger.Info("Posted entry",
		"entry_id", e.ID,
		"event_type", e.EventType,
		"text", msg.Text,
		"duration_ms", time.Since(startTime).Milliseconds())
	return nil
}
