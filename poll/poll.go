// Package poll drives the feed polling cycle.
package poll

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"fyi-squeaker/feed"
	"fyi-squeaker/pkg/squeaker"
	"fyi-squeaker/sequencer"

	"github.com/google/uuid"
)

// backoffStep is added to the poll interval for each consecutive failure.
const backoffStep = time.Minute

// Fetcher interface for retrieving feed entries.
type Fetcher interface {
	Fetch(ctx context.Context) ([]*squeaker.Entry, error)
}

// Sequencer interface for the serial post queue.
type Sequencer interface {
	Submit(batch []*squeaker.Entry) <-chan struct{}
	Watermark() *sequencer.Watermark
}

// Status is a snapshot of the poller's state.
type Status struct {
	LastPoll   time.Time `json:"last_poll"`
	NextPoll   time.Time `json:"next_poll"`
	Watermark  time.Time `json:"watermark"`
	Latest     time.Time `json:"latest"`
	LastPollID string    `json:"last_poll_id,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	ErrorCount int       `json:"error_count"`
	Polls      int       `json:"polls"`
}

// Config holds poller configuration.
type Config struct {
	Fetcher   Fetcher
	Sequencer Sequencer
	Logger    *slog.Logger
	Sleep     func(ctx context.Context, d time.Duration) bool // Defaults to a timer
	Interval  time.Duration
}

// Poller polls the feed and hands new entries to the sequencer.
type Poller struct {
	fetcher   Fetcher
	sequencer Sequencer
	logger    *slog.Logger
	sleep     func(ctx context.Context, d time.Duration) bool
	interval  time.Duration

	mu     sync.Mutex
	status Status
}

// New creates a new poller.
func New(cfg *Config) *Poller {
	p := &Poller{
		fetcher:   cfg.Fetcher,
		sequencer: cfg.Sequencer,
		logger:    cfg.Logger,
		sleep:     cfg.Sleep,
		interval:  cfg.Interval,
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.sleep == nil {
		p.sleep = sleep
	}
	return p
}

// Run polls until ctx is cancelled. The next poll is only scheduled once the
// previous batch has drained, so polls never overlap.
func (p *Poller) Run(ctx context.Context) error {
	for {
		delay := p.Poll(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		p.mu.Lock()
		p.status.NextPoll = time.Now().Add(delay)
		p.mu.Unlock()

		if !p.sleep(ctx, delay) {
			return ctx.Err()
		}
	}
}

// Poll runs one cycle and returns how long to wait before the next one.
func (p *Poller) Poll(ctx context.Context) time.Duration {
	watermark := p.sequencer.Watermark()
	id := uuid.NewString()
	logger := p.logger.With("poll_id", id)

	entries, err := p.fetcher.Fetch(ctx)
	if err != nil {
		delay := p.fail(id, err)
		logger.Error("Feed poll failed",
			"error", err,
			"format_error", feed.IsFormatError(err),
			"error_count", p.Status().ErrorCount,
			"retry_in", delay.String(),
			"watermark", watermark.After().Format(time.RFC3339))
		return delay
	}
	p.succeed(id)

	batch := Select(entries, watermark.After())
	logger.Info("Adding items to work queue",
		"fetched", len(entries),
		"new", len(batch))

	select {
	case <-p.sequencer.Submit(batch):
	case <-ctx.Done():
		return 0
	}

	logger.Info("Polling again later",
		"retry_in", p.interval.String(),
		"watermark", watermark.After().Format(time.RFC3339))
	return p.interval
}

// Status returns a snapshot of the poller and watermark state.
func (p *Poller) Status() Status {
	p.mu.Lock()
	s := p.status
	p.mu.Unlock()

	w := p.sequencer.Watermark()
	s.Watermark = w.After()
	s.Latest = w.Latest()
	return s
}

func (p *Poller) fail(id string, err error) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.LastPollID = id
	p.status.ErrorCount++
	p.status.Polls++
	p.status.LastPoll = time.Now()
	p.status.LastError = err.Error()
	return p.interval + time.Duration(p.status.ErrorCount)*backoffStep
}

func (p *Poller) succeed(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.LastPollID = id
	p.status.ErrorCount = 0
	p.status.Polls++
	p.status.LastPoll = time.Now()
	p.status.LastError = ""
}

// Select keeps entries created after the watermark, oldest first. Entries with
// equal timestamps keep their feed order.
func Select(entries []*squeaker.Entry, after time.Time) []*squeaker.Entry {
	var batch []*squeaker.Entry
	for _, e := range entries {
		if e.CreatedAt.After(after) {
			batch = append(batch, e)
		}
	}
	slices.SortStableFunc(batch, func(a, b *squeaker.Entry) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return batch
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
