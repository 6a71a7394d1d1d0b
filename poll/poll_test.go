package poll

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"fyi-squeaker/compose"
	"fyi-squeaker/feed"
	"fyi-squeaker/pkg/squeaker"
	"fyi-squeaker/sequencer"

	"github.com/google/go-cmp/cmp"
)

type fakeFetcher struct {
	mu      sync.Mutex
	results []fetchResult
	calls   int
}

type fetchResult struct {
	entries []*squeaker.Entry
	err     error
}

func (f *fakeFetcher) Fetch(ctx context.Context) ([]*squeaker.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.results[min(f.calls, len(f.results)-1)]
	f.calls++
	return r.entries, r.err
}

type recordingPoster struct {
	mu       sync.Mutex
	messages []*squeaker.Message
}

func (p *recordingPoster) Post(ctx context.Context, msg *squeaker.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	return nil
}

func (p *recordingPoster) texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, m := range p.messages {
		out = append(out, m.Text)
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newPipeline(t *testing.T, fetcher Fetcher, start time.Time) (*Poller, *sequencer.Sequencer, *recordingPoster) {
	t.Helper()
	poster := &recordingPoster{}
	seq := sequencer.New(&sequencer.Config{
		Composer: compose.New(&compose.Config{
			SiteURL:        "https://fyi.example.nz",
			PostLength:     140,
			LinkLength:     24,
			BodyNameLength: 30,
			UserNameLength: 30,
		}),
		Poster:    poster,
		Watermark: sequencer.NewWatermark(start),
		Logger:    discardLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		_ = seq.Run(ctx)
	}()

	p := New(&Config{
		Fetcher:   fetcher,
		Sequencer: seq,
		Logger:    discardLogger(),
		Interval:  5 * time.Minute,
	})
	return p, seq, poster
}

func makeEntry(id int64, eventType squeaker.EventType, status string, createdAt time.Time) *squeaker.Entry {
	return &squeaker.Entry{
		ID:            id,
		EventType:     eventType,
		CreatedAt:     createdAt,
		DisplayStatus: status,
		InfoRequest:   &squeaker.InfoRequest{Title: "Request for records"},
		PublicBody:    &squeaker.PublicBody{Name: "Ministry of Truth"},
		User:          &squeaker.User{Name: "Alice"},
	}
}

func TestSelect(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	entries := []*squeaker.Entry{
		makeEntry(4, squeaker.EventSent, "Sent", now.Add(3*time.Minute)),
		makeEntry(3, squeaker.EventSent, "Sent", now.Add(2*time.Minute)),
		makeEntry(5, squeaker.EventSent, "Sent", now.Add(2*time.Minute)),
		makeEntry(2, squeaker.EventSent, "Sent", now),
		makeEntry(1, squeaker.EventSent, "Sent", now.Add(-time.Minute)),
	}

	got := Select(entries, now)

	var ids []int64
	for _, e := range got {
		ids = append(ids, e.ID)
	}
	if diff := cmp.Diff([]int64{3, 5, 4}, ids); diff != "" {
		t.Errorf("Select() mismatch (-want +got):\n%s", diff)
	}
}

func TestPollPostsNewRequest(t *testing.T) {
	now := time.Now()
	fetcher := &fakeFetcher{results: []fetchResult{{entries: []*squeaker.Entry{
		makeEntry(1, squeaker.EventSent, "Sent", now),
	}}}}
	p, seq, poster := newPipeline(t, fetcher, now.Add(-time.Millisecond))

	delay := p.Poll(context.Background())

	if delay != 5*time.Minute {
		t.Errorf("Poll() delay = %v, want 5m", delay)
	}
	want := []string{"[Request] Alice asked Ministry of Truth Request for records"}
	if diff := cmp.Diff(want, poster.texts()); diff != "" {
		t.Errorf("posts mismatch (-want +got):\n%s", diff)
	}
	if p.Status().LastPollID == "" {
		t.Error("Status().LastPollID not set")
	}
	if got := seq.Watermark().After(); !got.Equal(now) {
		t.Errorf("watermark = %v, want %v", got, now)
	}

	// Polling the same feed again posts nothing new.
	p.Poll(context.Background())
	if got := len(poster.texts()); got != 1 {
		t.Errorf("posted %d messages after second poll, want 1", got)
	}
}

func TestPollSkipsIgnoredAndEmpty(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name  string
		entry *squeaker.Entry
	}{
		{name: "comment", entry: makeEntry(1, squeaker.EventComment, "Sent", now)},
		{name: "empty status", entry: makeEntry(1, squeaker.EventSent, "", now)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetcher := &fakeFetcher{results: []fetchResult{{entries: []*squeaker.Entry{tt.entry}}}}
			p, _, poster := newPipeline(t, fetcher, now.Add(-time.Millisecond))

			p.Poll(context.Background())

			if got := len(poster.texts()); got != 0 {
				t.Errorf("posted %d messages, want 0", got)
			}
		})
	}
}

func TestPollBackoff(t *testing.T) {
	now := time.Now()
	formatErr := &feed.FormatError{URL: "http://example.test/list.json", Reason: "did not get an array of entries"}
	fetcher := &fakeFetcher{results: []fetchResult{
		{err: formatErr},
		{err: errors.New("connection refused")},
		{entries: []*squeaker.Entry{makeEntry(1, squeaker.EventSent, "Sent", now)}},
		{err: formatErr},
	}}
	p, _, poster := newPipeline(t, fetcher, now.Add(-time.Millisecond))
	ctx := context.Background()

	if got := p.Poll(ctx); got != 6*time.Minute {
		t.Errorf("first failure delay = %v, want 6m", got)
	}
	if got := p.Status().ErrorCount; got != 1 {
		t.Errorf("ErrorCount = %d, want 1", got)
	}
	if got := len(poster.texts()); got != 0 {
		t.Errorf("posted %d messages after failure, want 0", got)
	}

	if got := p.Poll(ctx); got != 7*time.Minute {
		t.Errorf("second failure delay = %v, want 7m", got)
	}
	if got := p.Status().ErrorCount; got != 2 {
		t.Errorf("ErrorCount = %d, want 2", got)
	}

	if got := p.Poll(ctx); got != 5*time.Minute {
		t.Errorf("success delay = %v, want 5m", got)
	}
	status := p.Status()
	if status.ErrorCount != 0 || status.LastError != "" {
		t.Errorf("status after success = %+v, want reset error state", status)
	}

	if got := p.Poll(ctx); got != 6*time.Minute {
		t.Errorf("failure after reset delay = %v, want 6m", got)
	}
}

func TestPollNonArrayFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.WriteString(w, `{"error":"Not an array"}`); err != nil {
			t.Errorf("write response: %v", err)
		}
	}))
	defer srv.Close()

	fetcher := feed.New(&feed.Config{
		Client:  srv.Client(),
		Logger:  discardLogger(),
		FeedURL: srv.URL + "/list/all",
	})
	p, seq, poster := newPipeline(t, fetcher, time.Now())

	if got := p.Poll(context.Background()); got != 6*time.Minute {
		t.Errorf("Poll() delay = %v, want base+1 = 6m", got)
	}
	if got := p.Status().ErrorCount; got != 1 {
		t.Errorf("ErrorCount = %d, want 1", got)
	}
	if got := seq.Stats().Queued; got != 0 {
		t.Errorf("Queued = %d, want 0", got)
	}
	if got := len(poster.texts()); got != 0 {
		t.Errorf("posted %d messages, want 0", got)
	}
}

func TestRunSchedulesAfterDrain(t *testing.T) {
	now := time.Now()
	fetcher := &fakeFetcher{results: []fetchResult{
		{err: errors.New("timeout")},
		{entries: []*squeaker.Entry{makeEntry(1, squeaker.EventSent, "Sent", now)}},
	}}
	p, _, poster := newPipeline(t, fetcher, now.Add(-time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var delays []time.Duration
	p.sleep = func(ctx context.Context, d time.Duration) bool {
		delays = append(delays, d)
		if len(delays) == 3 {
			cancel()
			return false
		}
		return true
	}

	if err := p.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}

	want := []time.Duration{6 * time.Minute, 5 * time.Minute, 5 * time.Minute}
	if diff := cmp.Diff(want, delays); diff != "" {
		t.Errorf("delays mismatch (-want +got):\n%s", diff)
	}
	if got := len(poster.texts()); got != 1 {
		t.Errorf("posted %d messages, want exactly 1", got)
	}
	if p.Status().NextPoll.IsZero() {
		t.Error("Status().NextPoll not set")
	}
}
