package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"fyi-squeaker/config"
)

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRunHelp(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), []string{"--help"}, &out); err != nil {
		t.Fatalf("run(--help) error = %v", err)
	}
	if !strings.Contains(out.String(), "--feed-url") {
		t.Errorf("help output missing --feed-url:\n%s", out.String())
	}
}

func TestDryRunPipeline(t *testing.T) {
	createdAt := time.Now().Add(time.Hour).Format(time.RFC3339)
	var requests int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		mu.Unlock()
		if r.URL.Path != "/list/all.json" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `[
  {"id": 9, "event_type": "comment", "created_at": %[1]q, "display_status": "Sent.",
   "info_request": {"title": "Ignored"}, "public_body": {"name": "Ministry of Truth"}, "user": {"name": "Carol"}},
  {"id": 10, "event_type": "sent", "created_at": %[1]q, "display_status": "Awaiting response.",
   "info_request": {"title": "Bus timetables"}, "public_body": {"name": "Ministry of Transport", "url_name": "mot"}, "user": {"name": "Alice"}}
]`, createdAt)
	}))
	defer srv.Close()

	cfg := &config.Config{
		FeedURL:        srv.URL + "/list/all",
		Environment:    "development",
		Delay:          5,
		PostLength:     140,
		BodyNameLength: 30,
		UserNameLength: 30,
		LinkLength:     24,
		UserAgent:      "test-agent",
		FetchAttempts:  1,
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	var logs syncBuffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := build(ctx, cfg, srv.Client(), logger)
	if err != nil {
		t.Fatalf("build() error = %v", err)
	}
	if a.server != nil {
		t.Error("status server built without a port")
	}
	go func() {
		_ = a.sequencer.Run(ctx)
	}()

	if delay := a.poller.Poll(ctx); delay != 5*time.Minute {
		t.Errorf("Poll() delay = %v, want 5m", delay)
	}

	out := logs.String()
	if !strings.Contains(out, `"msg":"DRY RUN POST"`) {
		t.Fatalf("no dry run post logged:\n%s", out)
	}
	if !strings.Contains(out, "[Request] Alice asked Ministry of Transport Bus timetables") {
		t.Errorf("dry run post text missing:\n%s", out)
	}
	if strings.Contains(out, "Ignored") {
		t.Errorf("comment event was posted:\n%s", out)
	}
	if got := a.sequencer.Stats().Posted; got != 1 {
		t.Errorf("Posted = %d, want 1", got)
	}
}

func TestAppRunStopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	}))
	defer srv.Close()

	cfg := &config.Config{
		FeedURL:        srv.URL + "/list/all",
		Environment:    "development",
		Delay:          5,
		PostLength:     140,
		BodyNameLength: 30,
		UserNameLength: 30,
		LinkLength:     24,
		FetchAttempts:  1,
		LinkCards:      true,
		PostInterval:   time.Second,
	}
	logger := slog.New(slog.NewJSONHandler(&syncBuffer{}, nil))

	ctx, cancel := context.WithCancel(context.Background())
	a, err := build(ctx, cfg, srv.Client(), logger)
	if err != nil {
		t.Fatalf("build() error = %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.run(ctx)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for a.poller.Status().Polls == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("run() error = %v, want nil on shutdown", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run() did not return after cancel")
	}
}
