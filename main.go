// Command fyi-squeaker posts new Alaveteli request events to Bluesky.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fyi-squeaker/compose"
	"fyi-squeaker/config"
	"fyi-squeaker/feed"
	"fyi-squeaker/poll"
	"fyi-squeaker/poster"
	"fyi-squeaker/sequencer"
	"fyi-squeaker/server"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		slog.Error("Fatal error", "error", err)
		os.Exit(1)
	}
}

// run loads configuration, wires the pipeline and blocks until ctx is cancelled.
func run(ctx context.Context, args []string, stdout io.Writer) error {
	cfg, err := config.Load(args, stdout)
	if err != nil {
		return err
	}
	if cfg == nil {
		return nil
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	logger.Info("Starting fyi-squeaker", "config", cfg)

	a, err := build(ctx, cfg, &http.Client{Timeout: 30 * time.Second}, logger)
	if err != nil {
		return err
	}
	return a.run(ctx)
}

type app struct {
	sequencer *sequencer.Sequencer
	poller    *poll.Poller
	server    *server.Server
	logger    *slog.Logger
	port      string
}

func build(ctx context.Context, cfg *config.Config, client *http.Client, logger *slog.Logger) (*app, error) {
	siteURL, err := compose.SiteURL(cfg.FeedURL)
	if err != nil {
		return nil, err
	}

	pub, err := newPoster(ctx, cfg, client, logger)
	if err != nil {
		return nil, err
	}

	seqCfg := &sequencer.Config{
		Composer: compose.New(&compose.Config{
			SiteURL:        siteURL,
			PostLength:     cfg.PostLength,
			LinkLength:     cfg.LinkLength,
			BodyNameLength: cfg.BodyNameLength,
			UserNameLength: cfg.UserNameLength,
		}),
		Poster:    pub,
		Watermark: sequencer.NewWatermark(cfg.Start(time.Now())),
		Logger:    logger,
	}
	if cfg.LinkCards {
		seqCfg.Cards = poster.NewCardFetcher(client, cfg.UserAgent, logger)
	}
	if cfg.PostInterval > 0 {
		seqCfg.Limiter = rate.NewLimiter(rate.Every(cfg.PostInterval), 1)
	}
	seq := sequencer.New(seqCfg)

	fetcher := feed.New(&feed.Config{
		Client:    client,
		Logger:    logger,
		FeedURL:   cfg.FeedURL,
		UserAgent: cfg.UserAgent,
		Attempts:  cfg.FetchAttempts,
	})
	logger.Info("Considering events after watermark",
		"feed", fetcher.URL(),
		"watermark", seq.Watermark().After().Format(time.RFC3339))

	a := &app{
		sequencer: seq,
		poller: poll.New(&poll.Config{
			Fetcher:   fetcher,
			Sequencer: seq,
			Logger:    logger,
			Interval:  cfg.PollInterval(),
		}),
		logger: logger,
		port:   cfg.Port,
	}
	if cfg.Port != "" {
		a.server = server.New(&server.Config{
			Poller: a.poller,
			Queue:  seq,
			Logger: logger,
		})
	}
	return a, nil
}

// newPoster returns a logged-in Bluesky poster in production and a dry-run
// poster otherwise.
func newPoster(ctx context.Context, cfg *config.Config, client *http.Client, logger *slog.Logger) (poster.Poster, error) {
	if !cfg.Live() {
		logger.Info("Dry run: posts will be logged, not published", "environment", cfg.Environment)
		return poster.NewLog(logger), nil
	}

	bsky := poster.NewBluesky(&poster.BlueskyConfig{
		Client:     client,
		Logger:     logger,
		Service:    cfg.BlueskyService,
		Identifier: cfg.BlueskyIdentifier,
		Password:   cfg.BlueskyPassword,
	})
	if err := bsky.Login(ctx); err != nil {
		return nil, fmt.Errorf("initialize poster: %w", err)
	}
	return bsky, nil
}

func (a *app) run(parent context.Context) error {
	g, ctx := errgroup.WithContext(parent)

	g.Go(func() error {
		return a.sequencer.Run(ctx)
	})
	g.Go(func() error {
		return a.poller.Run(ctx)
	})
	if a.server != nil {
		g.Go(func() error {
			return a.server.ListenAndServe(ctx, a.port)
		})
	}

	err := g.Wait()
	a.logger.Info("Shutting down", "reason", err)
	if parent.Err() != nil {
		return nil
	}
	return err
}
