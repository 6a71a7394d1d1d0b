// Package config loads runtime settings from flags and the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"time"

	"github.com/jessevdk/go-flags"
)

// Production is the environment name that enables live posting.
const Production = "production"

// backlogWindow is how far back a dry run starts with --with-backlog.
const backlogWindow = 24 * time.Hour

// Config holds all runtime settings. It is immutable after Load.
type Config struct {
	FeedURL     string `long:"feed-url" env:"FEED_URL" description:"Alaveteli feed URL, without the .json suffix" required:"true"`
	Environment string `long:"environment" env:"NODE_ENV" default:"development" description:"Set to production to post for real"`

	Delay          int `long:"delay" env:"DELAY" default:"5" description:"Minutes between polls"`
	PostLength     int `long:"post-length" env:"POST_LENGTH" default:"140" description:"Maximum post length"`
	BodyNameLength int `long:"body-name-length" env:"BODY_NAME_LENGTH" default:"30" description:"Maximum length of an authority name"`
	UserNameLength int `long:"user-name-length" env:"USER_NAME_LENGTH" default:"30" description:"Maximum length of a requester name"`
	LinkLength     int `long:"link-length" env:"LINK_LENGTH" default:"24" description:"Room reserved for the event link"`

	BlueskyService    string `long:"bluesky-service" env:"BLUESKY_SERVICE" default:"https://bsky.social" description:"Bluesky PDS base URL"`
	BlueskyIdentifier string `long:"bluesky-identifier" env:"BLUESKY_BOT_EMAIL" description:"Bluesky login identifier"`
	BlueskyPassword   string `long:"bluesky-password" env:"BLUESKY_BOT_PASSWORD" description:"Bluesky app password"`

	UserAgent     string        `long:"user-agent" env:"USER_AGENT" default:"fyi-squeaker/1.0" description:"User agent for feed and page requests"`
	FetchAttempts uint          `long:"fetch-attempts" env:"FETCH_ATTEMPTS" default:"3" description:"Attempts per feed fetch"`
	PostInterval  time.Duration `long:"post-interval" env:"POST_INTERVAL" default:"0s" description:"Minimum time between posts"`
	LinkCards     bool          `long:"link-cards" env:"LINK_CARDS" description:"Attach link cards built from the event page"`
	WithBacklog   bool          `long:"with-backlog" description:"Dry run only: start from events in the last 24 hours"`

	Port  string `long:"port" env:"PORT" description:"Status server port (disabled when empty)"`
	Debug bool   `long:"debug" env:"DEBUG" description:"Enable debug logging"`
}

// Load parses args and the environment. It returns nil, nil when help was
// requested; the help text is written to out.
func Load(args []string, out io.Writer) (*Config, error) {
	var cfg Config
	parser := flags.NewParser(&cfg, flags.HelpFlag|flags.PassDoubleDash)

	if _, err := parser.ParseArgs(args); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			if _, werr := fmt.Fprintln(out, flagsErr.Message); werr != nil {
				return nil, fmt.Errorf("write help: %w", werr)
			}
			return nil, nil
		}
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that flag parsing cannot.
func (c *Config) Validate() error {
	u, err := url.Parse(c.FeedURL)
	if err != nil {
		return fmt.Errorf("invalid feed url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("feed url %q must be an absolute http(s) URL", c.FeedURL)
	}

	for _, v := range []struct {
		name  string
		value int
	}{
		{"delay", c.Delay},
		{"post-length", c.PostLength},
		{"body-name-length", c.BodyNameLength},
		{"user-name-length", c.UserNameLength},
		{"link-length", c.LinkLength},
	} {
		if v.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", v.name, v.value)
		}
	}
	if c.PostLength <= c.LinkLength+1 {
		return fmt.Errorf("post-length %d leaves no room for text after link-length %d", c.PostLength, c.LinkLength)
	}
	if c.FetchAttempts == 0 {
		return errors.New("fetch-attempts must be at least 1")
	}
	if c.PostInterval < 0 {
		return fmt.Errorf("post-interval must not be negative, got %s", c.PostInterval)
	}

	if c.Live() && (c.BlueskyIdentifier == "" || c.BlueskyPassword == "") {
		return errors.New("production requires BLUESKY_BOT_EMAIL and BLUESKY_BOT_PASSWORD")
	}
	return nil
}

// Live reports whether posts are published rather than logged.
func (c *Config) Live() bool {
	return c.Environment == Production
}

// PollInterval is the base delay between polls.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Delay) * time.Minute
}

// Start is the initial watermark. A dry run with --with-backlog replays the
// last 24 hours; otherwise only events after now are posted.
func (c *Config) Start(now time.Time) time.Time {
	if c.WithBacklog && !c.Live() {
		return now.Add(-backlogWindow)
	}
	return now
}

// LogValue implements slog.LogValuer so the banner never leaks the password.
func (c *Config) LogValue() slog.Value {
	password := "MISSING"
	if c.BlueskyPassword != "" {
		password = "SUPPLIED"
	}
	return slog.GroupValue(
		slog.String("feed_url", c.FeedURL),
		slog.String("environment", c.Environment),
		slog.Bool("live", c.Live()),
		slog.Int("delay_minutes", c.Delay),
		slog.Int("post_length", c.PostLength),
		slog.Int("body_name_length", c.BodyNameLength),
		slog.Int("user_name_length", c.UserNameLength),
		slog.Int("link_length", c.LinkLength),
		slog.String("bluesky_service", c.BlueskyService),
		slog.String("bluesky_identifier", c.BlueskyIdentifier),
		slog.String("bluesky_password", password),
		slog.String("user_agent", c.UserAgent),
		slog.Any("fetch_attempts", c.FetchAttempts),
		slog.String("post_interval", c.PostInterval.String()),
		slog.Bool("link_cards", c.LinkCards),
		slog.Bool("with_backlog", c.WithBacklog),
		slog.String("port", c.Port),
		slog.Bool("debug", c.Debug),
	)
}
