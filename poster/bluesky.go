package poster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"fyi-squeaker/pkg/squeaker"

	"github.com/codeGROOVE-dev/retry"
)

const (
	// DefaultBlueskyService is the PDS used when none is configured.
	DefaultBlueskyService = "https://bsky.social"

	postCollection = "app.bsky.feed.post"
	linkFeature    = "app.bsky.richtext.facet#link"
	externalEmbed  = "app.bsky.embed.external"
	maxErrorBody   = 16384
)

// BlueskyConfig configures a Bluesky poster.
type BlueskyConfig struct {
	Client        *http.Client
	Logger        *slog.Logger
	Now           func() time.Time
	Service       string // PDS base URL
	Identifier    string // Handle or email
	Password      string // App password
	LoginAttempts uint
}

// Bluesky posts to an AT Protocol PDS over XRPC.
type Bluesky struct {
	client        *http.Client
	logger        *slog.Logger
	now           func() time.Time
	service       string
	identifier    string
	password      string
	loginAttempts uint

	mu      sync.Mutex
	session *session
}

type session struct {
	AccessJwt  string `json:"accessJwt"`
	RefreshJwt string `json:"refreshJwt"`
	Handle     string `json:"handle"`
	DID        string `json:"did"`
}

type createSessionRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type createRecordRequest struct {
	Record     postRecord `json:"record"`
	Repo       string     `json:"repo"`
	Collection string     `json:"collection"`
}

type createRecordResponse struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

type postRecord struct {
	Embed     *embed  `json:"embed,omitempty"`
	Type      string  `json:"$type"`
	Text      string  `json:"text"`
	CreatedAt string  `json:"createdAt"`
	Facets    []facet `json:"facets,omitempty"`
}

type facet struct {
	Features []facetFeature `json:"features"`
	Index    byteSlice      `json:"index"`
}

type byteSlice struct {
	ByteStart int `json:"byteStart"`
	ByteEnd   int `json:"byteEnd"`
}

type facetFeature struct {
	Type string `json:"$type"`
	URI  string `json:"uri"`
}

type embed struct {
	Type     string   `json:"$type"`
	External external `json:"external"`
}

type external struct {
	URI         string `json:"uri"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

type xrpcError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// NewBluesky creates a new Bluesky poster. Call Login before posting to fail
// fast on bad credentials; Post logs in lazily otherwise.
func NewBluesky(cfg *BlueskyConfig) *Bluesky {
	b := &Bluesky{
		client:        cfg.Client,
		logger:        cfg.Logger,
		now:           cfg.Now,
		service:       strings.TrimSuffix(cfg.Service, "/"),
		identifier:    cfg.Identifier,
		password:      cfg.Password,
		loginAttempts: cfg.LoginAttempts,
	}
	if b.client == nil {
		b.client = &http.Client{Timeout: 30 * time.Second}
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	if b.now == nil {
		b.now = time.Now
	}
	if b.service == "" {
		b.service = DefaultBlueskyService
	}
	if b.loginAttempts == 0 {
		b.loginAttempts = 3
	}
	return b
}

// Login creates a new session, retrying transient failures.
func (b *Bluesky) Login(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.login(ctx)
}

func (b *Bluesky) login(ctx context.Context) error {
	var s session
	err := retry.Do(
		func() error {
			err := b.call(ctx, "com.atproto.server.createSession", "", &createSessionRequest{
				Identifier: b.identifier,
				Password:   b.password,
			}, &s)
			if err != nil && isPermanent(err) {
				return retry.Unrecoverable(err)
			}
			return err
		},
		retry.Attempts(b.loginAttempts),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			b.logger.Info("Retrying Bluesky login after error", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("bluesky login: %w", err)
	}

	b.session = &s
	b.logger.Info("Bluesky session created", "handle", s.Handle, "did", s.DID)
	return nil
}

func (b *Bluesky) refresh(ctx context.Context) error {
	var s session
	if err := b.call(ctx, "com.atproto.server.refreshSession", b.session.RefreshJwt, nil, &s); err != nil {
		b.logger.Warn("Bluesky session refresh failed, logging in again", "error", err)
		return b.login(ctx)
	}
	b.session = &s
	b.logger.Info("Bluesky session refreshed", "handle", s.Handle)
	return nil
}

// Post creates an app.bsky.feed.post record. An expired session is refreshed
// and the record sent once more; any other failure is returned.
func (b *Bluesky) Post(ctx context.Context, msg *squeaker.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.session == nil {
		if err := b.login(ctx); err != nil {
			return err
		}
	}

	rec := b.record(msg)
	uri, err := b.createRecord(ctx, rec)
	if IsExpiredToken(err) {
		if err := b.refresh(ctx); err != nil {
			return err
		}
		uri, err = b.createRecord(ctx, rec)
	}
	if err != nil {
		return err
	}

	b.logger.Info("Bluesky post created", "entry_id", msg.EntryID, "uri", uri)
	return nil
}

func (b *Bluesky) createRecord(ctx context.Context, rec postRecord) (string, error) {
	var out createRecordResponse
	err := b.call(ctx, "com.atproto.repo.createRecord", b.session.AccessJwt, &createRecordRequest{
		Repo:       b.session.DID,
		Collection: postCollection,
		Record:     rec,
	}, &out)
	return out.URI, err
}

func (b *Bluesky) record(msg *squeaker.Message) postRecord {
	rec := postRecord{
		Type:      postCollection,
		Text:      msg.Text,
		CreatedAt: b.now().UTC().Format(time.RFC3339Nano),
	}
	for _, f := range msg.Facets {
		rec.Facets = append(rec.Facets, facet{
			Index:    byteSlice{ByteStart: f.ByteStart, ByteEnd: f.ByteEnd},
			Features: []facetFeature{{Type: linkFeature, URI: f.URI}},
		})
	}
	if msg.Card != nil {
		rec.Embed = &embed{
			Type: externalEmbed,
			External: external{
				URI:         msg.Card.URI,
				Title:       msg.Card.Title,
				Description: msg.Card.Description,
			},
		}
	}
	return rec
}

// call invokes an XRPC procedure. A nil in sends no body.
func (b *Bluesky) call(ctx context.Context, method, token string, in, out any) error {
	var body io.Reader = http.NoBody
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.service+"/xrpc/"+method, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	startTime := time.Now()
	resp, err := b.client.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		b.logger.Warn("Bluesky API request failed",
			"method", method,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return fmt.Errorf("%s: %w", method, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			b.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	b.logger.Debug("Bluesky API request completed",
		"method", method,
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Method: method, StatusCode: resp.StatusCode}
		data, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if readErr == nil {
			var xe xrpcError
			if json.Unmarshal(data, &xe) == nil {
				apiErr.Code = xe.Error
				apiErr.Message = xe.Message
			}
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	return nil
}

var _ Poster = (*Bluesky)(nil)
