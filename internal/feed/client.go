// Package feed fetches transfer snapshots from a community movement endpoint.
package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"transferbot/internal/transfer"
	logx "transferbot/pkg/logx"
)

const (
	DefaultBaseURL = "https://api.virtualprogaming.com"
	DefaultLimit   = 12
	DefaultTimeout = 12 * time.Second

	maxBodyBytes = 4 << 20
)

// Config describes one upstream feed.
type Config struct {
	Key   string // cursor key, unique per feed
	Label string // shown in messages

	// URL, when set, is used verbatim. Otherwise the endpoint is built from
	// BaseURL, Community and Limit.
	URL       string
	BaseURL   string
	Community string
	Limit     int

	Token     string // optional bearer token
	UserAgent string
	Timeout   time.Duration
}

// Endpoint returns the URL the client will GET.
func (c Config) Endpoint() (string, error) {
	if u := strings.TrimSpace(c.URL); u != "" {
		if _, err := url.ParseRequestURI(u); err != nil {
			return "", fmt.Errorf("feed %s: invalid url: %w", c.Key, err)
		}
		return u, nil
	}
	community := strings.TrimSpace(c.Community)
	if community == "" {
		return "", fmt.Errorf("feed %s: url or community is required", c.Key)
	}
	base := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	limit := c.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	u := fmt.Sprintf("%s/public/communities/%s/movement/?limit=%d&offset=0", base, url.PathEscape(community), limit)
	if _, err := url.ParseRequestURI(u); err != nil {
		return "", fmt.Errorf("feed %s: invalid base url: %w", c.Key, err)
	}
	return u, nil
}

// Client is a stateless reader for one feed.
type Client struct {
	cfg        Config
	endpoint   string
	httpClient *http.Client
	log        logx.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log logx.Logger) Option {
	return func(c *Client) {
		c.log = log
	}
}

// New validates cfg and returns a client for it.
func New(cfg Config, opts ...Option) (*Client, error) {
	cfg.Key = strings.TrimSpace(cfg.Key)
	if cfg.Key == "" {
		return nil, errors.New("feed key is required")
	}
	if strings.TrimSpace(cfg.Label) == "" {
		cfg.Label = cfg.Key
	}
	endpoint, err := cfg.Endpoint()
	if err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		cfg:        cfg,
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
		log:        logx.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With(logx.String("feed", cfg.Key))
	return c, nil
}

func (c *Client) Key() string      { return c.cfg.Key }
func (c *Client) Label() string    { return c.cfg.Label }
func (c *Client) Endpoint() string { return c.endpoint }

// Fetch returns the current snapshot sorted ascending by id, with duplicate
// ids collapsed to their last instance. Failures are *TransientError or
// *FatalError.
func (c *Client) Fetch(ctx context.Context) (transfer.Snapshot, error) {
	snap, dups, err := c.FetchWithStats(ctx)
	if err != nil {
		return nil, err
	}
	if dups > 0 {
		c.log.Warn("feed returned duplicate ids", logx.Int("duplicates", dups), logx.Int("events", len(snap)))
	}
	return snap, nil
}

// FetchWithStats is Fetch that also returns how many duplicate rows were
// collapsed.
func (c *Client) FetchWithStats(ctx context.Context) (transfer.Snapshot, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return nil, 0, &FatalError{Feed: c.cfg.Key, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.cfg.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	if tok := strings.TrimSpace(c.cfg.Token); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, &TransientError{Feed: c.cfg.Key, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, 0, &TransientError{Feed: c.cfg.Key, Status: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	if len(body) > maxBodyBytes {
		return nil, 0, &FatalError{Feed: c.cfg.Key, Status: resp.StatusCode, Err: errBodyTooLarge}
	}
	c.log.Debug("feed response",
		logx.Int("status", resp.StatusCode),
		logx.Int("bytes", len(body)),
		logx.Duration("took", time.Since(start)),
	)

	if err := classifyStatus(c.cfg.Key, resp.StatusCode); err != nil {
		return nil, 0, err
	}

	rows, err := decodeRows(body, c.cfg.Key, c.cfg.Label)
	if err != nil {
		return nil, 0, &FatalError{Feed: c.cfg.Key, Status: resp.StatusCode, Err: err}
	}
	snap, dups := transfer.Normalize(rows)
	return snap, dups, nil
}

func classifyStatus(key string, code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &FatalError{Feed: key, Status: code, Err: errAuth}
	case code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500:
		return &TransientError{Feed: key, Status: code, Err: errors.New(http.StatusText(code))}
	case code >= 400:
		return &FatalError{Feed: key, Status: code, Err: errors.New(http.StatusText(code))}
	default:
		return &TransientError{Feed: key, Status: code, Err: fmt.Errorf("unexpected status %d", code)}
	}
}
