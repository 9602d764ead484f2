// Package source talks to the remote inbox API: paginated channel fetches,
// transparent re-login on session expiry, secondary detail fetches for the
// enrichment handlers, and attachment downloads.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"notibot/internal/domain"
)

const (
	maxFetchRetries = 3
	minPageCap      = 1
	maxPageCap      = 20
)

// Filters narrows a channel fetch.
type Filters struct {
	Readness  string // "" | "read" | "unread"
	ExcludeCC bool
	Kind      string // "" | "message" | "notice"
}

// Client is the inbox API client. It owns the cached session and re-logins
// once, transparently, when the server rejects it.
type Client struct {
	baseURL     string
	http        *http.Client
	provider    Provider
	creds       *Credentials
	sessionPath string
	limiter     *RateLimiter
	logger      *slog.Logger
}

type ClientConfig struct {
	BaseURL     string
	Provider    Provider
	SessionPath string // cached credentials; empty disables caching
	Timeout     time.Duration
	Limiter     *RateLimiter // nil disables fetch pacing
	Logger      *slog.Logger
}

func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		http:        SharedHTTPClient(cfg.Timeout),
		provider:    cfg.Provider,
		sessionPath: cfg.SessionPath,
		limiter:     cfg.Limiter,
		logger:      logger,
	}
	if cfg.SessionPath != "" {
		if creds := LoadSession(cfg.SessionPath); creds != nil {
			c.creds = creds
			logger.Debug("reusing cached session", "actor", creds.ActorID)
		}
	}
	return c
}

// Login forces a fresh login and caches the resulting session.
func (c *Client) Login(ctx context.Context) error {
	creds, err := c.provider.Login(ctx)
	if err != nil {
		return fmt.Errorf("login via %s: %w", c.provider.Name(), err)
	}
	c.creds = creds
	if c.sessionPath != "" {
		if err := SaveSession(c.sessionPath, creds); err != nil {
			c.logger.Warn("cannot cache session", "err", err)
		}
	}
	return nil
}

// FetchPage returns one page of a channel, newest first. An empty slice
// means the end of pagination.
func (c *Client) FetchPage(ctx context.Context, channel string, page, pageSize int, f Filters) ([]domain.Message, error) {
	if page < minPageCap {
		page = minPageCap
	}
	if page > maxPageCap {
		page = maxPageCap
	}
	if pageSize < 1 {
		pageSize = 20
	}

	q := url.Values{}
	q.Set("channel", channel)
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(pageSize))
	// Deterministic reverse-chronological order; increment detection against
	// the watermark depends on this.
	q.Set("sort", "-published_at,-id")
	if f.Readness != "" {
		q.Set("readness", f.Readness)
	}
	if f.ExcludeCC {
		q.Set("exclude_cc", "true")
	}
	if f.Kind != "" {
		q.Set("kind", f.Kind)
	}

	body, err := c.getAuthorized(ctx, "/messages", q)
	if err != nil {
		return nil, err
	}

	items, err := decodePage(body)
	if err != nil {
		return nil, fmt.Errorf("decode page %d of %s: %w", page, channel, err)
	}

	msgs := make([]domain.Message, 0, len(items))
	for _, it := range items {
		m, err := it.toMessage(channel)
		if err != nil {
			c.logger.Warn("skipping malformed item", "channel", channel, "err", err)
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// FetchLatest returns the newest message of a channel, or nil when the
// channel is empty. Used for the first-run watermark fast-forward.
func (c *Client) FetchLatest(ctx context.Context, channel string) (*domain.Message, error) {
	msgs, err := c.FetchPage(ctx, channel, 1, 1, Filters{})
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return &msgs[0], nil
}

// GetJSON performs an authorized GET and unmarshals the response into out.
// Enrichment handlers use it for their secondary detail fetches.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, out any) error {
	body, err := c.getAuthorized(ctx, path, query)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// Download fetches attachment bytes with the session's auth headers. It
// refuses bodies larger than maxBytes so one huge file cannot wedge a cycle.
func (c *Client) Download(ctx context.Context, rawURL string, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = 20 << 20
	}

	resp, err := c.doAuthorized(ctx, "download", func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		c.decorate(req)
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("download %s: HTTP %d", rawURL, resp.StatusCode)
	}
	if resp.ContentLength > maxBytes {
		return nil, fmt.Errorf("download %s: %d bytes exceeds cap %d", rawURL, resp.ContentLength, maxBytes)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", rawURL, err)
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("download %s: body exceeds cap %d", rawURL, maxBytes)
	}
	return data, nil
}

func (c *Client) getAuthorized(ctx context.Context, path string, query url.Values) ([]byte, error) {
	full := c.baseURL + path
	if len(query) > 0 {
		full += "?" + query.Encode()
	}

	resp, err := c.doAuthorized(ctx, path, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
		if err != nil {
			return nil, err
		}
		c.decorate(req)
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("GET %s: HTTP %d: %s", path, resp.StatusCode, truncate(string(body), 200))
	}
	return body, nil
}

// doAuthorized runs the request with transient-error retry; on an auth
// rejection it re-logins once and replays the same request. A second
// rejection is an AuthError.
func (c *Client) doAuthorized(ctx context.Context, op string, buildReq func() (*http.Request, error)) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if c.creds.Expired() {
		if err := c.Login(ctx); err != nil {
			return nil, err
		}
	}

	resp, err := c.doWithRetry(ctx, buildReq)
	if err != nil {
		return nil, err
	}
	if !isAuthExpired(resp.StatusCode) {
		return resp, nil
	}
	resp.Body.Close()

	c.logger.Info("session expired, re-logging in", "op", op, "status", resp.StatusCode)
	if err := c.Login(ctx); err != nil {
		return nil, err
	}

	resp, err = c.doWithRetry(ctx, buildReq)
	if err != nil {
		return nil, err
	}
	if isAuthExpired(resp.StatusCode) {
		resp.Body.Close()
		return nil, &AuthError{StatusCode: resp.StatusCode, Operation: op}
	}
	return resp, nil
}

// doWithRetry retries network failures, 5xx, and 429 with attempt² backoff
// plus jitter. Other statuses are returned to the caller as-is.
func (c *Client) doWithRetry(ctx context.Context, buildReq func() (*http.Request, error)) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= maxFetchRetries; attempt++ {
		if attempt > 0 {
			base := time.Duration(attempt*attempt) * time.Second
			jitter := time.Duration(rand.Int64N(int64(base/2 + 1)))
			backoff := base + jitter
			c.logger.Warn("retrying inbox request", "attempt", attempt+1, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			if attempt < maxFetchRetries {
				c.logger.Warn("inbox request failed, will retry", "err", err)
				continue
			}
			return nil, fmt.Errorf("inbox request failed after %d retries: %w", maxFetchRetries, err)
		}

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
			resp.Body.Close()
			lastErr = fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(string(body), 200))
			if attempt < maxFetchRetries {
				c.logger.Warn("inbox server error, will retry", "status", resp.StatusCode)
				continue
			}
			return nil, fmt.Errorf("inbox server error after %d retries: %w", maxFetchRetries, lastErr)
		}

		return resp, nil
	}

	return nil, lastErr
}

func (c *Client) decorate(req *http.Request) {
	if c.creds == nil {
		return
	}
	tt := c.creds.TokenType
	if tt == "" {
		tt = "Bearer"
	}
	req.Header.Set("Authorization", tt+" "+c.creds.Token)
	if c.creds.ActorID != 0 {
		req.Header.Set("X-Reflection-Id", strconv.FormatInt(c.creds.ActorID, 10))
	}
	req.Header.Set("Accept", "application/json")
}

// --- wire decoding ---

// wireItem tolerates the schema drift the inbox API is known for: numeric
// fields arrive as numbers or strings, sender as an object or a bare name.
type wireItem struct {
	ID          flexInt64       `json:"id"`
	Title       string          `json:"title"`
	Content     json.RawMessage `json:"content"`
	PublishedAt string          `json:"published_at"`
	CreatedAt   string          `json:"created_at"`
	Sender      wireSender      `json:"sender"`
	Domain      string          `json:"domain"`
	Type        string          `json:"type"`
	Attributes  map[string]any  `json:"attributes"`
}

type wireSender struct {
	ID   flexInt64 `json:"id"`
	Name string    `json:"name"`
}

// UnmarshalJSON accepts either {"id":..,"name":..} or a bare string name.
func (s *wireSender) UnmarshalJSON(data []byte) error {
	type alias wireSender
	var a alias
	if err := json.Unmarshal(data, &a); err == nil {
		*s = wireSender(a)
		return nil
	}
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	*s = wireSender{Name: name}
	return nil
}

type flexInt64 int64

func (f *flexInt64) UnmarshalJSON(data []byte) error {
	data = []byte(strings.Trim(string(data), `"`))
	if len(data) == 0 || string(data) == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("not an integer: %q", data)
	}
	*f = flexInt64(n)
	return nil
}

func (it *wireItem) toMessage(channel string) (domain.Message, error) {
	if it.ID == 0 && it.Title == "" {
		return domain.Message{}, fmt.Errorf("item has neither id nor title")
	}

	ts := it.PublishedAt
	if ts == "" {
		ts = it.CreatedAt
	}

	m := domain.Message{
		ID:          int64(it.ID),
		Channel:     channel,
		Title:       it.Title,
		RawContent:  rawContent(it.Content),
		PublishedAt: it.PublishedAt,
		CreatedAt:   it.CreatedAt,
		Time:        parseTime(ts),
		Sender:      it.Sender.Name,
		SenderID:    int64(it.Sender.ID),
		Domain:      it.Domain,
		Type:        it.Type,
		Attributes:  it.Attributes,
	}
	return m, nil
}

// rawContent keeps the block document verbatim; a JSON string content is
// unwrapped so the normalizer sees the document, not an escaped string.
func rawContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

func parseTime(s string) time.Time {
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t
		}
	}
	return time.Time{}
}

// decodePage accepts both envelope shapes the API has shipped: a bare JSON
// array and {"items": [...]}.
func decodePage(body []byte) ([]wireItem, error) {
	var items []wireItem
	if err := json.Unmarshal(body, &items); err == nil {
		return items, nil
	}
	var envelope struct {
		Items []wireItem `json:"items"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, err
	}
	return envelope.Items, nil
}
