package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// Credentials is a logged-in inbox session: a bearer token plus the actor id
// some endpoints require as a header.
type Credentials struct {
	Token     string    `json:"token"`
	TokenType string    `json:"tokenType"`
	ActorID   int64     `json:"actorId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the cached session should not be reused.
func (c *Credentials) Expired() bool {
	if c == nil || c.Token == "" {
		return true
	}
	if c.ExpiresAt.IsZero() {
		return false
	}
	// A minute of slack so we never race the server-side expiry.
	return time.Now().After(c.ExpiresAt.Add(-time.Minute))
}

// Provider performs the login flow against the source API. The engine only
// ever calls Login; everything else about authentication is the provider's
// business.
type Provider interface {
	Login(ctx context.Context) (*Credentials, error)
	Name() string
}

// LoadSession reads cached credentials. A missing or expired session returns
// nil so the caller falls through to a fresh login.
func LoadSession(path string) *Credentials {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var c Credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return nil
	}
	if c.Expired() {
		return nil
	}
	return &c
}

// SaveSession caches credentials so a restart does not re-login.
func SaveSession(path string, c *Credentials) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create session directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// PasswordProvider logs in with a username/password pair: a credential POST
// that yields an intermediate grant, then an authorize POST that yields the
// bearer token.
type PasswordProvider struct {
	LoginURL string // credential endpoint
	TokenURL string // authorize endpoint
	Username string
	Password string

	HTTP   *http.Client
	Logger *slog.Logger
}

func (p *PasswordProvider) Name() string { return "password" }

func (p *PasswordProvider) Login(ctx context.Context) (*Credentials, error) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := p.HTTP
	if client == nil {
		client = SharedHTTPClient(30 * time.Second)
	}

	logger.Info("logging in", "provider", "password", "user", p.Username)

	grant, err := postJSON(ctx, client, p.LoginURL, map[string]string{
		"username": p.Username,
		"password": p.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("credential post: %w", err)
	}

	authorize, err := postJSON(ctx, client, p.TokenURL, map[string]string{
		"grant": stringValue(grant, "grant"),
	})
	if err != nil {
		return nil, fmt.Errorf("authorize post: %w", err)
	}

	token := stringValue(authorize, "access_token")
	if token == "" {
		return nil, fmt.Errorf("authorize response carried no access_token")
	}

	creds := &Credentials{
		Token:     token,
		TokenType: stringValue(authorize, "token_type"),
		ActorID:   int64Value(authorize, "active_reflection_id"),
	}
	if creds.TokenType == "" {
		creds.TokenType = "Bearer"
	}
	if ttl := int64Value(authorize, "expires_in"); ttl > 0 {
		creds.ExpiresAt = time.Now().Add(time.Duration(ttl) * time.Second)
	}

	logger.Info("login succeeded", "provider", "password", "actor", creds.ActorID)
	return creds, nil
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any) (map[string]any, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return out, nil
}

func stringValue(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func int64Value(m map[string]any, key string) int64 {
	switch v := m[key].(type) {
	case float64:
		return int64(v)
	case string:
		var n int64
		fmt.Sscan(v, &n)
		return n
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
