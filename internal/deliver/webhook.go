package deliver

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"notibot/internal/domain"
)

// Webhook POSTs notifications to a generic HTTP endpoint, optionally signing
// each body with HMAC-SHA256 so the receiver can verify origin.
type Webhook struct {
	url    string
	secret string
	maxLen int
	http   *http.Client
	pace   *pacer
	logger *slog.Logger
}

type WebhookConfig struct {
	URL         string
	Secret      string // HMAC-SHA256 signing key; empty disables signing
	MaxLen      int    // text limit per part (default 4000)
	MinInterval time.Duration
	Timeout     time.Duration
	Logger      *slog.Logger
}

// webhookPayload is the wire body. Attachment bytes travel base64-encoded.
type webhookPayload struct {
	Text     string `json:"text,omitempty"`
	Kind     string `json:"kind,omitempty"`
	Filename string `json:"filename,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Data     string `json:"data,omitempty"`
}

func NewWebhook(cfg WebhookConfig) (*Webhook, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 4000
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{
		url:    cfg.URL,
		secret: cfg.Secret,
		maxLen: cfg.MaxLen,
		http:   &http.Client{Timeout: cfg.Timeout},
		pace:   newPacer(cfg.MinInterval),
		logger: logger,
	}, nil
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) SendText(ctx context.Context, text string) error {
	for _, part := range SplitText(text, w.maxLen) {
		if err := w.post(ctx, webhookPayload{Text: part}); err != nil {
			return err
		}
	}
	return nil
}

func (w *Webhook) SendAttachment(ctx context.Context, kind domain.AttachmentKind, data []byte, filename, caption string) error {
	return w.post(ctx, webhookPayload{
		Kind:     string(kind),
		Filename: filename,
		Caption:  truncateRunes(caption, telegramMaxCaptionLen),
		Data:     base64.StdEncoding.EncodeToString(data),
	})
}

// post sends one payload with pacing, 429 retry-after handling, bounded 5xx
// backoff, and PermanentError on other 4xx. The exact same body is replayed
// on every retry.
func (w *Webhook) post(ctx context.Context, payload webhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= maxSendRetries; attempt++ {
		if err := w.pace.wait(ctx); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if w.secret != "" {
			req.Header.Set("X-Signature-256", signHMAC(body, w.secret))
		}

		resp, err := w.http.Do(req)
		if err != nil {
			lastErr = err
			if attempt < maxSendRetries {
				backoff := time.Duration(attempt+1) * time.Second
				w.logger.Warn("webhook post failed, retrying", "err", err, "backoff", backoff)
				if err := sleepCtx(ctx, backoff); err != nil {
					return err
				}
				continue
			}
			break
		}

		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil

		case resp.StatusCode == http.StatusTooManyRequests:
			hint := retryAfterHint(resp)
			delay := clampRetryAfter(hint, attempt)
			lastErr = &RateLimitError{RetryAfter: delay}
			w.logger.Warn("webhook rate limited", "retry_after", delay, "attempt", attempt+1)
			if err := sleepCtx(ctx, delay); err != nil {
				return err
			}

		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncateRunes(string(respBody), 200))
			if attempt < maxSendRetries {
				backoff := time.Duration(attempt+1) * time.Second
				w.logger.Warn("webhook server error, retrying", "status", resp.StatusCode, "backoff", backoff)
				if err := sleepCtx(ctx, backoff); err != nil {
					return err
				}
			}

		default:
			return &PermanentError{StatusCode: resp.StatusCode, Body: truncateRunes(string(respBody), 200)}
		}
	}

	return fmt.Errorf("webhook post failed after %d attempts: %w", maxSendRetries+1, lastErr)
}

// retryAfterHint reads the Retry-After header (seconds form only).
func retryAfterHint(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

func signHMAC(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
