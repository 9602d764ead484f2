// Package deliver pushes rendered notifications to the external delivery
// endpoint. Sinks share the same discipline: minimum inter-send spacing,
// retry-after on 429, bounded backoff on 5xx, and paragraph-first splitting
// of oversized payloads.
package deliver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"notibot/internal/domain"
)

// Sink is a delivery endpoint. All parts of a split message must succeed for
// the send to count as delivered.
type Sink interface {
	SendText(ctx context.Context, text string) error
	SendAttachment(ctx context.Context, kind domain.AttachmentKind, data []byte, filename, caption string) error
	Name() string
}

// RateLimitError is a 429 from the delivery endpoint, carrying the server's
// retry-after hint when one was provided.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// PermanentError is a non-auth, non-rate 4xx: retrying the same payload will
// not help within this cycle.
type PermanentError struct {
	StatusCode int
	Body       string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("delivery rejected (HTTP %d): %s", e.StatusCode, e.Body)
}

const (
	maxSendRetries    = 3
	minRetryAfter     = 1 * time.Second
	maxRetryAfter     = 60 * time.Second
	defaultRetryAfter = 3 * time.Second
)

// clampRetryAfter bounds a server-provided retry hint; attempt-scaled default
// when the server sent none.
func clampRetryAfter(hint time.Duration, attempt int) time.Duration {
	if hint <= 0 {
		return time.Duration(attempt+1) * defaultRetryAfter
	}
	if hint < minRetryAfter {
		return minRetryAfter
	}
	if hint > maxRetryAfter {
		return maxRetryAfter
	}
	return hint
}

// pacer enforces a minimum spacing between sends. Deliberately a last-send
// timestamp, not a token bucket: delivery never needs bursts.
type pacer struct {
	mu   sync.Mutex
	min  time.Duration
	last time.Time
}

func newPacer(min time.Duration) *pacer {
	return &pacer{min: min}
}

func (p *pacer) wait(ctx context.Context) error {
	p.mu.Lock()
	var sleep time.Duration
	if !p.last.IsZero() {
		if since := time.Since(p.last); since < p.min {
			sleep = p.min - since
		}
	}
	p.last = time.Now().Add(sleep)
	p.mu.Unlock()

	if sleep <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(sleep):
		return nil
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
