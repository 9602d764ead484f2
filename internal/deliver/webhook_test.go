package deliver

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"notibot/internal/domain"
)

func newTestWebhook(t *testing.T, url, secret string) *Webhook {
	t.Helper()
	w, err := NewWebhook(WebhookConfig{
		URL:         url,
		Secret:      secret,
		MaxLen:      4000,
		MinInterval: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new webhook: %v", err)
	}
	return w
}

func TestWebhook_SignsBody(t *testing.T) {
	const secret = "s3cret"
	var gotSig string
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Signature-256")
		gotBody, _ = io.ReadAll(r.Body)
		rw.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := newTestWebhook(t, srv.URL, secret)
	if err := w.SendText(context.Background(), "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(gotBody)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if gotSig != want {
		t.Fatalf("signature mismatch: got %q want %q", gotSig, want)
	}
}

func TestWebhook_RateLimitRetriesSamePayload(t *testing.T) {
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(body))
		if len(bodies) == 1 {
			rw.Header().Set("Retry-After", "1")
			rw.WriteHeader(http.StatusTooManyRequests)
			return
		}
		rw.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := newTestWebhook(t, srv.URL, "")
	start := time.Now()
	if err := w.SendText(context.Background(), "payload under test"); err != nil {
		t.Fatalf("send should recover after 429: %v", err)
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Fatalf("should have slept out the retry-after hint, elapsed %v", elapsed)
	}
	if len(bodies) != 2 {
		t.Fatalf("expected 2 posts, got %d", len(bodies))
	}
	if bodies[0] != bodies[1] {
		t.Fatal("retry must replay the exact same payload")
	}
}

func TestWebhook_PermanentRejectNoRetry(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(rw, "bad payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	w := newTestWebhook(t, srv.URL, "")
	err := w.SendText(context.Background(), "x")

	var perm *PermanentError
	if !errors.As(err, &perm) {
		t.Fatalf("expected PermanentError, got %v", err)
	}
	if perm.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", perm.StatusCode)
	}
	if calls != 1 {
		t.Fatalf("4xx must not be retried, got %d calls", calls)
	}
}

func TestWebhook_ServerErrorBoundedRetries(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		calls++
		rw.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	w := newTestWebhook(t, srv.URL, "")
	if err := w.SendText(context.Background(), "x"); err == nil {
		t.Fatal("persistent 5xx should eventually fail")
	}
	if calls != maxSendRetries+1 {
		t.Fatalf("expected %d attempts, got %d", maxSendRetries+1, calls)
	}
}

func TestWebhook_SplitPartsAllDelivered(t *testing.T) {
	var texts []string
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		var p webhookPayload
		json.NewDecoder(r.Body).Decode(&p)
		texts = append(texts, p.Text)
		rw.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w, err := NewWebhook(WebhookConfig{URL: srv.URL, MaxLen: 100, MinInterval: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}

	long := ""
	for i := 0; i < 30; i++ {
		long += "line of text number here\n"
	}
	if err := w.SendText(context.Background(), long); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(texts) < 2 {
		t.Fatalf("expected multiple parts, got %d", len(texts))
	}
}

func TestWebhook_AttachmentEncodesBase64(t *testing.T) {
	var p webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&p)
		rw.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := newTestWebhook(t, srv.URL, "")
	err := w.SendAttachment(context.Background(), domain.AttachmentFile, []byte{1, 2, 3}, "a.bin", "cap")
	if err != nil {
		t.Fatalf("send attachment: %v", err)
	}
	if p.Kind != "file" || p.Filename != "a.bin" || p.Caption != "cap" {
		t.Fatalf("unexpected payload: %+v", p)
	}
	if p.Data != "AQID" {
		t.Fatalf("expected base64 body, got %q", p.Data)
	}
}

func TestClampRetryAfter(t *testing.T) {
	if got := clampRetryAfter(5*time.Second, 0); got != 5*time.Second {
		t.Fatalf("a 5s hint must be honored as-is, got %v", got)
	}
	if got := clampRetryAfter(10*time.Minute, 0); got != maxRetryAfter {
		t.Fatalf("oversized hints are clamped, got %v", got)
	}
	if got := clampRetryAfter(0, 1); got != 2*defaultRetryAfter {
		t.Fatalf("missing hint uses the attempt-scaled default, got %v", got)
	}
}

func TestPacer_EnforcesSpacing(t *testing.T) {
	p := newPacer(50 * time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := p.wait(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("three sends at 50ms spacing need >=100ms, got %v", elapsed)
	}
}
