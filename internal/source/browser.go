package source

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/chromedp"
)

// BrowserProvider opens a visible Chrome window on the login page and waits
// for the user to finish logging in, polling localStorage until the token
// appears. The Chrome profile persists cookies so subsequent logins are
// usually a silent redirect.
type BrowserProvider struct {
	LoginURL   string
	ProfileDir string
	TokenKey   string // localStorage key holding the bearer token
	Timeout    time.Duration
	Logger     *slog.Logger
}

func (p *BrowserProvider) Name() string { return "browser" }

func (p *BrowserProvider) Login(ctx context.Context) (*Credentials, error) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	profile := p.ProfileDir
	if profile == "" {
		home, _ := os.UserHomeDir()
		profile = filepath.Join(home, ".notibot", "chrome-profile")
	}
	if err := os.MkdirAll(profile, 0o755); err != nil {
		return nil, fmt.Errorf("create chrome profile dir: %w", err)
	}
	tokenKey := p.TokenKey
	if tokenKey == "" {
		tokenKey = "access_token"
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(profile),
		chromedp.Flag("headless", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("exclude-switches", "enable-automation"),
	)

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	defer allocCancel()

	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	defer taskCancel()

	taskCtx, timeoutCancel := context.WithTimeout(taskCtx, timeout)
	defer timeoutCancel()

	logger.Info("opening browser for login", "url", p.LoginURL, "profile", profile)

	if err := chromedp.Run(taskCtx, chromedp.Navigate(p.LoginURL)); err != nil {
		return nil, fmt.Errorf("navigate to login page: %w", err)
	}

	logger.Info("waiting for login to complete in the browser window")

	// Poll localStorage until the token shows up or the window is closed.
	probe := fmt.Sprintf(`window.localStorage.getItem(%q) || ""`, tokenKey)
	for {
		select {
		case <-taskCtx.Done():
			return nil, fmt.Errorf("browser login: %w", taskCtx.Err())
		case <-time.After(time.Second):
		}

		var token string
		if err := chromedp.Run(taskCtx, chromedp.Evaluate(probe, &token)); err != nil {
			return nil, fmt.Errorf("probe localStorage: %w", err)
		}
		if token == "" {
			continue
		}

		var actorID int64
		_ = chromedp.Run(taskCtx, chromedp.Evaluate(
			`parseInt(window.localStorage.getItem("active_reflection_id") || "0", 10)`, &actorID))

		logger.Info("token captured from browser session", "actor", actorID)
		return &Credentials{Token: token, TokenType: "Bearer", ActorID: actorID}, nil
	}
}
