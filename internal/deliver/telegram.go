package deliver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"notibot/internal/domain"
)

const (
	telegramMaxMsgLen     = 4000
	telegramMaxCaptionLen = 1024
)

// Telegram delivers notifications through the Telegram bot API. It is
// outbound-only: the bot never polls for updates.
type Telegram struct {
	bot       *tgbotapi.BotAPI
	chatID    int64
	parseMode string
	pace      *pacer
	logger    *slog.Logger
}

type TelegramConfig struct {
	Token       string
	ChatID      int64
	ParseMode   string // "Markdown" by default; fallback to plain on parse errors
	MinInterval time.Duration
	Logger      *slog.Logger
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram chat id is required")
	}
	if cfg.ParseMode == "" {
		cfg.ParseMode = "Markdown"
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	logger.Info("telegram sink connected", "username", bot.Self.UserName, "id", bot.Self.ID)

	return &Telegram{
		bot:       bot,
		chatID:    cfg.ChatID,
		parseMode: cfg.ParseMode,
		pace:      newPacer(cfg.MinInterval),
		logger:    logger,
	}, nil
}

func (t *Telegram) Name() string { return "telegram" }

// SendText splits oversized text and sends the parts in order. The whole
// send fails if any part fails, so the engine never commits a half-delivered
// message.
func (t *Telegram) SendText(ctx context.Context, text string) error {
	for _, part := range SplitText(text, telegramMaxMsgLen) {
		if err := t.sendChunk(ctx, part); err != nil {
			return err
		}
	}
	return nil
}

// sendChunk sends one message with the shared retry discipline. Markdown
// parse errors are retried immediately as plain text rather than backed off.
func (t *Telegram) sendChunk(ctx context.Context, text string) error {
	plain := false
	return t.sendWithRetry(ctx, func() tgbotapi.Chattable {
		msg := tgbotapi.NewMessage(t.chatID, text)
		if !plain {
			msg.ParseMode = t.parseMode
		}
		return msg
	}, func() { plain = true })
}

// SendAttachment uploads attachment bytes as a photo or document. The
// caption is truncated to Telegram's caption limit.
func (t *Telegram) SendAttachment(ctx context.Context, kind domain.AttachmentKind, data []byte, filename, caption string) error {
	caption = truncateRunes(caption, telegramMaxCaptionLen)
	file := tgbotapi.FileBytes{Name: filename, Bytes: data}

	return t.sendWithRetry(ctx, func() tgbotapi.Chattable {
		if kind == domain.AttachmentImage {
			photo := tgbotapi.NewPhoto(t.chatID, file)
			photo.Caption = caption
			return photo
		}
		doc := tgbotapi.NewDocument(t.chatID, file)
		doc.Caption = caption
		return doc
	}, nil)
}

// sendWithRetry paces, sends, and classifies failures: 429 sleeps out the
// retry-after hint, 5xx and network errors back off with growing delays,
// other 4xx become a PermanentError. onParseError, when set, flips the
// builder to plain text after an entity parse rejection.
func (t *Telegram) sendWithRetry(ctx context.Context, build func() tgbotapi.Chattable, onParseError func()) error {
	var lastErr error

	for attempt := 0; attempt <= maxSendRetries; attempt++ {
		if err := t.pace.wait(ctx); err != nil {
			return err
		}

		_, err := t.bot.Send(build())
		if err == nil {
			return nil
		}
		lastErr = err

		var apiErr *tgbotapi.Error
		switch {
		case errors.As(err, &apiErr) && apiErr.Code == 429:
			delay := clampRetryAfter(time.Duration(apiErr.RetryAfter)*time.Second, attempt)
			t.logger.Warn("telegram rate limited", "retry_after", delay, "attempt", attempt+1)
			if err := sleepCtx(ctx, delay); err != nil {
				return err
			}
			continue

		case isEntityParseError(err) && onParseError != nil:
			t.logger.Warn("telegram markdown parse error, retrying as plain text", "err", err)
			onParseError()
			onParseError = nil // only downgrade once
			continue

		case errors.As(err, &apiErr) && apiErr.Code >= 400 && apiErr.Code < 500:
			return &PermanentError{StatusCode: apiErr.Code, Body: apiErr.Message}
		}

		// Network failure or 5xx: exponential-ish backoff.
		if attempt < maxSendRetries {
			backoff := time.Duration(attempt+1) * time.Second
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
			if err := sleepCtx(ctx, backoff); err != nil {
				return err
			}
			continue
		}
	}

	return fmt.Errorf("telegram send failed after %d attempts: %w", maxSendRetries+1, lastErr)
}

func isEntityParseError(err error) bool {
	return strings.Contains(err.Error(), "can't parse entities")
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}
