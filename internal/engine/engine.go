// Package engine is the orchestrator: it fast-forwards watermarks on first
// run, then repeatedly fetches each channel's increment, filters it through
// the dedup engine, renders, delivers, and commits. Processing is strictly
// sequential per channel so delivery order always matches (timestamp, id)
// order, which the watermark invariant depends on.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"notibot/internal/dedup"
	"notibot/internal/deliver"
	"notibot/internal/domain"
	"notibot/internal/journal"
	"notibot/internal/metrics"
	"notibot/internal/source"
	"notibot/internal/state"
)

// Source is the slice of the inbox client the engine needs.
type Source interface {
	FetchPage(ctx context.Context, channel string, page, pageSize int, f source.Filters) ([]domain.Message, error)
	FetchLatest(ctx context.Context, channel string) (*domain.Message, error)
	Download(ctx context.Context, url string, maxBytes int64) ([]byte, error)
}

// Renderer turns a message into its delivery-ready form. Implemented by
// enrich.Resolver.
type Renderer interface {
	Resolve(ctx context.Context, m *domain.Message) domain.Rendered
}

// Channel is one enabled inbox channel with its fetch filters.
type Channel struct {
	Name    string
	Filters source.Filters
}

type Config struct {
	Source   Source
	Sink     deliver.Sink
	Renderer Renderer
	State    *state.SyncState
	Dedup    *dedup.Engine
	Journal  *journal.Journal // nil disables journaling
	Logger   *slog.Logger

	Channels    []Channel
	StatePath   string
	LockPath    string // empty disables the singleton guard (tests)
	Interval    time.Duration
	PageCap     int
	PageSize    int
	FastForward bool  // set zero watermarks to the latest message on startup
	MaxAttach   int64 // attachment download cap in bytes

	DeliverTimeout time.Duration // budget for finishing an in-flight message on shutdown
}

type Engine struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) (*Engine, error) {
	if cfg.Source == nil || cfg.Sink == nil || cfg.Renderer == nil || cfg.State == nil || cfg.Dedup == nil {
		return nil, fmt.Errorf("engine: source, sink, renderer, state, and dedup are all required")
	}
	if len(cfg.Channels) == 0 {
		return nil, fmt.Errorf("engine: at least one channel must be enabled")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 90 * time.Second
	}
	if cfg.PageCap < 1 {
		cfg.PageCap = 3
	}
	if cfg.PageSize < 1 {
		cfg.PageSize = 20
	}
	if cfg.MaxAttach <= 0 {
		cfg.MaxAttach = 20 << 20
	}
	if cfg.DeliverTimeout <= 0 {
		cfg.DeliverTimeout = 2 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, logger: logger}, nil
}

// Run is the daemon loop: acquire the singleton lock, fast-forward, then
// poll until ctx is cancelled. The in-flight message of a cycle is finished
// before returning.
func (e *Engine) Run(ctx context.Context) error {
	release, err := e.acquireLock()
	if err != nil {
		return err
	}
	defer release()

	if err := e.fastForward(ctx); err != nil {
		return err
	}

	e.logger.Info("poll loop started", "interval", e.cfg.Interval, "channels", len(e.cfg.Channels))

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		e.runCycle(ctx)

		select {
		case <-ctx.Done():
			e.logger.Info("poll loop stopping")
			return nil
		case <-ticker.C:
		}
	}
}

// Once runs a single poll cycle (the `once` command).
func (e *Engine) Once(ctx context.Context) error {
	release, err := e.acquireLock()
	if err != nil {
		return err
	}
	defer release()

	if err := e.fastForward(ctx); err != nil {
		return err
	}
	e.runCycle(ctx)
	return nil
}

func (e *Engine) acquireLock() (func(), error) {
	if e.cfg.LockPath == "" {
		return func() {}, nil
	}
	lock, err := state.Acquire(e.cfg.LockPath)
	if err != nil {
		return nil, fmt.Errorf("singleton lock: %w", err)
	}
	return func() {
		if err := lock.Release(); err != nil {
			e.logger.Warn("cannot release lock", "err", err)
		}
	}, nil
}

// fastForward sets the watermark of channels that have none to the latest
// available message, so a first run never replays historical backlog. An
// empty channel keeps its zero watermark.
func (e *Engine) fastForward(ctx context.Context) error {
	if !e.cfg.FastForward {
		return nil
	}
	for _, ch := range e.cfg.Channels {
		if wm := e.cfg.State.Watermark(ch.Name); wm.Ts != 0 || wm.ID != 0 {
			continue
		}
		latest, err := e.cfg.Source.FetchLatest(ctx, ch.Name)
		if err != nil {
			return fmt.Errorf("fast-forward %s: %w", ch.Name, err)
		}
		if latest == nil {
			e.logger.Info("fast-forward: channel is empty", "channel", ch.Name)
			continue
		}
		e.cfg.State.AdvanceWatermark(ch.Name, latest.Unix(), latest.ID)
		e.logger.Info("fast-forward watermark set",
			"channel", ch.Name, "ts", latest.Unix(), "id", latest.ID)
	}
	return e.saveState()
}

// runCycle processes every channel once. Channel errors are logged, never
// fatal: the next tick retries from the untouched watermark.
func (e *Engine) runCycle(ctx context.Context) {
	cycleID := uuid.NewString()[:8]
	started := time.Now()

	for _, ch := range e.cfg.Channels {
		if ctx.Err() != nil {
			break
		}
		if err := e.processChannel(ctx, cycleID, ch); err != nil {
			e.logger.Error("channel pass failed", "cycle", cycleID, "channel", ch.Name, "err", err)
		}
	}

	if err := e.saveState(); err != nil {
		e.logger.Error("cannot save state", "cycle", cycleID, "err", err)
	}

	metrics.CycleLatency.Observe(time.Since(started).Seconds())
	metrics.SeenEntries.Set(int64(len(e.cfg.State.Seen)))
}

// processChannel fetches the channel's increment and walks it oldest-first.
// A delivery failure stops the pass immediately so the watermark never jumps
// a pending message.
func (e *Engine) processChannel(ctx context.Context, cycleID string, ch Channel) error {
	increment, err := e.computeIncrement(ctx, ch)
	if err != nil {
		return err
	}
	if len(increment) == 0 {
		return nil
	}
	e.logger.Info("increment fetched", "cycle", cycleID, "channel", ch.Name, "count", len(increment))
	metrics.MessagesTotal.Add(int64(len(increment)))

	for i := range increment {
		if ctx.Err() != nil {
			return nil
		}
		m := &increment[i]

		switch verdict := e.cfg.Dedup.Check(m); verdict {
		case dedup.DupExact, dedup.DupSoft:
			e.logger.Debug("suppressed", "channel", ch.Name, "id", m.ID, "verdict", verdict.String())
			metrics.SuppressedTotal.Inc()
			e.commit(ch.Name, m)

		case dedup.Stale:
			e.logger.Info("skipping stale message", "channel", ch.Name, "id", m.ID, "ts", m.Unix())
			metrics.StaleTotal.Inc()
			e.commit(ch.Name, m)

		case dedup.Fresh:
			if err := e.deliverOne(ctx, cycleID, ch.Name, m); err != nil {
				metrics.DeliveryFailures.Inc()
				// Leave the message uncommitted; it is a candidate again
				// next cycle (at-least-once).
				return fmt.Errorf("deliver message %d: %w", m.ID, err)
			}
			metrics.DeliveriesTotal.Inc()
			e.commit(ch.Name, m)
			if err := e.saveState(); err != nil {
				e.logger.Error("cannot save state after delivery", "err", err)
			}
		}
	}
	return nil
}

// deliverOne renders and sends a single message. The send runs detached
// from the loop's cancellation with its own timeout, so an interrupt never
// aborts a split message halfway.
func (e *Engine) deliverOne(ctx context.Context, cycleID, channel string, m *domain.Message) error {
	rendered := e.cfg.Renderer.Resolve(ctx, m)
	if rendered.Text == "" && len(rendered.Attachments) == 0 {
		e.logger.Warn("message rendered empty, delivering title only", "channel", channel, "id", m.ID)
		rendered.Text = m.Title
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.DeliverTimeout)
	defer cancel()

	if err := e.cfg.Sink.SendText(sendCtx, rendered.Text); err != nil {
		return err
	}

	// Attachments are best-effort once the text is out: a failed download or
	// upload degrades to a URL line rather than forcing a text re-delivery.
	for _, att := range rendered.Attachments {
		if err := e.sendAttachment(sendCtx, att); err != nil {
			e.logger.Warn("attachment degraded to link", "name", att.Name, "err", err)
			line := fmt.Sprintf("📎 %s\n%s", att.Name, att.URL)
			if err := e.cfg.Sink.SendText(sendCtx, line); err != nil {
				e.logger.Error("attachment link send failed", "name", att.Name, "err", err)
			}
		}
	}

	e.journal(sendCtx, cycleID, channel, m, rendered)
	return nil
}

func (e *Engine) sendAttachment(ctx context.Context, att domain.Attachment) error {
	if att.URL == "" {
		return errors.New("attachment has no url")
	}
	if att.Size > e.cfg.MaxAttach {
		return fmt.Errorf("attachment %d bytes exceeds cap %d", att.Size, e.cfg.MaxAttach)
	}
	data, err := e.cfg.Source.Download(ctx, att.URL, e.cfg.MaxAttach)
	if err != nil {
		return err
	}
	return e.cfg.Sink.SendAttachment(ctx, att.Kind, data, att.Name, att.Name)
}

// commit marks the message's dedup keys seen and advances the watermark.
// Called for delivered messages and for final skips alike: both decisions
// are terminal.
func (e *Engine) commit(channel string, m *domain.Message) {
	e.cfg.Dedup.Commit(m)
	e.cfg.State.AdvanceWatermark(channel, m.Unix(), m.ID)
}

// computeIncrement walks pages newest-first, keeps items strictly above the
// watermark, and returns them oldest-first. It stops early on an empty page
// or once a page's oldest item is already at or below the watermark.
func (e *Engine) computeIncrement(ctx context.Context, ch Channel) ([]domain.Message, error) {
	wm := e.cfg.State.Watermark(ch.Name)
	var out []domain.Message

	for page := 1; page <= e.cfg.PageCap; page++ {
		if ctx.Err() != nil {
			break
		}
		items, err := e.cfg.Source.FetchPage(ctx, ch.Name, page, e.cfg.PageSize, ch.Filters)
		if err != nil {
			return nil, fmt.Errorf("fetch page %d: %w", page, err)
		}
		metrics.FetchesTotal.Inc()
		if len(items) == 0 {
			break
		}

		crossed := false
		for i := range items {
			if items[i].After(wm.Ts, wm.ID) {
				out = append(out, items[i])
			} else {
				crossed = true
			}
		}
		if crossed || len(items) < e.cfg.PageSize {
			break
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := &out[i], &out[j]
		if a.Unix() != b.Unix() {
			return a.Unix() < b.Unix()
		}
		return a.ID < b.ID
	})
	return out, nil
}

func (e *Engine) saveState() error {
	if e.cfg.StatePath == "" || !e.cfg.State.Dirty() {
		return nil
	}
	return e.cfg.State.Save(e.cfg.StatePath)
}

func (e *Engine) journal(ctx context.Context, cycleID, channel string, m *domain.Message, r domain.Rendered) {
	if e.cfg.Journal == nil {
		return
	}
	entry := journal.Entry{
		CycleID:     cycleID,
		Channel:     channel,
		MessageID:   m.ID,
		Title:       m.Title,
		Kind:        renderKind(m),
		Parts:       len(deliver.SplitText(r.Text, 4000)),
		Attachments: len(r.Attachments),
		DeliveredAt: time.Now(),
	}
	if err := e.cfg.Journal.Record(ctx, entry); err != nil {
		e.logger.Warn("journal write failed", "err", err)
	}
}

func renderKind(m *domain.Message) string {
	if m.Domain != "" || m.Type != "" {
		return m.Domain + "/" + m.Type
	}
	return "generic"
}
