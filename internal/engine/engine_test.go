package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"notibot/internal/dedup"
	"notibot/internal/domain"
	"notibot/internal/source"
	"notibot/internal/state"
)

// fakeSource serves canned pages per channel, newest first within a page.
type fakeSource struct {
	pages  map[string][][]domain.Message
	latest map[string]*domain.Message
	blobs  map[string][]byte
}

func (f *fakeSource) FetchPage(_ context.Context, channel string, page, _ int, _ source.Filters) ([]domain.Message, error) {
	chPages := f.pages[channel]
	if page > len(chPages) {
		return nil, nil
	}
	return chPages[page-1], nil
}

func (f *fakeSource) FetchLatest(_ context.Context, channel string) (*domain.Message, error) {
	return f.latest[channel], nil
}

func (f *fakeSource) Download(_ context.Context, url string, _ int64) ([]byte, error) {
	if data, ok := f.blobs[url]; ok {
		return data, nil
	}
	return nil, errors.New("no such blob")
}

// fakeSink records texts and can be told to fail the next N sends.
type fakeSink struct {
	texts    []string
	attached []string
	failNext int
}

func (s *fakeSink) Name() string { return "fake" }

func (s *fakeSink) SendText(_ context.Context, text string) error {
	if s.failNext > 0 {
		s.failNext--
		return errors.New("sink unavailable")
	}
	s.texts = append(s.texts, text)
	return nil
}

func (s *fakeSink) SendAttachment(_ context.Context, _ domain.AttachmentKind, _ []byte, filename, _ string) error {
	s.attached = append(s.attached, filename)
	return nil
}

// titleRenderer renders just "title#id" so ordering is easy to assert.
type titleRenderer struct{}

func (titleRenderer) Resolve(_ context.Context, m *domain.Message) domain.Rendered {
	return domain.Rendered{Text: fmt.Sprintf("%s#%d", m.Title, m.ID)}
}

func msg(channel string, id int64, ts time.Time, title string) domain.Message {
	return domain.Message{
		ID:      id,
		Channel: channel,
		Title:   title,
		Sender:  "A",
		Time:    ts,
	}
}

type harness struct {
	src  *fakeSource
	sink *fakeSink
	st   *state.SyncState
	eng  *Engine
}

func newHarness(t *testing.T, src *fakeSource, horizon time.Duration, fastForward bool) *harness {
	t.Helper()
	st := state.New()
	ded := dedup.NewEngine(dedup.Config{
		State:         st,
		Horizon:       horizon,
		BucketSeconds: 1800,
		SeenCap:       1000,
	})
	sink := &fakeSink{}
	eng, err := New(Config{
		Source:      src,
		Sink:        sink,
		Renderer:    titleRenderer{},
		State:       st,
		Dedup:       ded,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Channels:    []Channel{{Name: "system"}},
		StatePath:   filepath.Join(t.TempDir(), "state.json"),
		PageCap:     3,
		PageSize:    20,
		FastForward: fastForward,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return &harness{src: src, sink: sink, st: st, eng: eng}
}

func TestFastForward_NoBacklogReplay(t *testing.T) {
	now := time.Now()
	backlog := []domain.Message{
		msg("system", 5, now, "newest"),
		msg("system", 4, now.Add(-time.Minute), "older"),
		msg("system", 3, now.Add(-2*time.Minute), "oldest"),
	}
	src := &fakeSource{
		pages:  map[string][][]domain.Message{"system": {backlog}},
		latest: map[string]*domain.Message{"system": &backlog[0]},
	}
	h := newHarness(t, src, time.Hour, true)

	if err := h.eng.Once(context.Background()); err != nil {
		t.Fatalf("once: %v", err)
	}
	if len(h.sink.texts) != 0 {
		t.Fatalf("fast-forward run must not deliver the backlog, sent %v", h.sink.texts)
	}
	wm := h.st.Watermark("system")
	if wm.ID != 5 || wm.Ts != backlog[0].Unix() {
		t.Fatalf("watermark not fast-forwarded: %+v", wm)
	}
}

func TestOrdering_OldestDeliveredFirst(t *testing.T) {
	now := time.Now()
	page := []domain.Message{ // newest first, as the API returns it
		msg("system", 3, now, "c"),
		msg("system", 2, now.Add(-time.Minute), "b"),
		msg("system", 1, now.Add(-2*time.Minute), "a"),
	}
	src := &fakeSource{pages: map[string][][]domain.Message{"system": {page}}}
	h := newHarness(t, src, time.Hour, false)

	if err := h.eng.Once(context.Background()); err != nil {
		t.Fatalf("once: %v", err)
	}
	want := []string{"a#1", "b#2", "c#3"}
	if len(h.sink.texts) != 3 {
		t.Fatalf("expected 3 deliveries, got %v", h.sink.texts)
	}
	for i, w := range want {
		if h.sink.texts[i] != w {
			t.Fatalf("delivery order wrong: got %v want %v", h.sink.texts, want)
		}
	}
	wm := h.st.Watermark("system")
	if wm.ID != 3 {
		t.Fatalf("watermark should sit at the newest delivered message, got %+v", wm)
	}
}

func TestNoDuplicateDelivery_AfterCommit(t *testing.T) {
	now := time.Now()
	page := []domain.Message{msg("system", 1, now, "a")}
	src := &fakeSource{pages: map[string][][]domain.Message{"system": {page}}}
	h := newHarness(t, src, time.Hour, false)

	if err := h.eng.Once(context.Background()); err != nil {
		t.Fatalf("first once: %v", err)
	}
	if len(h.sink.texts) != 1 {
		t.Fatalf("expected 1 delivery, got %v", h.sink.texts)
	}

	// Force a refetch of the same message by resetting the watermark; the
	// dedup engine must still suppress it.
	h.st.Watermarks["system"] = state.Watermark{}
	if err := h.eng.Once(context.Background()); err != nil {
		t.Fatalf("second once: %v", err)
	}
	if len(h.sink.texts) != 1 {
		t.Fatalf("committed message re-delivered: %v", h.sink.texts)
	}
	// The suppressed skip is final: the watermark advanced past it again.
	if wm := h.st.Watermark("system"); wm.ID != 1 {
		t.Fatalf("suppressed skip should advance the watermark, got %+v", wm)
	}
}

func TestAtLeastOnce_FailedDeliveryRetriedNextCycle(t *testing.T) {
	now := time.Now()
	page := []domain.Message{msg("system", 1, now, "a")}
	src := &fakeSource{pages: map[string][][]domain.Message{"system": {page}}}
	h := newHarness(t, src, time.Hour, false)
	h.sink.failNext = 1

	// First cycle: the sink is down; nothing may be committed.
	if err := h.eng.Once(context.Background()); err != nil {
		t.Fatalf("once: %v", err)
	}
	if len(h.sink.texts) != 0 {
		t.Fatalf("failed delivery should not produce output, got %v", h.sink.texts)
	}
	if wm := h.st.Watermark("system"); wm.ID != 0 {
		t.Fatalf("watermark must not advance past an undelivered message, got %+v", wm)
	}

	// Second cycle: sink recovered, the same message goes out.
	if err := h.eng.Once(context.Background()); err != nil {
		t.Fatalf("retry once: %v", err)
	}
	if len(h.sink.texts) != 1 || h.sink.texts[0] != "a#1" {
		t.Fatalf("expected the retried delivery, got %v", h.sink.texts)
	}
	if wm := h.st.Watermark("system"); wm.ID != 1 {
		t.Fatalf("watermark should advance after the retry, got %+v", wm)
	}
}

func TestFailureMidChannel_StopsBeforeWatermarkJumps(t *testing.T) {
	now := time.Now()
	page := []domain.Message{
		msg("system", 2, now, "b"),
		msg("system", 1, now.Add(-time.Minute), "a"),
	}
	src := &fakeSource{pages: map[string][][]domain.Message{"system": {page}}}
	h := newHarness(t, src, time.Hour, false)
	failing := &failSecondSink{}
	h.eng.cfg.Sink = failing

	if err := h.eng.Once(context.Background()); err != nil {
		t.Fatalf("once: %v", err)
	}
	if len(failing.texts) != 1 || failing.texts[0] != "a#1" {
		t.Fatalf("expected only the first message out, got %v", failing.texts)
	}
	if wm := h.st.Watermark("system"); wm.ID != 1 {
		t.Fatalf("watermark must stop at the delivered message, got %+v", wm)
	}
}

type failSecondSink struct {
	texts []string
	calls int
}

func (s *failSecondSink) Name() string { return "fail-second" }

func (s *failSecondSink) SendText(_ context.Context, text string) error {
	s.calls++
	if s.calls == 2 {
		return errors.New("sink unavailable")
	}
	s.texts = append(s.texts, text)
	return nil
}

func (s *failSecondSink) SendAttachment(context.Context, domain.AttachmentKind, []byte, string, string) error {
	return nil
}

func TestHardCutoff_StaleAcknowledgedNotDelivered(t *testing.T) {
	now := time.Now()
	stale := msg("system", 1, now.Add(-120*time.Minute), "old")
	fresh := msg("system", 2, now, "new")
	page := []domain.Message{fresh, stale}
	src := &fakeSource{pages: map[string][][]domain.Message{"system": {page}}}
	h := newHarness(t, src, 60*time.Minute, false)

	if err := h.eng.Once(context.Background()); err != nil {
		t.Fatalf("once: %v", err)
	}
	if len(h.sink.texts) != 1 || h.sink.texts[0] != "new#2" {
		t.Fatalf("only the fresh message may be delivered, got %v", h.sink.texts)
	}
	// The stale one still advanced the watermark and is marked seen.
	if wm := h.st.Watermark("system"); wm.ID != 2 {
		t.Fatalf("watermark should cover both messages, got %+v", wm)
	}
	if !h.st.Has(fmt.Sprintf("exact:system:%d", stale.ID)) {
		t.Fatal("stale message must be marked seen")
	}
}

func TestSoftDuplicate_SameBucketSuppressed(t *testing.T) {
	// Horizon 0 disables the age check so fixed timestamps are usable.
	t1 := time.Unix(100, 0)
	t2 := time.Unix(1200, 0) // same 1800s bucket as t1
	t3 := time.Unix(2000, 0) // next bucket

	first := msg("system", 1, t1, "X")
	resend := msg("system", 2, t2, "X")
	later := msg("system", 3, t3, "X")

	src := &fakeSource{pages: map[string][][]domain.Message{
		"system": {{later, resend, first}},
	}}
	h := newHarness(t, src, 0, false)

	if err := h.eng.Once(context.Background()); err != nil {
		t.Fatalf("once: %v", err)
	}
	want := []string{"X#1", "X#3"}
	if len(h.sink.texts) != 2 || h.sink.texts[0] != want[0] || h.sink.texts[1] != want[1] {
		t.Fatalf("soft duplicate not suppressed correctly: got %v want %v", h.sink.texts, want)
	}
}

func TestAttachment_DownloadFailureDegradesToLink(t *testing.T) {
	now := time.Now()
	m := msg("system", 1, now, "with file")
	src := &fakeSource{
		pages: map[string][][]domain.Message{"system": {{m}}},
		blobs: map[string][]byte{"https://files/ok.pdf": {1, 2, 3}},
	}
	h := newHarness(t, src, time.Hour, false)
	h.eng.cfg.Renderer = attachmentRenderer{}

	if err := h.eng.Once(context.Background()); err != nil {
		t.Fatalf("once: %v", err)
	}
	if len(h.sink.attached) != 1 || h.sink.attached[0] != "ok.pdf" {
		t.Fatalf("downloadable attachment should be uploaded, got %v", h.sink.attached)
	}
	// The missing blob degrades to a URL line after the body text.
	if len(h.sink.texts) != 2 {
		t.Fatalf("expected body + link line, got %v", h.sink.texts)
	}
	if want := "https://files/missing.pdf"; !strings.Contains(h.sink.texts[1], want) {
		t.Fatalf("link line should carry the url, got %q", h.sink.texts[1])
	}
}

type attachmentRenderer struct{}

func (attachmentRenderer) Resolve(_ context.Context, m *domain.Message) domain.Rendered {
	return domain.Rendered{
		Text: m.Title,
		Attachments: []domain.Attachment{
			{Kind: domain.AttachmentFile, Name: "ok.pdf", URL: "https://files/ok.pdf"},
			{Kind: domain.AttachmentFile, Name: "missing.pdf", URL: "https://files/missing.pdf"},
		},
	}
}

func TestWatermarkMonotonic_AcrossCycles(t *testing.T) {
	now := time.Now()
	src := &fakeSource{pages: map[string][][]domain.Message{
		"system": {{msg("system", 1, now.Add(-time.Minute), "a")}},
	}}
	h := newHarness(t, src, time.Hour, false)

	var last state.Watermark
	for cycle := 0; cycle < 3; cycle++ {
		if err := h.eng.Once(context.Background()); err != nil {
			t.Fatalf("cycle %d: %v", cycle, err)
		}
		wm := h.st.Watermark("system")
		if wm.Before(last.Ts, last.ID) {
			t.Fatalf("watermark went backwards: %+v after %+v", wm, last)
		}
		last = wm
		// Feed a newer message for the next cycle.
		newer := msg("system", int64(cycle+2), now.Add(time.Duration(cycle)*time.Minute), "x")
		h.src.pages["system"] = [][]domain.Message{{newer}}
	}
}
