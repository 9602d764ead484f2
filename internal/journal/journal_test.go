package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTest(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"), nil)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestRecordAndRecent(t *testing.T) {
	j := openTest(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := int64(1); i <= 3; i++ {
		err := j.Record(ctx, Entry{
			CycleID:     "cycle-1",
			Channel:     "system",
			MessageID:   i,
			Title:       "t",
			Kind:        "generic",
			Parts:       1,
			DeliveredAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	entries, err := j.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].MessageID != 3 || entries[1].MessageID != 2 {
		t.Fatalf("expected newest first, got %d then %d", entries[0].MessageID, entries[1].MessageID)
	}
}

func TestCountSince(t *testing.T) {
	j := openTest(t)
	ctx := context.Background()
	now := time.Now()

	j.Record(ctx, Entry{CycleID: "c", Channel: "notice", MessageID: 1, DeliveredAt: now.Add(-2 * time.Hour)})
	j.Record(ctx, Entry{CycleID: "c", Channel: "notice", MessageID: 2, DeliveredAt: now.Add(-10 * time.Minute)})

	n, err := j.CountSince(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 delivery in the last hour, got %d", n)
	}
}
