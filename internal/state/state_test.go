package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad_MissingFileIsFirstRun(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if len(s.Watermarks) != 0 || len(s.Seen) != 0 {
		t.Fatal("expected empty state")
	}
}

func TestLoad_CorruptFileErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	os.WriteFile(path, []byte("{{{"), 0o644)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for corrupt state file")
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	s := New()
	s.AdvanceWatermark("system", 1700000000, 42)
	s.MarkSeen("exact:system:42", 1700000000)
	s.MarkSeen("soft:A|X|944444", 1700000000)

	if err := s.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	wm := loaded.Watermark("system")
	if wm.Ts != 1700000000 || wm.ID != 42 {
		t.Fatalf("watermark mismatch: %+v", wm)
	}
	if !loaded.Has("exact:system:42") || !loaded.Has("soft:A|X|944444") {
		t.Fatal("seen keys lost in round trip")
	}
}

func TestSave_WireFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	s := New()
	s.AdvanceWatermark("notice", 100, 7)
	s.MarkSeen("exact:notice:7", 100)
	if err := s.Save(path); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("state file is not valid JSON: %v", err)
	}
	if _, ok := raw["watermarks"]; !ok {
		t.Fatal(`state file missing "watermarks" key`)
	}
	if _, ok := raw["seen"]; !ok {
		t.Fatal(`state file missing "seen" key`)
	}
	if !strings.Contains(string(data), `"ts"`) || !strings.Contains(string(data), `"id"`) {
		t.Fatalf("watermark entries should use ts/id keys: %s", data)
	}
}

func TestSave_LeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	s := New()
	s.MarkSeen("k", 1)
	if err := s.Save(path); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "state.json" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("expected only state.json, found %v", names)
	}
}

func TestAdvanceWatermark_Monotonic(t *testing.T) {
	s := New()

	if !s.AdvanceWatermark("system", 100, 5) {
		t.Fatal("first advance should succeed")
	}
	// Lower ts: refused.
	if s.AdvanceWatermark("system", 99, 50) {
		t.Fatal("watermark must not retreat on lower ts")
	}
	// Same ts, lower id: refused.
	if s.AdvanceWatermark("system", 100, 4) {
		t.Fatal("watermark must not retreat on lower id")
	}
	// Same pair: refused (strictly greater required).
	if s.AdvanceWatermark("system", 100, 5) {
		t.Fatal("equal pair should not advance")
	}
	// Same ts, higher id: advances.
	if !s.AdvanceWatermark("system", 100, 6) {
		t.Fatal("higher id at same ts should advance")
	}

	wm := s.Watermark("system")
	if wm.Ts != 100 || wm.ID != 6 {
		t.Fatalf("unexpected watermark: %+v", wm)
	}
}

func TestWatermarks_PerChannelIndependent(t *testing.T) {
	s := New()
	s.AdvanceWatermark("system", 100, 1)
	s.AdvanceWatermark("notice", 50, 9)

	if s.Watermark("system").Ts != 100 || s.Watermark("notice").Ts != 50 {
		t.Fatal("channels must not share watermarks")
	}
}

func TestEvictOldest_DropsOldestEntries(t *testing.T) {
	s := New()
	for i := 0; i < 100; i++ {
		s.MarkSeen(fmt.Sprintf("k%03d", i), int64(i))
	}

	evicted := s.EvictOldest(80)
	if evicted == 0 {
		t.Fatal("expected eviction above cap")
	}
	// Drops to 3/4 of cap.
	if len(s.Seen) != 60 {
		t.Fatalf("expected 60 entries after eviction, got %d", len(s.Seen))
	}
	// The oldest entries are gone, the newest survive.
	if s.Has("k000") || s.Has("k039") {
		t.Fatal("oldest entries should be evicted")
	}
	if !s.Has("k040") || !s.Has("k099") {
		t.Fatal("newest entries should survive eviction")
	}
}

func TestEvictOldest_NoopUnderCap(t *testing.T) {
	s := New()
	s.MarkSeen("a", 1)
	s.MarkSeen("b", 2)
	if n := s.EvictOldest(10); n != 0 {
		t.Fatalf("expected no eviction, got %d", n)
	}
	if len(s.Seen) != 2 {
		t.Fatal("entries should be untouched")
	}
}

func TestDirtyFlag(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	s := New()
	if s.Dirty() {
		t.Fatal("fresh state should be clean")
	}
	s.MarkSeen("k", 1)
	if !s.Dirty() {
		t.Fatal("MarkSeen should dirty the state")
	}
	if err := s.Save(path); err != nil {
		t.Fatal(err)
	}
	if s.Dirty() {
		t.Fatal("save should clear the dirty flag")
	}
	s.AdvanceWatermark("system", 1, 1)
	if !s.Dirty() {
		t.Fatal("AdvanceWatermark should dirty the state")
	}
}

// --- Lock ---

func TestLock_AcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.lock")

	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("lock file should exist: %v", err)
	}

	if err := l.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("lock file should be removed after release")
	}
}

func TestLock_SecondAcquireFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.lock")

	l, err := Acquire(path)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Release()

	// Same pid is alive, so a second acquire must refuse.
	if _, err := Acquire(path); err == nil {
		t.Fatal("expected second acquire to fail while lock is held")
	}
}

func TestLock_StaleLockReplaced(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.lock")

	// A pid far beyond any real pid table: the owner is dead.
	os.WriteFile(path, []byte("99999999\n"), 0o644)

	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("stale lock should be replaced: %v", err)
	}
	defer l.Release()

	pid, err := readPid(path)
	if err != nil {
		t.Fatal(err)
	}
	if pid != os.Getpid() {
		t.Fatalf("lock should now hold our pid, got %d", pid)
	}
}

func TestLock_GarbageContentTreatedStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.lock")
	os.WriteFile(path, []byte("not-a-pid"), 0o644)

	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("unreadable lock should be treated as stale: %v", err)
	}
	l.Release()
}
