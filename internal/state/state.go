// Package state owns the on-disk sync state: per-channel watermarks and the
// seen-key set. A single engine goroutine mutates it; persistence is atomic
// (temp file + rename) so a crash never leaves a torn state file.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Watermark is the highest (timestamp, id) pair already processed for a
// channel. Timestamps are unix seconds.
type Watermark struct {
	Ts int64 `json:"ts"`
	ID int64 `json:"id"`
}

// Before reports whether w sorts strictly before (ts, id).
func (w Watermark) Before(ts, id int64) bool {
	if w.Ts != ts {
		return w.Ts < ts
	}
	return w.ID < id
}

// SyncState is the whole persisted state of the engine. It is owned by the
// orchestrator and passed into each phase; it is never a package global.
type SyncState struct {
	Watermarks map[string]Watermark `json:"watermarks"`
	Seen       map[string]int64     `json:"seen"`

	dirty bool
}

// New returns an empty state (first run).
func New() *SyncState {
	return &SyncState{
		Watermarks: make(map[string]Watermark),
		Seen:       make(map[string]int64),
	}
}

// Load reads the state file. A missing file is not an error: it yields an
// empty state, which the engine treats as a first run.
func Load(path string) (*SyncState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, fmt.Errorf("read state file %s: %w", path, err)
	}

	s := New()
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse state file %s: %w", path, err)
	}
	if s.Watermarks == nil {
		s.Watermarks = make(map[string]Watermark)
	}
	if s.Seen == nil {
		s.Seen = make(map[string]int64)
	}
	return s, nil
}

// Save writes the state atomically: marshal to a temp file in the same
// directory, then rename over the target. Clears the dirty flag on success.
func (s *SyncState) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace state file: %w", err)
	}

	s.dirty = false
	return nil
}

// Dirty reports whether the state has unsaved mutations.
func (s *SyncState) Dirty() bool { return s.dirty }

// Watermark returns the channel's watermark (zero value when unset).
func (s *SyncState) Watermark(channel string) Watermark {
	return s.Watermarks[channel]
}

// AdvanceWatermark moves the channel watermark forward to (ts, id). It is a
// no-op unless the new pair is strictly greater, so the watermark is
// monotonically non-decreasing by construction.
func (s *SyncState) AdvanceWatermark(channel string, ts, id int64) bool {
	cur := s.Watermarks[channel]
	if !cur.Before(ts, id) {
		return false
	}
	s.Watermarks[channel] = Watermark{Ts: ts, ID: id}
	s.dirty = true
	return true
}

// MarkSeen records a dedup key with the message timestamp as its value.
func (s *SyncState) MarkSeen(key string, ts int64) {
	s.Seen[key] = ts
	s.dirty = true
}

// Has reports whether the dedup key was recorded.
func (s *SyncState) Has(key string) bool {
	_, ok := s.Seen[key]
	return ok
}

// EvictOldest bulk-removes the oldest seen entries (by stored timestamp)
// once the set exceeds cap, dropping it to three quarters of cap in one
// pass. Returns the number of evicted entries.
func (s *SyncState) EvictOldest(cap int) int {
	if cap <= 0 || len(s.Seen) <= cap {
		return 0
	}

	type kv struct {
		key string
		ts  int64
	}
	entries := make([]kv, 0, len(s.Seen))
	for k, ts := range s.Seen {
		entries = append(entries, kv{k, ts})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ts < entries[j].ts })

	target := cap - cap/4
	evict := len(entries) - target
	for _, e := range entries[:evict] {
		delete(s.Seen, e.key)
	}
	s.dirty = true
	return evict
}
