// Package dedup decides whether a fetched message has already been handled,
// using an exact content key, a coarse sender|title time-bucket key, and a
// hard age cutoff relative to process start.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"notibot/internal/domain"
	"notibot/internal/state"
)

// Verdict classifies a candidate message.
type Verdict int

const (
	Fresh    Verdict = iota // deliver
	DupExact                // exact key already seen
	DupSoft                 // probable re-send: same sender+title in the same time bucket
	Stale                   // older than the hard cutoff: acknowledge, never deliver
)

func (v Verdict) String() string {
	switch v {
	case Fresh:
		return "fresh"
	case DupExact:
		return "dup-exact"
	case DupSoft:
		return "dup-soft"
	case Stale:
		return "stale"
	}
	return "unknown"
}

// Engine evaluates candidates against the shared sync state.
type Engine struct {
	st      *state.SyncState
	horizon time.Duration
	bucket  int64 // soft-dup bucket width in seconds
	seenCap int
	start   time.Time
}

type Config struct {
	State         *state.SyncState
	Horizon       time.Duration // hard cutoff; 0 disables the age check
	BucketSeconds int
	SeenCap       int
	Start         time.Time // defaults to time.Now()
}

func NewEngine(cfg Config) *Engine {
	if cfg.BucketSeconds <= 0 {
		cfg.BucketSeconds = 1800
	}
	if cfg.SeenCap <= 0 {
		cfg.SeenCap = 4096
	}
	if cfg.Start.IsZero() {
		cfg.Start = time.Now()
	}
	return &Engine{
		st:      cfg.State,
		horizon: cfg.Horizon,
		bucket:  int64(cfg.BucketSeconds),
		seenCap: cfg.SeenCap,
		start:   cfg.Start,
	}
}

// ExactKey prefers the stable message id; messages without one fall back to
// a content hash over (title, timestamp, sender id, content).
func (e *Engine) ExactKey(m *domain.Message) string {
	if m.ID != 0 {
		return fmt.Sprintf("exact:%s:%d", m.Channel, m.ID)
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%d|%s", m.Title, m.Unix(), m.SenderID, m.RawContent)))
	return "exact:" + hex.EncodeToString(sum[:16])
}

// SoftKey buckets the message time so near-identical re-sends inside one
// bucket collapse to the same key.
func (e *Engine) SoftKey(m *domain.Message) string {
	return fmt.Sprintf("soft:%s|%s|%d", m.Sender, m.Title, m.Unix()/e.bucket)
}

// Check classifies m. Exact match wins over staleness, staleness over soft
// match; a message with an unparseable time is never judged stale.
func (e *Engine) Check(m *domain.Message) Verdict {
	if e.st.Has(e.ExactKey(m)) {
		return DupExact
	}
	if e.horizon > 0 && !m.Time.IsZero() && m.Time.Before(e.start.Add(-e.horizon)) {
		return Stale
	}
	if e.st.Has(e.SoftKey(m)) {
		return DupSoft
	}
	return Fresh
}

// Commit records both keys with the message timestamp as value and evicts
// the oldest seen entries when the set outgrows its cap.
func (e *Engine) Commit(m *domain.Message) {
	ts := m.Unix()
	e.st.MarkSeen(e.ExactKey(m), ts)
	e.st.MarkSeen(e.SoftKey(m), ts)
	e.st.EvictOldest(e.seenCap)
}
