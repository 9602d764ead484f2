// Package journal keeps an append-only SQLite record of delivered
// notifications. It powers the status command and is never consulted by the
// dedup engine: delivery decisions come from the sync state alone.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one delivered notification.
type Entry struct {
	ID          int64
	CycleID     string
	Channel     string
	MessageID   int64
	Title       string
	Kind        string // rendering kind: generic or an enrichment category
	Parts       int    // how many transport parts the text was split into
	Attachments int
	DeliveredAt time.Time
}

// Journal is the SQLite-backed delivery log.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
}

func Open(dbPath string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create journal directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open journal database: %w", err)
	}

	// Single connection: SQLite writes are serialized anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	j := &Journal{db: db, logger: logger}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal migration failed: %w", err)
	}
	return j, nil
}

func (j *Journal) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS deliveries (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		cycle_id     TEXT NOT NULL,
		channel      TEXT NOT NULL,
		message_id   INTEGER NOT NULL,
		title        TEXT,
		kind         TEXT,
		parts        INTEGER DEFAULT 1,
		attachments  INTEGER DEFAULT 0,
		delivered_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_deliveries_time ON deliveries(delivered_at);
	CREATE INDEX IF NOT EXISTS idx_deliveries_channel ON deliveries(channel, message_id);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Record appends one delivery. Journal failures are the caller's to log;
// they never block the engine's commit.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO deliveries (cycle_id, channel, message_id, title, kind, parts, attachments, delivered_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.CycleID, e.Channel, e.MessageID, e.Title, e.Kind, e.Parts, e.Attachments, e.DeliveredAt,
	)
	return err
}

// Recent returns the newest deliveries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, cycle_id, channel, message_id, title, kind, parts, attachments, delivered_at
		 FROM deliveries ORDER BY delivered_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.CycleID, &e.Channel, &e.MessageID, &e.Title,
			&e.Kind, &e.Parts, &e.Attachments, &e.DeliveredAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CountSince returns how many deliveries happened after the given time.
func (j *Journal) CountSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := j.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deliveries WHERE delivered_at >= ?`, since).Scan(&n)
	return n, err
}

func (j *Journal) Close() error {
	return j.db.Close()
}
