// Package ingest receives metric points and log batches pushed by
// running training workers. Every record is journaled to SQLite before
// the handler acks (durable enqueue), then fanned out to the document
// store at-least-once by per-partition workers that preserve arrival
// order within a runId.
package ingest

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Record kinds in the journal.
const (
	KindMetric = "metric"
	KindLog    = "log"
)

// Entry is one journaled record awaiting fan-out.
type Entry struct {
	ID        int64
	Kind      string
	RunID     string
	Partition int
	Payload   []byte
	CreatedAt time.Time
}

// Journal is the durable queue between the ingestion handlers and the
// storage fan-out.
type Journal struct {
	db *sql.DB
}

// NewJournal opens (or creates) the ingestion journal.
func NewJournal(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open ingest journal: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS journal (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		kind       TEXT NOT NULL,
		run_id     TEXT NOT NULL,
		partition  INTEGER NOT NULL,
		payload    BLOB NOT NULL,
		created_at TEXT NOT NULL,
		dispatched INTEGER NOT NULL DEFAULT 0
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create journal table: %w", err)
	}
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_journal_pending ON journal(dispatched, partition, id)`)

	return &Journal{db: db}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Append durably records one entry and returns its rowid. The insert
// commits before Append returns; this is the ack point for workers.
func (j *Journal) Append(kind, runID string, partition int, payload []byte) (int64, error) {
	res, err := j.db.Exec(
		`INSERT INTO journal (kind, run_id, partition, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		kind, runID, partition, payload, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("journal append: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("journal rowid: %w", err)
	}
	return id, nil
}

// PendingBatch returns up to limit undispatched entries of one
// partition, oldest first.
func (j *Journal) PendingBatch(partition, limit int) ([]Entry, error) {
	rows, err := j.db.Query(
		`SELECT id, kind, run_id, partition, payload, created_at
		 FROM journal WHERE dispatched = 0 AND partition = ?
		 ORDER BY id LIMIT ?`,
		partition, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("journal pending: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Kind, &e.RunID, &e.Partition, &e.Payload, &createdAt); err != nil {
			return nil, fmt.Errorf("journal scan: %w", err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkDispatched flags one entry as fanned out.
func (j *Journal) MarkDispatched(id int64) error {
	if _, err := j.db.Exec(`UPDATE journal SET dispatched = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("journal mark dispatched: %w", err)
	}
	return nil
}

// PendingCount reports how many entries still await fan-out.
func (j *Journal) PendingCount() (int, error) {
	var n int
	if err := j.db.QueryRow(`SELECT COUNT(*) FROM journal WHERE dispatched = 0`).Scan(&n); err != nil {
		return 0, fmt.Errorf("journal count: %w", err)
	}
	return n, nil
}

// Prune deletes dispatched entries older than age.
func (j *Journal) Prune(age time.Duration) error {
	cutoff := time.Now().UTC().Add(-age).Format(time.RFC3339Nano)
	if _, err := j.db.Exec(`DELETE FROM journal WHERE dispatched = 1 AND created_at < ?`, cutoff); err != nil {
		return fmt.Errorf("journal prune: %w", err)
	}
	return nil
}
