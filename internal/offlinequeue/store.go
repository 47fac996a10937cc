// Package offlinequeue is a SQLite-backed outbox for channel pushes made
// while a Socket is disconnected. Socket itself already buffers pending
// sends in memory (see Socket.push); this package exists for callers that
// need that buffer to survive a process restart, such as the phx CLI's
// watch command.
package offlinequeue

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/driftcode/phx/internal/signing"
)

// Item is a single queued push awaiting delivery.
type Item struct {
	ID        int64
	Topic     string
	Event     string
	Payload   []byte
	Checksum  string
	CreatedAt time.Time
	Attempts  int
	LastError string
}

// Store manages the local outbox database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite outbox at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS outbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		topic TEXT NOT NULL,
		event TEXT NOT NULL,
		payload BLOB NOT NULL,
		checksum TEXT NOT NULL,
		created_at TEXT NOT NULL DEFAULT (datetime('now')),
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT
	)`)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Enqueue records a push to be retried later, stamping it with a BLAKE3
// checksum of payload so Pending callers can detect corruption at read time.
func (s *Store) Enqueue(topic, event string, payload []byte) (int64, error) {
	checksum := signing.ChecksumHex(payload)
	result, err := s.db.Exec(
		"INSERT INTO outbox (topic, event, payload, checksum) VALUES (?, ?, ?, ?)",
		topic, event, payload, checksum,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// Pending returns up to limit queued items, oldest first.
func (s *Store) Pending(limit int) ([]Item, error) {
	rows, err := s.db.Query(
		`SELECT id, topic, event, payload, checksum, created_at, attempts, COALESCE(last_error, '')
		 FROM outbox ORDER BY id ASC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		var createdStr string
		if err := rows.Scan(&it.ID, &it.Topic, &it.Event, &it.Payload, &it.Checksum, &createdStr, &it.Attempts, &it.LastError); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		it.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
		if !signing.Verify(it.Payload, it.Checksum) {
			it.LastError = "checksum mismatch"
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// Complete removes a successfully delivered item from the outbox.
func (s *Store) Complete(id int64) error {
	_, err := s.db.Exec("DELETE FROM outbox WHERE id = ?", id)
	return err
}

// MarkFailed increments the attempt counter and records the delivery error.
func (s *Store) MarkFailed(id int64, errMsg string) error {
	_, err := s.db.Exec(
		"UPDATE outbox SET attempts = attempts + 1, last_error = ? WHERE id = ?",
		errMsg, id,
	)
	return err
}

// PendingCount returns the number of items still in the outbox.
func (s *Store) PendingCount() (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM outbox").Scan(&count)
	return count, err
}
