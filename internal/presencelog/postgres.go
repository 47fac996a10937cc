// Package presencelog writes an audit trail of channel presence joins and
// leaves to Postgres, for deployments that need a durable record of who was
// present on a topic and when.
package presencelog

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Logger appends presence events to a Postgres table.
type Logger struct {
	db *sql.DB
}

// Open connects to the Postgres instance identified by dsn and ensures the
// presence_events table exists.
func Open(dsn string) (*Logger, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	l := &Logger{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return l, nil
}

func (l *Logger) migrate() error {
	_, err := l.db.Exec(`CREATE TABLE IF NOT EXISTS presence_events (
		id BIGSERIAL PRIMARY KEY,
		topic TEXT NOT NULL,
		presence_key TEXT NOT NULL,
		kind TEXT NOT NULL,
		meta_count INTEGER NOT NULL,
		occurred_at TIMESTAMPTZ NOT NULL
	)`)
	return err
}

// Close closes the underlying connection pool.
func (l *Logger) Close() error {
	return l.db.Close()
}

// LogJoin records a presence join for key on topic.
func (l *Logger) LogJoin(topic, key string, metaCount int) error {
	return l.insert(topic, key, "join", metaCount)
}

// LogLeave records a presence leave for key on topic.
func (l *Logger) LogLeave(topic, key string, metaCount int) error {
	return l.insert(topic, key, "leave", metaCount)
}

func (l *Logger) insert(topic, key, kind string, metaCount int) error {
	_, err := l.db.Exec(
		`INSERT INTO presence_events (topic, presence_key, kind, meta_count, occurred_at) VALUES ($1, $2, $3, $4, $5)`,
		topic, key, kind, metaCount, time.Now().UTC(),
	)
	return err
}
