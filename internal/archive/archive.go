// Package archive drains bus dead-letter entries into Postgres for offline
// inspection. The archive is never on the delivery path: flushes happen
// explicitly or on a caller-owned schedule.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/bus"
)

const schema = `
CREATE TABLE IF NOT EXISTS dead_letters (
    message_id   TEXT        NOT NULL,
    recipient    TEXT        NOT NULL,
    sender       TEXT        NOT NULL,
    kind         TEXT        NOT NULL,
    priority     TEXT        NOT NULL,
    payload      JSONB,
    error        TEXT        NOT NULL,
    retries      INT         NOT NULL DEFAULT 0,
    failed_at    TIMESTAMPTZ NOT NULL,
    archived_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (message_id, failed_at)
)`

const insertStmt = `
INSERT INTO dead_letters (message_id, recipient, sender, kind, priority, payload, error, retries, failed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

// uniqueViolation is the Postgres error code for duplicate keys; replayed
// flushes tolerate it.
const uniqueViolation = "23505"

// Archive writes dead letters into the dead_letters table.
type Archive struct {
	db *sqlx.DB
}

// Open connects to Postgres and verifies the connection.
func Open(dsn string) (*Archive, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to archive database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Archive{db: db}, nil
}

// NewWithDB wraps an existing connection, mainly for tests.
func NewWithDB(db *sqlx.DB) *Archive {
	return &Archive{db: db}
}

// EnsureSchema creates the dead_letters table when missing.
func (a *Archive) EnsureSchema(ctx context.Context) error {
	if _, err := a.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create dead_letters table: %w", err)
	}
	return nil
}

// Flush inserts the entries in one transaction and reports how many rows
// landed. Duplicate rows from a replayed flush are skipped, not errors.
func (a *Archive) Flush(ctx context.Context, entries []bus.DeadLetter) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin archive transaction: %w", err)
	}
	defer tx.Rollback()

	inserted := 0
	for _, entry := range entries {
		payload, err := json.Marshal(entry.Message.Payload)
		if err != nil {
			payload = nil
		}
		_, err = tx.ExecContext(ctx, insertStmt,
			entry.Message.ID,
			entry.Message.Recipient,
			entry.Message.Sender,
			string(entry.Message.Kind),
			string(entry.Message.Priority),
			payload,
			entry.Error,
			entry.Retries,
			entry.Timestamp,
		)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
				continue
			}
			return 0, fmt.Errorf("failed to archive dead letter %s: %w", entry.Message.ID, err)
		}
		inserted++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit archive transaction: %w", err)
	}

	log.Info().Int("inserted", inserted).Int("total", len(entries)).Msg("dead letters archived")
	return inserted, nil
}

// DrainFrom empties the dead-letter queue into the archive. Entries that
// fail to flush are put back conceptually by returning the error before the
// queue was drained; callers should retry the whole drain.
func (a *Archive) DrainFrom(ctx context.Context, dlq *bus.DeadLetterQueue) (int, error) {
	entries := dlq.Entries()
	n, err := a.Flush(ctx, entries)
	if err != nil {
		return 0, err
	}
	dlq.Drain()
	return n, nil
}

// Close releases the database connection.
func (a *Archive) Close() error {
	return a.db.Close()
}
