package dedup

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// SQLiteStore is a SQLite implementation of the DedupStore port.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStore creates a new SQLite dedup store
func NewSQLiteStore(dbPath string, logger *zap.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS processed_messages (
			resource_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			first_seen_at TIMESTAMP NOT NULL,
			outcome TEXT NOT NULL,
			PRIMARY KEY (resource_id, message_id)
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	_, err = db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_first_seen_at ON processed_messages(first_seen_at)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create index: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

// Admit inserts the marker; the INSERT OR IGNORE makes the
// check-and-create a single atomic statement under concurrent callers.
func (s *SQLiteStore) Admit(ctx context.Context, resourceID, messageID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO processed_messages (resource_id, message_id, first_seen_at, outcome)
		VALUES (?, ?, ?, ?)
	`, resourceID, messageID, time.Now().UTC().Format(time.RFC3339Nano), "admitted")
	if err != nil {
		return false, fmt.Errorf("failed to insert dedup marker: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return affected == 1, nil
}

// SetOutcome updates the marker's outcome summary.
func (s *SQLiteStore) SetOutcome(ctx context.Context, resourceID, messageID, outcome string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE processed_messages SET outcome = ?
		WHERE resource_id = ? AND message_id = ?
	`, outcome, resourceID, messageID)
	if err != nil {
		return fmt.Errorf("failed to update dedup outcome: %w", err)
	}
	return nil
}

// Remove deletes a marker so the message can be admitted again.
func (s *SQLiteStore) Remove(ctx context.Context, resourceID, messageID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM processed_messages
		WHERE resource_id = ? AND message_id = ?
	`, resourceID, messageID)
	if err != nil {
		return fmt.Errorf("failed to remove dedup marker: %w", err)
	}
	return nil
}

// Purge removes markers first seen before the cutoff.
func (s *SQLiteStore) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM processed_messages WHERE first_seen_at < ?
	`, olderThan.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to purge dedup markers: %w", err)
	}
	purged, err := res.RowsAffected()
	if err != nil {
		s.logger.Warn("Failed to get rows affected during purge", zap.Error(err))
		return 0, nil
	}
	if purged > 0 {
		s.logger.Debug("Purged dedup markers", zap.Int64("purged", purged))
	}
	return purged, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
