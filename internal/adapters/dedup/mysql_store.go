package dedup

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
)

// MySQLStore is a MySQL implementation of the DedupStore port, for
// deployments where several sentinel processes share one marker table.
type MySQLStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewMySQLStore creates a new MySQL dedup store
func NewMySQLStore(dsn string, logger *zap.Logger) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS processed_messages (
			resource_id VARCHAR(255) NOT NULL,
			message_id VARCHAR(255) NOT NULL,
			first_seen_at TIMESTAMP NOT NULL,
			outcome VARCHAR(64) NOT NULL,
			PRIMARY KEY (resource_id, message_id),
			INDEX idx_first_seen_at (first_seen_at)
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	return &MySQLStore{db: db, logger: logger}, nil
}

// Admit inserts the marker; INSERT IGNORE keeps the check-and-create
// atomic against the primary key.
func (s *MySQLStore) Admit(ctx context.Context, resourceID, messageID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT IGNORE INTO processed_messages (resource_id, message_id, first_seen_at, outcome)
		VALUES (?, ?, ?, ?)
	`, resourceID, messageID, time.Now().UTC(), "admitted")
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
func (s *MySQLStore) SetOutcome(ctx context.Context, resourceID, messageID, outcome string) error {
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
func (s *MySQLStore) Remove(ctx context.Context, resourceID, messageID string) error {
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
func (s *MySQLStore) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM processed_messages WHERE first_seen_at < ?
	`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge dedup markers: %w", err)
	}
	purged, err := res.RowsAffected()
	if err != nil {
		s.logger.Warn("Failed to get rows affected during purge", zap.Error(err))
		return 0, nil
	}
	return purged, nil
}

// Close closes the database connection.
func (s *MySQLStore) Close() error {
	return s.db.Close()
}
