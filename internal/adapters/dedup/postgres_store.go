package dedup

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// PostgresStore is a PostgreSQL implementation of the DedupStore port.
type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresStore creates a new PostgreSQL dedup store
func NewPostgresStore(dsn string, logger *zap.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS processed_messages (
			resource_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			first_seen_at TIMESTAMPTZ NOT NULL,
			outcome TEXT NOT NULL,
			PRIMARY KEY (resource_id, message_id)
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	_, err = db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_processed_first_seen_at ON processed_messages(first_seen_at)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create index: %w", err)
	}

	return &PostgresStore{db: db, logger: logger}, nil
}

// Admit inserts the marker; ON CONFLICT DO NOTHING keeps the
// check-and-create atomic against the primary key.
func (s *PostgresStore) Admit(ctx context.Context, resourceID, messageID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_messages (resource_id, message_id, first_seen_at, outcome)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (resource_id, message_id) DO NOTHING
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
func (s *PostgresStore) SetOutcome(ctx context.Context, resourceID, messageID, outcome string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE processed_messages SET outcome = $1
		WHERE resource_id = $2 AND message_id = $3
	`, outcome, resourceID, messageID)
	if err != nil {
		return fmt.Errorf("failed to update dedup outcome: %w", err)
	}
	return nil
}

// Remove deletes a marker so the message can be admitted again.
func (s *PostgresStore) Remove(ctx context.Context, resourceID, messageID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM processed_messages
		WHERE resource_id = $1 AND message_id = $2
	`, resourceID, messageID)
	if err != nil {
		return fmt.Errorf("failed to remove dedup marker: %w", err)
	}
	return nil
}

// Purge removes markers first seen before the cutoff.
func (s *PostgresStore) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM processed_messages WHERE first_seen_at < $1
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
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
