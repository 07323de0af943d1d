package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/castellan/mail-sentinel/internal/core"
)

// SQLiteStore persists subscription records, delta cursors and the
// alert audit log. One store implements all three state ports; they
// share a database file and a schema version.
type SQLiteStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS subscriptions (
	resource_id TEXT PRIMARY KEY,
	subscription_id TEXT NOT NULL,
	client_state TEXT NOT NULL,
	expires_at TIMESTAMP NOT NULL,
	status TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_subscriptions_subscription_id ON subscriptions(subscription_id);
CREATE TABLE IF NOT EXISTS delta_state (
	resource_id TEXT PRIMARY KEY,
	cursor TEXT NOT NULL,
	last_sync_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS alert_events (
	id TEXT PRIMARY KEY,
	resource_id TEXT NOT NULL,
	message_id TEXT NOT NULL,
	score REAL NOT NULL,
	label TEXT NOT NULL,
	remediation TEXT NOT NULL,
	status TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alert_events_message ON alert_events(resource_id, message_id);
`

// NewSQLiteStore opens (and if needed initializes) the state database.
func NewSQLiteStore(dbPath string, logger *zap.Logger) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize state schema: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

// Get returns the subscription record for a resource, or nil when none
// is stored.
func (s *SQLiteStore) Get(ctx context.Context, resourceID string) (*core.SubscriptionRecord, error) {
	var rec core.SubscriptionRecord
	err := s.db.GetContext(ctx, &rec, `
		SELECT resource_id, subscription_id, client_state, expires_at, status, updated_at
		FROM subscriptions WHERE resource_id = ?
	`, resourceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	return &rec, nil
}

// GetBySubscriptionID returns the record matching an upstream
// subscription id, or nil when unknown.
func (s *SQLiteStore) GetBySubscriptionID(ctx context.Context, subscriptionID string) (*core.SubscriptionRecord, error) {
	var rec core.SubscriptionRecord
	err := s.db.GetContext(ctx, &rec, `
		SELECT resource_id, subscription_id, client_state, expires_at, status, updated_at
		FROM subscriptions WHERE subscription_id = ?
	`, subscriptionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription by id: %w", err)
	}
	return &rec, nil
}

// List returns all subscription records.
func (s *SQLiteStore) List(ctx context.Context) ([]core.SubscriptionRecord, error) {
	var recs []core.SubscriptionRecord
	err := s.db.SelectContext(ctx, &recs, `
		SELECT resource_id, subscription_id, client_state, expires_at, status, updated_at
		FROM subscriptions ORDER BY resource_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return recs, nil
}

// Put upserts a subscription record.
func (s *SQLiteStore) Put(ctx context.Context, rec *core.SubscriptionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (resource_id, subscription_id, client_state, expires_at, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(resource_id) DO UPDATE SET
			subscription_id = excluded.subscription_id,
			client_state = excluded.client_state,
			expires_at = excluded.expires_at,
			status = excluded.status,
			updated_at = excluded.updated_at
	`, rec.ResourceID, rec.SubscriptionID, rec.ClientState, rec.ExpiresAt.UTC(), rec.Status, rec.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to store subscription: %w", err)
	}
	return nil
}

// Delete removes the subscription record for a resource.
func (s *SQLiteStore) Delete(ctx context.Context, resourceID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE resource_id = ?`, resourceID)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}

// GetDelta returns the delta state for a resource, or nil when the
// resource has never completed a sync round.
func (s *SQLiteStore) GetDelta(ctx context.Context, resourceID string) (*core.DeltaState, error) {
	var st core.DeltaState
	err := s.db.GetContext(ctx, &st, `
		SELECT resource_id, cursor, last_sync_at FROM delta_state WHERE resource_id = ?
	`, resourceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load delta state: %w", err)
	}
	return &st, nil
}

// PutDelta upserts the delta state for a resource.
func (s *SQLiteStore) PutDelta(ctx context.Context, st *core.DeltaState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delta_state (resource_id, cursor, last_sync_at)
		VALUES (?, ?, ?)
		ON CONFLICT(resource_id) DO UPDATE SET
			cursor = excluded.cursor,
			last_sync_at = excluded.last_sync_at
	`, st.ResourceID, st.Cursor, st.LastSyncAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to store delta state: %w", err)
	}
	return nil
}

// Append writes one alert event to the audit log.
func (s *SQLiteStore) Append(ctx context.Context, event *core.AlertEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal alert event: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alert_events (id, resource_id, message_id, score, label, remediation, status, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, event.ID, event.ResourceID, event.MessageID, event.Score, event.Label,
		event.Remediation, event.Status, string(payload), event.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to append alert event: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
