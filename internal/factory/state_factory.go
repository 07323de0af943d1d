package factory

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/castellan/mail-sentinel/internal/adapters/state"
	"github.com/castellan/mail-sentinel/internal/config"
	"github.com/castellan/mail-sentinel/internal/core"
)

// StateStores bundles the three persistence ports one backend serves.
type StateStores struct {
	Subscriptions core.SubscriptionStore
	Deltas        core.DeltaStateStore
	Events        core.AlertEventStore
	Closer        func() error
}

// StateFactory creates the durable state backend
type StateFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewStateFactory creates a new state factory
func NewStateFactory(cfg *config.Config, logger *zap.Logger) *StateFactory {
	return &StateFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateStateStores creates the state backend based on the configuration
func (f *StateFactory) CreateStateStores() (*StateStores, error) {
	storeType := f.cfg.GetString("state.type")

	switch storeType {
	case "sqlite":
		sqlitePath := f.cfg.GetString("state.sqlite_path")
		if err := os.MkdirAll(filepath.Dir(sqlitePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create SQLite directory: %w", err)
		}
		store, err := state.NewSQLiteStore(sqlitePath, f.logger)
		if err != nil {
			return nil, err
		}
		return &StateStores{
			Subscriptions: store,
			Deltas:        store,
			Events:        store,
			Closer:        store.Close,
		}, nil
	case "memory":
		f.logger.Warn("Using in-memory state store: cursors and subscriptions will not survive restarts")
		store := state.NewMemoryStore()
		return &StateStores{
			Subscriptions: store,
			Deltas:        store,
			Events:        store,
			Closer:        store.Close,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported state store type: %s", storeType)
	}
}
