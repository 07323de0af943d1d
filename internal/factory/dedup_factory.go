package factory

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/castellan/mail-sentinel/internal/adapters/dedup"
	"github.com/castellan/mail-sentinel/internal/config"
	"github.com/castellan/mail-sentinel/internal/core"
)

// DedupFactory creates dedup stores based on configuration
type DedupFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewDedupFactory creates a new dedup factory
func NewDedupFactory(cfg *config.Config, logger *zap.Logger) *DedupFactory {
	return &DedupFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateDedupStore creates a dedup store based on the configuration
func (f *DedupFactory) CreateDedupStore() (core.DedupStore, error) {
	storeType := f.cfg.GetString("dedup.type")

	switch storeType {
	case "memory":
		return dedup.NewMemoryStore(f.logger), nil
	case "sqlite":
		sqlitePath := f.cfg.GetString("dedup.sqlite_path")
		if err := os.MkdirAll(filepath.Dir(sqlitePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create SQLite directory: %w", err)
		}
		return dedup.NewSQLiteStore(sqlitePath, f.logger)
	case "mysql":
		return dedup.NewMySQLStore(f.cfg.GetString("dedup.mysql_dsn"), f.logger)
	case "postgres":
		return dedup.NewPostgresStore(f.cfg.GetString("dedup.postgres_dsn"), f.logger)
	default:
		return nil, fmt.Errorf("unsupported dedup store type: %s", storeType)
	}
}

// GetDedupTTL returns the configured marker retention window
func (f *DedupFactory) GetDedupTTL() (time.Duration, error) {
	return f.cfg.GetDuration("dedup.ttl")
}

// GetCleanupFrequency returns how often expired markers are purged
func (f *DedupFactory) GetCleanupFrequency() (time.Duration, error) {
	return f.cfg.GetDuration("dedup.cleanup_frequency")
}
