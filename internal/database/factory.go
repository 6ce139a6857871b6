package database

import (
	"fmt"
	"os"
	"path/filepath"

	"ferry/internal/config"
	"ferry/internal/ferry"
)

// NewDatabaseFromConfig opens the history database described by cfg.
// In-memory databases are migrated immediately since they start empty.
func NewDatabaseFromConfig(cfg config.HistoryConfig, clock ferry.Clock) (*SQLiteDatabase, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite history")
		}
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		return NewSQLiteDatabase(filepath.Join(cfg.DataDir, "ferry.db"), clock)
	case "memory":
		db, err := NewSQLiteDatabase(":memory:", clock)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown history type: %s", cfg.Type)
	}
}
