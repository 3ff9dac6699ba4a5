package store

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/SPRIME01/homelab-infra/internal/config"
)

// Open creates the store backend selected by configuration.
func Open(cfg *config.Config, logger *slog.Logger) (Store, error) {
	switch cfg.Store.Backend {
	case "", "file":
		return NewFileStore(cfg.General.WorkspaceDir, logger)
	case "sqlite":
		path := cfg.Store.SQLitePath
		if path == "" {
			path = filepath.Join(cfg.General.WorkspaceDir, "responder.db")
		}
		return NewSQLiteStore(path, logger)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
