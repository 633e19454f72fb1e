package queue

import (
	"errors"
	"path/filepath"
	"strings"

	logx "tt2tg/pkg/logx"
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("queue.path is required")
	}
	if strings.TrimSpace(cfg.ArchiveDir) == "" {
		cfg.ArchiveDir = filepath.Join(filepath.Dir(cfg.Path), "archive")
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "file", "json":
		return openFile(cfg, log.With(logx.String("driver", "file")))
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log.With(logx.String("driver", "sqlite")))
	default:
		return nil, errors.New("unknown queue driver: " + driver)
	}
}
