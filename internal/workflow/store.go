package workflow

import (
	"fmt"
	"io"

	"github.com/deixis/uarch/internal/config"
	"github.com/deixis/uarch/internal/report"
)

// Default report locations, relative to the project root.
const (
	DefaultDiskStore   = ".orchestrator/runs"
	DefaultSQLiteStore = ".orchestrator/runs.db"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// OpenStore opens the report store selected by configuration, wrapped in
// an LRU cache when one is configured. It returns a nil Store when
// reports are disabled. The closer is always non-nil.
func OpenStore(loaded *config.LoadResult) (report.Store, io.Closer, error) {
	cfg := loaded.Config
	var (
		back   report.Store
		closer io.Closer = nopCloser{}
	)
	switch cfg.StoreBackend() {
	case "none":
		return nil, closer, nil
	case "disk":
		back = report.NewDiskStore(loaded.Resolve(orDefault(cfg.Store.Path, DefaultDiskStore)))
	case "sqlite":
		db, err := report.OpenSQLite(loaded.Resolve(orDefault(cfg.Store.Path, DefaultSQLiteStore)))
		if err != nil {
			return nil, closer, err
		}
		back, closer = db, db
	default:
		return nil, closer, fmt.Errorf("unknown store backend %q", cfg.StoreBackend())
	}
	if n := cfg.StoreCache(); n > 0 {
		return report.NewLRUStore(n, back), closer, nil
	}
	return back, closer, nil
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
