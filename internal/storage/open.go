package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "agendacore/pkg/logx"
)

// Store is the persistence API used by the reminder scheduler.
type Store interface {
	// MarkFired records key as fired; the mark is kept until expiry.
	MarkFired(ctx context.Context, key string, until time.Time) error
	// Fired reports whether key carries an unexpired mark.
	Fired(ctx context.Context, key string) (bool, error)
	AppendDispatch(ctx context.Context, e DispatchEntry) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
