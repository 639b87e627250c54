package storage

import (
	"context"
	"errors"
	"strings"

	logx "relaybot/pkg/logx"
)

// Store is the persistence API used by the registry, the ledger and the
// audit trail.
//
// Groups are an ordered sequence; the ledger is a group-id → last sent
// message-id mapping (string keys in the persisted form, matching the
// on-disk JSON format).
type Store interface {
	LoadGroups(ctx context.Context) ([]Group, error)
	SaveGroups(ctx context.Context, groups []Group) error
	// ExportGroups returns the raw persisted form of the group list,
	// suitable for sending to the operator as a document.
	ExportGroups(ctx context.Context) ([]byte, error)

	LoadLedger(ctx context.Context) (map[int64]int, error)
	SaveLedger(ctx context.Context, last map[int64]int) error

	AppendAudit(ctx context.Context, e AuditEntry) error

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
