package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free JSON file backend (default)
//   - "sqlite": SQLite database file (build with -tags sqlite)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Group is one registered broadcast target. Groups are persisted as an
// ordered sequence; order is registration order.
type Group struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// AuditEntry records an operator-triggered action (broadcast, bulk
// delete, registry refresh). Keep it compact and schema-stable.
type AuditEntry struct {
	At      time.Time `json:"at"`
	ActorID int64     `json:"actor_id"`
	Action  string    `json:"action"`
	JobID   string    `json:"job_id,omitempty"`
	OK      int       `json:"ok"`
	Fail    int       `json:"fail"`
	TookMS  int64     `json:"took_ms"`
}
