package broadcast

import (
	"time"

	kit "relaybot/internal/transport"
)

// PayloadKind discriminates what a broadcast carries.
type PayloadKind string

const (
	KindText  PayloadKind = "text"
	KindPhoto PayloadKind = "photo"
	KindVideo PayloadKind = "video"
	KindAlbum PayloadKind = "album"
)

// Payload is a captured source message (or aggregated album) ready to be
// replayed into target groups.
type Payload struct {
	Kind    PayloadKind
	Text    string
	Media   kit.MediaRef
	Caption string
	Items   []kit.AlbumItem
}

// Outcome is the per-target result of one dispatch.
type Outcome struct {
	GroupID   int64
	MessageID int
	Err       error
}

// Action names for the audit trail.
const (
	ActionBroadcast  = "broadcast"
	ActionDeleteLast = "delete_last"
)

// Result summarizes a whole dispatch sweep.
type Result struct {
	JobID    string
	Action   string
	ActorID  int64
	OK       int
	Failed   int
	Took     time.Duration
	Outcomes []Outcome
}
