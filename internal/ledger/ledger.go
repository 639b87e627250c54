// Package ledger tracks the last message id delivered to each group so a
// later bulk delete can remove it everywhere.
package ledger

import (
	"context"
	"sync"

	"relaybot/internal/storage"
	logx "relaybot/pkg/logx"
)

// Ledger is an in-memory map with batched persistence: RecordSent only
// marks the ledger dirty, and the caller runs Persist once after a full
// dispatch sweep (one write per broadcast, not per target).
type Ledger struct {
	log   logx.Logger
	store storage.Store

	mu    sync.Mutex
	last  map[int64]int
	dirty bool
	gen   uint64
}

func New(store storage.Store, log logx.Logger) *Ledger {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Ledger{
		log:   log,
		store: store,
		last:  map[int64]int{},
	}
}

// Load replaces the in-memory state with the persisted one.
func (l *Ledger) Load(ctx context.Context) error {
	last, err := l.store.LoadLedger(ctx)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.last = last
	l.dirty = false
	l.mu.Unlock()
	return nil
}

// RecordSent upserts the last delivered message id for the group.
func (l *Ledger) RecordSent(groupID int64, messageID int) {
	l.mu.Lock()
	l.last[groupID] = messageID
	l.dirty = true
	l.gen++
	l.mu.Unlock()
}

func (l *Ledger) Get(groupID int64) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	mid, ok := l.last[groupID]
	return mid, ok
}

// Forget drops the entry for a group. Deletion failures may leave stale
// entries behind; that is acceptable, a future send overwrites them.
func (l *Ledger) Forget(groupID int64) {
	l.mu.Lock()
	if _, ok := l.last[groupID]; ok {
		delete(l.last, groupID)
		l.dirty = true
		l.gen++
	}
	l.mu.Unlock()
}

// Persist writes the ledger if it changed since the last write.
func (l *Ledger) Persist(ctx context.Context) error {
	l.mu.Lock()
	if !l.dirty {
		l.mu.Unlock()
		return nil
	}
	snapshot := make(map[int64]int, len(l.last))
	for k, v := range l.last {
		snapshot[k] = v
	}
	gen := l.gen
	l.mu.Unlock()

	if err := l.store.SaveLedger(ctx, snapshot); err != nil {
		return err
	}
	l.mu.Lock()
	// A mutation that raced the write stays dirty for the next round.
	if l.gen == gen {
		l.dirty = false
	}
	l.mu.Unlock()
	return nil
}
