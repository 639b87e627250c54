// Package album collects the pieces of a Telegram media group, which
// arrive as separate updates, back into one batch.
//
// Telegram gives no "album complete" signal. The aggregator uses a
// debounce window instead: every new piece re-arms a timer, and when the
// window passes with no further pieces the batch is flushed.
package album

import (
	"sync"
	"time"

	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

// FlushFunc receives the completed batch. Items are in arrival order.
type FlushFunc func(correlationID string, userID int64, items []kit.AlbumItem)

type batch struct {
	userID int64
	items  []kit.AlbumItem
	timer  *time.Timer
}

type Aggregator struct {
	log    logx.Logger
	window time.Duration
	flush  FlushFunc

	mu      sync.Mutex
	pending map[string]*batch
	closed  bool
}

func New(window time.Duration, flush FlushFunc, log logx.Logger) *Aggregator {
	if window <= 0 {
		window = 2 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Aggregator{
		log:     log,
		window:  window,
		flush:   flush,
		pending: map[string]*batch{},
	}
}

// Add appends an item to the correlation's batch and re-arms the flush
// timer. It reports whether this item opened a new batch.
func (a *Aggregator) Add(correlationID string, userID int64, item kit.AlbumItem) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}

	b, ok := a.pending[correlationID]
	if !ok {
		b = &batch{userID: userID}
		b.timer = time.AfterFunc(a.window, func() { a.fire(correlationID) })
		a.pending[correlationID] = b
		b.items = append(b.items, item)
		return true
	}
	b.items = append(b.items, item)
	b.timer.Reset(a.window)
	return false
}

// fire takes the batch out of the map before invoking the callback, so a
// timer that raced a Reset cannot flush the same batch twice.
func (a *Aggregator) fire(correlationID string) {
	a.mu.Lock()
	b, ok := a.pending[correlationID]
	if ok {
		delete(a.pending, correlationID)
	}
	a.mu.Unlock()
	if !ok {
		return
	}
	a.log.Debug("album flushed",
		logx.String("correlation_id", correlationID),
		logx.Int("items", len(b.items)))
	a.flush(correlationID, b.userID, b.items)
}

// Pending returns the number of open batches.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Close stops all timers and drops open batches without flushing.
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	for id, b := range a.pending {
		b.timer.Stop()
		delete(a.pending, id)
	}
}
