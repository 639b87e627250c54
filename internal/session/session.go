// Package session holds the per-operator pending-broadcast state: the
// captured source payload and the evolving target selection, driven by
// checklist button presses.
//
// Sessions are keyed by the initiating user id only. Album flows get a
// correlation back-reference (media-group id → user id) so the aggregator
// can find the session without a second keying scheme.
package session

import (
	"errors"
	"sync"
	"time"

	"relaybot/internal/broadcast"
)

var ErrNoSession = errors.New("no pending session")

type Session struct {
	UserID        int64
	Payload       broadcast.Payload
	Selected      map[int64]struct{}
	CorrelationID string
	CreatedAt     time.Time
}

type Store struct {
	mu     sync.Mutex
	ttl    time.Duration
	byUser map[int64]*Session
	byCorr map[string]int64

	now func() time.Time
}

func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Store{
		ttl:    ttl,
		byUser: map[int64]*Session{},
		byCorr: map[string]int64{},
		now:    time.Now,
	}
}

// Create starts a fresh session with an empty selection, replacing any
// existing session under the same key (last writer wins).
func (s *Store) Create(userID int64, payload broadcast.Payload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old := s.byUser[userID]; old != nil && old.CorrelationID != "" {
		delete(s.byCorr, old.CorrelationID)
	}
	s.byUser[userID] = &Session{
		UserID:    userID,
		Payload:   payload,
		Selected:  map[int64]struct{}{},
		CreatedAt: s.now(),
	}
}

// AttachCorrelation links an album correlation id to the user's session.
func (s *Store) AttachCorrelation(userID int64, correlationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.byUser[userID]
	if sess == nil {
		return ErrNoSession
	}
	if sess.CorrelationID != "" {
		delete(s.byCorr, sess.CorrelationID)
	}
	sess.CorrelationID = correlationID
	s.byCorr[correlationID] = userID
	return nil
}

// ResolveCorrelation returns the user whose session owns the correlation id.
func (s *Store) ResolveCorrelation(correlationID string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	userID, ok := s.byCorr[correlationID]
	return userID, ok
}

// Toggle flips membership of groupID in the selection and returns the
// updated selection for keyboard re-rendering.
func (s *Store) Toggle(userID int64, groupID int64) (map[int64]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.byUser[userID]
	if sess == nil {
		return nil, ErrNoSession
	}
	if _, ok := sess.Selected[groupID]; ok {
		delete(sess.Selected, groupID)
	} else {
		sess.Selected[groupID] = struct{}{}
	}
	return copySet(sess.Selected), nil
}

// SelectAll replaces the selection with the full given set.
func (s *Store) SelectAll(userID int64, all []int64) (map[int64]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.byUser[userID]
	if sess == nil {
		return nil, ErrNoSession
	}
	sess.Selected = make(map[int64]struct{}, len(all))
	for _, id := range all {
		sess.Selected[id] = struct{}{}
	}
	return copySet(sess.Selected), nil
}

// Peek returns the pending payload without consuming the session.
func (s *Store) Peek(userID int64) (broadcast.Payload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.byUser[userID]
	if sess == nil {
		return broadcast.Payload{}, ErrNoSession
	}
	return sess.Payload, nil
}

// Selected returns the current selection without mutating the session.
func (s *Store) Selected(userID int64) (map[int64]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.byUser[userID]
	if sess == nil {
		return nil, ErrNoSession
	}
	return copySet(sess.Selected), nil
}

// ConfirmAndClear reads the final state and deletes the session (single use).
func (s *Store) ConfirmAndClear(userID int64) (broadcast.Payload, []int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.byUser[userID]
	if sess == nil {
		return broadcast.Payload{}, nil, ErrNoSession
	}
	delete(s.byUser, userID)
	if sess.CorrelationID != "" {
		delete(s.byCorr, sess.CorrelationID)
	}
	ids := make([]int64, 0, len(sess.Selected))
	for id := range sess.Selected {
		ids = append(ids, id)
	}
	return sess.Payload, ids, nil
}

// Drop removes the session without reading it (album flush path).
func (s *Store) Drop(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.byUser[userID]
	if sess == nil {
		return
	}
	delete(s.byUser, userID)
	if sess.CorrelationID != "" {
		delete(s.byCorr, sess.CorrelationID)
	}
}

// Sweep drops sessions older than the TTL and returns how many were
// removed. Abandoned compositions must not linger forever.
func (s *Store) Sweep() int {
	cutoff := s.now().Add(-s.ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for userID, sess := range s.byUser {
		if sess.CreatedAt.Before(cutoff) {
			delete(s.byUser, userID)
			if sess.CorrelationID != "" {
				delete(s.byCorr, sess.CorrelationID)
			}
			removed++
		}
	}
	return removed
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byUser)
}

func copySet(in map[int64]struct{}) map[int64]struct{} {
	out := make(map[int64]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}
