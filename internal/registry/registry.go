// Package registry tracks the known broadcast target groups.
//
// The registry is the single owner of the persisted group list: every
// mutation goes through it and is written back to storage immediately
// (group churn is rare; one whole-file write per change is fine).
package registry

import (
	"context"
	"sync"

	"relaybot/internal/storage"
	logx "relaybot/pkg/logx"
)

type Group = storage.Group

// ProbeFunc reports whether a group chat is still reachable. Any error
// means unreachable.
type ProbeFunc func(ctx context.Context, id int64) error

type Registry struct {
	log   logx.Logger
	store storage.Store

	mu     sync.Mutex
	groups []Group
	index  map[int64]struct{}
}

func New(store storage.Store, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		log:   log,
		store: store,
		index: map[int64]struct{}{},
	}
}

// Load replaces the in-memory set with the persisted one.
func (r *Registry) Load(ctx context.Context) error {
	groups, err := r.store.LoadGroups(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups = r.groups[:0]
	r.index = make(map[int64]struct{}, len(groups))
	for _, g := range groups {
		// Enforce the at-most-once invariant even against a hand-edited file.
		if _, dup := r.index[g.ID]; dup {
			r.log.Warn("duplicate group in persisted list skipped", logx.Int64("group_id", g.ID))
			continue
		}
		r.groups = append(r.groups, g)
		r.index[g.ID] = struct{}{}
	}
	return nil
}

// Register adds the group if absent and persists on change. It reports
// whether the group was newly added.
func (r *Registry) Register(ctx context.Context, id int64, name string) (bool, error) {
	r.mu.Lock()
	if _, ok := r.index[id]; ok {
		r.mu.Unlock()
		return false, nil
	}
	if name == "" {
		name = "No name"
	}
	r.groups = append(r.groups, Group{ID: id, Name: name})
	r.index[id] = struct{}{}
	snapshot := append([]Group(nil), r.groups...)
	r.mu.Unlock()

	if err := r.store.SaveGroups(ctx, snapshot); err != nil {
		return true, err
	}
	r.log.Info("group registered", logx.Int64("group_id", id), logx.String("name", name))
	return true, nil
}

// List returns the groups in registration order.
func (r *Registry) List() []Group {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Group(nil), r.groups...)
}

// IDs returns the group ids in registration order.
func (r *Registry) IDs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int64, len(r.groups))
	for i, g := range r.groups {
		ids[i] = g.ID
	}
	return ids
}

// Export returns the persisted group list in its on-disk form.
func (r *Registry) Export(ctx context.Context) ([]byte, error) {
	return r.store.ExportGroups(ctx)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.groups)
}

// RefreshReachability probes every known group, drops the unreachable
// ones and persists the set if it changed. The dropped groups are
// returned for reporting. Probe failures mean "unreachable", never fatal.
func (r *Registry) RefreshReachability(ctx context.Context, probe ProbeFunc) ([]Group, error) {
	current := r.List()

	var removed []Group
	for _, g := range current {
		if err := probe(ctx, g.ID); err != nil {
			r.log.Warn("group unreachable, dropping", logx.Int64("group_id", g.ID), logx.String("name", g.Name), logx.Err(err))
			removed = append(removed, g)
		}
	}
	if len(removed) == 0 {
		return nil, nil
	}

	// The registry may have changed while probing (registration during an
	// await): remove only the probed-dead ids instead of overwriting with
	// the probe-time snapshot.
	dead := make(map[int64]struct{}, len(removed))
	for _, g := range removed {
		dead[g.ID] = struct{}{}
	}

	r.mu.Lock()
	next := r.groups[:0]
	for _, g := range r.groups {
		if _, gone := dead[g.ID]; gone {
			delete(r.index, g.ID)
			continue
		}
		next = append(next, g)
	}
	r.groups = next
	snapshot := append([]Group(nil), r.groups...)
	r.mu.Unlock()

	if err := r.store.SaveGroups(ctx, snapshot); err != nil {
		return removed, err
	}
	return removed, nil
}
