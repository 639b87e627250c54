package ledger

import (
	"context"
	"sync"
	"testing"

	"relaybot/internal/storage"
	logx "relaybot/pkg/logx"
)

type countingStore struct {
	mu    sync.Mutex
	saves int
	data  map[int64]int
}

func (s *countingStore) LoadGroups(context.Context) ([]storage.Group, error)   { return nil, nil }
func (s *countingStore) SaveGroups(context.Context, []storage.Group) error     { return nil }
func (s *countingStore) ExportGroups(context.Context) ([]byte, error)          { return []byte("[]"), nil }
func (s *countingStore) AppendAudit(context.Context, storage.AuditEntry) error { return nil }
func (s *countingStore) Close() error                                          { return nil }

func (s *countingStore) LoadLedger(context.Context) (map[int64]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]int, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out, nil
}

func (s *countingStore) SaveLedger(_ context.Context, last map[int64]int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	s.data = make(map[int64]int, len(last))
	for k, v := range last {
		s.data[k] = v
	}
	return nil
}

func TestRecordAndGet(t *testing.T) {
	l := New(&countingStore{}, logx.Nop())
	if err := l.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	l.RecordSent(-1, 100)
	l.RecordSent(-1, 200) // upsert

	mid, ok := l.Get(-1)
	if !ok || mid != 200 {
		t.Fatalf("expected 200, got (%d, %v)", mid, ok)
	}
	if _, ok := l.Get(-2); ok {
		t.Fatalf("unknown group reported a message id")
	}
}

func TestPersistSkipsWhenClean(t *testing.T) {
	store := &countingStore{}
	l := New(store, logx.Nop())
	ctx := context.Background()
	if err := l.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}

	if err := l.Persist(ctx); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if store.saves != 0 {
		t.Fatalf("clean ledger was written")
	}

	l.RecordSent(-1, 1)
	if err := l.Persist(ctx); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if err := l.Persist(ctx); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if store.saves != 1 {
		t.Fatalf("expected exactly one write, got %d", store.saves)
	}
}

func TestForgetMarksDirtyOnlyWhenPresent(t *testing.T) {
	store := &countingStore{}
	l := New(store, logx.Nop())
	ctx := context.Background()
	if err := l.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}

	l.Forget(-1) // nothing to forget
	if err := l.Persist(ctx); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if store.saves != 0 {
		t.Fatalf("no-op forget caused a write")
	}

	l.RecordSent(-1, 10)
	if err := l.Persist(ctx); err != nil {
		t.Fatalf("persist: %v", err)
	}
	l.Forget(-1)
	if err := l.Persist(ctx); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if store.saves != 2 {
		t.Fatalf("expected 2 writes, got %d", store.saves)
	}
	if len(store.data) != 0 {
		t.Fatalf("forgotten entry persisted: %v", store.data)
	}
}

func TestLoadReplacesState(t *testing.T) {
	store := &countingStore{data: map[int64]int{-5: 55}}
	l := New(store, logx.Nop())
	if err := l.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	mid, ok := l.Get(-5)
	if !ok || mid != 55 {
		t.Fatalf("persisted entry not loaded: (%d, %v)", mid, ok)
	}
}
