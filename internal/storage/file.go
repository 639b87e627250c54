package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	logx "relaybot/pkg/logx"
)

// fileStore is the dependency-free persistence backend.
//
// Files under the data directory:
//   - groups.json        (ordered group list, whole-file rewrite)
//   - last_messages.json (group id → last message id, whole-file rewrite)
//   - audit.jsonl        (append-only JSON Lines)
//
// Whole-file rewrites go through a temp file + rename so a crash mid-write
// never leaves a truncated file behind.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	groupsPath string
	ledgerPath string

	auditFile *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := cfg.Path
	if dir == "" {
		dir = "./data"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	af, err := os.OpenFile(filepath.Join(dir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:        log,
		groupsPath: filepath.Join(dir, "groups.json"),
		ledgerPath: filepath.Join(dir, "last_messages.json"),
		auditFile:  af,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile != nil {
		err := s.auditFile.Close()
		s.auditFile = nil
		return err
	}
	return nil
}

func (s *fileStore) LoadGroups(ctx context.Context) ([]Group, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.groupsPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var groups []Group
	if err := json.Unmarshal(b, &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

func (s *fileStore) SaveGroups(ctx context.Context, groups []Group) error {
	_ = ctx
	if groups == nil {
		groups = []Group{}
	}
	b, err := json.MarshalIndent(groups, "", "  ")
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFileAtomic(s.groupsPath, b)
}

func (s *fileStore) ExportGroups(ctx context.Context) ([]byte, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.groupsPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []byte("[]"), nil
		}
		return nil, err
	}
	return b, nil
}

func (s *fileStore) LoadLedger(ctx context.Context) (map[int64]int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.ledgerPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[int64]int{}, nil
		}
		return nil, err
	}
	// Persisted keys are strings (JSON object keys).
	var raw map[string]int
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, err
	}
	out := make(map[int64]int, len(raw))
	for k, v := range raw {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			s.log.Warn("ledger entry with bad key skipped", logx.String("key", k))
			continue
		}
		out[id] = v
	}
	return out, nil
}

func (s *fileStore) SaveLedger(ctx context.Context, last map[int64]int) error {
	_ = ctx
	raw := make(map[string]int, len(last))
	for id, mid := range last {
		raw[strconv.FormatInt(id, 10)] = mid
	}
	b, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFileAtomic(s.ledgerPath, b)
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func writeFileAtomic(path string, b []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
