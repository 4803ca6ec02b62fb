package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Static serves snapshots held in memory. Tests and the CLI dry-run use it.
type Static struct {
	mu    sync.RWMutex
	snaps map[string]Snapshot
}

func NewStatic(snaps ...Snapshot) *Static {
	s := &Static{snaps: make(map[string]Snapshot)}
	for _, sn := range snaps {
		s.snaps[sn.Account] = sn
	}
	return s
}

// Set replaces the snapshot for sn.Account.
func (s *Static) Set(sn Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[sn.Account] = sn
}

func (s *Static) Snapshot(ctx context.Context, account string) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sn, ok := s.snaps[account]
	if !ok {
		return Snapshot{}, fmt.Errorf("account %q: %w", account, ErrDataUnavailable)
	}
	return sn, nil
}

// FileProvider reads <dir>/<account>.json snapshots written by the ledger
// service.
type FileProvider struct {
	Dir string
}

func (f FileProvider) Snapshot(ctx context.Context, account string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrDataUnavailable, err)
	}
	path := filepath.Join(f.Dir, filepath.Base(account)+".json")
	sn, err := ReadSnapshotFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrDataUnavailable, err)
	}
	if sn.Account == "" {
		sn.Account = account
	}
	return sn, nil
}

// ReadSnapshotFile decodes a JSON snapshot.
func ReadSnapshotFile(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	var sn Snapshot
	if err := json.Unmarshal(data, &sn); err != nil {
		return Snapshot{}, fmt.Errorf("parse snapshot %s: %w", path, err)
	}
	return sn, nil
}
