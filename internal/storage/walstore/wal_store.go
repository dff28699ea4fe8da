// Package walstore persists the ledger, service state and snapshots in gowal write-ahead logs.
package walstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"

	"github.com/vadiminshakov/martibooks/internal/domain"
	"github.com/vadiminshakov/martibooks/internal/ledger"
	"github.com/vadiminshakov/martibooks/internal/storage"
)

const (
	defaultDir        = "./wal/books"
	walDirPermissions = 0o755

	batchKeyPrefix    = "ledger_batch_"
	stateKey          = "service_state"
	snapshotKeyPrefix = "portfolio_snapshot_"
	pruneKey          = "snapshot_prune"

	// the ledger log must never drop segments
	ledgerSegmentLimit = 1000
	ledgerMaxSegments  = 1 << 20
	stateSegmentLimit  = 100
	stateMaxSegments   = 10
	snapSegmentLimit   = 1000
	snapMaxSegments    = 100
)

var _ storage.Store = (*Store)(nil)

// Store keeps three logs under one directory: ledger batches, service state and snapshots.
type Store struct {
	mu        sync.RWMutex
	ledger    *gowal.Wal
	state     *gowal.Wal
	snapshots *gowal.Wal
}

type pruneMarker struct {
	Before time.Time `json:"before"`
}

// Open opens or creates the logs under dir.
func Open(dir string) (*Store, error) {
	if dir == "" {
		dir = defaultDir
	}

	ledgerWAL, err := openWAL(gowal.Config{
		Dir:              filepath.Join(dir, "ledger"),
		Prefix:           "batch_",
		SegmentThreshold: ledgerSegmentLimit,
		MaxSegments:      ledgerMaxSegments,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init ledger WAL")
	}
	stateWAL, err := openWAL(gowal.Config{
		Dir:              filepath.Join(dir, "state"),
		Prefix:           "state_",
		SegmentThreshold: stateSegmentLimit,
		MaxSegments:      stateMaxSegments,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		_ = ledgerWAL.Close()
		return nil, errors.Wrap(err, "init state WAL")
	}
	snapWAL, err := openWAL(gowal.Config{
		Dir:              filepath.Join(dir, "snapshots"),
		Prefix:           "snapshot_",
		SegmentThreshold: snapSegmentLimit,
		MaxSegments:      snapMaxSegments,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		_ = ledgerWAL.Close()
		_ = stateWAL.Close()
		return nil, errors.Wrap(err, "init snapshot WAL")
	}

	return &Store{ledger: ledgerWAL, state: stateWAL, snapshots: snapWAL}, nil
}

func openWAL(cfg gowal.Config) (*gowal.Wal, error) {
	if err := os.MkdirAll(cfg.Dir, walDirPermissions); err != nil {
		return nil, errors.Wrapf(err, "failed to ensure WAL directory %s", cfg.Dir)
	}

	return gowal.NewWAL(cfg)
}

func (s *Store) ready() error {
	if s == nil || s.ledger == nil || s.state == nil || s.snapshots == nil {
		return errors.New("wal store is not initialized")
	}

	return nil
}

// AppendBatch writes the whole batch as a single WAL record.
func (s *Store) AppendBatch(ctx context.Context, batch ledger.Batch) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := storage.JSON.Marshal(batch)
	if err != nil {
		return errors.Wrap(err, "marshal ledger batch")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nextIndex := s.ledger.CurrentIndex() + 1
	key := fmt.Sprintf("%s%d", batchKeyPrefix, nextIndex)

	return errors.Wrap(s.ledger.Write(nextIndex, key, payload), "write ledger batch")
}

// Batches returns every batch in append order.
func (s *Store) Batches(ctx context.Context) ([]ledger.Batch, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var batches []ledger.Batch
	for msg := range s.ledger.Iterator() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !strings.HasPrefix(msg.Key, batchKeyPrefix) {
			continue
		}
		var b ledger.Batch
		if err := storage.JSON.Unmarshal(msg.Value, &b); err != nil {
			return nil, errors.Wrapf(err, "decode ledger batch %s", msg.Key)
		}
		batches = append(batches, b)
	}

	return batches, nil
}

// SaveState appends the state; the latest record wins on load.
func (s *Store) SaveState(ctx context.Context, state storage.StateRecord) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := storage.JSON.Marshal(state)
	if err != nil {
		return errors.Wrap(err, "marshal service state")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return errors.Wrap(s.state.Write(s.state.CurrentIndex()+1, stateKey, payload), "write service state")
}

// LoadState returns the most recent state.
func (s *Store) LoadState(ctx context.Context) (storage.StateRecord, bool, error) {
	if err := s.ready(); err != nil {
		return storage.StateRecord{}, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		state storage.StateRecord
		found bool
	)
	for msg := range s.state.Iterator() {
		if msg.Key != stateKey {
			continue
		}
		var rec storage.StateRecord
		if err := storage.JSON.Unmarshal(msg.Value, &rec); err != nil {
			return storage.StateRecord{}, false, errors.Wrap(err, "decode service state")
		}
		state, found = rec, true
	}

	return state, found, ctx.Err()
}

// Save appends a snapshot.
func (s *Store) Save(ctx context.Context, snapshot domain.PortfolioSnapshot) error {
	if err := s.ready(); err != nil {
		return err
	}
	if snapshot.ID == "" {
		return errors.New("snapshot id is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := storage.JSON.Marshal(snapshot)
	if err != nil {
		return errors.Wrap(err, "marshal snapshot")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := snapshotKeyPrefix + snapshot.ID

	return errors.Wrap(s.snapshots.Write(s.snapshots.CurrentIndex()+1, key, payload), "write snapshot")
}

// List returns the snapshots that survived pruning.
func (s *Store) List(ctx context.Context, filter domain.SnapshotFilter) ([]domain.PortfolioSnapshot, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	visible, err := s.visibleSnapshots(ctx)
	if err != nil {
		return nil, err
	}

	return storage.FilterSnapshots(visible, filter), nil
}

// Prune hides snapshots taken before olderThan by writing a prune marker.
// Old segments are eventually dropped by the WAL itself.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	visible, err := s.visibleSnapshots(ctx)
	if err != nil {
		return 0, err
	}
	pruned := 0
	for _, snap := range visible {
		if snap.Timestamp.Before(olderThan) {
			pruned++
		}
	}
	if pruned == 0 {
		return 0, nil
	}

	payload, err := storage.JSON.Marshal(pruneMarker{Before: olderThan})
	if err != nil {
		return 0, errors.Wrap(err, "marshal prune marker")
	}
	if err := s.snapshots.Write(s.snapshots.CurrentIndex()+1, pruneKey, payload); err != nil {
		return 0, errors.Wrap(err, "write prune marker")
	}

	return pruned, nil
}

// visibleSnapshots must be called with s.mu held.
func (s *Store) visibleSnapshots(ctx context.Context) ([]domain.PortfolioSnapshot, error) {
	var (
		snapshots []domain.PortfolioSnapshot
		cutoff    time.Time
	)
	for msg := range s.snapshots.Iterator() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		switch {
		case msg.Key == pruneKey:
			var marker pruneMarker
			if err := storage.JSON.Unmarshal(msg.Value, &marker); err != nil {
				return nil, errors.Wrap(err, "decode prune marker")
			}
			if marker.Before.After(cutoff) {
				cutoff = marker.Before
			}
		case strings.HasPrefix(msg.Key, snapshotKeyPrefix):
			var snap domain.PortfolioSnapshot
			if err := storage.JSON.Unmarshal(msg.Value, &snap); err != nil {
				return nil, errors.Wrapf(err, "decode snapshot %s", msg.Key)
			}
			snapshots = append(snapshots, snap)
		}
	}

	out := snapshots[:0]
	for _, snap := range snapshots {
		if snap.Timestamp.Before(cutoff) {
			continue
		}
		out = append(out, snap)
	}

	return out, nil
}

// Close closes the underlying logs.
func (s *Store) Close() error {
	if err := s.ready(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []string
	for name, w := range map[string]*gowal.Wal{"ledger": s.ledger, "state": s.state, "snapshots": s.snapshots} {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
		}
	}
	if len(errs) > 0 {
		return errors.Errorf("close wal store: %s", strings.Join(errs, "; "))
	}

	return nil
}
