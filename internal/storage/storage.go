// Package storage defines the persistence contracts of the accounting core.
// Implementations live in walstore (gowal) and sqlstore (database/sql).
package storage

import (
	"context"
	"io"
	"sort"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/vadiminshakov/martibooks/internal/domain"
	"github.com/vadiminshakov/martibooks/internal/ledger"
	"github.com/vadiminshakov/martibooks/internal/reconcile"
)

// JSON is the codec used for persisted payloads.
var JSON = jsoniter.ConfigCompatibleWithStandardLibrary

// LedgerLog is the durable, append-only log of ledger batches.
type LedgerLog interface {
	// AppendBatch persists a batch atomically: either every entry is stored or none.
	AppendBatch(ctx context.Context, batch ledger.Batch) error
	// Batches returns every stored batch in append order.
	Batches(ctx context.Context) ([]ledger.Batch, error)
}

// StateRecord is the persisted service state next to the ledger.
type StateRecord struct {
	Mark      ledger.Mark      `json:"mark"`
	Drift     reconcile.Status `json:"drift"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// StateStore keeps the latest StateRecord.
type StateStore interface {
	SaveState(ctx context.Context, state StateRecord) error
	// LoadState returns false when nothing was saved yet.
	LoadState(ctx context.Context) (StateRecord, bool, error)
}

// SnapshotStore keeps portfolio snapshots for the retention window.
type SnapshotStore interface {
	Save(ctx context.Context, snapshot domain.PortfolioSnapshot) error
	// List returns snapshots oldest first.
	List(ctx context.Context, filter domain.SnapshotFilter) ([]domain.PortfolioSnapshot, error)
	// Prune deletes snapshots taken before olderThan and reports how many were removed.
	Prune(ctx context.Context, olderThan time.Time) (int, error)
}

// Store bundles every persistence concern of one backend.
type Store interface {
	LedgerLog
	StateStore
	SnapshotStore
	io.Closer
}

// FilterSnapshots sorts snapshots by timestamp and applies the filter.
// Limit keeps the most recent entries.
func FilterSnapshots(snapshots []domain.PortfolioSnapshot, filter domain.SnapshotFilter) []domain.PortfolioSnapshot {
	out := make([]domain.PortfolioSnapshot, 0, len(snapshots))
	for _, s := range snapshots {
		if !filter.Since.IsZero() && s.Timestamp.Before(filter.Since) {
			continue
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}

	return out
}
