package walstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/martibooks/internal/domain"
	"github.com/vadiminshakov/martibooks/internal/ledger"
	"github.com/vadiminshakov/martibooks/internal/reconcile"
	"github.com/vadiminshakov/martibooks/internal/storage"
)

var now = time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)

func openStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(dir)
	require.NoError(t, err)
	return s
}

func sampleBatch(id string, at time.Time) ledger.Batch {
	tr := domain.Trade{
		ID:        id,
		Pair:      domain.NewPair("BTC", "USD"),
		Side:      domain.SideBuy,
		Price:     decimal.RequireFromString("20000.5"),
		Quantity:  decimal.RequireFromString("0.1"),
		FeeAsset:  "USD",
		FeeAmount: decimal.RequireFromString("2"),
		Time:      at,
		Tag:       domain.Bot("dca"),
	}
	return ledger.Batch{
		Trades:    []domain.Trade{tr},
		CashFlows: []domain.CashFlow{{ID: "cf-" + id, Time: at, Asset: "USD", Amount: decimal.NewFromInt(100), Type: domain.CashFlowDeposit}},
		Mark:      ledger.Mark{TradeTime: at, TradeID: id, CashFlowTime: at, CashFlowID: "cf-" + id},
	}
}

func TestStore_BatchesSurviveReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "books")
	ctx := context.Background()

	s := openStore(t, dir)
	require.NoError(t, s.AppendBatch(ctx, sampleBatch("t1", now)))
	require.NoError(t, s.AppendBatch(ctx, sampleBatch("t2", now.Add(time.Hour))))
	require.NoError(t, s.Close())

	s = openStore(t, dir)
	defer s.Close()

	batches, err := s.Batches(ctx)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, "t1", batches[0].Trades[0].ID)
	assert.Equal(t, "t2", batches[1].Mark.TradeID)
	assert.Equal(t, domain.Bot("dca"), batches[0].Trades[0].Tag)
	assert.Equal(t, "20000.5", batches[0].Trades[0].Price.String())
	assert.True(t, batches[1].Mark.TradeTime.Equal(now.Add(time.Hour)))
}

func TestStore_StateLatestWins(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()
	ctx := context.Background()

	_, found, err := s.LoadState(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.SaveState(ctx, storage.StateRecord{
		Mark:  ledger.Mark{TradeID: "t1", TradeTime: now},
		Drift: reconcile.Status{DriftDetected: true, CheckedAt: now},
	}))
	require.NoError(t, s.SaveState(ctx, storage.StateRecord{
		Mark:  ledger.Mark{TradeID: "t2", TradeTime: now.Add(time.Minute)},
		Drift: reconcile.Status{CheckedAt: now.Add(time.Minute), TotalDiscrepancyBase: decimal.NewFromInt(3)},
	}))

	state, found, err := s.LoadState(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "t2", state.Mark.TradeID)
	assert.False(t, state.Drift.DriftDetected)
	assert.Equal(t, "3", state.Drift.TotalDiscrepancyBase.String())
}

func TestStore_SnapshotRetention(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	ctx := context.Background()

	for i, age := range []time.Duration{40, 20, 5} {
		require.NoError(t, s.Save(ctx, domain.PortfolioSnapshot{
			ID:         string(rune('a' + i)),
			Timestamp:  now.Add(-age * 24 * time.Hour),
			EquityBase: decimal.NewFromInt(int64(1000 * (i + 1))),
		}))
	}

	pruned, err := s.Prune(ctx, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	// pruning again is a no-op
	pruned, err = s.Prune(ctx, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, pruned)
	require.NoError(t, s.Close())

	s = openStore(t, dir)
	defer s.Close()
	list, err := s.List(ctx, domain.SnapshotFilter{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].ID)
	assert.Equal(t, "c", list[1].ID)
	assert.Equal(t, "3000", list[1].EquityBase.String())

	latest, err := s.List(ctx, domain.SnapshotFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, "c", latest[0].ID)
}

func TestStore_SaveRequiresID(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()
	assert.Error(t, s.Save(context.Background(), domain.PortfolioSnapshot{Timestamp: now}))
}

func TestStore_NotInitialized(t *testing.T) {
	var s *Store
	assert.Error(t, s.AppendBatch(context.Background(), ledger.Batch{}))
	_, err := s.Batches(context.Background())
	assert.Error(t, err)
}
