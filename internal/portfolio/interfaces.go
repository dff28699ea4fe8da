package portfolio

import (
	"context"
	"time"

	"github.com/vadiminshakov/martibooks/internal/domain"
	"github.com/vadiminshakov/martibooks/internal/storage"
	"github.com/vadiminshakov/martibooks/internal/valuation"
)

// ExchangeClient is the read-only view of the exchange account.
type ExchangeClient interface {
	GetBalances(ctx context.Context) ([]domain.AssetBalance, error)
	// GetTradeHistory returns fills at or after since.
	GetTradeHistory(ctx context.Context, since time.Time) ([]domain.ExchangeTrade, error)
}

// CashLedger is implemented by exchange clients that report deposits, withdrawals and rewards.
type CashLedger interface {
	// GetCashLedgerEntries returns entries at or after since.
	GetCashLedgerEntries(ctx context.Context, since time.Time) ([]domain.CashFlow, error)
}

// Valuator prices assets in the base currency. *valuation.Valuator implements it.
type Valuator interface {
	Quote(ctx context.Context, assets []string) (*valuation.PriceBook, error)
	Metadata(ctx context.Context, pair domain.Pair) (domain.PairMetadata, bool, error)
}

// Store persists the ledger, the service state and snapshots.
type Store interface {
	storage.LedgerLog
	storage.StateStore
	storage.SnapshotStore
}

// SnapshotPublisher receives every persisted snapshot.
type SnapshotPublisher interface {
	Publish(snapshot domain.PortfolioSnapshot)
}

// Observer receives operational measurements. *metrics.Metrics implements it.
type Observer interface {
	ObserveSync(result string, took time.Duration, trades, cashFlows, duplicates, rejected int)
	ObservePortfolio(equity float64, drift bool, unvalued int)
	ObservePruned(n int)
}

type nopObserver struct{}

func (nopObserver) ObserveSync(string, time.Duration, int, int, int, int) {}
func (nopObserver) ObservePortfolio(float64, bool, int)                    {}
func (nopObserver) ObservePruned(int)                                      {}

// Publishers fans a snapshot out to several receivers in order.
type Publishers []SnapshotPublisher

// Publish implements SnapshotPublisher.
func (p Publishers) Publish(snapshot domain.PortfolioSnapshot) {
	for _, pub := range p {
		pub.Publish(snapshot)
	}
}
