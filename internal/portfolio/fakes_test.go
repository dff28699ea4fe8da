package portfolio

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/martibooks/internal/domain"
	"github.com/vadiminshakov/martibooks/internal/ledger"
	"github.com/vadiminshakov/martibooks/internal/storage"
)

var t0 = time.Date(2024, 8, 1, 9, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(at time.Time) *clock { return &clock{now: at} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(dur time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(dur)
	c.mu.Unlock()
}

type fakeExchange struct {
	mu       sync.Mutex
	trades   []domain.ExchangeTrade
	flows    []domain.CashFlow
	balances []domain.AssetBalance

	// entered and release let a test hold GetTradeHistory mid-flight.
	entered chan struct{}
	release chan struct{}
}

func (f *fakeExchange) GetTradeHistory(ctx context.Context, since time.Time) ([]domain.ExchangeTrade, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.ExchangeTrade
	for _, t := range f.trades {
		if !t.Time.Before(since) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeExchange) GetCashLedgerEntries(ctx context.Context, since time.Time) ([]domain.CashFlow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.CashFlow
	for _, c := range f.flows {
		if !c.Time.Before(since) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeExchange) GetBalances(ctx context.Context) ([]domain.AssetBalance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.AssetBalance(nil), f.balances...), nil
}

func (f *fakeExchange) setBalances(kv ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances = nil
	for i := 0; i+1 < len(kv); i += 2 {
		f.balances = append(f.balances, domain.NewAssetBalance(kv[i], d(kv[i+1]), decimal.Zero))
	}
}

func (f *fakeExchange) addTrades(trades ...domain.ExchangeTrade) {
	f.mu.Lock()
	f.trades = append(f.trades, trades...)
	f.mu.Unlock()
}

func fill(id, clientOrderID, pair, side, qty, price, fee, feeAsset string, at time.Time) domain.ExchangeTrade {
	p, err := domain.ParsePair(pair)
	if err != nil {
		panic(err)
	}
	return domain.ExchangeTrade{
		ID:            id,
		OrderID:       "o-" + id,
		ClientOrderID: clientOrderID,
		Pair:          p,
		Side:          side,
		Price:         price,
		Quantity:      qty,
		Fee:           fee,
		FeeAsset:      feeAsset,
		Time:          at,
	}
}

type fakeFeed struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	clock  func() time.Time
}

func newFeed(clock func() time.Time, kv ...string) *fakeFeed {
	f := &fakeFeed{prices: make(map[string]decimal.Decimal), clock: clock}
	for i := 0; i+1 < len(kv); i += 2 {
		f.prices[kv[i]] = d(kv[i+1])
	}
	return f
}

func (f *fakeFeed) set(symbol, value string) {
	f.mu.Lock()
	f.prices[symbol] = d(value)
	f.mu.Unlock()
}

func (f *fakeFeed) drop(symbol string) {
	f.mu.Lock()
	delete(f.prices, symbol)
	f.mu.Unlock()
}

func (f *fakeFeed) GetLatestPrice(_ context.Context, pair domain.Pair) (domain.Price, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.prices[pair.Symbol()]
	if !ok {
		return domain.Price{}, domain.ErrPairNotFound
	}
	return domain.Price{Value: v, Time: f.clock()}, nil
}

func (f *fakeFeed) GetPairMetadata(_ context.Context, pair domain.Pair) (domain.PairMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.prices[pair.Symbol()]; !ok {
		return domain.PairMetadata{}, domain.ErrPairNotFound
	}
	return domain.PairMetadata{PriceDecimals: 2, VolumeDecimals: 6}, nil
}

type memStore struct {
	mu        sync.Mutex
	batches   []ledger.Batch
	state     *storage.StateRecord
	snapshots []domain.PortfolioSnapshot

	appendErr  error
	batchesErr error
	saveErr    error
	pruneErr   error
}

func (m *memStore) AppendBatch(_ context.Context, b ledger.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	m.batches = append(m.batches, b)
	return nil
}

func (m *memStore) Batches(context.Context) ([]ledger.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.batchesErr != nil {
		return nil, m.batchesErr
	}
	return append([]ledger.Batch(nil), m.batches...), nil
}

func (m *memStore) SaveState(_ context.Context, st storage.StateRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = &st
	return nil
}

func (m *memStore) LoadState(context.Context) (storage.StateRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return storage.StateRecord{}, false, nil
	}
	return *m.state, true, nil
}

func (m *memStore) Save(_ context.Context, s domain.PortfolioSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.snapshots = append(m.snapshots, s)
	return nil
}

func (m *memStore) List(_ context.Context, filter domain.SnapshotFilter) ([]domain.PortfolioSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return storage.FilterSnapshots(m.snapshots, filter), nil
}

func (m *memStore) Prune(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pruneErr != nil {
		return 0, m.pruneErr
	}
	kept := m.snapshots[:0]
	for _, s := range m.snapshots {
		if !s.Timestamp.Before(olderThan) {
			kept = append(kept, s)
		}
	}
	n := len(m.snapshots) - len(kept)
	m.snapshots = kept
	return n, nil
}

var errDiskFull = errors.New("disk full")
