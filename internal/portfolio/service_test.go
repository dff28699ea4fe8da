package portfolio

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/martibooks/internal/domain"
	"github.com/vadiminshakov/martibooks/internal/precision"
	"github.com/vadiminshakov/martibooks/internal/storage"
	"github.com/vadiminshakov/martibooks/internal/storage/walstore"
	"github.com/vadiminshakov/martibooks/internal/valuation"
	"github.com/vadiminshakov/martibooks/pkg/retrier"
)

func assertDec(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	assert.True(t, d(want).Equal(got), append([]interface{}{"want %s, got %s", want, got.String()}, msgAndArgs...)...)
}

type harness struct {
	clock    *clock
	exchange *fakeExchange
	feed     *fakeFeed
	store    Store
	svc      *Service
}

func newHarness(t *testing.T, store Store, mutate ...func(*Config)) *harness {
	t.Helper()
	clk := newClock(t0.Add(time.Hour))
	h := &harness{
		clock:    clk,
		exchange: &fakeExchange{},
		feed:     newFeed(clk.Now, "BTCUSD", "24000"),
		store:    store,
	}
	h.svc = h.newService(mutate...)
	return h
}

func (h *harness) newService(mutate ...func(*Config)) *Service {
	cfg := Config{
		BaseCurrency:      "USD",
		DriftTolerance:    decimal.NewFromInt(100),
		SnapshotRetention: 30 * 24 * time.Hour,
		TagPrefix:         "marti-",
		Precision:         precision.NewRules(2, nil),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	v := valuation.New(h.feed, valuation.Config{BaseCurrency: "USD", Clock: h.clock.Now}, zap.NewNop())

	return New(h.exchange, v, h.store, cfg, zap.NewNop(),
		WithClock(h.clock.Now),
		WithRetrier(retrier.New(retrier.WithMaxRetries(0))))
}

// seed: deposit 50000 USD, bot buy 1 BTC @20000 (fee 10), manual buy 1 @22000, bot sell 1 @25000 (fee 5).
func (h *harness) seed() {
	h.exchange.flows = []domain.CashFlow{{
		ID: "dep-1", Time: t0, Asset: "usd", Amount: d("50000"), Type: domain.CashFlowDeposit,
	}}
	h.exchange.addTrades(
		fill("1", "marti-dca-1", "BTC_USD", "BUY", "1", "20000", "10", "USD", t0.Add(time.Minute)),
		fill("2", "", "BTC_USD", "BUY", "1", "22000", "0", "", t0.Add(2*time.Minute)),
		fill("3", "marti-dca-2", "BTC_USD", "SELL", "1", "25000", "5", "USD", t0.Add(3*time.Minute)),
	)
	h.exchange.setBalances("USD", "32985", "BTC", "1")
}

func TestService_SyncBooksLedger(t *testing.T) {
	h := newHarness(t, &memStore{})
	h.seed()

	summary, err := h.svc.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, summary.NewTrades)
	assert.Equal(t, 1, summary.NewCashFlows)
	assert.Empty(t, summary.Rejected)
	assert.False(t, summary.DriftDetected)
	assert.NotEmpty(t, summary.SnapshotID)

	eq := h.svc.Equity()
	assertDec(t, "56985", eq.EquityBase)
	assertDec(t, "32985", eq.CashBase)
	assertDec(t, "3990", eq.RealizedPnlBase)
	assertDec(t, "2995", eq.UnrealizedPnlBase)
	assertDec(t, "50000", eq.NetCashFlowBase)
	assertDec(t, "2995", eq.UnrealizedPnlBaseByPair["BTCUSD"])
	assert.True(t, eq.Complete())

	pos, err := h.svc.Position("BTC_USD")
	require.NoError(t, err)
	assertDec(t, "1", pos.BaseSize)
	require.NotNil(t, pos.AvgEntryPrice)
	assertDec(t, "21005", *pos.AvgEntryPrice)
	assertDec(t, "3990", pos.RealizedPnlBase)
	assertDec(t, "15", pos.FeesPaidBase)

	status := h.svc.Status()
	assert.Equal(t, PhaseIdle, status.Phase)
	assert.Equal(t, 4, status.LedgerEntries)
	assert.Empty(t, status.LastError)
}

func TestService_ConsistencyLaw(t *testing.T) {
	h := newHarness(t, &memStore{})
	h.seed()
	_, err := h.svc.Sync(context.Background())
	require.NoError(t, err)

	check := func(eq EquityView) {
		explained := eq.RealizedPnlBase.Add(eq.UnrealizedPnlBase).Add(eq.NetCashFlowBase)
		assertDec(t, eq.EquityBase.String(), explained)
	}
	before := h.svc.Equity()
	check(before)

	h.feed.set("BTCUSD", "26000")
	h.clock.Advance(time.Minute)
	snap, err := h.svc.CreateSnapshot(context.Background())
	require.NoError(t, err)
	assertDec(t, "58985", snap.EquityBase)

	after := h.svc.Equity()
	check(after)

	// equity moved exactly by the change in unrealized PnL
	assertDec(t, after.UnrealizedPnlBase.Sub(before.UnrealizedPnlBase).String(), after.EquityBase.Sub(before.EquityBase))
}

func TestService_SyncIsIdempotent(t *testing.T) {
	store := &memStore{}
	h := newHarness(t, store)
	h.seed()

	_, err := h.svc.Sync(context.Background())
	require.NoError(t, err)
	first, err := storage.JSON.Marshal(struct {
		E EquityView
		P []domain.SpotPosition
		S PnlSummary
	}{h.svc.Equity(), h.svc.Positions(), h.svc.PnlSummary(true)})
	require.NoError(t, err)

	summary, err := h.svc.Sync(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.NewTrades)
	assert.Zero(t, summary.NewCashFlows)
	assert.Positive(t, summary.Duplicates)

	second, err := storage.JSON.Marshal(struct {
		E EquityView
		P []domain.SpotPosition
		S PnlSummary
	}{h.svc.Equity(), h.svc.Positions(), h.svc.PnlSummary(true)})
	require.NoError(t, err)

	assert.Equal(t, string(first), string(second))
	assert.Len(t, store.batches, 1, "an empty sync appends nothing to the ledger log")
	assert.Len(t, h.svc.TradeHistory(domain.TradeFilter{}), 3)
}

func TestService_PositionNotFound(t *testing.T) {
	h := newHarness(t, &memStore{})
	h.seed()
	_, err := h.svc.Sync(context.Background())
	require.NoError(t, err)

	for _, symbol := range []string{"ZZZUSD", "ZZZ_USD", "not a pair_"} {
		_, err := h.svc.Position(symbol)
		assert.ErrorIs(t, err, domain.ErrPositionNotFound, symbol)
	}

	_, err = h.svc.Position("btcusd")
	assert.NoError(t, err)
}

func TestService_ManualTradesExcludedFromPnlSummary(t *testing.T) {
	h := newHarness(t, &memStore{})
	h.seed()
	h.exchange.addTrades(fill("4", "", "BTC_USD", "SELL", "0.5", "24000", "0", "", t0.Add(4*time.Minute)))
	h.exchange.setBalances("USD", "44985", "BTC", "0.5")

	_, err := h.svc.Sync(context.Background())
	require.NoError(t, err)

	bots := h.svc.PnlSummary(false)
	assertDec(t, "3990", bots.RealizedPnlBase)
	assertDec(t, "3990", bots.ByStrategy["bot:dca"])
	_, hasManual := bots.ByStrategy["manual"]
	assert.False(t, hasManual)
	assert.Equal(t, 1, bots.Records)

	all := h.svc.PnlSummary(true)
	assertDec(t, "5487.5", all.RealizedPnlBase)
	assertDec(t, "1497.5", all.ByStrategy["manual"])
	assertDec(t, "5487.5", all.ByPair["BTCUSD"])

	assert.Equal(t, bots, h.svc.DefaultPnlSummary())

	// cost basis includes the manual buy and sell either way
	eq := h.svc.Equity()
	assertDec(t, "5487.5", eq.RealizedPnlBase)

	manualOnly := domain.Manual
	assert.Len(t, h.svc.TradeHistory(domain.TradeFilter{Tag: &manualOnly}), 2)
	assert.Len(t, h.svc.TradeHistory(domain.TradeFilter{ExcludeManual: true}), 2)
}

func TestService_DriftDetection(t *testing.T) {
	h := newHarness(t, &memStore{})
	h.seed()
	h.exchange.setBalances("USD", "32985", "BTC", "1.025")

	summary, err := h.svc.Sync(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.DriftDetected)

	drift := h.svc.Drift()
	assert.True(t, drift.DriftDetected)
	assertDec(t, "600", drift.TotalDiscrepancyBase)
	require.NotNil(t, drift.LastReport)
	require.Len(t, drift.LastReport.PerAsset, 1)
	assert.Equal(t, "BTC", drift.LastReport.PerAsset[0].Asset)
	assert.True(t, h.svc.Equity().DriftDetected)
	assert.True(t, h.svc.Status().DriftDetected)

	h.exchange.setBalances("USD", "32985", "BTC", "1")
	summary, err = h.svc.Sync(context.Background())
	require.NoError(t, err)
	assert.False(t, summary.DriftDetected)
	assert.False(t, h.svc.Drift().DriftDetected)
}

func TestService_DriftSurvivesUnpricedCheck(t *testing.T) {
	h := newHarness(t, &memStore{})
	h.seed()
	h.exchange.setBalances("USD", "32985", "BTC", "1.025")

	summary, err := h.svc.Sync(context.Background())
	require.NoError(t, err)
	require.True(t, summary.DriftDetected)

	h.feed.drop("BTCUSD")
	h.clock.Advance(time.Minute)
	summary, err = h.svc.Sync(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.DriftDetected)

	drift := h.svc.Drift()
	assert.True(t, drift.DriftDetected)
	require.NotNil(t, drift.LastReport)
	assert.True(t, drift.LastReport.Inconclusive)
	assert.Equal(t, []string{"BTC"}, drift.LastReport.Unmeasured())
	assert.True(t, h.svc.Status().DriftDetected)

	// only a check that can value the balances clears the flag
	h.feed.set("BTCUSD", "24000")
	h.exchange.setBalances("USD", "32985", "BTC", "1")
	h.clock.Advance(time.Minute)
	summary, err = h.svc.Sync(context.Background())
	require.NoError(t, err)
	assert.False(t, summary.DriftDetected)
	assert.False(t, h.svc.Drift().DriftDetected)
}

func TestService_UnvaluedAssetIsSurfaced(t *testing.T) {
	h := newHarness(t, &memStore{})
	h.seed()
	h.exchange.flows = append(h.exchange.flows, domain.CashFlow{
		ID: "airdrop-1", Time: t0.Add(5 * time.Minute), Asset: "ZZZ", Amount: d("100"), Type: domain.CashFlowReward,
	})
	h.exchange.setBalances("USD", "32985", "BTC", "1", "ZZZ", "100")

	_, err := h.svc.Sync(context.Background())
	require.NoError(t, err)

	eq := h.svc.Equity()
	assertDec(t, "56985", eq.EquityBase)
	assert.Equal(t, []string{"ZZZ"}, eq.UnvaluedAssets)
	assert.False(t, eq.Complete())

	exposure := h.svc.AssetExposure()
	require.Len(t, exposure, 3)
	assert.Equal(t, "USD", exposure[0].Asset)
	assertDec(t, "0.5788", exposure[0].Weight)
	assert.Equal(t, "BTC", exposure[1].Asset)
	assertDec(t, "0.4212", exposure[1].Weight)
	assert.Equal(t, "ZZZ", exposure[2].Asset)
	assert.True(t, exposure[2].Unvalued)
	assert.True(t, exposure[2].ValueBase.IsZero())

	flows := h.svc.CashFlows(domain.CashFlowFilter{Type: domain.CashFlowReward})
	require.Len(t, flows, 1)
	assert.Nil(t, flows[0].Rate)
}

func TestService_FeeSummary(t *testing.T) {
	h := newHarness(t, &memStore{})
	h.seed()
	_, err := h.svc.Sync(context.Background())
	require.NoError(t, err)

	fees := h.svc.FeeSummary()
	assertDec(t, "15", fees.TotalBase)
	assertDec(t, "15", fees.ByAsset["USD"])
	assertDec(t, "15", fees.ByPairBase["BTCUSD"])
	assert.Equal(t, 2, fees.Trades)
}

func TestService_PersistenceFailureLeavesStateUntouched(t *testing.T) {
	store := &memStore{appendErr: errDiskFull}
	h := newHarness(t, store)
	h.seed()

	_, err := h.svc.Sync(context.Background())
	require.ErrorIs(t, err, errDiskFull)

	status := h.svc.Status()
	assert.Equal(t, PhaseFailed, status.Phase)
	assert.Contains(t, status.LastError, "disk full")
	assert.Zero(t, status.LedgerEntries)
	assert.True(t, h.svc.Equity().EquityBase.IsZero())
	assert.Empty(t, h.svc.TradeHistory(domain.TradeFilter{}))
	assert.Nil(t, store.state)

	store.appendErr = nil
	summary, err := h.svc.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, summary.NewTrades)
	assert.Equal(t, PhaseIdle, h.svc.Status().Phase)
	assert.Empty(t, h.svc.Status().LastError)
}

func TestService_CancelledSyncPersistsNothing(t *testing.T) {
	store := &memStore{}
	h := newHarness(t, store)
	h.seed()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.svc.Sync(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, store.batches)
	assert.Nil(t, store.state)
	assert.Empty(t, store.snapshots)
	assert.Equal(t, PhaseIdle, h.svc.Status().Phase)
	assert.Zero(t, h.svc.Status().LedgerEntries)
}

func TestService_SnapshotRetention(t *testing.T) {
	store := &memStore{}
	h := newHarness(t, store)
	h.seed()

	_, err := h.svc.Sync(context.Background())
	require.NoError(t, err)
	require.Len(t, store.snapshots, 1)
	first := store.snapshots[0].ID

	h.clock.Advance(31 * 24 * time.Hour)
	_, err = h.svc.Sync(context.Background())
	require.NoError(t, err)

	snaps, err := h.svc.Snapshots(context.Background(), domain.SnapshotFilter{})
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.NotEqual(t, first, snaps[0].ID)
	assert.Equal(t, h.clock.Now(), snaps[0].Timestamp)
}

func TestService_PruneFailureDoesNotFailSync(t *testing.T) {
	store := &memStore{pruneErr: errDiskFull}
	h := newHarness(t, store)
	h.seed()

	_, err := h.svc.Sync(context.Background())
	require.NoError(t, err)
	assert.Len(t, store.snapshots, 1)
}

func TestService_ConcurrentSyncIsSkipped(t *testing.T) {
	h := newHarness(t, &memStore{})
	h.seed()
	h.exchange.entered = make(chan struct{})
	h.exchange.release = make(chan struct{})

	var (
		wg      sync.WaitGroup
		running error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, running = h.svc.Sync(context.Background())
	}()
	<-h.exchange.entered

	assert.Equal(t, PhaseSyncing, h.svc.Status().Phase)
	_, err := h.svc.Sync(context.Background())
	assert.ErrorIs(t, err, ErrSyncInProgress)
	_, err = h.svc.CreateSnapshot(context.Background())
	assert.ErrorIs(t, err, ErrSyncInProgress)

	h.exchange.entered = nil
	close(h.exchange.release)
	wg.Wait()
	require.NoError(t, running)
	assert.Len(t, h.svc.TradeHistory(domain.TradeFilter{}), 3)
}

func TestService_RestoresFromWAL(t *testing.T) {
	dir := t.TempDir()

	store, err := walstore.Open(dir)
	require.NoError(t, err)
	h := newHarness(t, store)
	h.seed()
	require.NoError(t, h.svc.Initialize(context.Background()))
	before := h.svc.Equity()
	require.NoError(t, store.Close())

	reopened, err := walstore.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })
	h.store = reopened
	restarted := h.newService()

	require.NoError(t, restarted.Initialize(context.Background()))
	status := restarted.Status()
	require.NotNil(t, status.LastSync)
	assert.Zero(t, status.LastSync.NewTrades)
	assert.Equal(t, 4, status.LedgerEntries)

	after := restarted.Equity()
	assertDec(t, before.EquityBase.String(), after.EquityBase)
	assertDec(t, before.RealizedPnlBase.String(), after.RealizedPnlBase)
	assertDec(t, before.NetCashFlowBase.String(), after.NetCashFlowBase)
}

func TestService_RejectedTradesAreReported(t *testing.T) {
	h := newHarness(t, &memStore{})
	h.seed()
	h.exchange.addTrades(fill("bad", "", "BTC_USD", "HOLD", "1", "1", "0", "", t0.Add(6*time.Minute)))

	summary, err := h.svc.Sync(context.Background())
	require.NoError(t, err)
	require.Len(t, summary.Rejected, 1)
	assert.Equal(t, "bad", summary.Rejected[0].ID)
	assert.Equal(t, 3, summary.NewTrades)
}

func TestService_SyncRestoresAfterFailedInitialize(t *testing.T) {
	store := &memStore{}
	h := newHarness(t, store)
	h.seed()
	_, err := h.svc.Sync(context.Background())
	require.NoError(t, err)
	persisted := *store.state

	// after a restart the exchange only reports the latest fill
	h.exchange.mu.Lock()
	h.exchange.trades = h.exchange.trades[2:]
	h.exchange.flows = nil
	h.exchange.mu.Unlock()

	store.batchesErr = errDiskFull
	restarted := h.newService()
	require.ErrorIs(t, restarted.Initialize(context.Background()), errDiskFull)
	assert.Equal(t, PhaseFailed, restarted.Status().Phase)

	_, err = restarted.Sync(context.Background())
	require.ErrorIs(t, err, errDiskFull)
	assert.Equal(t, persisted, *store.state, "nothing is persisted before a restore")
	assert.Len(t, store.snapshots, 1)
	assert.Zero(t, restarted.Status().LedgerEntries)

	store.batchesErr = nil
	summary, err := restarted.Sync(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.NewTrades)
	assert.False(t, summary.DriftDetected)
	assert.Len(t, restarted.TradeHistory(domain.TradeFilter{}), 3)
	assert.Len(t, restarted.CashFlows(domain.CashFlowFilter{}), 1)
	assertDec(t, "56985", restarted.Equity().EquityBase)
	assert.Equal(t, PhaseIdle, restarted.Status().Phase)
}
