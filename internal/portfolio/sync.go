package portfolio

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/martibooks/internal/domain"
	"github.com/vadiminshakov/martibooks/internal/ledger"
	"github.com/vadiminshakov/martibooks/internal/precision"
	"github.com/vadiminshakov/martibooks/internal/reconcile"
	"github.com/vadiminshakov/martibooks/internal/storage"
	"github.com/vadiminshakov/martibooks/internal/valuation"
	"github.com/vadiminshakov/martibooks/pkg/retrier"
)

const (
	resultOK        = "ok"
	resultFailed    = "failed"
	resultSkipped   = "skipped"
	resultCancelled = "cancelled"
)

// fetched is everything pulled from the exchange in one cycle.
type fetched struct {
	trades    []domain.Trade
	cashFlows []domain.CashFlow
	balances  []domain.AssetBalance
	rejected  []ledger.Rejection
}

// Sync pulls new fills and cash flows, books them, reconciles against exchange balances,
// persists the result, swaps the read state and takes a snapshot. Concurrent calls are
// not queued: a call made while another sync runs returns ErrSyncInProgress.
func (s *Service) Sync(ctx context.Context) (SyncSummary, error) {
	if !s.syncMu.TryLock() {
		s.observer.ObserveSync(resultSkipped, 0, 0, 0, 0, 0)
		return SyncSummary{}, ErrSyncInProgress
	}
	defer s.syncMu.Unlock()

	started := s.now()
	summary, err := s.sync(ctx, uuid.NewString())
	took := s.now().Sub(started)

	rejected := len(summary.Rejected)
	switch {
	case err == nil:
		s.observer.ObserveSync(resultOK, took, summary.NewTrades, summary.NewCashFlows, summary.Duplicates, rejected)
		s.succeed(summary)
	case ctx.Err() != nil:
		s.observer.ObserveSync(resultCancelled, took, 0, 0, 0, rejected)
		s.setPhase(PhaseIdle)
		s.logger.Info("sync cancelled", zap.String("cycle", summary.CycleID), zap.Error(err))
	default:
		s.observer.ObserveSync(resultFailed, took, summary.NewTrades, summary.NewCashFlows, summary.Duplicates, rejected)
		s.fail(err)
		s.logger.Error("sync failed", zap.String("cycle", summary.CycleID), zap.Error(err))
	}

	return summary, err
}

func (s *Service) sync(ctx context.Context, cycleID string) (SyncSummary, error) {
	summary := SyncSummary{CycleID: cycleID}
	logger := s.logger.With(zap.String("cycle", cycleID))

	s.setPhase(PhaseSyncing)
	if err := s.ensureRestored(ctx); err != nil {
		return summary, err
	}
	current := s.state.Load()

	in, err := s.fetch(ctx, current.ledger.HighWaterMark())
	if err != nil {
		return summary, err
	}
	summary.Rejected = in.rejected

	book, err := s.valuator.Quote(ctx, s.quotedAssets(current, in))
	if err != nil {
		return summary, errors.Wrap(err, "failed to quote prices")
	}
	s.captureRates(current.ledger, book, in)

	next := &state{
		ledger:  current.ledger.Clone(),
		tracker: current.tracker.Clone(),
		book:    book,
		rules:   current.rules,
	}
	res := next.ledger.Ingest(in.trades, in.cashFlows)
	if err := applyIngested(next.tracker, res); err != nil {
		return summary, errors.Wrap(err, "failed to book ingested entries")
	}
	summary.NewTrades = len(res.Trades)
	summary.NewCashFlows = len(res.CashFlows)
	summary.Duplicates = res.Duplicates()
	summary.Rejected = append(summary.Rejected, res.Rejected...)
	logger.Debug("ledger ingested",
		zap.Int("trades", summary.NewTrades),
		zap.Int("cash_flows", summary.NewCashFlows),
		zap.Int("duplicates", summary.Duplicates),
		zap.Int("rejected", len(summary.Rejected)))

	if err := ctx.Err(); err != nil {
		return summary, err
	}

	s.setPhase(PhaseReconciling)
	report := reconcile.Check(next.ledger.Balances(), in.balances, s.cfg.DriftTolerance, book,
		reconcile.WithFilter(s.cfg.Filter), reconcile.WithClock(s.now))
	next.drift = current.drift.Update(report)
	summary.DriftDetected = next.drift.DriftDetected
	switch {
	case report.DriftFlag:
		logger.Warn("balance drift detected",
			zap.String("total_discrepancy_base", report.TotalDiscrepancyBase.String()),
			zap.String("tolerance", report.Tolerance.String()),
			zap.Strings("unmeasured", report.Unmeasured()))
	case report.Inconclusive:
		logger.Warn("balance check inconclusive, drift flag unchanged",
			zap.Bool("drift", next.drift.DriftDetected),
			zap.Strings("unmeasured", report.Unmeasured()))
	}
	next.rules = s.learnPrecision(ctx, next)

	if err := ctx.Err(); err != nil {
		return summary, err
	}

	next.syncedAt = s.now()
	if !res.Empty() {
		if err := s.store.AppendBatch(ctx, res.Batch(next.ledger.HighWaterMark())); err != nil {
			return summary, errors.Wrap(err, "failed to persist ledger batch")
		}
	}
	if err := s.store.SaveState(ctx, storage.StateRecord{
		Mark:      next.ledger.HighWaterMark(),
		Drift:     next.drift,
		UpdatedAt: next.syncedAt,
	}); err != nil {
		return summary, errors.Wrap(err, "failed to persist service state")
	}

	s.state.Store(next)

	s.setPhase(PhaseSnapshotting)
	snapshot, err := s.persistSnapshot(ctx, next)
	if err != nil {
		return summary, err
	}
	summary.SnapshotID = snapshot.ID
	summary.FinishedAt = s.now()

	logger.Info("sync completed",
		zap.Int("new_trades", summary.NewTrades),
		zap.Int("new_cash_flows", summary.NewCashFlows),
		zap.Bool("drift", summary.DriftDetected),
		zap.String("equity_base", snapshot.EquityBase.String()))

	return summary, nil
}

// fetch pulls entries since the mark (inclusive, duplicates are dropped by the ledger)
// and the current balances. An empty ledger starts from HistoryStart.
func (s *Service) fetch(ctx context.Context, mark ledger.Mark) (fetched, error) {
	var out fetched

	since := mark.TradeTime
	if mark.IsZero() {
		since = s.cfg.HistoryStart
	}
	raw, err := retrier.DoWithData(s.retrier, ctx, func(ctx context.Context) ([]domain.ExchangeTrade, error) {
		return s.exchange.GetTradeHistory(ctx, since)
	})
	if err != nil {
		return out, errors.Wrap(err, "failed to fetch trade history")
	}
	for _, r := range raw {
		t, err := s.parser.ParseTrade(r)
		if err != nil {
			s.logger.Warn("malformed trade skipped", zap.String("id", r.ID), zap.Error(err))
			out.rejected = append(out.rejected, ledger.Rejection{Kind: ledger.KindTrade, ID: r.ID, Reason: err.Error()})
			continue
		}
		out.trades = append(out.trades, t)
	}

	if s.cash != nil {
		flowsSince := mark.CashFlowTime
		if mark.IsZero() || flowsSince.IsZero() {
			flowsSince = s.cfg.HistoryStart
		}
		flows, err := retrier.DoWithData(s.retrier, ctx, func(ctx context.Context) ([]domain.CashFlow, error) {
			return s.cash.GetCashLedgerEntries(ctx, flowsSince)
		})
		if err != nil {
			return out, errors.Wrap(err, "failed to fetch cash ledger")
		}
		for _, cf := range flows {
			out.cashFlows = append(out.cashFlows, s.parser.NormalizeCashFlow(cf))
		}
	}

	balances, err := retrier.DoWithData(s.retrier, ctx, func(ctx context.Context) ([]domain.AssetBalance, error) {
		return s.exchange.GetBalances(ctx)
	})
	if err != nil {
		return out, errors.Wrap(err, "failed to fetch balances")
	}
	out.balances = s.normalizeBalances(balances)

	return out, nil
}

// normalizeBalances canonicalizes and merges aliased assets, dropping filtered ones.
func (s *Service) normalizeBalances(in []domain.AssetBalance) []domain.AssetBalance {
	merged := make(map[string]domain.AssetBalance, len(in))
	for _, b := range in {
		asset := s.cfg.Normalizer.Normalize(b.Asset)
		if !s.cfg.Filter.Allows(asset) {
			continue
		}
		m := merged[asset]
		m.Asset = asset
		m.Free = m.Free.Add(b.Free)
		m.Reserved = m.Reserved.Add(b.Reserved)
		m.Total = m.Free.Add(m.Reserved)
		merged[asset] = m
	}

	out := make([]domain.AssetBalance, 0, len(merged))
	for _, b := range merged {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })

	return out
}

// quotedAssets lists every asset the cycle may need a price for.
func (s *Service) quotedAssets(current *state, in fetched) []string {
	set := make(map[string]struct{})
	for _, b := range current.ledger.Balances() {
		set[b.Asset] = struct{}{}
	}
	for _, b := range in.balances {
		set[b.Asset] = struct{}{}
	}
	for _, t := range in.trades {
		set[t.Pair.Base] = struct{}{}
		set[t.Pair.Quote] = struct{}{}
		if t.FeeAsset != "" {
			set[t.FeeAsset] = struct{}{}
		}
	}
	for _, cf := range in.cashFlows {
		set[cf.Asset] = struct{}{}
	}
	delete(set, s.cfg.BaseCurrency)

	out := make([]string, 0, len(set))
	for asset := range set {
		out = append(out, asset)
	}
	sort.Strings(out)

	return out
}

// captureRates stamps new entries with the base-currency rates of their legs.
// Entries already in the ledger keep the rates they were booked with.
func (s *Service) captureRates(l *ledger.Ledger, book *valuation.PriceBook, in fetched) {
	base := s.cfg.BaseCurrency
	for i := range in.trades {
		t := &in.trades[i]
		if l.HasTrade(t.ID) {
			continue
		}
		if t.Pair.Quote != base && t.Pair.Base != base {
			t.QuoteRate = book.Rate(t.Pair.Quote)
		}
		if t.FeeAmount.IsPositive() && t.FeeAsset != base && t.FeeAsset != t.Pair.Base && t.FeeAsset != t.Pair.Quote {
			t.FeeRate = book.Rate(t.FeeAsset)
		}
	}
	for i := range in.cashFlows {
		cf := &in.cashFlows[i]
		if cf.Asset != base {
			cf.Rate = book.Rate(cf.Asset)
		}
	}
}

// learnPrecision picks up exchange precision for every pair a position is reported under.
func (s *Service) learnPrecision(ctx context.Context, st *state) precision.Rules {
	rules := st.rules
	for _, pos := range st.tracker.Positions() {
		md, known, err := s.valuator.Metadata(ctx, pos.Pair)
		if err != nil {
			s.logger.Debug("pair metadata unavailable", zap.String("pair", pos.Pair.Symbol()), zap.Error(err))
			continue
		}
		if known {
			rules = rules.WithPairMetadata(pos.Pair, md)
		}
	}

	return rules
}

// persistSnapshot saves a snapshot of st, publishes it and prunes the store.
func (s *Service) persistSnapshot(ctx context.Context, st *state) (domain.PortfolioSnapshot, error) {
	view := s.equity(st)
	if view.AsOf.IsZero() {
		view.AsOf = s.now()
	}
	snapshot := view.Snapshot(newSnapshotID(view.AsOf))

	if err := s.store.Save(ctx, snapshot); err != nil {
		return domain.PortfolioSnapshot{}, errors.Wrap(err, "failed to save snapshot")
	}
	if s.publisher != nil {
		s.publisher.Publish(snapshot)
	}

	equity, _ := snapshot.EquityBase.Float64()
	s.observer.ObservePortfolio(equity, snapshot.DriftDetected, len(view.UnvaluedAssets)+len(view.PriceUnavailableAssets))

	s.prune(ctx)

	return snapshot, nil
}

// prune drops snapshots past the retention window. Failures only get logged.
func (s *Service) prune(ctx context.Context) {
	cutoff := s.now().Add(-s.cfg.SnapshotRetention)
	n, err := s.store.Prune(ctx, cutoff)
	if err != nil {
		s.logger.Warn("snapshot pruning failed", zap.Time("cutoff", cutoff), zap.Error(err))
		return
	}
	if n > 0 {
		s.observer.ObservePruned(n)
		s.logger.Debug("snapshots pruned", zap.Int("count", n), zap.Time("cutoff", cutoff))
	}
}

// CreateSnapshot quotes fresh prices, persists a snapshot of the current state and prunes.
func (s *Service) CreateSnapshot(ctx context.Context) (domain.PortfolioSnapshot, error) {
	if !s.syncMu.TryLock() {
		return domain.PortfolioSnapshot{}, ErrSyncInProgress
	}
	defer s.syncMu.Unlock()

	if err := s.ensureRestored(ctx); err != nil {
		return domain.PortfolioSnapshot{}, err
	}
	current := s.state.Load()
	assets := s.quotedAssets(current, fetched{})
	book, err := s.valuator.Quote(ctx, assets)
	if err != nil {
		return domain.PortfolioSnapshot{}, errors.Wrap(err, "failed to quote prices")
	}

	fresh := *current
	fresh.book = book
	s.state.Store(&fresh)

	return s.persistSnapshot(ctx, &fresh)
}
