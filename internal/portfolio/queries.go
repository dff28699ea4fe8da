package portfolio

import (
	"context"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/martibooks/internal/domain"
)

var (
	idMu      sync.Mutex
	idEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// newSnapshotID returns a time-sortable id.
func newSnapshotID(at time.Time) string {
	idMu.Lock()
	defer idMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(at), idEntropy).String()
}

// Equity values the ledger balances with the prices of the last sync.
func (s *Service) Equity() EquityView {
	return s.equity(s.state.Load())
}

func (s *Service) equity(st *state) EquityView {
	base := s.cfg.BaseCurrency
	view := EquityView{
		AsOf:                    st.book.TakenAt(),
		BaseCurrency:            base,
		RealizedPnlBaseByPair:   make(map[string]decimal.Decimal),
		UnrealizedPnlBaseByPair: make(map[string]decimal.Decimal),
		DriftDetected:           st.drift.DriftDetected,
	}
	if view.AsOf.IsZero() {
		view.AsOf = st.syncedAt
	}

	equity, cash := decimal.Zero, decimal.Zero
	for _, b := range st.ledger.Balances() {
		if !s.cfg.Filter.Allows(b.Asset) {
			continue
		}
		val := st.book.ValueAsset(b.Asset, b.Total)
		switch {
		case val.Unvalued:
			view.UnvaluedAssets = append(view.UnvaluedAssets, b.Asset)
		case val.Err != nil:
			view.PriceUnavailableAssets = append(view.PriceUnavailableAssets, b.Asset)
		}
		equity = equity.Add(val.ValueBase)
		if b.Asset == base {
			cash = val.ValueBase
		}

		av := val.AssetValuation()
		av.Amount = st.rules.Quantity(b.Asset, av.Amount)
		av.ValueBase = st.rules.Money(av.ValueBase)
		view.AssetValuations = append(view.AssetValuations, av)
	}

	unrealized := decimal.Zero
	for _, pos := range st.tracker.Positions() {
		symbol := pos.Pair.Symbol()
		view.RealizedPnlBaseByPair[symbol] = view.RealizedPnlBaseByPair[symbol].Add(pos.RealizedPnlBase)
		if !pos.IsOpen() || !s.cfg.Filter.Allows(pos.BaseAsset) {
			continue
		}
		upnl, err := st.book.ValuePosition(pos)
		if err != nil {
			// already surfaced through the asset valuation
			continue
		}
		view.UnrealizedPnlBaseByPair[symbol] = view.UnrealizedPnlBaseByPair[symbol].Add(upnl)
		unrealized = unrealized.Add(upnl)
	}

	view.EquityBase = st.rules.Money(equity)
	view.CashBase = st.rules.Money(cash)
	view.RealizedPnlBase = st.rules.Money(st.tracker.RealizedTotal())
	view.UnrealizedPnlBase = st.rules.Money(unrealized)
	view.NetCashFlowBase = st.rules.Money(st.tracker.NetCashFlows())
	view.RealizedPnlBaseByPair = st.rules.MoneyMap(view.RealizedPnlBaseByPair)
	view.UnrealizedPnlBaseByPair = st.rules.MoneyMap(view.UnrealizedPnlBaseByPair)

	return view
}

// Positions returns every position with trading history, flat ones included.
func (s *Service) Positions() []domain.SpotPosition {
	st := s.state.Load()
	positions := st.tracker.Positions()
	for i := range positions {
		positions[i] = s.roundPosition(st, positions[i])
	}

	return positions
}

// Position returns the position reported under or traded on the pair. The symbol may be
// given as BTCUSDT or BTC_USDT. Unknown pairs fail with domain.ErrPositionNotFound.
func (s *Service) Position(symbol string) (domain.SpotPosition, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if strings.Contains(symbol, "_") {
		pair, err := domain.ParsePair(symbol)
		if err != nil {
			return domain.SpotPosition{}, errors.Wrapf(domain.ErrPositionNotFound, "%s", symbol)
		}
		symbol = s.cfg.Normalizer.Pair(pair).Symbol()
	}

	st := s.state.Load()
	pos, ok := st.tracker.PositionBySymbol(symbol)
	if !ok {
		return domain.SpotPosition{}, errors.Wrapf(domain.ErrPositionNotFound, "%s", symbol)
	}

	return s.roundPosition(st, pos), nil
}

func (s *Service) roundPosition(st *state, pos domain.SpotPosition) domain.SpotPosition {
	pos.BaseSize = st.rules.Quantity(pos.BaseAsset, pos.BaseSize)
	if pos.AvgEntryPrice != nil {
		// average cost is in the base currency; pair precision only applies when it quotes in it
		avg := st.rules.Money(*pos.AvgEntryPrice)
		if pos.Pair.Quote == s.cfg.BaseCurrency {
			avg = st.rules.Price(pos.Pair, *pos.AvgEntryPrice)
		}
		pos.AvgEntryPrice = &avg
	}
	pos.RealizedPnlBase = st.rules.Money(pos.RealizedPnlBase)
	pos.FeesPaidBase = st.rules.Money(pos.FeesPaidBase)

	return pos
}

// AssetExposure returns the valued holdings with their share of equity, largest first.
// Unvalued assets are listed with zero value rather than omitted.
func (s *Service) AssetExposure() []AssetExposure {
	view := s.Equity()

	out := make([]AssetExposure, 0, len(view.AssetValuations))
	for _, av := range view.AssetValuations {
		e := AssetExposure{
			Asset:            av.Asset,
			Amount:           av.Amount,
			ValueBase:        av.ValueBase,
			SourcePair:       av.SourcePair,
			Unvalued:         av.Unvalued,
			PriceUnavailable: av.PriceUnavailable,
			Weight:           decimal.Zero,
		}
		if view.EquityBase.IsPositive() {
			e.Weight = av.ValueBase.DivRound(view.EquityBase, 4)
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ValueBase.Equal(out[j].ValueBase) {
			return out[i].ValueBase.GreaterThan(out[j].ValueBase)
		}
		return out[i].Asset < out[j].Asset
	})

	return out
}

// TradeHistory returns matching trades oldest first. Limit keeps the most recent.
func (s *Service) TradeHistory(filter domain.TradeFilter) []domain.Trade {
	var out []domain.Trade
	for _, t := range s.state.Load().ledger.Trades() {
		if filter.Match(&t) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(&out[j]) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}

	return out
}

// CashFlows returns matching cash flows oldest first. Limit keeps the most recent.
func (s *Service) CashFlows(filter domain.CashFlowFilter) []domain.CashFlow {
	var out []domain.CashFlow
	for _, c := range s.state.Load().ledger.CashFlows() {
		if filter.Match(&c) {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(&out[j]) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}

	return out
}

// FeeSummary aggregates fees in their own assets and in the base currency.
func (s *Service) FeeSummary() FeeSummary {
	st := s.state.Load()

	byAsset := make(map[string]decimal.Decimal)
	trades := 0
	for _, t := range st.ledger.Trades() {
		if !t.FeeAmount.IsPositive() {
			continue
		}
		byAsset[t.FeeAsset] = byAsset[t.FeeAsset].Add(t.FeeAmount)
		trades++
	}
	for asset, v := range byAsset {
		byAsset[asset] = st.rules.Quantity(asset, v)
	}

	total := decimal.Zero
	byPair := make(map[string]decimal.Decimal)
	for _, pos := range st.tracker.Positions() {
		if pos.FeesPaidBase.IsZero() {
			continue
		}
		symbol := pos.Pair.Symbol()
		byPair[symbol] = byPair[symbol].Add(pos.FeesPaidBase)
		total = total.Add(pos.FeesPaidBase)
	}

	return FeeSummary{
		BaseCurrency: s.cfg.BaseCurrency,
		TotalBase:    st.rules.Money(total),
		ByAsset:      byAsset,
		ByPairBase:   st.rules.MoneyMap(byPair),
		Trades:       trades,
	}
}

// PnlSummary aggregates realized PnL by strategy and pair. Manual trades are left out
// unless includeManual is set; balances and cost basis always include them.
// Unrealized PnL is not attributable to a strategy and is reported in total.
func (s *Service) PnlSummary(includeManual bool) PnlSummary {
	st := s.state.Load()

	summary := PnlSummary{
		BaseCurrency:   s.cfg.BaseCurrency,
		IncludesManual: includeManual,
		ByStrategy:     make(map[string]decimal.Decimal),
		ByPair:         make(map[string]decimal.Decimal),
	}
	realized := decimal.Zero
	for _, rec := range st.tracker.Records() {
		if rec.Tag.IsManual() && !includeManual {
			continue
		}
		realized = realized.Add(rec.PnlBase)
		tag := rec.Tag.String()
		summary.ByStrategy[tag] = summary.ByStrategy[tag].Add(rec.PnlBase)
		symbol := rec.Pair.Symbol()
		summary.ByPair[symbol] = summary.ByPair[symbol].Add(rec.PnlBase)
		summary.Records++
		if rec.Estimated {
			summary.EstimatedRecords++
		}
	}

	summary.RealizedPnlBase = st.rules.Money(realized)
	summary.UnrealizedPnlBase = s.equity(st).UnrealizedPnlBase
	summary.ByStrategy = st.rules.MoneyMap(summary.ByStrategy)
	summary.ByPair = st.rules.MoneyMap(summary.ByPair)

	return summary
}

// DefaultPnlSummary applies the configured manual-trade reporting flag.
func (s *Service) DefaultPnlSummary() PnlSummary {
	return s.PnlSummary(s.cfg.TrackManualTrades)
}

// Snapshots lists stored snapshots oldest first.
func (s *Service) Snapshots(ctx context.Context, filter domain.SnapshotFilter) ([]domain.PortfolioSnapshot, error) {
	snapshots, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list snapshots")
	}

	return snapshots, nil
}

// Drift returns the persistent reconciliation status.
func (s *Service) Drift() DriftView {
	return DriftView{Status: s.state.Load().drift}
}
