// Package ledger keeps the append-only record of trades and cash flows.
package ledger

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/martibooks/internal/domain"
)

// Kind of a ledger entry.
type Kind string

const (
	KindTrade    Kind = "trade"
	KindCashFlow Kind = "cash_flow"
)

// Rejection describes an entry that was refused at ingestion.
type Rejection struct {
	Kind   Kind   `json:"kind"`
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// IngestResult reports the outcome of a single Ingest call.
type IngestResult struct {
	Trades             []domain.Trade
	CashFlows          []domain.CashFlow
	DuplicateTrades    int
	DuplicateCashFlows int
	Rejected           []Rejection
}

// Duplicates returns the number of already known entries.
func (r IngestResult) Duplicates() int {
	return r.DuplicateTrades + r.DuplicateCashFlows
}

// Empty reports whether nothing new was accepted.
func (r IngestResult) Empty() bool {
	return len(r.Trades) == 0 && len(r.CashFlows) == 0
}

// Ledger is the source of truth for everything that moved balances.
// It is not safe for concurrent mutation; readers get copies.
type Ledger struct {
	logger      *zap.Logger
	trades      []domain.Trade
	cashFlows   []domain.CashFlow
	tradeIDs    map[string]struct{}
	cashFlowIDs map[string]struct{}
	balances    map[string]decimal.Decimal
	mark        Mark
}

// New creates an empty ledger.
func New(logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Ledger{
		logger:      logger,
		tradeIDs:    make(map[string]struct{}),
		cashFlowIDs: make(map[string]struct{}),
		balances:    make(map[string]decimal.Decimal),
	}
}

// Ingest appends new entries in (time, id) order. Known ids are counted as duplicates
// and invalid entries are rejected one by one without failing the batch.
func (l *Ledger) Ingest(trades []domain.Trade, cashFlows []domain.CashFlow) IngestResult {
	var res IngestResult

	sortedTrades := append([]domain.Trade(nil), trades...)
	sort.SliceStable(sortedTrades, func(i, j int) bool { return sortedTrades[i].Before(&sortedTrades[j]) })
	for i := range sortedTrades {
		t := sortedTrades[i]
		if _, ok := l.tradeIDs[t.ID]; ok {
			res.DuplicateTrades++
			continue
		}
		if err := t.Validate(); err != nil {
			l.logger.Warn("rejected trade", zap.String("id", t.ID), zap.Error(err))
			res.Rejected = append(res.Rejected, Rejection{Kind: KindTrade, ID: t.ID, Reason: err.Error()})
			continue
		}
		l.appendTrade(t)
		res.Trades = append(res.Trades, t)
	}

	sortedFlows := append([]domain.CashFlow(nil), cashFlows...)
	sort.SliceStable(sortedFlows, func(i, j int) bool { return sortedFlows[i].Before(&sortedFlows[j]) })
	for i := range sortedFlows {
		c := sortedFlows[i]
		if _, ok := l.cashFlowIDs[c.ID]; ok {
			res.DuplicateCashFlows++
			continue
		}
		if err := c.Validate(); err != nil {
			l.logger.Warn("rejected cash flow", zap.String("id", c.ID), zap.Error(err))
			res.Rejected = append(res.Rejected, Rejection{Kind: KindCashFlow, ID: c.ID, Reason: err.Error()})
			continue
		}
		l.appendCashFlow(c)
		res.CashFlows = append(res.CashFlows, c)
	}

	return res
}

func (l *Ledger) appendTrade(t domain.Trade) {
	if !l.mark.TradeTime.IsZero() && t.Time.Before(l.mark.TradeTime) {
		l.logger.Debug("late trade appended behind high-water mark",
			zap.String("id", t.ID), zap.Time("time", t.Time), zap.Time("mark", l.mark.TradeTime))
	}

	l.trades = append(l.trades, t)
	l.tradeIDs[t.ID] = struct{}{}
	l.mark = l.mark.withTrade(&t)

	l.move(t.Pair.Base, t.BaseDelta())
	l.move(t.Pair.Quote, t.QuoteDelta())
	if t.FeeAmount.IsPositive() && t.FeeAsset != t.Pair.Base && t.FeeAsset != t.Pair.Quote {
		l.move(t.FeeAsset, t.FeeAmount.Neg())
	}
}

func (l *Ledger) appendCashFlow(c domain.CashFlow) {
	l.cashFlows = append(l.cashFlows, c)
	l.cashFlowIDs[c.ID] = struct{}{}
	l.mark = l.mark.withCashFlow(&c)
	l.move(c.Asset, c.Amount)
}

func (l *Ledger) move(asset string, delta decimal.Decimal) {
	next := l.balances[asset].Add(delta)
	if next.IsNegative() && !l.balances[asset].IsNegative() {
		l.logger.Warn("ledger balance went negative", zap.String("asset", asset), zap.String("total", next.String()))
	}
	l.balances[asset] = next
}

// HighWaterMark returns the latest ingested position.
func (l *Ledger) HighWaterMark() Mark {
	return l.mark
}

// AdvanceMark moves the mark forward, used when restoring a persisted mark.
func (l *Ledger) AdvanceMark(m Mark) {
	l.mark = l.mark.Max(m)
}

// Trades returns all trades in append order.
func (l *Ledger) Trades() []domain.Trade {
	return append([]domain.Trade(nil), l.trades...)
}

// CashFlows returns all cash flows in append order.
func (l *Ledger) CashFlows() []domain.CashFlow {
	return append([]domain.CashFlow(nil), l.cashFlows...)
}

// TradesSince returns trades strictly after the mark.
func (l *Ledger) TradesSince(m Mark) []domain.Trade {
	var out []domain.Trade
	for i := range l.trades {
		if after(l.trades[i].Time, l.trades[i].ID, m.TradeTime, m.TradeID) {
			out = append(out, l.trades[i])
		}
	}

	return out
}

// CashFlowsSince returns cash flows strictly after the mark.
func (l *Ledger) CashFlowsSince(m Mark) []domain.CashFlow {
	var out []domain.CashFlow
	for i := range l.cashFlows {
		if after(l.cashFlows[i].Time, l.cashFlows[i].ID, m.CashFlowTime, m.CashFlowID) {
			out = append(out, l.cashFlows[i])
		}
	}

	return out
}

// Len returns the number of entries.
func (l *Ledger) Len() int {
	return len(l.trades) + len(l.cashFlows)
}

// HasTrade reports whether the trade id is known.
func (l *Ledger) HasTrade(id string) bool {
	_, ok := l.tradeIDs[id]
	return ok
}

// Balance returns the ledger-derived total of an asset.
func (l *Ledger) Balance(asset string) decimal.Decimal {
	return l.balances[asset]
}

// Balances returns ledger-derived balances sorted by asset. Zero balances are omitted.
func (l *Ledger) Balances() []domain.AssetBalance {
	out := make([]domain.AssetBalance, 0, len(l.balances))
	for asset, total := range l.balances {
		if total.IsZero() {
			continue
		}
		out = append(out, domain.NewAssetBalance(asset, total, decimal.Zero))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })

	return out
}

// Clone returns an independent copy for all-or-nothing updates.
func (l *Ledger) Clone() *Ledger {
	c := &Ledger{
		logger:      l.logger,
		trades:      append([]domain.Trade(nil), l.trades...),
		cashFlows:   append([]domain.CashFlow(nil), l.cashFlows...),
		tradeIDs:    make(map[string]struct{}, len(l.tradeIDs)),
		cashFlowIDs: make(map[string]struct{}, len(l.cashFlowIDs)),
		balances:    make(map[string]decimal.Decimal, len(l.balances)),
		mark:        l.mark,
	}
	for id := range l.tradeIDs {
		c.tradeIDs[id] = struct{}{}
	}
	for id := range l.cashFlowIDs {
		c.cashFlowIDs[id] = struct{}{}
	}
	for asset, v := range l.balances {
		c.balances[asset] = v
	}

	return c
}

// Walk visits trades and cash flows merged by time; trades come first on equal timestamps.
// Both slices must already be in (time, id) order.
func Walk(trades []domain.Trade, cashFlows []domain.CashFlow,
	onTrade func(domain.Trade) error, onCashFlow func(domain.CashFlow) error) error {
	i, j := 0, 0
	for i < len(trades) || j < len(cashFlows) {
		if j >= len(cashFlows) || (i < len(trades) && !cashFlows[j].Time.Before(trades[i].Time)) {
			if err := onTrade(trades[i]); err != nil {
				return errors.Wrapf(err, "apply trade %s", trades[i].ID)
			}
			i++
			continue
		}
		if err := onCashFlow(cashFlows[j]); err != nil {
			return errors.Wrapf(err, "apply cash flow %s", cashFlows[j].ID)
		}
		j++
	}

	return nil
}
