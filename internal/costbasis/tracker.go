// Package costbasis tracks weighted-average cost positions and realized PnL.
package costbasis

import (
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/martibooks/internal/domain"
)

// Tracker maintains one inventory per non-base asset. Every trade is split into legs
// (traded asset, quote asset, third-asset fee) valued in the base currency.
// Not safe for concurrent use; callers work on clones.
type Tracker struct {
	logger      *zap.Logger
	base        string
	homePairs   map[string]domain.Pair
	inventories map[string]*inventory
	records     []domain.RealizedPnlRecord
	netFlows    decimal.Decimal
}

// New creates a tracker for the base currency. homePairs pins the pair a position is
// reported under (usually the configured valuation overrides).
func New(baseCurrency string, homePairs map[string]domain.Pair, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	pins := make(map[string]domain.Pair, len(homePairs))
	for asset, p := range homePairs {
		pins[domain.NormalizeAsset(asset)] = p
	}

	return &Tracker{
		logger:      logger,
		base:        domain.NormalizeAsset(baseCurrency),
		homePairs:   pins,
		inventories: make(map[string]*inventory),
	}
}

// BaseCurrency returns the accounting currency.
func (t *Tracker) BaseCurrency() string {
	return t.base
}

type leg struct {
	asset     string
	delta     decimal.Decimal
	price     decimal.Decimal
	fee       decimal.Decimal
	estimated bool
}

// Apply books a trade. A RealizedPnlRecord is returned when any leg disposed inventory.
func (t *Tracker) Apply(trade domain.Trade) (*domain.RealizedPnlRecord, error) {
	if err := trade.Validate(); err != nil {
		return nil, err
	}

	legs := t.legs(&trade)

	var (
		pnl       decimal.Decimal
		disposed  bool
		estimated bool
	)
	for _, l := range legs {
		inv := t.inventory(l.asset)
		wasNegative := inv.qty.IsNegative()
		legPnl, legDisposed := inv.change(l.delta, l.price, l.fee)
		inv.fees = inv.fees.Add(l.fee)
		if inv.qty.IsNegative() && !wasNegative {
			t.logger.Warn("spot inventory went negative",
				zap.String("asset", l.asset), zap.String("trade", trade.ID), zap.String("qty", inv.qty.String()))
		}
		if legDisposed {
			disposed = true
			pnl = pnl.Add(legPnl)
		}
		estimated = estimated || l.estimated
	}

	if inv, ok := t.inventories[trade.Pair.Base]; ok {
		inv.lastPair = trade.Pair
		inv.pairs[trade.Pair.Symbol()] = trade.Pair
	}

	if estimated {
		t.logger.Warn("conversion rate missing, leg valued at average cost", zap.String("trade", trade.ID))
	}
	if !disposed {
		return nil, nil
	}

	rec := domain.RealizedPnlRecord{
		TradeID:    trade.ID,
		OrderID:    trade.OrderID,
		Pair:       trade.Pair,
		Time:       trade.Time,
		Side:       trade.Side,
		BaseDelta:  trade.BaseDelta(),
		QuoteDelta: trade.QuoteDelta(),
		FeeAsset:   trade.FeeAsset,
		FeeAmount:  trade.FeeAmount,
		PnlBase:    pnl,
		Tag:        trade.Tag,
		Estimated:  estimated,
	}
	t.records = append(t.records, rec)

	return &rec, nil
}

func (t *Tracker) legs(trade *domain.Trade) []leg {
	b, q := trade.Pair.Base, trade.Pair.Quote

	rate, rateKnown := decimal.NewFromInt(1), true
	switch {
	case q == t.base:
	case trade.QuoteRate != nil:
		rate = *trade.QuoteRate
	case b == t.base:
		// selling or buying the base currency itself prices the quote asset
		rate = decimal.NewFromInt(1).Div(trade.Price)
	default:
		rateKnown = false
	}

	unitPrice := trade.Price.Mul(rate)
	primaryEstimated := !rateKnown
	if !rateKnown {
		unitPrice = t.avgOf(b)
	}

	fee, feeEstimated := t.feeValue(trade, unitPrice, rate, rateKnown)

	var legs []leg
	feeAttached := false
	if b != t.base {
		legs = append(legs, leg{
			asset:     b,
			delta:     trade.BaseDelta(),
			price:     unitPrice,
			fee:       fee,
			estimated: primaryEstimated || feeEstimated,
		})
		feeAttached = true
	}
	if q != t.base {
		l := leg{asset: q, delta: trade.QuoteDelta(), price: rate, estimated: !rateKnown}
		if !rateKnown {
			l.price = t.avgOf(q)
		}
		if !feeAttached {
			l.fee = fee
			l.estimated = l.estimated || feeEstimated
		}
		legs = append(legs, l)
	}
	if trade.FeeAmount.IsPositive() && trade.FeeAsset != b && trade.FeeAsset != q && trade.FeeAsset != t.base {
		// third-asset fee leaves the fee asset inventory at its own rate
		feeRate := t.avgOf(trade.FeeAsset)
		if trade.FeeRate != nil {
			feeRate = *trade.FeeRate
		}
		legs = append(legs, leg{asset: trade.FeeAsset, delta: trade.FeeAmount.Neg(), price: feeRate})
	}

	return legs
}

// feeValue returns the base-currency value of the trade fee.
func (t *Tracker) feeValue(trade *domain.Trade, unitPrice, rate decimal.Decimal, rateKnown bool) (decimal.Decimal, bool) {
	if !trade.FeeAmount.IsPositive() {
		return decimal.Zero, false
	}

	switch trade.FeeAsset {
	case t.base:
		return trade.FeeAmount, false
	case trade.Pair.Base:
		return trade.FeeAmount.Mul(unitPrice), !rateKnown
	case trade.Pair.Quote:
		if !rateKnown {
			return trade.FeeAmount.Mul(t.avgOf(trade.Pair.Quote)), true
		}
		return trade.FeeAmount.Mul(rate), false
	default:
		if trade.FeeRate == nil {
			return trade.FeeAmount.Mul(t.avgOf(trade.FeeAsset)), true
		}
		return trade.FeeAmount.Mul(*trade.FeeRate), false
	}
}

// ApplyCashFlow books a deposit, withdrawal, reward or adjustment and returns its base-currency value.
// Inflows enter inventory at the rate captured at ingestion, outflows leave at average cost.
func (t *Tracker) ApplyCashFlow(cf domain.CashFlow) (decimal.Decimal, error) {
	if err := cf.Validate(); err != nil {
		return decimal.Zero, err
	}

	value := cf.Amount
	if cf.Asset != t.base {
		rate := t.avgOf(cf.Asset)
		if cf.Rate != nil {
			rate = *cf.Rate
		} else if cf.Amount.IsPositive() {
			t.logger.Warn("cash flow without rate, valued at average cost",
				zap.String("id", cf.ID), zap.String("asset", cf.Asset))
		}
		inv := t.inventory(cf.Asset)
		wasNegative := inv.qty.IsNegative()
		value = inv.transfer(cf.Amount, rate)
		if inv.qty.IsNegative() && !wasNegative {
			t.logger.Warn("spot inventory went negative",
				zap.String("asset", cf.Asset), zap.String("cash_flow", cf.ID), zap.String("qty", inv.qty.String()))
		}
	}

	t.netFlows = t.netFlows.Add(value)

	return value, nil
}

func (t *Tracker) inventory(asset string) *inventory {
	inv, ok := t.inventories[asset]
	if !ok {
		inv = newInventory(asset)
		t.inventories[asset] = inv
	}

	return inv
}

func (t *Tracker) avgOf(asset string) decimal.Decimal {
	if asset == t.base {
		return decimal.NewFromInt(1)
	}
	if inv, ok := t.inventories[asset]; ok {
		return inv.avg
	}

	return decimal.Zero
}

// homePair returns the pair a position is reported under.
func (t *Tracker) homePair(inv *inventory) domain.Pair {
	if p, ok := t.homePairs[inv.asset]; ok {
		return p
	}
	if !inv.lastPair.IsZero() {
		return inv.lastPair
	}

	return domain.NewPair(inv.asset, t.base)
}

func (t *Tracker) position(inv *inventory) domain.SpotPosition {
	pair := t.homePair(inv)

	return domain.SpotPosition{
		Pair:            pair,
		BaseAsset:       inv.asset,
		QuoteAsset:      pair.Quote,
		BaseSize:        inv.qty,
		AvgEntryPrice:   inv.avgPtr(),
		RealizedPnlBase: inv.realized,
		FeesPaidBase:    inv.fees,
	}
}

// Positions returns every tracked inventory, flat ones included, sorted by pair symbol.
func (t *Tracker) Positions() []domain.SpotPosition {
	out := make([]domain.SpotPosition, 0, len(t.inventories))
	for _, inv := range t.inventories {
		out = append(out, t.position(inv))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pair.Symbol() < out[j].Pair.Symbol() })

	return out
}

// PositionBySymbol finds the position reported under the symbol or traded on it as base asset.
func (t *Tracker) PositionBySymbol(symbol string) (domain.SpotPosition, bool) {
	for _, inv := range t.inventories {
		if t.homePair(inv).Symbol() == symbol {
			return t.position(inv), true
		}
		if _, ok := inv.pairs[symbol]; ok {
			return t.position(inv), true
		}
	}

	return domain.SpotPosition{}, false
}

// Records returns realized PnL records in booking order.
func (t *Tracker) Records() []domain.RealizedPnlRecord {
	return append([]domain.RealizedPnlRecord(nil), t.records...)
}

// RealizedTotal returns the realized PnL over all inventories.
func (t *Tracker) RealizedTotal() decimal.Decimal {
	total := decimal.Zero
	for _, inv := range t.inventories {
		total = total.Add(inv.realized)
	}

	return total
}

// NetCashFlows returns the base-currency value of all booked cash flows.
func (t *Tracker) NetCashFlows() decimal.Decimal {
	return t.netFlows
}

// Clone returns an independent copy.
func (t *Tracker) Clone() *Tracker {
	c := &Tracker{
		logger:      t.logger,
		base:        t.base,
		homePairs:   t.homePairs,
		inventories: make(map[string]*inventory, len(t.inventories)),
		records:     append([]domain.RealizedPnlRecord(nil), t.records...),
		netFlows:    t.netFlows,
	}
	for asset, inv := range t.inventories {
		c.inventories[asset] = inv.clone()
	}

	return c
}
