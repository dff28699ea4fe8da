package domain

import "time"

// TradeFilter selects trades from the ledger. Zero values match everything.
type TradeFilter struct {
	Symbol        string
	Since         time.Time
	Until         time.Time
	Tag           *StrategyTag
	ExcludeManual bool
	Limit         int
}

// Match reports whether the trade passes the filter.
func (f TradeFilter) Match(t *Trade) bool {
	if f.Symbol != "" && t.Pair.Symbol() != f.Symbol {
		return false
	}
	if !inRange(t.Time, f.Since, f.Until) {
		return false
	}
	if f.Tag != nil && *f.Tag != t.Tag {
		return false
	}

	return !(f.ExcludeManual && t.Tag.IsManual())
}

// CashFlowFilter selects cash flows from the ledger.
type CashFlowFilter struct {
	Asset string
	Type  CashFlowType
	Since time.Time
	Until time.Time
	Limit int
}

// Match reports whether the cash flow passes the filter.
func (f CashFlowFilter) Match(c *CashFlow) bool {
	if f.Asset != "" && c.Asset != NormalizeAsset(f.Asset) {
		return false
	}
	if f.Type != "" && c.Type != f.Type {
		return false
	}

	return inRange(c.Time, f.Since, f.Until)
}

// SnapshotFilter selects stored snapshots, oldest first.
type SnapshotFilter struct {
	Since time.Time
	Limit int
}

// inRange checks since <= t < until, open bounds when zero.
func inRange(t, since, until time.Time) bool {
	if !since.IsZero() && t.Before(since) {
		return false
	}

	return until.IsZero() || t.Before(until)
}
