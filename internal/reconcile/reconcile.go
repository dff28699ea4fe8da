// Package reconcile compares ledger-derived balances with the exchange's view.
package reconcile

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/martibooks/internal/domain"
	"github.com/vadiminshakov/martibooks/internal/valuation"
)

// Pricer values asset amounts in the base currency. *valuation.PriceBook implements it.
type Pricer interface {
	ValueAsset(asset string, amount decimal.Decimal) valuation.Valuation
}

// Discrepancy of a single asset. Difference is exchange minus ledger.
type Discrepancy struct {
	Asset         string          `json:"asset"`
	LedgerTotal   decimal.Decimal `json:"ledger_total"`
	ExchangeTotal decimal.Decimal `json:"exchange_total"`
	Difference    decimal.Decimal `json:"difference"`
	ValueBase     decimal.Decimal `json:"value_base"`
	// Unmeasured discrepancies could not be valued. They never raise drift but make the
	// report inconclusive.
	Unmeasured bool   `json:"unmeasured,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Report is the result of one completed reconciliation.
type Report struct {
	CheckedAt            time.Time       `json:"checked_at"`
	DriftFlag            bool            `json:"drift"`
	Tolerance            decimal.Decimal `json:"tolerance"`
	PerAsset             []Discrepancy   `json:"per_asset"`
	TotalDiscrepancyBase decimal.Decimal `json:"total_discrepancy_base"`
	// Inconclusive is set when a nonzero discrepancy could not be valued.
	Inconclusive bool `json:"inconclusive,omitempty"`
}

type options struct {
	filter domain.AssetFilter
	now    func() time.Time
}

// Option customizes a check.
type Option func(*options)

// WithFilter restricts the check to assets admitted by the filter.
func WithFilter(f domain.AssetFilter) Option {
	return func(o *options) {
		o.filter = f
	}
}

// WithClock sets the time source of CheckedAt.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// Check compares balances asset by asset. Drift is flagged when a single valued
// discrepancy or their sum exceeds the tolerance (base currency). It never mutates its inputs.
func Check(ledger, exchange []domain.AssetBalance, tolerance decimal.Decimal, pricer Pricer, opts ...Option) Report {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	totals := make(map[string][2]decimal.Decimal)
	for _, b := range ledger {
		v := totals[b.Asset]
		v[0] = v[0].Add(b.Total)
		totals[b.Asset] = v
	}
	for _, b := range exchange {
		v := totals[b.Asset]
		v[1] = v[1].Add(b.Total)
		totals[b.Asset] = v
	}

	report := Report{
		CheckedAt:            o.now(),
		Tolerance:            tolerance,
		TotalDiscrepancyBase: decimal.Zero,
	}

	for asset, v := range totals {
		if !o.filter.Allows(asset) {
			continue
		}
		diff := v[1].Sub(v[0])
		if diff.IsZero() {
			continue
		}

		d := Discrepancy{Asset: asset, LedgerTotal: v[0], ExchangeTotal: v[1], Difference: diff}
		val := pricer.ValueAsset(asset, diff.Abs())
		switch {
		case val.Unvalued:
			d.Unmeasured = true
			d.Reason = "no valuation path"
			report.Inconclusive = true
		case val.Err != nil:
			d.Unmeasured = true
			d.Reason = val.Err.Error()
			report.Inconclusive = true
		default:
			d.ValueBase = val.ValueBase
			report.TotalDiscrepancyBase = report.TotalDiscrepancyBase.Add(val.ValueBase)
			if val.ValueBase.GreaterThan(tolerance) {
				report.DriftFlag = true
			}
		}
		report.PerAsset = append(report.PerAsset, d)
	}

	if report.TotalDiscrepancyBase.GreaterThan(tolerance) {
		report.DriftFlag = true
	}
	sort.Slice(report.PerAsset, func(i, j int) bool { return report.PerAsset[i].Asset < report.PerAsset[j].Asset })

	return report
}

// Unmeasured returns the assets whose discrepancy could not be valued.
func (r Report) Unmeasured() []string {
	var out []string
	for _, d := range r.PerAsset {
		if d.Unmeasured {
			out = append(out, d.Asset)
		}
	}

	return out
}
