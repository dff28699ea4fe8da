package domain

import "github.com/shopspring/decimal"

// SpotPosition is the weighted-average cost position of an asset, reported under its trading pair.
// Monetary fields are expressed in the base currency.
type SpotPosition struct {
	Pair            Pair             `json:"pair"`
	BaseAsset       string           `json:"base_asset"`
	QuoteAsset      string           `json:"quote_asset"`
	BaseSize        decimal.Decimal  `json:"base_size"`
	AvgEntryPrice   *decimal.Decimal `json:"avg_entry_price"`
	RealizedPnlBase decimal.Decimal  `json:"realized_pnl_base"`
	FeesPaidBase    decimal.Decimal  `json:"fees_paid_base"`
}

// IsOpen returns true if the position holds a non-zero size.
func (p *SpotPosition) IsOpen() bool {
	return p != nil && !p.BaseSize.IsZero()
}

// IsShort returns true for negative spot exposure.
func (p *SpotPosition) IsShort() bool {
	return p != nil && p.BaseSize.IsNegative()
}

// UnrealizedPnL calculates unrealized profit and loss at the given base-currency price.
func (p *SpotPosition) UnrealizedPnL(currentPrice decimal.Decimal) decimal.Decimal {
	if !p.IsOpen() || p.AvgEntryPrice == nil {
		return decimal.Zero
	}

	// long: (price - entry) * size; short sizes are negative so the same formula holds
	return currentPrice.Sub(*p.AvgEntryPrice).Mul(p.BaseSize)
}
