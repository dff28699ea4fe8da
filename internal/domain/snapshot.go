package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AssetValuation is the base-currency value of a held asset.
type AssetValuation struct {
	Asset      string           `json:"asset"`
	Amount     decimal.Decimal  `json:"amount"`
	ValueBase  decimal.Decimal  `json:"value_base"`
	UnitPrice  *decimal.Decimal `json:"unit_price,omitempty"`
	SourcePair string           `json:"source_pair,omitempty"`
	// Unvalued is set when no valuation path exists; the asset contributes zero to equity.
	Unvalued bool `json:"unvalued,omitempty"`
	// PriceUnavailable is set when a path exists but its price was stale or missing.
	PriceUnavailable bool `json:"price_unavailable,omitempty"`
}

// PortfolioSnapshot point-in-time view of the portfolio. Derived and disposable.
type PortfolioSnapshot struct {
	ID                      string                     `json:"id"`
	Timestamp               time.Time                  `json:"ts"`
	BaseCurrency            string                     `json:"base_currency"`
	EquityBase              decimal.Decimal            `json:"equity_base"`
	CashBase                decimal.Decimal            `json:"cash_base"`
	AssetValuations         []AssetValuation           `json:"asset_valuations"`
	RealizedPnlBaseTotal    decimal.Decimal            `json:"realized_pnl_base_total"`
	UnrealizedPnlBaseTotal  decimal.Decimal            `json:"unrealized_pnl_base_total"`
	RealizedPnlBaseByPair   map[string]decimal.Decimal `json:"realized_pnl_base_by_pair"`
	UnrealizedPnlBaseByPair map[string]decimal.Decimal `json:"unrealized_pnl_base_by_pair"`
	NetCashFlowBase         decimal.Decimal            `json:"net_cash_flow_base"`
	DriftDetected           bool                       `json:"drift_detected"`
}
