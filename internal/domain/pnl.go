package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RealizedPnlRecord is emitted once per trade that disposes inventory.
type RealizedPnlRecord struct {
	TradeID    string          `json:"trade_id"`
	OrderID    string          `json:"order_id,omitempty"`
	Pair       Pair            `json:"pair"`
	Time       time.Time       `json:"time"`
	Side       Side            `json:"side"`
	BaseDelta  decimal.Decimal `json:"base_delta"`
	QuoteDelta decimal.Decimal `json:"quote_delta"`
	FeeAsset   string          `json:"fee_asset,omitempty"`
	FeeAmount  decimal.Decimal `json:"fee_amount"`
	PnlBase    decimal.Decimal `json:"pnl_base"`
	Tag        StrategyTag     `json:"strategy_tag"`
	// Estimated is set when a conversion rate was missing and average cost was used instead.
	Estimated bool `json:"estimated,omitempty"`
}
