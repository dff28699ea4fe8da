package domain

import "github.com/shopspring/decimal"

// AssetBalance holdings of a single asset.
type AssetBalance struct {
	Asset    string          `json:"asset"`
	Free     decimal.Decimal `json:"free"`
	Reserved decimal.Decimal `json:"reserved"`
	Total    decimal.Decimal `json:"total"`
}

// NewAssetBalance creates a balance with Total = Free + Reserved.
func NewAssetBalance(asset string, free, reserved decimal.Decimal) AssetBalance {
	return AssetBalance{
		Asset:    asset,
		Free:     free,
		Reserved: reserved,
		Total:    free.Add(reserved),
	}
}
