package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Price is the latest known price of a pair.
type Price struct {
	Value decimal.Decimal
	Time  time.Time
}

// PairMetadata precision rules of a pair.
type PairMetadata struct {
	PriceDecimals  int32 `json:"price_decimals"`
	VolumeDecimals int32 `json:"volume_decimals"`
}
