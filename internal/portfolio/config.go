package portfolio

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/martibooks/internal/domain"
	"github.com/vadiminshakov/martibooks/internal/precision"
)

const defaultRetention = 30 * 24 * time.Hour

// Config of the portfolio service.
type Config struct {
	BaseCurrency string
	// DriftTolerance is the reconciliation tolerance in the base currency.
	DriftTolerance    decimal.Decimal
	SnapshotRetention time.Duration
	// TrackManualTrades makes DefaultPnlSummary include manual trades.
	TrackManualTrades bool
	// HistoryStart bounds the first full sync of an empty ledger.
	HistoryStart time.Time
	Filter       domain.AssetFilter
	Normalizer   domain.AssetNormalizer
	TagPrefix    string
	// HomePairs pins the pair a position is reported under, usually the valuation overrides.
	HomePairs map[string]domain.Pair
	Precision precision.Rules
}

func (c Config) withDefaults() Config {
	c.BaseCurrency = domain.NormalizeAsset(c.BaseCurrency)
	if c.BaseCurrency == "" {
		c.BaseCurrency = "USDT"
	}
	if c.SnapshotRetention <= 0 {
		c.SnapshotRetention = defaultRetention
	}
	if c.Precision.MoneyDecimals() == 0 {
		c.Precision = precision.NewRules(precision.DefaultDecimals, nil)
	}

	return c
}
