// Package precision is the single rounding point for every quantity, price and
// money amount the accounting core persists or reports.
package precision

import (
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/martibooks/internal/domain"
)

// DefaultDecimals is used for assets and pairs without explicit rules.
const DefaultDecimals int32 = 8

// Rules holds precision rules. It is immutable; With* methods return modified copies.
type Rules struct {
	money      int32
	assets     map[string]int32
	pinned     map[string]struct{}
	pairPrices map[string]int32
}

// NewRules creates rules with the base-currency money decimals and configured per-asset decimals.
// Configured asset decimals take precedence over exchange metadata.
func NewRules(moneyDecimals int32, assetDecimals map[string]int32) Rules {
	r := Rules{
		money:      moneyDecimals,
		assets:     make(map[string]int32, len(assetDecimals)),
		pinned:     make(map[string]struct{}, len(assetDecimals)),
		pairPrices: make(map[string]int32),
	}
	for asset, d := range assetDecimals {
		asset = domain.NormalizeAsset(asset)
		r.assets[asset] = d
		r.pinned[asset] = struct{}{}
	}

	return r
}

// WithPairMetadata returns a copy that knows the exchange precision of the pair.
func (r Rules) WithPairMetadata(pair domain.Pair, md domain.PairMetadata) Rules {
	next := r.clone()
	next.pairPrices[pair.Symbol()] = md.PriceDecimals
	if _, ok := next.pinned[pair.Base]; !ok {
		next.assets[pair.Base] = md.VolumeDecimals
	}

	return next
}

// Quantity rounds an amount of the asset.
func (r Rules) Quantity(asset string, v decimal.Decimal) decimal.Decimal {
	d, ok := r.assets[asset]
	if !ok {
		d = DefaultDecimals
	}

	return v.Round(d)
}

// Price rounds a price of the pair.
func (r Rules) Price(pair domain.Pair, v decimal.Decimal) decimal.Decimal {
	d, ok := r.pairPrices[pair.Symbol()]
	if !ok {
		d = DefaultDecimals
	}

	return v.Round(d)
}

// PricePtr rounds an optional price.
func (r Rules) PricePtr(pair domain.Pair, v *decimal.Decimal) *decimal.Decimal {
	if v == nil {
		return nil
	}
	rounded := r.Price(pair, *v)

	return &rounded
}

// Money rounds a base-currency amount.
func (r Rules) Money(v decimal.Decimal) decimal.Decimal {
	return v.Round(r.money)
}

// MoneyMap rounds every value of a base-currency map into a new map.
func (r Rules) MoneyMap(m map[string]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(m))
	for k, v := range m {
		out[k] = r.Money(v)
	}

	return out
}

// MoneyDecimals returns the base-currency precision.
func (r Rules) MoneyDecimals() int32 {
	return r.money
}

func (r Rules) clone() Rules {
	next := Rules{
		money:      r.money,
		assets:     make(map[string]int32, len(r.assets)+1),
		pinned:     r.pinned,
		pairPrices: make(map[string]int32, len(r.pairPrices)+1),
	}
	for k, v := range r.assets {
		next.assets[k] = v
	}
	for k, v := range r.pairPrices {
		next.pairPrices[k] = v
	}

	return next
}
