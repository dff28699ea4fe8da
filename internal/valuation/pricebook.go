package valuation

import (
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/martibooks/internal/domain"
)

// Valuation is the base-currency value of an amount of an asset.
type Valuation struct {
	Asset      string
	Amount     decimal.Decimal
	ValueBase  decimal.Decimal
	UnitPrice  *decimal.Decimal
	SourcePair string
	// Unvalued means no valuation path exists; ValueBase is zero.
	Unvalued bool
	// Err wraps domain.ErrPriceUnavailable when a path exists but its price does not.
	Err error
}

// AssetValuation converts the valuation into its snapshot form.
func (v Valuation) AssetValuation() domain.AssetValuation {
	return domain.AssetValuation{
		Asset:            v.Asset,
		Amount:           v.Amount,
		ValueBase:        v.ValueBase,
		UnitPrice:        v.UnitPrice,
		SourcePair:       v.SourcePair,
		Unvalued:         v.Unvalued,
		PriceUnavailable: v.Err != nil,
	}
}

// PriceBook is an immutable set of prices fetched by one Quote call.
type PriceBook struct {
	base    string
	takenAt time.Time
	paths   map[string]resolution
	prices  map[string]domain.Price
	errs    map[string]error
}

// EmptyBook returns a book that only knows the base currency. Every other asset
// reports ErrPriceUnavailable until a real quote replaces it.
func EmptyBook(base string) *PriceBook {
	return &PriceBook{base: domain.NormalizeAsset(base)}
}

// TakenAt returns when the book was built.
func (b *PriceBook) TakenAt() time.Time {
	return b.takenAt
}

// UnitPrice returns the base-currency price of one unit of the asset and the symbols it came from.
func (b *PriceBook) UnitPrice(asset string) (decimal.Decimal, string, error) {
	asset = domain.NormalizeAsset(asset)
	if asset == b.base {
		return decimal.NewFromInt(1), "", nil
	}

	res, ok := b.paths[asset]
	if !ok {
		return decimal.Zero, "", errors.Wrapf(domain.ErrPriceUnavailable, "%s was not quoted", asset)
	}
	if res.unvalued() {
		return decimal.Zero, "", errors.Wrapf(domain.ErrNoValuationPath, "%s", asset)
	}
	if res.err != nil {
		return decimal.Zero, "", res.err
	}

	unit := decimal.NewFromInt(1)
	symbols := make([]string, 0, len(res.pairs))
	for _, p := range res.pairs {
		if err, failed := b.errs[p.Symbol()]; failed {
			return decimal.Zero, "", err
		}
		unit = unit.Mul(b.prices[p.Symbol()].Value)
		symbols = append(symbols, p.Symbol())
	}

	return unit, strings.Join(symbols, ">"), nil
}

// ValueAsset values an amount. The base currency is valued at par.
func (b *PriceBook) ValueAsset(asset string, amount decimal.Decimal) Valuation {
	asset = domain.NormalizeAsset(asset)
	val := Valuation{Asset: asset, Amount: amount}

	unit, source, err := b.UnitPrice(asset)
	switch {
	case errors.Is(err, domain.ErrNoValuationPath):
		val.Unvalued = true
	case err != nil:
		val.Err = err
	default:
		val.ValueBase = amount.Mul(unit)
		val.UnitPrice = &unit
		val.SourcePair = source
	}

	return val
}

// ValuePosition returns the unrealized PnL of a position at the book's prices.
func (b *PriceBook) ValuePosition(pos domain.SpotPosition) (decimal.Decimal, error) {
	if !pos.IsOpen() {
		return decimal.Zero, nil
	}
	unit, _, err := b.UnitPrice(pos.BaseAsset)
	if err != nil {
		return decimal.Zero, err
	}

	return pos.UnrealizedPnL(unit), nil
}

// Rate returns the unit price as a pointer, nil when unavailable. Used to capture
// conversion rates at ingestion.
func (b *PriceBook) Rate(asset string) *decimal.Decimal {
	unit, _, err := b.UnitPrice(asset)
	if err != nil {
		return nil
	}

	return &unit
}

// Unvalued returns the quoted assets without a valuation path, sorted.
func (b *PriceBook) Unvalued() []string {
	var out []string
	for asset, res := range b.paths {
		if asset != b.base && res.unvalued() {
			out = append(out, asset)
		}
	}
	sort.Strings(out)

	return out
}
