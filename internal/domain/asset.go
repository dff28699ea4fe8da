package domain

import "strings"

// NormalizeAsset trims and upper-cases an asset code.
func NormalizeAsset(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// AssetNormalizer maps exchange-specific asset codes onto canonical ones (XBT -> BTC).
type AssetNormalizer struct {
	aliases map[string]string
}

// NewAssetNormalizer builds a normalizer from an alias -> canonical code map.
func NewAssetNormalizer(aliases map[string]string) AssetNormalizer {
	normalized := make(map[string]string, len(aliases))
	for alias, canonical := range aliases {
		normalized[NormalizeAsset(alias)] = NormalizeAsset(canonical)
	}

	return AssetNormalizer{aliases: normalized}
}

// Normalize returns the canonical asset code.
func (n AssetNormalizer) Normalize(code string) string {
	code = NormalizeAsset(code)
	if canonical, ok := n.aliases[code]; ok {
		return canonical
	}

	return code
}

// Pair normalizes both legs of a pair.
func (n AssetNormalizer) Pair(p Pair) Pair {
	return Pair{Base: n.Normalize(p.Base), Quote: n.Normalize(p.Quote)}
}

// AssetFilter decides which assets take part in valuation and reconciliation.
// An empty include list admits every asset that is not excluded.
type AssetFilter struct {
	include map[string]struct{}
	exclude map[string]struct{}
}

// NewAssetFilter creates a filter from include and exclude lists.
func NewAssetFilter(include, exclude []string) AssetFilter {
	return AssetFilter{include: toSet(include), exclude: toSet(exclude)}
}

// Allows reports whether the asset passes the filter.
func (f AssetFilter) Allows(asset string) bool {
	asset = NormalizeAsset(asset)
	if _, ok := f.exclude[asset]; ok {
		return false
	}
	if len(f.include) == 0 {
		return true
	}
	_, ok := f.include[asset]

	return ok
}

func toSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[NormalizeAsset(v)] = struct{}{}
	}

	return set
}
