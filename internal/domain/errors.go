package domain

import "github.com/pkg/errors"

var (
	// ErrPositionNotFound is returned for a pair without trading history.
	ErrPositionNotFound = errors.New("position not found")
	// ErrPriceUnavailable marks a stale or missing price for a resolvable valuation pair.
	ErrPriceUnavailable = errors.New("price unavailable")
	// ErrNoValuationPath is returned when an asset cannot be converted into the base currency.
	ErrNoValuationPath = errors.New("no valuation path")
	// ErrPairNotFound is returned by price feeds for pairs they cannot quote.
	ErrPairNotFound = errors.New("pair not found")
	// ErrMalformedTrade marks a trade that cannot be parsed or fails validation.
	ErrMalformedTrade = errors.New("malformed trade")
	// ErrMalformedCashFlow marks a cash flow that fails validation.
	ErrMalformedCashFlow = errors.New("malformed cash flow")
)
