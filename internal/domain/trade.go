package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Side of a fill.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide accepts buy/sell in any case, as well as b/s.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "b":
		return SideBuy, nil
	case "sell", "s":
		return SideSell, nil
	default:
		return "", errors.Errorf("unknown side %q", s)
	}
}

// ExchangeTrade is a fill as reported by an exchange client.
// Numeric fields keep the exchange's textual representation and are parsed at ingestion.
type ExchangeTrade struct {
	ID            string
	OrderID       string
	ClientOrderID string
	Pair          Pair
	Side          string
	Price         string
	Quantity      string
	QuoteQuantity string
	Fee           string
	FeeAsset      string
	Time          time.Time
}

// Trade is an ingested fill. Immutable once accepted by the ledger.
type Trade struct {
	ID            string          `json:"id"`
	OrderID       string          `json:"order_id,omitempty"`
	Pair          Pair            `json:"pair"`
	Side          Side            `json:"side"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
	QuoteQuantity decimal.Decimal `json:"quote_quantity"`
	FeeAsset      string          `json:"fee_asset,omitempty"`
	FeeAmount     decimal.Decimal `json:"fee_amount"`
	Time          time.Time       `json:"time"`
	Tag           StrategyTag     `json:"tag"`
	// QuoteRate is the base-currency value of one quote unit, captured at ingestion.
	// Nil when the quote asset is the base currency or no rate could be resolved.
	QuoteRate *decimal.Decimal `json:"quote_rate,omitempty"`
	// FeeRate is the base-currency value of one fee unit for fees charged in a third asset.
	FeeRate *decimal.Decimal `json:"fee_rate,omitempty"`
}

// Validate checks the invariants every ledger trade must satisfy.
func (t *Trade) Validate() error {
	switch {
	case t.ID == "":
		return errors.Wrap(ErrMalformedTrade, "empty trade id")
	case t.Pair.Base == "" || t.Pair.Quote == "" || t.Pair.Base == t.Pair.Quote:
		return errors.Wrapf(ErrMalformedTrade, "trade %s: invalid pair %s", t.ID, t.Pair.String())
	case t.Side != SideBuy && t.Side != SideSell:
		return errors.Wrapf(ErrMalformedTrade, "trade %s: invalid side %q", t.ID, t.Side)
	case !t.Price.IsPositive():
		return errors.Wrapf(ErrMalformedTrade, "trade %s: price must be positive, got %s", t.ID, t.Price.String())
	case !t.Quantity.IsPositive():
		return errors.Wrapf(ErrMalformedTrade, "trade %s: quantity must be positive, got %s", t.ID, t.Quantity.String())
	case t.QuoteQuantity.IsNegative():
		return errors.Wrapf(ErrMalformedTrade, "trade %s: negative quote quantity", t.ID)
	case t.FeeAmount.IsNegative():
		return errors.Wrapf(ErrMalformedTrade, "trade %s: negative fee", t.ID)
	case t.FeeAmount.IsPositive() && t.FeeAsset == "":
		return errors.Wrapf(ErrMalformedTrade, "trade %s: fee without fee asset", t.ID)
	case t.Time.IsZero():
		return errors.Wrapf(ErrMalformedTrade, "trade %s: missing time", t.ID)
	}

	return nil
}

// Notional returns the quote amount exchanged, falling back to price * quantity.
func (t *Trade) Notional() decimal.Decimal {
	if t.QuoteQuantity.IsPositive() {
		return t.QuoteQuantity
	}

	return t.Price.Mul(t.Quantity)
}

// BaseDelta is the signed change of the base asset balance, fees charged in the base asset included.
func (t *Trade) BaseDelta() decimal.Decimal {
	delta := t.Quantity
	if t.Side == SideSell {
		delta = delta.Neg()
	}
	if t.FeeAsset == t.Pair.Base {
		delta = delta.Sub(t.FeeAmount)
	}

	return delta
}

// QuoteDelta is the signed change of the quote asset balance, fees charged in the quote asset included.
func (t *Trade) QuoteDelta() decimal.Decimal {
	delta := t.Notional()
	if t.Side == SideBuy {
		delta = delta.Neg()
	}
	if t.FeeAsset == t.Pair.Quote {
		delta = delta.Sub(t.FeeAmount)
	}

	return delta
}

// String returns a human-readable string representation.
func (t *Trade) String() string {
	return fmt.Sprintf("%s %s %s %s @ %s", t.ID, t.Pair.String(), t.Side, t.Quantity.String(), t.Price.String())
}

// Before orders trades by time, then id.
func (t *Trade) Before(other *Trade) bool {
	if !t.Time.Equal(other.Time) {
		return t.Time.Before(other.Time)
	}

	return t.ID < other.ID
}
