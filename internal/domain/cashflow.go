package domain

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// CashFlowType classifies non-trading balance movements.
type CashFlowType string

const (
	CashFlowDeposit    CashFlowType = "deposit"
	CashFlowWithdrawal CashFlowType = "withdrawal"
	CashFlowReward     CashFlowType = "reward"
	CashFlowAdjustment CashFlowType = "adjustment"
)

// CashFlow is a deposit, withdrawal, reward or adjustment. Amount is positive for inflows.
type CashFlow struct {
	ID     string          `json:"id"`
	Time   time.Time       `json:"time"`
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
	Type   CashFlowType    `json:"type"`
	Note   string          `json:"note,omitempty"`
	// Rate is the base-currency value of one unit at ingestion, nil when unknown or not needed.
	Rate *decimal.Decimal `json:"rate,omitempty"`
}

// Validate checks the invariants every ledger cash flow must satisfy.
func (c *CashFlow) Validate() error {
	switch {
	case c.ID == "":
		return errors.Wrap(ErrMalformedCashFlow, "empty cash flow id")
	case c.Asset == "":
		return errors.Wrapf(ErrMalformedCashFlow, "cash flow %s: empty asset", c.ID)
	case c.Time.IsZero():
		return errors.Wrapf(ErrMalformedCashFlow, "cash flow %s: missing time", c.ID)
	case c.Amount.IsZero():
		return errors.Wrapf(ErrMalformedCashFlow, "cash flow %s: zero amount", c.ID)
	}

	switch c.Type {
	case CashFlowDeposit, CashFlowReward:
		if c.Amount.IsNegative() {
			return errors.Wrapf(ErrMalformedCashFlow, "cash flow %s: %s must be an inflow", c.ID, c.Type)
		}
	case CashFlowWithdrawal:
		if c.Amount.IsPositive() {
			return errors.Wrapf(ErrMalformedCashFlow, "cash flow %s: withdrawal must be an outflow", c.ID)
		}
	case CashFlowAdjustment:
	default:
		return errors.Wrapf(ErrMalformedCashFlow, "cash flow %s: unknown type %q", c.ID, c.Type)
	}

	return nil
}

// Before orders cash flows by time, then id.
func (c *CashFlow) Before(other *CashFlow) bool {
	if !c.Time.Equal(other.Time) {
		return c.Time.Before(other.Time)
	}

	return c.ID < other.ID
}
