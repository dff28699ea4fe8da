package costbasis

import (
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/martibooks/internal/domain"
)

// inventory is the weighted-average cost state of one asset, valued in the base currency.
type inventory struct {
	asset    string
	qty      decimal.Decimal
	avg      decimal.Decimal
	realized decimal.Decimal
	fees     decimal.Decimal
	lastPair domain.Pair
	pairs    map[string]domain.Pair
}

func newInventory(asset string) *inventory {
	return &inventory{asset: asset, pairs: make(map[string]domain.Pair)}
}

func (inv *inventory) clone() *inventory {
	c := *inv
	c.pairs = make(map[string]domain.Pair, len(inv.pairs))
	for k, v := range inv.pairs {
		c.pairs[k] = v
	}

	return &c
}

// change applies a signed quantity change priced at price per unit (base currency).
// fee is folded into the cost of an increase or charged against the pnl of a disposal.
// It returns the realized pnl and whether any inventory was disposed.
func (inv *inventory) change(delta, price, fee decimal.Decimal) (pnl decimal.Decimal, disposed bool) {
	if delta.IsZero() {
		if fee.IsPositive() {
			// nothing moved, the fee can only be a loss
			inv.realized = inv.realized.Sub(fee)
			return fee.Neg(), true
		}
		return decimal.Zero, false
	}

	if inv.qty.IsZero() || inv.qty.Sign() == delta.Sign() {
		cost := inv.qty.Mul(inv.avg).Add(delta.Mul(price)).Add(fee)
		inv.qty = inv.qty.Add(delta)
		inv.avg = cost.Div(inv.qty)
		return decimal.Zero, false
	}

	sign := decimal.NewFromInt(int64(inv.qty.Sign()))
	closed := decimal.Min(delta.Abs(), inv.qty.Abs())
	pnl = price.Sub(inv.avg).Mul(closed).Mul(sign).Sub(fee)
	inv.realized = inv.realized.Add(pnl)
	inv.qty = inv.qty.Sub(closed.Mul(sign))

	rest := delta.Abs().Sub(closed)
	switch {
	case rest.IsPositive():
		// the remainder opens the opposite side at the trade price
		inv.qty = rest.Mul(decimal.NewFromInt(int64(delta.Sign())))
		inv.avg = price
	case inv.qty.IsZero():
		inv.avg = decimal.Zero
	}

	return pnl, true
}

// transfer moves inventory in or out without realizing pnl. The part that reduces the
// holdings leaves at average cost, the part that adds to them enters at rate.
// It returns the base-currency value of the movement.
func (inv *inventory) transfer(amount, rate decimal.Decimal) decimal.Decimal {
	if inv.qty.IsZero() || inv.qty.Sign() == amount.Sign() {
		cost := inv.qty.Mul(inv.avg).Add(amount.Mul(rate))
		inv.qty = inv.qty.Add(amount)
		inv.avg = cost.Div(inv.qty)
		return amount.Mul(rate)
	}

	closed := decimal.Min(amount.Abs(), inv.qty.Abs())
	sign := decimal.NewFromInt(int64(amount.Sign()))
	value := closed.Mul(inv.avg).Mul(sign)
	inv.qty = inv.qty.Add(closed.Mul(sign))

	rest := amount.Abs().Sub(closed)
	switch {
	case rest.IsPositive():
		inv.qty = rest.Mul(sign)
		inv.avg = rate
		value = value.Add(inv.qty.Mul(rate))
	case inv.qty.IsZero():
		inv.avg = decimal.Zero
	}

	return value
}

func (inv *inventory) avgPtr() *decimal.Decimal {
	if inv.qty.IsZero() {
		return nil
	}
	avg := inv.avg

	return &avg
}
