// Package fee splits a charged total into the amount forwarded to the
// recipient and the platform fee.
package fee

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount = errors.New("fee: amount must be greater than zero")
	ErrInvalidRate   = errors.New("fee: rate must be zero or greater")
	ErrTooPrecise    = fmt.Errorf("%w: more decimal places than the settlement unit", ErrInvalidAmount)
)

// Breakdown always satisfies Recipient + Fee == Total.
type Breakdown struct {
	Total     decimal.Decimal
	Recipient decimal.Decimal
	Fee       decimal.Decimal
	Rate      decimal.Decimal
}

type Calculator struct {
	rate decimal.Decimal
	// places is the smallest unit the amounts are floored to (6 for USDC).
	places int32
}

func NewCalculator(rate decimal.Decimal, places int32) (*Calculator, error) {
	if rate.IsNegative() {
		return nil, ErrInvalidRate
	}
	if places < 0 {
		places = 0
	}
	return &Calculator{rate: rate, places: places}, nil
}

func (c *Calculator) Rate() decimal.Decimal { return c.rate }

// FromTotal splits the total actually charged:
// recipient = floor(total / (1+rate)), fee = total - recipient.
// A total finer than the settlement unit is rejected, never truncated.
func (c *Calculator) FromTotal(total decimal.Decimal) (Breakdown, error) {
	if !total.IsPositive() {
		return Breakdown{}, ErrInvalidAmount
	}
	if !total.Truncate(c.places).Equal(total) {
		return Breakdown{}, ErrTooPrecise
	}
	divisor := decimal.NewFromInt(1).Add(c.rate)
	// QuoRem is exact; truncation equals floor for positive operands.
	recipient, _ := total.QuoRem(divisor, c.places)
	return Breakdown{
		Total:     total,
		Recipient: recipient,
		Fee:       total.Sub(recipient),
		Rate:      c.rate,
	}, nil
}

// FromRecipient returns the breakdown for the smallest total whose split
// delivers at least the desired recipient amount. The split is derived from
// that total, so the recipient may exceed the request by one unit.
func (c *Calculator) FromRecipient(recipient decimal.Decimal) (Breakdown, error) {
	if !recipient.IsPositive() {
		return Breakdown{}, ErrInvalidAmount
	}
	gross := recipient.Mul(decimal.NewFromInt(1).Add(c.rate))
	total := gross.RoundCeil(c.places)
	return c.FromTotal(total)
}
