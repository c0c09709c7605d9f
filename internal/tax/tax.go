package tax

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

type Result struct {
	TaxAmount decimal.Decimal
	Total     decimal.Decimal
}

// Compute derives tax and total from the subtotal net of discounts.
// Exclusive tax is added on top; inclusive tax is carved out of net and the
// total stays equal to net. Rounding to places happens once, on the result.
func Compute(net decimal.Decimal, percentage decimal.Decimal, inclusive bool, places int32) Result {
	if net.IsNegative() {
		net = decimal.Zero
	}
	net = net.Round(places)
	if !percentage.IsPositive() {
		return Result{TaxAmount: decimal.Zero, Total: net}
	}

	rate := percentage.Div(hundred)
	if inclusive {
		raw := net.Sub(net.Div(decimal.NewFromInt(1).Add(rate)))
		return Result{TaxAmount: raw.Round(places), Total: net}
	}

	taxAmount := net.Mul(rate).Round(places)
	return Result{TaxAmount: taxAmount, Total: net.Add(taxAmount)}
}
