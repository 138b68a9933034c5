// Package money holds the rounding rules applied to every monetary amount
// before it is stored or compared.
package money

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/odyssey-erp/odyssey-caisse/internal/shared"
)

// DefaultCurrency is used when a request or account does not name one.
const DefaultCurrency = "XOF"

// MaxAmount bounds every rounded amount and every sum of amounts, in whole
// currency units. It keeps ledger arithmetic far from int64 overflow.
const MaxAmount int64 = 1_000_000_000_000_000

var maxDecimal = decimal.NewFromInt(MaxAmount)

// ErrOutOfRange is returned for infinite amounts and amounts whose magnitude
// exceeds MaxAmount.
var ErrOutOfRange = fmt.Errorf("%w: amount out of range", shared.ErrValidation)

// Round ceils amount to the next whole currency unit. NaN rounds to 0.
func Round(amount float64) (int64, error) {
	if math.IsNaN(amount) {
		return 0, nil
	}
	if math.IsInf(amount, 0) {
		return 0, ErrOutOfRange
	}
	return RoundDecimal(decimal.NewFromFloat(amount))
}

// RoundDecimal ceils an exact decimal amount.
func RoundDecimal(amount decimal.Decimal) (int64, error) {
	ceiled := amount.Ceil()
	if ceiled.Abs().GreaterThan(maxDecimal) {
		return 0, fmt.Errorf("%w: %s", ErrOutOfRange, amount.String())
	}
	return ceiled.IntPart(), nil
}

// LineTotal computes quantity x unit price in decimal arithmetic and rounds
// the product once. Quantities themselves are never rounded.
func LineTotal(quantity, unitPrice float64) (int64, error) {
	if math.IsNaN(quantity) || math.IsNaN(unitPrice) {
		return 0, nil
	}
	if math.IsInf(quantity, 0) || math.IsInf(unitPrice, 0) {
		return 0, ErrOutOfRange
	}
	return RoundDecimal(decimal.NewFromFloat(quantity).Mul(decimal.NewFromFloat(unitPrice)))
}

// Sum adds already rounded totals, failing once the running sum leaves
// [-MaxAmount, MaxAmount].
func Sum(totals ...int64) (int64, error) {
	var sum int64
	for _, t := range totals {
		if t > MaxAmount || t < -MaxAmount {
			return 0, ErrOutOfRange
		}
		sum += t
		if sum > MaxAmount || sum < -MaxAmount {
			return 0, ErrOutOfRange
		}
	}
	return sum, nil
}

var printer = message.NewPrinter(language.English)

// Format renders a rounded amount for display, e.g. "150,000 XOF".
func Format(amount int64, currency string) string {
	if currency == "" {
		currency = DefaultCurrency
	}
	return printer.Sprintf("%d %s", amount, currency)
}
