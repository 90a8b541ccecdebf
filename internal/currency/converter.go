package currency

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// minorExponent maps currency codes to the number of decimal places in one
// major unit. Everything inside the pipeline is carried in minor units.
var minorExponent = map[string]int32{
	"USD": 2,
	"CAD": 2,
	"EUR": 2,
	"GBP": 2,
	"JPY": 0,
}

// BpsDenominator is 100% expressed in basis points.
const BpsDenominator = 10000

// Exponent returns the minor-unit exponent for a currency code.
func Exponent(code string) (int32, error) {
	if code == "" {
		code = "USD"
	}
	exp, ok := minorExponent[code]
	if !ok {
		return 0, fmt.Errorf("unsupported currency: %s", code)
	}
	return exp, nil
}

// ToMajor converts minor units to an exact decimal in major units.
func ToMajor(minor int64, code string) (decimal.Decimal, error) {
	exp, err := Exponent(code)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.New(minor, -exp), nil
}

// Format renders minor units as a major-unit string, e.g. 123456 -> "1234.56 USD".
// Unknown currencies fall back to two decimal places.
func Format(minor int64, code string) string {
	if code == "" {
		code = "USD"
	}
	exp, err := Exponent(code)
	if err != nil {
		exp = 2
	}
	return decimal.New(minor, -exp).StringFixed(exp) + " " + code
}

// ApplyBps returns amount*bps/10000 truncated toward zero. It never goes
// through floating point.
func ApplyBps(amount, bps int64) int64 {
	return amount * bps / BpsDenominator
}
