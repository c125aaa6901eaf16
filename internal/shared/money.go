package shared

import (
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

var (
	hundred      = decimal.NewFromInt(100)
	swissPrinter = message.NewPrinter(language.MustParse("de-CH"))
)

// Round2 rounds an amount to cents, half away from zero.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Cents converts an amount to integer cents after rounding.
func Cents(d decimal.Decimal) int64 {
	return d.Mul(hundred).Round(0).IntPart()
}

// FromCents converts integer cents back to an amount.
func FromCents(c int64) decimal.Decimal {
	return decimal.New(c, -2)
}

// FormatCHF renders an amount with Swiss grouping, e.g. "CHF 1’200.00".
func FormatCHF(d decimal.Decimal) string {
	return swissPrinter.Sprintf("CHF %v", number.Decimal(Round2(d).InexactFloat64(), number.Scale(2)))
}
