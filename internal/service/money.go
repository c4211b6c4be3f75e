package service

import (
	"github.com/shopspring/decimal"
)

// minor units per major unit
const minorExponent = -2

var amountTolerance = decimal.New(1, minorExponent)

// ToDecimal converts minor units to a decimal amount
func ToDecimal(minor int64) decimal.Decimal {
	return decimal.New(minor, minorExponent)
}

// FormatAmount renders minor units with two decimals
func FormatAmount(minor int64) string {
	return "PHP " + ToDecimal(minor).StringFixed(2)
}

// AmountMatches reports whether amount equals the total within 0.01
func AmountMatches(amount decimal.Decimal, totalMinor int64) bool {
	return !amount.Sub(ToDecimal(totalMinor)).Abs().GreaterThan(amountTolerance)
}
