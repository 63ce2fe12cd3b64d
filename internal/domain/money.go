package domain

import "github.com/shopspring/decimal"

// MoneyPlaces is the number of decimal places every amount is rounded to.
const MoneyPlaces = 2

// SettlementTolerance is the largest outstanding balance still treated as
// fully settled. It absorbs the sub-cent residuals left by proportional
// rounding.
var SettlementTolerance = decimal.New(1, -MoneyPlaces)

// RoundMoney rounds an amount to two decimal places.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyPlaces)
}

// IsSettled reports whether an outstanding balance counts as paid off.
func IsSettled(d decimal.Decimal) bool {
	return d.LessThanOrEqual(SettlementTolerance)
}

// FloorZero returns d, or zero when d is settled.
func FloorZero(d decimal.Decimal) decimal.Decimal {
	if IsSettled(d) {
		return decimal.Zero
	}
	return d
}

// MinMoney returns the smallest of the given amounts.
func MinMoney(first decimal.Decimal, rest ...decimal.Decimal) decimal.Decimal {
	return decimal.Min(first, rest...)
}
