// Package utils provides shared utility functions.
package utils

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// FormatIndianCurrency formats an amount in Indian currency format with
// lakh/crore grouping, e.g. ₹12,34,567.89.
func FormatIndianCurrency(amount decimal.Decimal) string {
	negative := amount.IsNegative()
	str := amount.Abs().StringFixed(2)
	parts := strings.Split(str, ".")
	intPart := parts[0]
	decPart := parts[1]

	result := "₹" + formatIndianNumber(intPart) + "." + decPart
	if negative {
		result = "-" + result
	}
	return result
}

// formatIndianNumber groups an integer string in the Indian numbering
// system: last three digits, then groups of two.
func formatIndianNumber(s string) string {
	if len(s) <= 3 {
		return s
	}

	groups := []string{s[len(s)-3:]}
	for s = s[:len(s)-3]; len(s) > 2; s = s[:len(s)-2] {
		groups = append(groups, s[len(s)-2:])
	}
	if s != "" {
		groups = append(groups, s)
	}

	for i, j := 0, len(groups)-1; i < j; i, j = i+1, j-1 {
		groups[i], groups[j] = groups[j], groups[i]
	}
	return strings.Join(groups, ",")
}

// FormatPercent formats a percentage with an explicit sign for gains.
func FormatPercent(value float64) string {
	if value > 0 {
		return fmt.Sprintf("+%.2f%%", value)
	}
	return fmt.Sprintf("%.2f%%", value)
}

// FormatPnL formats P&L with an explicit sign for gains.
func FormatPnL(pnl decimal.Decimal) string {
	formatted := FormatIndianCurrency(pnl)
	if pnl.IsPositive() {
		return "+" + formatted
	}
	return formatted
}

// FormatQuantity formats a quantity with Indian digit grouping.
func FormatQuantity(qty int64) string {
	if qty < 0 {
		return "-" + formatIndianNumber(fmt.Sprintf("%d", -qty))
	}
	return formatIndianNumber(fmt.Sprintf("%d", qty))
}

// FormatCompact formats an amount in compact form (L/Cr) for dashboards.
func FormatCompact(amount decimal.Decimal) string {
	abs := amount.Abs()
	switch {
	case abs.GreaterThanOrEqual(decimal.NewFromInt(10_000_000)):
		return amount.Div(decimal.NewFromInt(10_000_000)).StringFixed(2) + " Cr"
	case abs.GreaterThanOrEqual(decimal.NewFromInt(100_000)):
		return amount.Div(decimal.NewFromInt(100_000)).StringFixed(2) + " L"
	}
	return FormatIndianCurrency(amount)
}
