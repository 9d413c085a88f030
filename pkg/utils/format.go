// Package utils provides INR formatting helpers for operator output.
package utils

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// FormatINR renders amount as rupees with Indian digit grouping, e.g.
// 1234567.5 -> "Rs 12,34,567.50".
func FormatINR(amount float64) string {
	d := decimal.NewFromFloat(amount).Round(2)
	negative := d.IsNegative()
	if negative {
		d = d.Neg()
	}

	intPart, decPart, _ := strings.Cut(d.StringFixed(2), ".")
	out := "Rs " + groupIndian(intPart) + "." + decPart
	if negative {
		return "-" + out
	}
	return out
}

// groupIndian groups the last three digits, then pairs.
func groupIndian(s string) string {
	if len(s) <= 3 {
		return s
	}
	head, tail := s[:len(s)-3], s[len(s)-3:]

	var groups []string
	for len(head) > 2 {
		groups = append([]string{head[len(head)-2:]}, groups...)
		head = head[:len(head)-2]
	}
	if head != "" {
		groups = append([]string{head}, groups...)
	}
	return strings.Join(append(groups, tail), ",")
}

// FormatPnL prefixes gains with "+".
func FormatPnL(pnl float64) string {
	if pnl > 0 {
		return "+" + FormatINR(pnl)
	}
	return FormatINR(pnl)
}

// FormatPct renders a signed percentage with two decimals.
func FormatPct(value float64) string {
	s := strconv.FormatFloat(value, 'f', 2, 64) + "%"
	if value > 0 {
		return "+" + s
	}
	return s
}

// FormatQty groups a share count the Indian way.
func FormatQty(qty int) string {
	if qty < 0 {
		return "-" + groupIndian(strconv.Itoa(-qty))
	}
	return groupIndian(strconv.Itoa(qty))
}

// FormatCompact renders lakhs and crores above 1 L.
func FormatCompact(amount float64) string {
	abs := amount
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs >= 1e7:
		return strconv.FormatFloat(amount/1e7, 'f', 2, 64) + " Cr"
	case abs >= 1e5:
		return strconv.FormatFloat(amount/1e5, 'f', 2, 64) + " L"
	}
	return FormatINR(amount)
}
