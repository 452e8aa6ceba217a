// Package money provides shared KES parsing and formatting utilities.
//
// Amounts are stored as int64 in cents (1 KES = 100 cents). The mobile
// rail only moves whole shillings, so wire-bound amounts must convert
// cleanly via WholeShillings.
package money

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	Decimals = 2
	Shilling = 100 // cents per KES
)

// Parse converts a decimal string (e.g. "1500.50") to cents (150050).
// Returns (0, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 2 decimal places
func Parse(s string) (int64, bool) {
	if s == "" {
		return 0, true
	}

	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return 0, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	// Pad or trim to 2 decimals
	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	cents, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil || cents < 0 {
		return 0, false
	}
	return cents, true
}

// Format converts cents to a human-readable decimal string with exactly
// 2 decimal places (e.g. "1500.50").
func Format(cents int64) string {
	neg := cents < 0
	if neg {
		cents = -cents
	}
	s := fmt.Sprintf("%d.%02d", cents/Shilling, cents%Shilling)
	if neg {
		s = "-" + s
	}
	return s
}

// WholeShillings converts cents to whole KES for the rail. The second
// return is false when the amount has a fractional shilling the rail
// cannot carry.
func WholeShillings(cents int64) (int64, bool) {
	if cents%Shilling != 0 {
		return 0, false
	}
	return cents / Shilling, true
}

// Split divides total cents between a payout and a fee leg, where the
// fee is feeBps basis points of the total rounded half-to-even. Any
// remainder stays on the payout leg. When a fee applies and the total
// allows it, both legs come out at least one cent.
func Split(total int64, feeBps int64) (payout, fee int64) {
	if total <= 0 || feeBps <= 0 {
		return total, 0
	}

	num := total * feeBps
	fee = num / 10_000
	rem := num % 10_000
	switch {
	case rem*2 > 10_000:
		fee++
	case rem*2 == 10_000 && fee%2 == 1:
		fee++ // half rounds to even
	}

	if fee == 0 && total >= 2 {
		fee = 1
	}
	if fee >= total {
		fee = total - 1
		if fee < 0 {
			fee = 0
		}
	}
	return total - fee, fee
}

// SplitHalf divides total cents into equal seller and buyer legs. An odd
// total leaves a half-cent: the buyer leg rounds half-to-even and the
// seller leg absorbs the remainder. Callers decide whether a zero leg is
// acceptable.
func SplitHalf(total int64) (seller, buyer int64) {
	if total <= 0 {
		return 0, 0
	}
	buyer = total / 2
	if total%2 != 0 && buyer%2 != 0 {
		buyer++ // half rounds to even
	}
	return total - buyer, buyer
}
