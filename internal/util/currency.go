package util

import (
	"strings"

	"golang.org/x/text/currency"
)

// NormalizeCurrency upper-cases and trims an ISO 4217 alphabetic code.
// Returns ("", false) when the result is not a recognized currency.
func NormalizeCurrency(raw string) (string, bool) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if len(s) != 3 {
		return "", false
	}
	unit, err := currency.ParseISO(s)
	if err != nil {
		return "", false
	}
	return unit.String(), true
}
