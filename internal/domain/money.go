package domain

import (
	"strings"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var displayPrinter = message.NewPrinter(language.English)

// FormatMinor renders an integer minor-unit amount as a display price
// (e.g. 8500, "USD" -> "$85.00"). Presentation only; all arithmetic stays in
// minor units.
func FormatMinor(amountMinor int64, currencyCode string) string {
	code := strings.ToUpper(strings.TrimSpace(currencyCode))
	unit, err := currency.ParseISO(code)
	if err != nil {
		return displayPrinter.Sprintf("%d.%02d %s", amountMinor/100, abs64(amountMinor%100), code)
	}
	return displayPrinter.Sprintf("%v", currency.Symbol(unit.Amount(float64(amountMinor)/100)))
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
