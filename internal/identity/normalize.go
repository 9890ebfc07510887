package identity

import (
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// moneyPlaces is the number of minor-unit digits kept in money keys.
const moneyPlaces = 2

// dayLayout is the calendar-day stamp used in budget keys.
const dayLayout = "2006-01-02"

// NormalizeName canonicalizes a user-entered name: trims surrounding
// whitespace, strips diacritics, folds case, and collapses internal
// whitespace runs to a single space. A name that is empty after trimming
// normalizes to "".
func NormalizeName(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}

	// Casers and transform chains carry state; build them per call.
	stripped, _, err := transform.String(stripDiacritics(), trimmed)
	if err != nil {
		// The chain only drops nonspacing marks; fall back to the composed
		// form rather than losing the name.
		stripped = norm.NFC.String(trimmed)
	}

	folded := cases.Fold().String(stripped)

	return strings.ToLower(strings.Join(strings.Fields(folded), " "))
}

// stripDiacritics decomposes, removes combining marks, and recomposes.
func stripDiacritics() transform.Transformer {
	return transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
}

// NormalizeMoney rounds an amount to cents and renders it with exactly two
// fraction digits ("12.30"). Rounding is half away from zero on the shortest
// decimal form of the float, so 12.345 rounds to "12.35" even though its
// binary value sits just below the midpoint. Non-finite amounts normalize
// as zero.
func NormalizeMoney(amount float64) string {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		amount = 0
	}

	return NormalizeDecimal(decimal.NewFromFloat(amount))
}

// NormalizeDecimal is NormalizeMoney for amounts already held as decimals.
func NormalizeDecimal(amount decimal.Decimal) string {
	return amount.Round(moneyPlaces).StringFixed(moneyPlaces)
}

// NormalizeDay renders the UTC calendar day containing t as YYYY-MM-DD.
// Two instants on the same UTC day produce the same key regardless of the
// location attached to them.
func NormalizeDay(t time.Time) string {
	return t.UTC().Format(dayLayout)
}
