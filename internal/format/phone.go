package format

import "strings"

// DefaultCountryCode is Indonesia.
const DefaultCountryCode = "62"

// NormalizePhone returns raw in international form without a plus sign.
// Non-digits are dropped. An international "00" prefix is removed, a leading
// trunk 0 becomes the country code, and a number without the country code
// gets it prepended. The result is stable under repeated normalisation.
func NormalizePhone(raw, countryCode string) string {
	if countryCode == "" {
		countryCode = DefaultCountryCode
	}
	d := Digits(raw)
	if rest, ok := strings.CutPrefix(d, "00"); ok && rest != "" {
		// 00 62 812... dials internationally; what follows carries its own
		// country code.
		return rest
	}
	switch {
	case d == "":
		return ""
	case strings.HasPrefix(d, countryCode):
		return d
	case strings.HasPrefix(d, "0"):
		return countryCode + strings.TrimLeft(d, "0")
	default:
		return countryCode + d
	}
}

// ValidPhone reports whether raw normalises to a plausible number of 10 to
// 15 digits under countryCode. Indonesian numbers must also be mobile
// (62 8xx), since WhatsApp and SMS cannot reach landlines.
func ValidPhone(raw, countryCode string) bool {
	if countryCode == "" {
		countryCode = DefaultCountryCode
	}
	n := NormalizePhone(raw, countryCode)
	if len(n) < 10 || len(n) > 15 || !strings.HasPrefix(n, countryCode) {
		return false
	}
	if countryCode == DefaultCountryCode {
		return strings.HasPrefix(n, "628")
	}
	return true
}
