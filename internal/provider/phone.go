package provider

import (
	"strings"
	"unicode"
)

// ZambiaCountryCode is the dialing prefix for Zambian numbers.
const ZambiaCountryCode = "260"

// NormalizeZambian reduces a Zambian mobile number to 260XXXXXXXXX and
// checks that its network prefix belongs to the rail. Accepted inputs
// include "+260 96 1234567", "0961234567" and "961234567".
func NormalizeZambian(providerName, phone string, prefixes ...string) (string, error) {
	var b strings.Builder
	for i, r := range phone {
		switch {
		case unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '+' && i == 0, r == ' ', r == '-', r == '(', r == ')':
		default:
			return "", &PhoneError{Provider: providerName, Phone: phone, Reason: "unexpected character"}
		}
	}
	digits := b.String()

	switch {
	case strings.HasPrefix(digits, ZambiaCountryCode) && len(digits) == 12:
		digits = digits[3:]
	case strings.HasPrefix(digits, "0") && len(digits) == 10:
		digits = digits[1:]
	}
	if len(digits) != 9 {
		return "", &PhoneError{Provider: providerName, Phone: phone, Reason: "must have 9 national digits"}
	}

	for _, p := range prefixes {
		if strings.HasPrefix(digits, p) {
			return ZambiaCountryCode + digits, nil
		}
	}
	return "", &PhoneError{Provider: providerName, Phone: phone, Reason: "number is not on this network"}
}

// NationalNumber strips the country code from a normalized number.
func NationalNumber(normalized string) string {
	return strings.TrimPrefix(normalized, ZambiaCountryCode)
}
