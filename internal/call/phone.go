package call

import (
	"fmt"
	"strings"
	"unicode"
)

// NormalizeNumber converts a dialled number to E.164. Numbers written with a
// leading "+" keep their country code; otherwise a trunk prefix "0" is
// replaced by countryCode, and countryCode is prepended when missing.
func NormalizeNumber(raw, countryCode string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	international := strings.HasPrefix(trimmed, "+")

	var b strings.Builder
	for _, r := range trimmed {
		if unicode.IsDigit(r) && r < unicode.MaxASCII {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return "", fmt.Errorf("%w: %q is not a phone number", ErrInvalidArgument, raw)
	}

	if !international {
		if strings.HasPrefix(digits, "0") {
			digits = countryCode + digits[1:]
		} else if !strings.HasPrefix(digits, countryCode) {
			digits = countryCode + digits
		}
	}

	// E.164 allows at most 15 digits.
	if len(digits) < 8 || len(digits) > 15 {
		return "", fmt.Errorf("%w: %q has an invalid length", ErrInvalidArgument, raw)
	}
	return "+" + digits, nil
}
