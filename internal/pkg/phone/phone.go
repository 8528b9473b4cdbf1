// Package phone normalizes Saudi mobile numbers to the 9665XXXXXXXX form used
// as the OTP identity.
package phone

import (
	"strings"

	"github.com/hub-otp/internal/domain"
)

const countryCode = "966"

// NormalizeKSA accepts 5XXXXXXXX, 05XXXXXXXX, 9665XXXXXXXX, 009665XXXXXXXX and
// +9665XXXXXXXX (separators ignored) and returns 9665XXXXXXXX.
func NormalizeKSA(raw string) (string, error) {
	d := digitsOnly(raw)
	if d == "" {
		return "", domain.ValidationError("mobile is required")
	}
	d = strings.TrimPrefix(d, "00")
	switch {
	case len(d) == 9 && d[0] == '5':
		return countryCode + d, nil
	case len(d) == 10 && strings.HasPrefix(d, "05"):
		return countryCode + d[1:], nil
	case len(d) == 12 && strings.HasPrefix(d, countryCode+"5"):
		return d, nil
	}
	return "", domain.ValidationError("invalid KSA mobile, expected 5XXXXXXXX")
}

// ChatID returns the Green API WhatsApp chat id for a normalized number.
func ChatID(identity string) string {
	return digitsOnly(identity) + "@c.us"
}

// Mask hides all but the last four digits, for logs.
func Mask(identity string) string {
	if len(identity) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(identity)-4) + identity[len(identity)-4:]
}

// digitsOnly keeps ASCII digits and maps Arabic-Indic digits to ASCII.
func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= '٠' && r <= '٩':
			b.WriteRune('0' + (r - '٠'))
		case r >= '۰' && r <= '۹':
			b.WriteRune('0' + (r - '۰'))
		}
	}
	return b.String()
}
