// Package otpcode generates numeric one-time codes.
package otpcode

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/hub-otp/internal/domain"
)

const (
	MinLength = 4
	MaxLength = 10
)

var ten = big.NewInt(10)

// Generate returns exactly length decimal digits drawn from crypto/rand.
// Leading zeros are kept, so the result must be handled as a string.
func Generate(length int) (string, error) {
	if length < MinLength || length > MaxLength {
		return "", domain.ValidationError(fmt.Sprintf("code length must be between %d and %d", MinLength, MaxLength))
	}
	buf := make([]byte, length)
	for i := range buf {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", fmt.Errorf("read random digit: %w", err)
		}
		buf[i] = byte('0' + n.Int64())
	}
	return string(buf), nil
}

// Valid reports whether code is exactly length ASCII digits.
func Valid(code string, length int) bool {
	if len(code) != length {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}
