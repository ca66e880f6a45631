// Package totp derives time-based one-time codes for portal 2FA.
package totp

import (
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// Generator produces codes from account-scoped shared secrets. It is
// stateless; the clock is injectable so tests can pin the rolling window.
type Generator struct {
	now func() time.Time
}

// New builds a generator using the system clock.
func New() *Generator {
	return &Generator{now: time.Now}
}

// NewWithClock builds a generator with a fixed clock source for tests.
func NewWithClock(now func() time.Time) *Generator {
	return &Generator{now: now}
}

// Code returns the current 6-digit code for the secret. The code is only
// valid for the standard 30-second window, so callers must generate it
// immediately before submitting, never ahead of a human-paced pause.
func (g *Generator) Code(secretBase32 string) (string, error) {
	if strings.TrimSpace(secretBase32) == "" {
		return "", fmt.Errorf("totp secret is empty")
	}
	code, err := totp.GenerateCodeCustom(strings.TrimSpace(secretBase32), g.now().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", fmt.Errorf("generate totp code: %w", err)
	}
	return code, nil
}

// Validate checks a code against the secret, allowing one period of clock
// drift on either side.
func (g *Generator) Validate(secretBase32, code string) (bool, error) {
	if strings.TrimSpace(secretBase32) == "" {
		return false, fmt.Errorf("totp secret is empty")
	}
	valid, err := totp.ValidateCustom(code, strings.TrimSpace(secretBase32), g.now().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return false, fmt.Errorf("validate totp code: %w", err)
	}
	return valid, nil
}
