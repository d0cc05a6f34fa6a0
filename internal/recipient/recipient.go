// Package recipient normalizes raw phone input into the canonical
// recipient form used by the queue, the quota tracker and the transport.
//
// Canonical contract: digits only, 10..15 digits, deterministic suffixing to
// the transport's address format. Every non-digit is dropped before the
// length check, so formatting, a "tel:" prefix and the transport address
// suffix all normalize away.
package recipient

import (
	"errors"
	"fmt"
	"strings"
)

const (
	MinDigits = 10
	MaxDigits = 15

	// AddressSuffix is appended to the digits to form the platform address.
	AddressSuffix = "@c.us"
)

var ErrInvalid = errors.New("invalid recipient")

// Recipient is a normalized destination. The zero value is invalid.
type Recipient struct {
	digits string
}

// Normalize validates raw and returns its canonical form.
// It never panics; malformed input yields an error wrapping ErrInvalid.
func Normalize(raw string) (Recipient, error) {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if n := len(digits); n < MinDigits || n > MaxDigits {
		return Recipient{}, fmt.Errorf("%w: %q has %d digits, want %d-%d", ErrInvalid, raw, n, MinDigits, MaxDigits)
	}
	return Recipient{digits: digits}, nil
}

// MustNormalize is Normalize for constants in tests and examples.
func MustNormalize(raw string) Recipient {
	r, err := Normalize(raw)
	if err != nil {
		panic(err)
	}
	return r
}

func (r Recipient) IsZero() bool { return r.digits == "" }

// Digits returns the digits-only form.
func (r Recipient) Digits() string { return r.digits }

// Address returns the platform-canonical address (digits + suffix).
func (r Recipient) Address() string {
	if r.digits == "" {
		return ""
	}
	return r.digits + AddressSuffix
}

func (r Recipient) String() string { return r.digits }

// Masked returns the recipient with all but the last four digits hidden, for logs.
func (r Recipient) Masked() string {
	d := r.digits
	if len(d) <= 4 {
		return d
	}
	return strings.Repeat("*", len(d)-4) + d[len(d)-4:]
}
