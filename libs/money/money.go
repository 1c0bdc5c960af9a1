// Package money provides an exact fixed-point monetary amount. Amounts are
// stored as integer cents so ledger arithmetic never loses precision, and they
// marshal to the two-decimal JSON numbers the event contracts use (500.00).
package money

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidAmount = errors.New("invalid monetary amount")

// Amount is a monetary value in cents.
type Amount int64

func FromCents(cents int64) Amount { return Amount(cents) }

// Parse accepts "500", "500.5", or "500.00" style decimal strings with at
// most two fraction digits.
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidAmount
	}
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}

	whole := s
	frac := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	// ParseInt also accepts a sign, so reject anything but digits here or
	// a stray sign in the fraction would silently shift the amount.
	if whole == "" || len(frac) > 2 || !digits(whole) || !digits(frac) {
		return 0, ErrInvalidAmount
	}
	for len(frac) < 2 {
		frac += "0"
	}

	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	cents := w*100 + f
	if neg {
		cents = -cents
	}
	return Amount(cents), nil
}

func digits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func (a Amount) Cents() int64 { return int64(a) }

func (a Amount) Add(b Amount) Amount { return a + b }

func (a Amount) Sub(b Amount) Amount { return a - b }

func (a Amount) IsZero() bool { return a == 0 }

func (a Amount) IsNegative() bool { return a < 0 }

// String renders the amount with exactly two fraction digits.
func (a Amount) String() string {
	cents := int64(a)
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

// MarshalJSON emits a plain JSON number with two decimals, matching the
// payload contracts of the billing events.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalJSON accepts both numbers and quoted decimal strings.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	v, err := Parse(s)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, string(data))
	}
	*a = v
	return nil
}
