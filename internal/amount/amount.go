// Package amount holds monetary values as arbitrary precision decimals rounded
// to cents with banker's rounding, the format the gateway expects.
package amount

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Places is the number of fraction digits every Amount carries.
const Places = 2

// Amount is an immutable, non-negative monetary value.
type Amount struct {
	d decimal.Decimal
}

// Zero is the zero amount.
var Zero = Amount{d: decimal.Zero}

// New builds an Amount from a decimal. Negative values clamp to zero and the
// value is rounded half-to-even to two places.
func New(d decimal.Decimal) Amount {
	if d.Sign() < 0 {
		return Zero
	}
	return Amount{d: d.RoundBank(Places)}
}

// FromString parses s as a decimal. Anything that is not a finite
// non-negative number yields Zero.
func FromString(s string) Amount {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero
	}
	return New(d)
}

// FromFloat converts f, clamping NaN, infinities and negatives to Zero.
func FromFloat(f float64) Amount {
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return Zero
	}
	return New(decimal.NewFromFloat(f))
}

// FromCents builds an Amount from an integer number of cents.
func FromCents(cents int64) Amount {
	if cents < 0 {
		return Zero
	}
	return Amount{d: decimal.New(cents, -Places)}
}

// Decimal returns the rounded decimal value.
func (a Amount) Decimal() decimal.Decimal {
	return a.d
}

// Cents returns the value in minor units.
func (a Amount) Cents() int64 {
	return a.d.Shift(Places).IntPart()
}

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool {
	return a.d.IsZero()
}

// Add returns a+b.
func (a Amount) Add(b Amount) Amount {
	return New(a.d.Add(b.d))
}

// Sub returns a-b, clamped at zero.
func (a Amount) Sub(b Amount) Amount {
	return New(a.d.Sub(b.d))
}

// Cmp compares a and b like decimal.Cmp.
func (a Amount) Cmp(b Amount) int {
	return a.d.Cmp(b.d)
}

// Equal reports whether a and b represent the same value.
func (a Amount) Equal(b Amount) bool {
	return a.d.Equal(b.d)
}

// String formats the amount as X.XX.
func (a Amount) String() string {
	return a.d.StringFixed(Places)
}

// MarshalJSON encodes the amount as a "X.XX" string so no precision is lost.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts either a string or a bare JSON number.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*a = FromString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("amount: %w", err)
	}
	*a = FromString(n.String())
	return nil
}

// MarshalText lets Amount be used by text based encoders (CBOR, YAML).
func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText is the inverse of MarshalText.
func (a *Amount) UnmarshalText(text []byte) error {
	*a = FromString(string(text))
	return nil
}
