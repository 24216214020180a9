package core

import (
	"fmt"
	"strings"
	"time"
)

// KeyedCard is manually entered card data.
type KeyedCard struct {
	Number   string `json:"number"`
	ExpMonth int    `json:"expMonth"`
	ExpYear  int    `json:"expYear"` // two or four digits
	CVV      string `json:"cvv"`
	Zip      string `json:"zip,omitempty"`
	Street   string `json:"street,omitempty"`
}

// IncompleteError lists the keyed fields that are missing or invalid.
type IncompleteError struct {
	Fields []string
}

func (e *IncompleteError) Error() string {
	return "card incomplete: " + strings.Join(e.Fields, ", ")
}

// Normalize strips separators from the number and expands two digit years.
func (k KeyedCard) Normalize() KeyedCard {
	k.Number = digitsOnly(k.Number)
	k.CVV = strings.TrimSpace(k.CVV)
	k.Zip = strings.TrimSpace(k.Zip)
	k.Street = strings.TrimSpace(k.Street)
	if k.ExpYear >= 0 && k.ExpYear < 100 {
		k.ExpYear += 2000
	}
	return k
}

// Validate checks the number, expiry, CVV and zip as of now. The card is
// valid through the last day of its expiry month.
func (k KeyedCard) Validate(now time.Time) error {
	k = k.Normalize()
	var bad []string

	if len(k.Number) < 12 || len(k.Number) > 19 || !LuhnValid(k.Number) {
		bad = append(bad, "number")
	}

	if k.ExpMonth < 1 || k.ExpMonth > 12 {
		bad = append(bad, "expiration")
	} else {
		end := time.Date(k.ExpYear, time.Month(k.ExpMonth)+1, 1, 0, 0, 0, 0, now.Location())
		if !now.Before(end) {
			bad = append(bad, "expiration")
		}
	}

	cvvLen := 3
	if DetectBrand(k.Number) == CardBrandAmericanExpress {
		cvvLen = 4
	}
	if len(k.CVV) != cvvLen || digitsOnly(k.CVV) != k.CVV {
		bad = append(bad, "cvv")
	}

	if k.Zip != "" && (len(k.Zip) < 3 || len(k.Zip) > 10) {
		bad = append(bad, "zip")
	}

	if len(bad) > 0 {
		return &IncompleteError{Fields: bad}
	}
	return nil
}

// Capture converts validated keyed data into a card capture.
func (k KeyedCard) Capture() *CardCapture {
	k = k.Normalize()
	expiry := fmt.Sprintf("%02d%02d", k.ExpYear%100, k.ExpMonth)
	return &CardCapture{
		Card:   NewCardInfo(k.Number, "", expiry, InputMethodKey),
		PAN:    k.Number,
		CVV:    k.CVV,
		Zip:    k.Zip,
		Street: k.Street,
	}
}

// LuhnValid runs the mod 10 check over a string of digits.
func LuhnValid(number string) bool {
	if number == "" {
		return false
	}
	sum := 0
	double := false
	for i := len(number) - 1; i >= 0; i-- {
		c := number[i]
		if c < '0' || c > '9' {
			return false
		}
		d := int(c - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
