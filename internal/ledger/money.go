package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Milliunits is the integer currency representation used everywhere in the
// ledger: 1000 milliunits = 1 major unit ($1.00 = 1000). Balance math never
// touches floating point.
type Milliunits int64

func (m Milliunits) IsPositive() bool { return m > 0 }
func (m Milliunits) IsNegative() bool { return m < 0 }
func (m Milliunits) IsZero() bool     { return m == 0 }

// Decimal returns the major-unit decimal value.
func (m Milliunits) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -3)
}

func (m Milliunits) String() string {
	return m.Decimal().String()
}

// FromDecimal converts a major-unit decimal amount to milliunits, rounding
// half away from zero when the input carries sub-milliunit precision.
func FromDecimal(d decimal.Decimal) Milliunits {
	return Milliunits(d.Shift(3).Round(0).IntPart())
}

// ParseMilliunits converts a major-unit decimal string ("12.34", "-5") to
// milliunits.
func ParseMilliunits(s string) (Milliunits, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return FromDecimal(d), nil
}
