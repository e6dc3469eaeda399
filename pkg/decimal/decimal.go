package decimal

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// MaxScale is the number of fractional digits an amount may carry. It matches
// the base-unit precision of the reward token.
const MaxScale int32 = 18

// Amount is a non-negative token amount with exact decimal arithmetic.
// The zero value is a valid zero amount.
type Amount struct {
	value decimal.Decimal
}

// Zero is the zero amount.
var Zero = Amount{}

// Parse parses a decimal string such as "12.5". Negative values, exponents
// beyond MaxScale fractional digits and empty input are rejected.
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Amount{}, fmt.Errorf("invalid amount: empty")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("invalid amount: %w", err)
	}
	if d.IsNegative() {
		return Amount{}, fmt.Errorf("invalid amount: negative value %s", s)
	}
	if !d.Equal(d.Truncate(MaxScale)) {
		return Amount{}, fmt.Errorf("invalid amount: more than %d fractional digits", MaxScale)
	}
	return Amount{value: d}, nil
}

// ParseOrZero parses a stored amount, treating an empty string as zero.
func ParseOrZero(s string) (Amount, error) {
	if strings.TrimSpace(s) == "" {
		return Zero, nil
	}
	return Parse(s)
}

// MustParse parses s and panics on error. Intended for constants and tests.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromInt creates an amount from a non-negative integer.
func FromInt(i int64) Amount {
	if i < 0 {
		i = 0
	}
	return Amount{value: decimal.NewFromInt(i)}
}

// FromDecimal wraps a shopspring decimal, clamping negatives to zero and
// truncating to MaxScale.
func FromDecimal(d decimal.Decimal) Amount {
	if d.IsNegative() {
		return Zero
	}
	return Amount{value: d.Truncate(MaxScale)}
}

// Add returns a + other.
func (a Amount) Add(other Amount) Amount {
	return Amount{value: a.value.Add(other.value)}
}

// Sub returns a - other, or an error if the result would be negative.
func (a Amount) Sub(other Amount) (Amount, error) {
	r := a.value.Sub(other.value)
	if r.IsNegative() {
		return Amount{}, fmt.Errorf("amount underflow: %s - %s", a, other)
	}
	return Amount{value: r}, nil
}

// MulInt multiplies by a non-negative integer.
func (a Amount) MulInt(i int64) Amount {
	if i <= 0 {
		return Zero
	}
	return Amount{value: a.value.Mul(decimal.NewFromInt(i))}
}

// Percent returns pct percent of a, truncated toward zero at MaxScale.
func (a Amount) Percent(pct int64) Amount {
	if pct <= 0 {
		return Zero
	}
	v := a.value.Mul(decimal.NewFromInt(pct)).Shift(-2)
	return Amount{value: v.Truncate(MaxScale)}
}

// Cmp compares two amounts.
func (a Amount) Cmp(other Amount) int {
	return a.value.Cmp(other.value)
}

// Equal reports whether both amounts are numerically equal.
func (a Amount) Equal(other Amount) bool {
	return a.value.Equal(other.value)
}

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool {
	return a.value.IsZero()
}

// IsPositive reports whether the amount is greater than zero.
func (a Amount) IsPositive() bool {
	return a.value.IsPositive()
}

// Decimal exposes the underlying decimal.
func (a Amount) Decimal() decimal.Decimal {
	return a.value
}

// String returns the canonical representation without trailing zeros.
func (a Amount) String() string {
	return a.value.String()
}

// Float64 returns a lossy float representation. Only used for sorted-set
// scores, never for accounting.
func (a Amount) Float64() float64 {
	f, _ := a.value.Float64()
	return f
}

// MarshalJSON encodes the amount as a JSON string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON accepts a JSON string or number.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" {
		*a = Zero
		return nil
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
