// Package money provides fixed-point monetary amounts tagged with an asset
// code. Arithmetic between two different assets is refused.
package money

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"

	"github.com/travisim/farmify/internal/errors"
)

// Precision is the number of fractional digits carried by payout values.
const Precision int32 = 6

// IsAssetCode reports whether s is an acceptable asset code.
var IsAssetCode = regexp.MustCompile(`^[A-Z][A-Z0-9]{2,11}$`).MatchString

// Unit is the minimum representable amount at Precision.
var Unit = decimal.New(1, -Precision)

// Money is an amount of a named asset.
type Money struct {
	Amount decimal.Decimal `json:"amount"`
	Asset  string          `json:"asset"`
}

// New returns Money for the given decimal string, e.g. New("58500", "USD").
func New(amount, asset string) (Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, errors.Wrapf(errors.ErrInvalidInput, "amount %q: %v", amount, err)
	}
	m := Money{Amount: d, Asset: asset}
	if err := m.Validate(); err != nil {
		return Money{}, err
	}
	return m, nil
}

// MustNew is New that panics on error. Intended for tests and constants.
func MustNew(amount, asset string) Money {
	m, err := New(amount, asset)
	if err != nil {
		panic(err)
	}
	return m
}

// Zero returns a zero amount of the asset.
func Zero(asset string) Money {
	return Money{Amount: decimal.Zero, Asset: asset}
}

// Validate returns an error if the asset code is malformed.
func (m Money) Validate() error {
	if !IsAssetCode(m.Asset) {
		return errors.Wrapf(errors.ErrInvalidInput, "invalid asset code %q", m.Asset)
	}
	return nil
}

// Add returns m + o. Both must share the asset code.
func (m Money) Add(o Money) (Money, error) {
	if err := m.sameAsset(o); err != nil {
		return Money{}, err
	}
	return Money{Amount: m.Amount.Add(o.Amount), Asset: m.Asset}, nil
}

// Sub returns m - o. Both must share the asset code.
func (m Money) Sub(o Money) (Money, error) {
	if err := m.sameAsset(o); err != nil {
		return Money{}, err
	}
	return Money{Amount: m.Amount.Sub(o.Amount), Asset: m.Asset}, nil
}

// MulRate returns m scaled by a dimensionless rate. The result is not
// rounded.
func (m Money) MulRate(rate decimal.Decimal) Money {
	return Money{Amount: m.Amount.Mul(rate), Asset: m.Asset}
}

// Round returns m rounded half away from zero to Precision digits.
func (m Money) Round() Money {
	return Money{Amount: m.Amount.Round(Precision), Asset: m.Asset}
}

// Equal reports whether both values have the same asset and amount.
func (m Money) Equal(o Money) bool {
	return m.Asset == o.Asset && m.Amount.Equal(o.Amount)
}

// IsPositive reports whether the amount is greater than zero.
func (m Money) IsPositive() bool {
	return m.Amount.IsPositive()
}

// IsZero reports whether the amount is zero.
func (m Money) IsZero() bool {
	return m.Amount.IsZero()
}

func (m Money) String() string {
	return fmt.Sprintf("%s %s", m.Amount.StringFixed(Precision), m.Asset)
}

func (m Money) sameAsset(o Money) error {
	if m.Asset != o.Asset {
		return errors.Wrapf(errors.ErrCrossAsset, "%s and %s", m.Asset, o.Asset)
	}
	return nil
}

// Sum adds all values. An empty list yields zero of the given asset.
func Sum(asset string, values ...Money) (Money, error) {
	total := Zero(asset)
	for _, v := range values {
		var err error
		if total, err = total.Add(v); err != nil {
			return Money{}, err
		}
	}
	return total, nil
}

// UnmarshalJSON accepts both the object form and the "<amount> <asset>"
// string form. Either form must carry a valid asset code.
func (m *Money) UnmarshalJSON(raw []byte) error {
	var human string
	if err := json.Unmarshal(raw, &human); err == nil {
		var amount, asset string
		if _, err := fmt.Sscanf(human, "%s %s", &amount, &asset); err != nil {
			return errors.Wrapf(errors.ErrInvalidInput, "money %q", human)
		}
		parsed, err := New(amount, asset)
		if err != nil {
			return err
		}
		*m = parsed
		return nil
	}

	var obj struct {
		Amount decimal.Decimal `json:"amount"`
		Asset  string          `json:"asset"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return err
	}
	parsed := Money{Amount: obj.Amount, Asset: obj.Asset}
	if err := parsed.Validate(); err != nil {
		return err
	}
	*m = parsed
	return nil
}

// MarshalJSON always uses the object form.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Amount decimal.Decimal `json:"amount"`
		Asset  string          `json:"asset"`
	}{m.Amount, m.Asset})
}
