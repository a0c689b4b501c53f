package domain

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
)

var decimalHundred = decimal.NewFromInt(100)

// Money is an immutable amount in a single ISO 4217 currency. Arithmetic
// between two values of different currencies is a programming error and
// panics; it is never surfaced as a domain error.
type Money struct {
	amount   decimal.Decimal
	currency string
}

func NewMoney(amount decimal.Decimal, currency string) Money {
	return Money{amount: amount, currency: currency}
}

// MustMoney parses a decimal literal, panicking on malformed input. Intended
// for constants and tests.
func MustMoney(amount, currency string) Money {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		panic(errors.AssertionFailedf("malformed money literal %q: %v", amount, err))
	}
	return Money{amount: d, currency: currency}
}

func ZeroMoney(currency string) Money {
	return Money{amount: decimal.Zero, currency: currency}
}

func (m Money) Amount() decimal.Decimal { return m.amount }
func (m Money) Currency() string        { return m.currency }

func (m Money) Add(o Money) Money {
	m.assertSameCurrency(o)
	return Money{amount: m.amount.Add(o.amount), currency: m.currency}
}

func (m Money) Sub(o Money) Money {
	m.assertSameCurrency(o)
	return Money{amount: m.amount.Sub(o.amount), currency: m.currency}
}

func (m Money) MulInt(n int) Money {
	return Money{amount: m.amount.Mul(decimal.NewFromInt(int64(n))), currency: m.currency}
}

func (m Money) Cmp(o Money) int {
	m.assertSameCurrency(o)
	return m.amount.Cmp(o.amount)
}

func (m Money) Equal(o Money) bool {
	return m.currency == o.currency && m.amount.Equal(o.amount)
}

func (m Money) GreaterThan(o Money) bool { return m.Cmp(o) > 0 }
func (m Money) LessThan(o Money) bool    { return m.Cmp(o) < 0 }

func (m Money) IsZero() bool     { return m.amount.IsZero() }
func (m Money) IsNegative() bool { return m.amount.IsNegative() }

func (m Money) String() string {
	return m.amount.StringFixed(2) + " " + m.currency
}

func (m Money) assertSameCurrency(o Money) {
	if m.currency != o.currency {
		panic(errors.AssertionFailedf("currency mismatch: %s vs %s", m.currency, o.currency))
	}
}

type moneyJSON struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(moneyJSON{Amount: m.amount.String(), Currency: m.currency})
}

func (m *Money) UnmarshalJSON(data []byte) error {
	var raw moneyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	d, err := decimal.NewFromString(raw.Amount)
	if err != nil {
		return errors.Wrapf(ErrInvalidInput, "malformed amount %q", raw.Amount)
	}
	m.amount = d
	m.currency = raw.Currency
	return nil
}
