package domain_test

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertarktes/event-bookings/internal/domain"
)

func TestMoney_Arithmetic(t *testing.T) {
	a := domain.MustMoney("10.50", "USD")
	b := domain.MustMoney("4.25", "USD")

	assert.True(t, a.Add(b).Equal(domain.MustMoney("14.75", "USD")))
	assert.True(t, a.Sub(b).Equal(domain.MustMoney("6.25", "USD")))
	assert.True(t, b.MulInt(3).Equal(domain.MustMoney("12.75", "USD")))
	assert.True(t, a.GreaterThan(b))
	assert.True(t, b.LessThan(a))
	assert.False(t, a.IsZero())
	assert.False(t, a.IsNegative())
	assert.True(t, b.Sub(a).IsNegative())
}

func TestMoney_NoFloatDrift(t *testing.T) {
	// 0.1 + 0.2 must be exactly 0.3.
	sum := domain.MustMoney("0.1", "USD").Add(domain.MustMoney("0.2", "USD"))
	assert.True(t, sum.Equal(domain.MustMoney("0.3", "USD")))

	// Repeated addition of a cent stays exact.
	cent := domain.MustMoney("0.01", "USD")
	total := domain.ZeroMoney("USD")
	for i := 0; i < 1000; i++ {
		total = total.Add(cent)
	}
	assert.True(t, total.Equal(domain.MustMoney("10.00", "USD")))
}

func TestMoney_CurrencyMismatchPanics(t *testing.T) {
	usd := domain.MustMoney("1.00", "USD")
	eur := domain.MustMoney("1.00", "EUR")

	assert.Panics(t, func() { usd.Add(eur) })
	assert.Panics(t, func() { usd.Sub(eur) })
	assert.Panics(t, func() { usd.Cmp(eur) })
	// Equality across currencies is an answer, not an error.
	assert.False(t, usd.Equal(eur))
}

func TestMoney_JSON(t *testing.T) {
	m := domain.NewMoney(decimal.RequireFromString("99.90"), "EUR")

	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":"99.9","currency":"EUR"}`, string(data))

	var back domain.Money
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, m.Equal(back))

	var bad domain.Money
	err = json.Unmarshal([]byte(`{"amount":"abc","currency":"EUR"}`), &bad)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
