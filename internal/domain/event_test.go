package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/robertarktes/event-bookings/internal/domain"
)

func TestPromoCode_DiscountFor(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	total := domain.MustMoney("80.00", "USD")

	t.Run("percent", func(t *testing.T) {
		p := domain.PromoCode{Code: "QUARTER", Percent: 25, Active: true}
		assert.True(t, p.DiscountFor(total, now).Equal(domain.MustMoney("20.00", "USD")))
	})

	t.Run("fixed amount", func(t *testing.T) {
		fixed := domain.MustMoney("10.00", "USD")
		p := domain.PromoCode{Code: "TENOFF", FixedAmount: &fixed, Active: true}
		assert.True(t, p.DiscountFor(total, now).Equal(fixed))
	})

	t.Run("fixed amount above total is clamped", func(t *testing.T) {
		fixed := domain.MustMoney("500.00", "USD")
		p := domain.PromoCode{Code: "BIG", FixedAmount: &fixed, Active: true}
		assert.True(t, p.DiscountFor(total, now).Equal(total))
	})

	t.Run("inactive", func(t *testing.T) {
		p := domain.PromoCode{Code: "OLD", Percent: 50}
		assert.True(t, p.DiscountFor(total, now).IsZero())
	})

	t.Run("expired", func(t *testing.T) {
		expired := now.Add(-time.Hour)
		p := domain.PromoCode{Code: "LATE", Percent: 50, Active: true, ExpiresAt: &expired}
		assert.True(t, p.DiscountFor(total, now).IsZero())
	})

	t.Run("no discount configured", func(t *testing.T) {
		p := domain.PromoCode{Code: "EMPTY", Active: true}
		assert.True(t, p.DiscountFor(total, now).IsZero())
	})
}

func TestPrincipal_Roles(t *testing.T) {
	p := domain.Principal{Roles: []string{"staff"}}
	assert.True(t, p.HasRole("staff"))
	assert.False(t, p.IsAdmin())
	assert.True(t, domain.Principal{Roles: []string{"admin"}}.IsAdmin())
}
