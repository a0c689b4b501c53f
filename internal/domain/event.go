package domain

import (
	"time"

	"github.com/google/uuid"
)

// TicketType is the catalog definition of one sellable ticket class.
// MinPerOrder/MaxPerOrder of zero mean unset.
type TicketType struct {
	ID            uuid.UUID
	Name          string
	Price         Money
	TotalQuantity int
	MinPerOrder   int
	MaxPerOrder   int
	SaleStartsAt  *time.Time
	SaleEndsAt    *time.Time
	Active        bool
}

// OnSale reports whether the type is active and inside its sale window.
func (t TicketType) OnSale(now time.Time) bool {
	if !t.Active {
		return false
	}
	if t.SaleStartsAt != nil && now.Before(*t.SaleStartsAt) {
		return false
	}
	if t.SaleEndsAt != nil && !now.Before(*t.SaleEndsAt) {
		return false
	}
	return true
}

type Event struct {
	ID                   uuid.UUID
	Name                 string
	Venue                string
	Published            bool
	RequiresApproval     bool
	WaitlistEnabled      bool
	MaxCapacity          int
	StartsAt             time.Time
	RegistrationOpensAt  time.Time
	RegistrationClosesAt time.Time
	TicketTypes          []TicketType
}

func (e Event) RegistrationOpen(now time.Time) bool {
	return e.Published && !now.Before(e.RegistrationOpensAt) && now.Before(e.RegistrationClosesAt)
}

func (e Event) TicketType(id uuid.UUID) (TicketType, bool) {
	for _, t := range e.TicketTypes {
		if t.ID == id {
			return t, true
		}
	}
	return TicketType{}, false
}

type PromoCode struct {
	Code        string
	EventID     uuid.UUID
	Percent     int
	FixedAmount *Money
	ExpiresAt   *time.Time
	Active      bool
}

// DiscountFor computes the discount against a line total, clamped so the
// final amount never goes negative.
func (p PromoCode) DiscountFor(total Money, now time.Time) Money {
	if !p.Active || (p.ExpiresAt != nil && now.After(*p.ExpiresAt)) {
		return ZeroMoney(total.Currency())
	}
	var d Money
	switch {
	case p.Percent > 0:
		d = total.MulInt(p.Percent)
		d = NewMoney(d.Amount().Div(decimalHundred), total.Currency())
	case p.FixedAmount != nil:
		d = *p.FixedAmount
	default:
		return ZeroMoney(total.Currency())
	}
	if d.GreaterThan(total) {
		return total
	}
	return d
}

// Principal is the authenticated caller, passed explicitly into every
// orchestrator operation.
type Principal struct {
	UserID uuid.UUID
	Roles  []string
}

func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func (p Principal) IsAdmin() bool { return p.HasRole("admin") }
