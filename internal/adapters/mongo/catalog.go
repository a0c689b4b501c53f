package mongo

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/robertarktes/event-bookings/internal/domain"
	"github.com/robertarktes/event-bookings/internal/observability"
)

// CatalogRepository serves the descriptive side of events: what is on sale,
// at what price, inside which windows. Counters live in the relational store.
type CatalogRepository struct {
	events *mongo.Collection
	promos *mongo.Collection
	logger observability.Logger
}

func NewCatalogRepository(db *mongo.Database, logger observability.Logger) *CatalogRepository {
	return &CatalogRepository{
		events: db.Collection("events"),
		promos: db.Collection("promo_codes"),
		logger: logger,
	}
}

type EventDoc struct {
	ID                   uuid.UUID       `bson:"_id"`
	Name                 string          `bson:"name"`
	Venue                string          `bson:"venue"`
	Published            bool            `bson:"published"`
	RequiresApproval     bool            `bson:"requires_approval"`
	WaitlistEnabled      bool            `bson:"waitlist_enabled"`
	MaxCapacity          int             `bson:"max_capacity"`
	StartsAt             time.Time       `bson:"starts_at"`
	RegistrationOpensAt  time.Time       `bson:"registration_opens_at"`
	RegistrationClosesAt time.Time       `bson:"registration_closes_at"`
	TicketTypes          []TicketTypeDoc `bson:"ticket_types"`
	CreatedAt            time.Time       `bson:"created_at"`
	UpdatedAt            time.Time       `bson:"updated_at"`
}

type TicketTypeDoc struct {
	ID            uuid.UUID  `bson:"_id"`
	Name          string     `bson:"name"`
	Price         string     `bson:"price"`
	Currency      string     `bson:"currency"`
	TotalQuantity int        `bson:"total_quantity"`
	MinPerOrder   int        `bson:"min_per_order"`
	MaxPerOrder   int        `bson:"max_per_order"`
	SaleStartsAt  *time.Time `bson:"sale_starts_at,omitempty"`
	SaleEndsAt    *time.Time `bson:"sale_ends_at,omitempty"`
	Active        bool       `bson:"active"`
}

type PromoCodeDoc struct {
	Code        string     `bson:"_id"`
	EventID     uuid.UUID  `bson:"event_id"`
	Percent     int        `bson:"percent"`
	FixedAmount string     `bson:"fixed_amount,omitempty"`
	Currency    string     `bson:"currency,omitempty"`
	ExpiresAt   *time.Time `bson:"expires_at,omitempty"`
	Active      bool       `bson:"active"`
}

func (c *CatalogRepository) GetEvent(ctx context.Context, id uuid.UUID) (*domain.Event, error) {
	var doc EventDoc
	err := c.events.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errors.Wrapf(domain.ErrNotFound, "event %s", id)
	}
	if err != nil {
		c.logger.WithError(err).Error("failed to load event")
		return nil, err
	}
	return docToEvent(doc)
}

func (c *CatalogRepository) GetPromoCode(ctx context.Context, eventID uuid.UUID, code string) (*domain.PromoCode, error) {
	var doc PromoCodeDoc
	err := c.promos.FindOne(ctx, bson.M{"_id": code, "event_id": eventID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errors.Wrapf(domain.ErrInvalidInput, "unknown promo code %q", code)
	}
	if err != nil {
		return nil, err
	}
	promo := domain.PromoCode{
		Code:      doc.Code,
		EventID:   doc.EventID,
		Percent:   doc.Percent,
		ExpiresAt: doc.ExpiresAt,
		Active:    doc.Active,
	}
	if doc.FixedAmount != "" {
		d, err := decimal.NewFromString(doc.FixedAmount)
		if err != nil {
			return nil, errors.Wrapf(err, "malformed promo amount %q", doc.FixedAmount)
		}
		m := domain.NewMoney(d, doc.Currency)
		promo.FixedAmount = &m
	}
	return &promo, nil
}

func (c *CatalogRepository) CreateEvent(ctx context.Context, doc EventDoc) error {
	doc.CreatedAt = time.Now()
	doc.UpdatedAt = doc.CreatedAt
	_, err := c.events.InsertOne(ctx, doc)
	if err != nil {
		c.logger.WithError(err).Error("failed to create event")
	}
	return err
}

func (c *CatalogRepository) CreatePromoCode(ctx context.Context, doc PromoCodeDoc) error {
	_, err := c.promos.InsertOne(ctx, doc)
	return err
}

func docToEvent(doc EventDoc) (*domain.Event, error) {
	ev := &domain.Event{
		ID:                   doc.ID,
		Name:                 doc.Name,
		Venue:                doc.Venue,
		Published:            doc.Published,
		RequiresApproval:     doc.RequiresApproval,
		WaitlistEnabled:      doc.WaitlistEnabled,
		MaxCapacity:          doc.MaxCapacity,
		StartsAt:             doc.StartsAt,
		RegistrationOpensAt:  doc.RegistrationOpensAt,
		RegistrationClosesAt: doc.RegistrationClosesAt,
	}
	for _, tt := range doc.TicketTypes {
		price, err := decimal.NewFromString(tt.Price)
		if err != nil {
			return nil, errors.Wrapf(err, "malformed price %q for ticket type %s", tt.Price, tt.ID)
		}
		ev.TicketTypes = append(ev.TicketTypes, domain.TicketType{
			ID:            tt.ID,
			Name:          tt.Name,
			Price:         domain.NewMoney(price, tt.Currency),
			TotalQuantity: tt.TotalQuantity,
			MinPerOrder:   tt.MinPerOrder,
			MaxPerOrder:   tt.MaxPerOrder,
			SaleStartsAt:  tt.SaleStartsAt,
			SaleEndsAt:    tt.SaleEndsAt,
			Active:        tt.Active,
		})
	}
	return ev, nil
}

// EventToDoc maps a domain event onto its catalog document. Used by seeding
// and tests.
func EventToDoc(ev domain.Event) EventDoc {
	doc := EventDoc{
		ID:                   ev.ID,
		Name:                 ev.Name,
		Venue:                ev.Venue,
		Published:            ev.Published,
		RequiresApproval:     ev.RequiresApproval,
		WaitlistEnabled:      ev.WaitlistEnabled,
		MaxCapacity:          ev.MaxCapacity,
		StartsAt:             ev.StartsAt,
		RegistrationOpensAt:  ev.RegistrationOpensAt,
		RegistrationClosesAt: ev.RegistrationClosesAt,
	}
	for _, tt := range ev.TicketTypes {
		doc.TicketTypes = append(doc.TicketTypes, TicketTypeDoc{
			ID:            tt.ID,
			Name:          tt.Name,
			Price:         tt.Price.Amount().String(),
			Currency:      tt.Price.Currency(),
			TotalQuantity: tt.TotalQuantity,
			MinPerOrder:   tt.MinPerOrder,
			MaxPerOrder:   tt.MaxPerOrder,
			SaleStartsAt:  tt.SaleStartsAt,
			SaleEndsAt:    tt.SaleEndsAt,
			Active:        tt.Active,
		})
	}
	return doc
}
