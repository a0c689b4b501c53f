package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ebp_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "code", "method"},
	)

	DBTxDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ebp_db_tx_seconds",
			Help:    "Duration of DB transactions",
			Buckets: prometheus.DefBuckets,
		},
	)

	BookingsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ebp_bookings_created_total",
			Help: "Total bookings created",
		},
	)

	WaitlistPromotions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ebp_waitlist_promotions_total",
			Help: "Waitlisted bookings promoted into freed capacity",
		},
	)

	ReservationRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ebp_reservation_rejections_total",
			Help: "Reservation rejections by classified reason",
		},
		[]string{"reason"},
	)

	ProviderEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ebp_provider_events_total",
			Help: "Payment-provider events by application result",
		},
		[]string{"result"},
	)

	OutboxLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ebp_outbox_lag_seconds",
			Help: "Age of the oldest unpublished outbox record",
		},
	)

	RabbitPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ebp_rabbit_publish_retries_total",
			Help: "Total rabbit publish retries",
		},
	)

	RateLimitExceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ebp_rate_limit_exceeded_total",
			Help: "Total rate limit exceeded",
		},
	)
)
