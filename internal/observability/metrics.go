package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "transitions_total", Help: "Ride status transitions applied"},
		[]string{"to"},
	)
	TransitionRejected = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "transitions_rejected_total", Help: "Transitions rejected as invalid"})

	OffersTotal         = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_total", Help: "Offers submitted"})
	OfferConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offer_conflicts_total", Help: "Offer submissions and acceptances that lost a race"})
	AcceptsTotal        = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "accepts_total", Help: "Offers accepted"})

	LedgerDebitsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "ledger_debits_total", Help: "Ledger debits recorded"})
	LedgerErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "ledger_errors_total", Help: "Ledger debits that failed and await reconciliation"})
	LowBalanceAlerts  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "low_balance_alerts_total", Help: "Low balance threshold crossings"})

	FeedEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "feed_events_total", Help: "Change feed events published"},
		[]string{"entity", "type"},
	)
	FeedEventsDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "feed_events_dropped_total", Help: "Events shed for slow observers"})

	ProjectorRefreshes = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "projector_refreshes_total", Help: "Authoritative category refreshes"})

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "notifications_total", Help: "Notifications dispatched"},
		[]string{"kind"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
