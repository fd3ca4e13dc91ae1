package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RidesRequested = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_requested_total", Help: "Total ride requests accepted"})
	RidesCompleted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_completed_total", Help: "Total rides completed"})
	RidesCancelled = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_cancelled_total", Help: "Total rides cancelled"},
		[]string{"reason"},
	)

	OffersPushed = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "dispatch_offers_total", Help: "Total ride offers pushed to drivers"})
	AcceptRaces  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "dispatch_accept_conflicts_total", Help: "Driver accepts that lost the binding race"})
	BindLatency  = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_dispatch", Name: "dispatch_bind_latency_seconds", Help: "Time from ride request to driver binding"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "ws_connections", Help: "Currently registered realtime channels"})
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "ws_events_dropped_total", Help: "Realtime events dropped on slow or absent channels"})

	WalletCredits     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "wallet_credits_total", Help: "Ride credits posted to driver wallets"})
	WalletWithdrawals = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "wallet_withdrawals_total", Help: "Withdrawals debited from driver wallets"})
	HoldsReleased     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "wallet_holds_released_total", Help: "Blocked-balance holds released by the sweep"})

	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "drivers_online", Help: "Drivers currently marked online"})

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
