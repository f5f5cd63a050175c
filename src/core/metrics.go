package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Swap metrics
	swapsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crosslock_swaps_tracked",
		Help: "Number of swaps tracked by the coordinator",
	})

	swapTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crosslock_swap_transitions_total",
		Help: "Total swap state transitions",
	}, []string{"from", "to"})

	swapsFrozenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crosslock_swaps_frozen_total",
		Help: "Swaps frozen on fatal invariant breach",
	})

	sweepRefundsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crosslock_sweep_refunds_total",
		Help: "Refund transitions forced by the timelock sweep",
	})

	// Fill metrics
	fillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crosslock_fills_total",
		Help: "Fill applications by status and rejection reason",
	}, []string{"status", "reason"})

	// Auction metrics
	auctionsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crosslock_auctions_started_total",
		Help: "Dutch auctions started",
	})

	auctionsFinalizedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crosslock_auctions_finalized_total",
		Help: "Dutch auctions finalized",
	})

	auctionBidsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crosslock_auction_bids_total",
		Help: "Auction bids by acceptance status",
	}, []string{"status"})

	// Resolver metrics
	resolversGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crosslock_resolvers_registered",
		Help: "Number of registered resolvers",
	})

	resolverOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crosslock_resolver_outcomes_total",
		Help: "Recorded resolver fill outcomes",
	}, []string{"outcome"})

	resolverSlashesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crosslock_resolver_slashes_total",
		Help: "Resolver slashing events",
	})

	resolverDeauthorizationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crosslock_resolver_deauthorizations_total",
		Help: "Resolvers deauthorized below reputation or stake floor",
	})

	// Event pipeline metrics
	monitorEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crosslock_monitor_events_total",
		Help: "Chain events ingested by chain and type",
	}, []string{"chain", "type"})

	monitorErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crosslock_monitor_errors_total",
		Help: "Chain monitor poll failures",
	}, []string{"chain"})

	eventsBufferedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crosslock_events_buffered_total",
		Help: "Events buffered below the finality threshold",
	})

	eventFinalityDepth = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crosslock_event_finality_depth",
		Help:    "Reported finality depth of ingested events",
		Buckets: prometheus.ExponentialBuckets(1, 2, 8),
	}, []string{"chain"})

	// Outbound metrics
	intentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crosslock_intents_total",
		Help: "Outbound submission intents by action",
	}, []string{"action"})

	intentDeliveryFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crosslock_intent_delivery_failures_total",
		Help: "Intents that exhausted delivery retries",
	})

	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crosslock_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crosslock_http_request_duration_seconds",
		Help:    "Duration of HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// recordResolverOutcome records a fill outcome for resolver metrics
func recordResolverOutcome(success bool) {
	if success {
		resolverOutcomesTotal.WithLabelValues("success").Inc()
	} else {
		resolverOutcomesTotal.WithLabelValues("failure").Inc()
	}
}

// observeFinalityLag records the reported finality depth of an event
func observeFinalityLag(ev ChainEvent) {
	eventFinalityDepth.WithLabelValues(string(ev.Chain)).Observe(float64(ev.FinalityDepth))
}
