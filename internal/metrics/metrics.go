// Package metrics holds the service's Prometheus collectors, exposed on
// /metrics via promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ScansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tagsakay_scans_total",
		Help: "Processed scan submissions by outcome",
	}, []string{"outcome"})

	ScanEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tagsakay_scan_events_total",
		Help: "Successful scans by inferred event type",
	}, []string{"event_type"})

	AuthFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tagsakay_device_auth_failures_total",
		Help: "Rejected device credentials by reason",
	}, []string{"reason"})

	RateLimitRejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tagsakay_rate_limit_rejections_total",
		Help: "Scan submissions rejected by the rate limiter",
	})
)
