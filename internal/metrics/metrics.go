// Package metrics holds the Prometheus instruments for gridrelay.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gridrelay/internal/domain"
)

var (
	// Inbound deliveries by kind (handshake, notification, preflight) and HTTP status.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridrelay_requests_total",
			Help: "Total number of webhook deliveries received",
		},
		[]string{"kind", "status"},
	)

	RecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridrelay_records_total",
			Help: "Total number of event records decoded",
		},
		[]string{"format"},
	)

	DecodeFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gridrelay_decode_failures_total",
			Help: "Total number of batch elements skipped because they could not be decoded",
		},
	)

	// Relay metrics
	BroadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridrelay_broadcasts_total",
			Help: "Total number of broadcasts published per transport",
		},
		[]string{"transport", "result"},
	)

	Subscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gridrelay_websocket_subscribers",
			Help: "Current number of connected websocket subscribers",
		},
	)

	// Reply bot metrics
	RepliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridrelay_replies_total",
			Help: "Total number of reply bot outcomes by status",
		},
		[]string{"status"},
	)

	SendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gridrelay_outbound_send_duration_seconds",
			Help:    "Duration of outbound channel sends in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel"},
	)
)

// ObserveOutcome records one dispatched record.
func ObserveOutcome(o domain.RecordOutcome) {
	RecordsTotal.WithLabelValues(string(o.Format)).Inc()
	RepliesTotal.WithLabelValues(string(o.Reply.Status)).Inc()
}

// ObserveSend times an outbound send that started at start.
func ObserveSend(channel string, start time.Time) {
	SendDuration.WithLabelValues(channel).Observe(time.Since(start).Seconds())
}

func RelayResult(transport string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	BroadcastsTotal.WithLabelValues(transport, result).Inc()
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
