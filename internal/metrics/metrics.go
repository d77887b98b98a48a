// Package metrics exposes the process-wide prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BarsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bars_applied_total", Help: "Closed bars applied to rolling windows"},
		[]string{"symbol", "timeframe"},
	)
	TicksDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ticks_dropped_total", Help: "Stream events dropped before reaching a window"},
		[]string{"reason"},
	)
	Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "transitions_total", Help: "Edge-triggered comparator transitions"},
		[]string{"symbol", "timeframe", "direction"},
	)
	StreamReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "stream_reconnects_total", Help: "Websocket stream reconnections"},
	)
	NotificationsSent = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "notifications_sent_total", Help: "Messages delivered to the notification endpoint"},
	)
	NotificationsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "notifications_failed_total", Help: "Messages that failed to deliver"},
	)
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "notification_queue_depth", Help: "Items waiting in the dispatcher queue"},
	)
	PolicyRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "policy_runs_total", Help: "Completed policy scan runs"},
		[]string{"policy", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		BarsApplied,
		TicksDropped,
		Transitions,
		StreamReconnects,
		NotificationsSent,
		NotificationsFailed,
		QueueDepth,
		PolicyRuns,
	)
}

// Serve exposes /metrics on addr in the background.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
