package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(wsConnections, wsListeners, wsSendFailuresTotal) }

var wsConnections = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "deepship_ws_connections",
		Help: "WebSocket connections registered against a job.",
	},
)

var wsListeners = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "deepship_ws_listeners",
		Help: "Job channel listeners owned by the connection registry.",
	},
)

var wsSendFailuresTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "deepship_ws_send_failures_total",
		Help: "Fan-out sends that failed and removed a connection.",
	},
)

func SetWSConnections(n int) { wsConnections.Set(float64(n)) }

func SetWSListeners(n int) { wsListeners.Set(float64(n)) }

func IncWSSendFailure() { wsSendFailuresTotal.Inc() }
