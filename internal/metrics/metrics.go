// Package metrics exposes the controller's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/die-net/redirector/internal/sockaddr"
)

var (
	Sessions      = promauto.NewGauge(prometheus.GaugeOpts{Name: "redirector_sessions", Help: "Target processes currently under control"})
	Injections    = promauto.NewCounterVec(prometheus.CounterOpts{Name: "redirector_injections_total", Help: "Injection attempts by result"}, []string{"result"})
	ConfigPushes  = promauto.NewCounterVec(prometheus.CounterOpts{Name: "redirector_config_push_total", Help: "Configuration pushes by result"}, []string{"result"})
	Reports       = promauto.NewCounterVec(prometheus.CounterOpts{Name: "redirector_reports_total", Help: "Connection reports received from targets by address family"}, []string{"family"})
	SessionLength = promauto.NewHistogram(prometheus.HistogramOpts{Name: "redirector_session_duration_seconds", Help: "Session lifetime seconds", Buckets: prometheus.ExponentialBuckets(1, 2, 16)})
)

// Result label values.
const (
	ResultOK    = "ok"
	ResultError = "error"
	ResultRetry = "retry"
)

// Family returns the family label for an address family tag.
func Family(family uint16) string {
	switch family {
	case sockaddr.FamilyInet:
		return "ipv4"
	case sockaddr.FamilyInet6:
		return "ipv6"
	default:
		return "other"
	}
}

// Result maps an error to a result label.
func Result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
