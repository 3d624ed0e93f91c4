// Package metrics holds the Prometheus collectors of the appeal service.
package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	registry *prometheus.Registry

	RequestDuration   *prometheus.HistogramVec
	AppealsCreated    prometheus.Counter
	FaxesSent         *prometheus.CounterVec
	EmailsSent        *prometheus.CounterVec
	MembershipChanges *prometheus.CounterVec
	TokensConsumed    *prometheus.CounterVec
	Signups           *prometheus.CounterVec
}

// New creates and registers all metrics on a fresh registry, so tests can
// build as many as they like.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "appeals_http_request_duration_seconds",
			Help:    "HTTP request latency by route and status",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		AppealsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "appeals_created_total",
			Help: "Appeals created, either on denial intake or on assembly",
		}),
		FaxesSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "appeals_fax_dispatch_total",
			Help: "Fax dispatch attempts by outcome",
		}, []string{"outcome"}),
		EmailsSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "appeals_emails_total",
			Help: "Transactional emails by template and outcome",
		}, []string{"template", "outcome"}),
		MembershipChanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "appeals_membership_transitions_total",
			Help: "Domain membership transitions",
		}, []string{"transition"}),
		TokensConsumed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "appeals_tokens_consumed_total",
			Help: "Verification and reset token consumption by purpose and outcome",
		}, []string{"purpose", "outcome"}),
		Signups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "appeals_signups_total",
			Help: "Account signups by kind",
		}, []string{"kind"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

// Middleware observes request latency labelled by the matched route, not the
// raw path, to keep cardinality bounded.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.RequestDuration.
				WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Outcome maps an error to the "ok"/"error" label.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
