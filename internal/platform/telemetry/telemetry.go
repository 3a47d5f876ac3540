// Package telemetry exposes the clinic server's Prometheus metrics: HTTP
// traffic, booking outcomes, side-effect delivery and the database pool.
package telemetry

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fabianesquiveldDev/backend-sub000/internal/platform/apperr"
)

const namespace = "clinic"

// Collector owns a registry and every metric the server publishes.
type Collector struct {
	reg *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	InFlight        prometheus.Gauge

	SlotsCreated          prometheus.Counter
	SlotsRejected         *prometheus.CounterVec
	AppointmentsBooked    prometheus.Counter
	AppointmentsCancelled prometheus.Counter
	SideEffects           *prometheus.CounterVec
	RemindersSent         prometheus.Counter
	OutboxAttempts        *prometheus.CounterVec
}

// NewCollector builds a collector on a fresh registry that also carries the
// Go runtime and process collectors.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Collector{
		reg: reg,

		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status"}),

		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency distribution.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"method", "route"}),

		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),

		SlotsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduling",
			Name:      "slots_created_total",
			Help:      "Availability slots created.",
		}),

		SlotsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduling",
			Name:      "slots_rejected_total",
			Help:      "Availability slots rejected, by reason.",
		}, []string{"reason"}),

		AppointmentsBooked: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduling",
			Name:      "appointments_booked_total",
			Help:      "Appointments booked.",
		}),

		AppointmentsCancelled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduling",
			Name:      "appointments_cancelled_total",
			Help:      "Appointments cancelled.",
		}),

		SideEffects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "side_effects",
			Name:      "attempts_total",
			Help:      "Inline calendar and notification attempts by kind and status.",
		}, []string{"kind", "status"}),

		RemindersSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduling",
			Name:      "reminders_sent_total",
			Help:      "Appointment reminders dispatched.",
		}),

		OutboxAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "attempts_total",
			Help:      "Outbox task attempts by kind and result. Alert on abandoned.",
		}, []string{"kind", "result"}),
	}
}

// Registry returns the registry backing the collector.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) SlotCreated() { c.SlotsCreated.Inc() }
func (c *Collector) SlotRejected(reason string) { c.SlotsRejected.WithLabelValues(reason).Inc() }
func (c *Collector) AppointmentBooked() { c.AppointmentsBooked.Inc() }
func (c *Collector) AppointmentCancelled() { c.AppointmentsCancelled.Inc() }
func (c *Collector) SideEffect(kind, status string) { c.SideEffects.WithLabelValues(kind, status).Inc() }
func (c *Collector) ReminderSent() { c.RemindersSent.Inc() }

// OutboxAttempt records one outbox task attempt. It matches outbox.Observer.
func (c *Collector) OutboxAttempt(kind, result string) {
	c.OutboxAttempts.WithLabelValues(kind, result).Inc()
}

// RegisterPool publishes connection pool gauges read from pool on scrape.
func (c *Collector) RegisterPool(pool *pgxpool.Pool) {
	f := promauto.With(c.reg)
	gauge := func(name, help string, read func(*pgxpool.Stat) float64) {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      name,
			Help:      help,
		}, func() float64 { return read(pool.Stat()) })
	}
	gauge("total_connections", "Connections currently open.", func(s *pgxpool.Stat) float64 { return float64(s.TotalConns()) })
	gauge("acquired_connections", "Connections currently in use.", func(s *pgxpool.Stat) float64 { return float64(s.AcquiredConns()) })
	gauge("idle_connections", "Idle connections.", func(s *pgxpool.Stat) float64 { return float64(s.IdleConns()) })
	gauge("max_connections", "Configured pool size.", func(s *pgxpool.Stat) float64 { return float64(s.MaxConns()) })
}

// Middleware records request counts, latency and in-flight requests. Routes
// are labelled by their registered pattern so ids do not explode cardinality.
func (c *Collector) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ec echo.Context) error {
			if ec.Path() == "/metrics" {
				return next(ec)
			}
			start := time.Now()
			c.InFlight.Inc()
			defer c.InFlight.Dec()

			err := next(ec)

			status := ec.Response().Status
			if err != nil && !ec.Response().Committed {
				status = errorStatus(err)
			}
			route := ec.Path()
			if route == "" {
				route = "unmatched"
			}
			method := ec.Request().Method
			c.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			c.RequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

func errorStatus(err error) int {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return apperr.HTTPStatus(apperr.KindOf(err))
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}
