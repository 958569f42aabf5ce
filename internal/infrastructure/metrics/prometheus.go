package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jhoicas/Ventas-api/internal/application/sales"
	"github.com/jhoicas/Ventas-api/internal/application/stock"
)

var (
	_ sales.Metrics = (*Collector)(nil)
	_ stock.Metrics = (*Collector)(nil)
)

const namespace = "ventas"

// Collector métricas del motor de ventas sobre un registry propio.
type Collector struct {
	registry     *prometheus.Registry
	finalized    *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	reservations *prometheus.CounterVec
}

// NewCollector registra las métricas de ventas y stock, más las del proceso y el runtime de Go.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		finalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sales_finalized_total",
			Help:      "Finalizaciones de venta por resultado.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sale_finalize_duration_seconds",
			Help:      "Duración de la finalización de una venta.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"outcome"}),
		reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stock_reservations_total",
			Help:      "Intentos de reserva de stock por resultado.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		c.finalized,
		c.duration,
		c.reservations,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// ObserveFinalize cuenta el resultado y registra la duración.
func (c *Collector) ObserveFinalize(outcome string, elapsed time.Duration) {
	c.finalized.WithLabelValues(outcome).Inc()
	c.duration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// ObserveReservation cuenta un intento de reserva.
func (c *Collector) ObserveReservation(result string) {
	c.reservations.WithLabelValues(result).Inc()
}

// Handler expone el registry en formato de exposición de Prometheus.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry devuelve el registry subyacente.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
