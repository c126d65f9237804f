// Package metrics exposes detection and execution telemetry through a
// private Prometheus registry. A nil *Collector is valid and records
// nothing, which is how backtests and unit tests run.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector records arbitrage metrics.
type Collector struct {
	registry *prometheus.Registry

	snapshots     *prometheus.CounterVec
	outOfOrder    *prometheus.CounterVec
	detections    *prometheus.CounterVec
	dropped       prometheus.Counter
	discarded     *prometheus.CounterVec
	outcomes      *prometheus.CounterVec
	legAttempts   *prometheus.CounterVec
	inFlight      prometheus.Gauge
	coverage      *prometheus.GaugeVec
	execLatency   prometheus.Histogram
	realizedPnL   prometheus.Counter
	feedReconnect *prometheus.CounterVec
}

// NewCollector creates a collector registered under namespace.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "venuearb"
	}
	c := &Collector{registry: prometheus.NewRegistry()}

	c.snapshots = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "feed", Name: "snapshots_total",
		Help: "Quote snapshots accepted per venue.",
	}, []string{"venue"})
	c.outOfOrder = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "feed", Name: "out_of_order_total",
		Help: "Snapshots rejected because their timestamp went backwards.",
	}, []string{"venue"})
	c.feedReconnect = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "feed", Name: "reconnects_total",
		Help: "Feed reconnect attempts per venue.",
	}, []string{"venue"})
	c.coverage = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "feed", Name: "active",
		Help: "1 when the venue feed is live, 0 when suspended.",
	}, []string{"venue"})

	c.detections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "detector", Name: "opportunities_total",
		Help: "Opportunities emitted per combination.",
	}, []string{"combo"})
	c.dropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "detector", Name: "dropped_total",
		Help: "Opportunities dropped because the execution queue was full.",
	})
	c.discarded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "executor", Name: "discarded_total",
		Help: "Opportunities discarded before execution, by reason.",
	}, []string{"reason"})

	c.outcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "executor", Name: "outcomes_total",
		Help: "Finalized trades by outcome.",
	}, []string{"outcome"})
	c.legAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "venue", Name: "requests_total",
		Help: "Venue requests by operation and result.",
	}, []string{"venue", "op", "result"})
	c.inFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "executor", Name: "in_flight",
		Help: "Trades currently executing.",
	})
	c.execLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "executor", Name: "trade_duration_seconds",
		Help:    "Decision to completion time of executed trades.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})
	c.realizedPnL = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "executor", Name: "realized_profit_total",
		Help: "Sum of positive realized profit.",
	})

	c.registry.MustRegister(
		c.snapshots, c.outOfOrder, c.feedReconnect, c.coverage,
		c.detections, c.dropped, c.discarded,
		c.outcomes, c.legAttempts, c.inFlight, c.execLatency, c.realizedPnL,
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RecordSnapshot(venue string) {
	if c == nil {
		return
	}
	c.snapshots.WithLabelValues(venue).Inc()
}

func (c *Collector) RecordOutOfOrder(venue string) {
	if c == nil {
		return
	}
	c.outOfOrder.WithLabelValues(venue).Inc()
}

func (c *Collector) RecordReconnect(venue string) {
	if c == nil {
		return
	}
	c.feedReconnect.WithLabelValues(venue).Inc()
}

// SetVenueActive flips the coverage gauge for venue.
func (c *Collector) SetVenueActive(venue string, active bool) {
	if c == nil {
		return
	}
	v := 0.0
	if active {
		v = 1
	}
	c.coverage.WithLabelValues(venue).Set(v)
}

func (c *Collector) RecordDetection(combo string) {
	if c == nil {
		return
	}
	c.detections.WithLabelValues(combo).Inc()
}

func (c *Collector) RecordDropped() {
	if c == nil {
		return
	}
	c.dropped.Inc()
}

// RecordDiscard counts an opportunity that never reached execution.
func (c *Collector) RecordDiscard(reason string) {
	if c == nil {
		return
	}
	c.discarded.WithLabelValues(reason).Inc()
}

func (c *Collector) RecordOutcome(outcome string, d time.Duration, pnl float64) {
	if c == nil {
		return
	}
	c.outcomes.WithLabelValues(outcome).Inc()
	c.execLatency.Observe(d.Seconds())
	if pnl > 0 {
		c.realizedPnL.Add(pnl)
	}
}

func (c *Collector) RecordVenueRequest(venue, op string, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.legAttempts.WithLabelValues(venue, op, result).Inc()
}

func (c *Collector) IncInFlight() {
	if c == nil {
		return
	}
	c.inFlight.Inc()
}

func (c *Collector) DecInFlight() {
	if c == nil {
		return
	}
	c.inFlight.Dec()
}
