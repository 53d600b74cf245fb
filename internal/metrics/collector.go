// Package metrics provides internal Prometheus metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector registers and records the router's Prometheus metrics.
// All methods are safe on a nil receiver so callers can skip wiring
// metrics entirely.
type Collector struct {
	acquiresTotal  *prometheus.CounterVec
	failoversTotal *prometheus.CounterVec
	outcomesTotal  *prometheus.CounterVec
	disablesTotal  *prometheus.CounterVec
	resetsTotal    prometheus.Counter

	availableKeys *prometheus.GaugeVec
	usedToday     *prometheus.GaugeVec
	totalCapacity *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector creates a Collector registered on the default registry.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.acquiresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acquires_total",
			Help:      "Key acquisitions by task, provider and result.",
		},
		[]string{"task", "provider", "result"},
	)

	c.failoversTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failovers_total",
			Help:      "Times a task fell through an exhausted provider to the next one.",
		},
		[]string{"task", "provider"},
	)

	c.outcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcomes_total",
			Help:      "Reported call outcomes by provider and class.",
		},
		[]string{"provider", "outcome"},
	)

	c.disablesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_disables_total",
			Help:      "Keys disabled, by provider and reason.",
		},
		[]string{"provider", "reason"},
	)

	c.resetsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "daily_resets_total",
			Help:      "Daily reset runs, including startup catch-ups.",
		},
	)

	c.availableKeys = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "available_keys",
			Help:      "Currently selectable keys per provider.",
		},
		[]string{"provider"},
	)

	c.usedToday = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "used_today",
			Help:      "Requests consumed today per provider.",
		},
		[]string{"provider"},
	)

	c.totalCapacity = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "total_capacity",
			Help:      "Total daily request capacity per provider.",
		},
		[]string{"provider"},
	)

	return c
}

// RecordAcquire counts one acquisition attempt result for a provider.
func (c *Collector) RecordAcquire(task, provider, result string) {
	if c == nil {
		return
	}
	c.acquiresTotal.WithLabelValues(task, provider, result).Inc()
}

// RecordFailover counts a fall-through past an exhausted provider.
func (c *Collector) RecordFailover(task, provider string) {
	if c == nil {
		return
	}
	c.failoversTotal.WithLabelValues(task, provider).Inc()
}

// RecordOutcome counts one reported outcome.
func (c *Collector) RecordOutcome(provider, outcome string) {
	if c == nil {
		return
	}
	c.outcomesTotal.WithLabelValues(provider, outcome).Inc()
}

// RecordKeyDisabled counts one key disable event.
func (c *Collector) RecordKeyDisabled(provider, reason string) {
	if c == nil {
		return
	}
	c.disablesTotal.WithLabelValues(provider, reason).Inc()
}

// RecordReset counts one daily reset run.
func (c *Collector) RecordReset() {
	if c == nil {
		return
	}
	c.resetsTotal.Inc()
}

// SetProviderGauges refreshes the capacity gauges for one provider.
func (c *Collector) SetProviderGauges(provider string, availableKeys, usedToday, totalCapacity int) {
	if c == nil {
		return
	}
	c.availableKeys.WithLabelValues(provider).Set(float64(availableKeys))
	c.usedToday.WithLabelValues(provider).Set(float64(usedToday))
	c.totalCapacity.WithLabelValues(provider).Set(float64(totalCapacity))
}
