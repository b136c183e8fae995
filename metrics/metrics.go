// Package metrics exports filtering and ICAP activity to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"icapfilter/filter"
)

const namespace = "icapfilter"

// Collector holds all Prometheus metrics of the service. It is both a
// filter.DecisionSink and an icap.Observer.
type Collector struct {
	decisions       *prometheus.CounterVec
	transactions    *prometheus.HistogramVec
	activeConns     prometheus.Gauge
	staticRules     prometheus.Gauge
	contentFilters  prometheus.Gauge
	learnedRules    prometheus.Gauge
	learnDropped    prometheus.Gauge
	filterReloads   prometheus.Counter
	filterReloadErr prometheus.Counter

	registry *prometheus.Registry
}

// New creates a Collector with its own registry.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	c := &Collector{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Filtering decisions by outcome and direction.",
		}, []string{"outcome", "direction"}),

		transactions: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "icap_transaction_duration_seconds",
			Help:      "ICAP transaction duration in seconds.",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"method", "status"}),

		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "icap_active_connections",
			Help:      "Number of open ICAP connections.",
		}),

		staticRules: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "filter_static_rules",
			Help:      "Number of rules in the static store.",
		}),

		contentFilters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "filter_content_filters",
			Help:      "Number of element hiding and scriptlet filters.",
		}),

		learnedRules: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "learning_rules",
			Help:      "Number of learned rules.",
		}),

		learnDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "learning_dropped",
			Help:      "Transactions dropped because the learning queue was full.",
		}),

		filterReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "filter_reloads_total",
			Help:      "Number of successful filter reloads.",
		}),

		filterReloadErr: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "filter_reload_errors_total",
			Help:      "Number of failed filter reloads.",
		}),

		registry: reg,
	}

	reg.MustRegister(
		c.decisions,
		c.transactions,
		c.activeConns,
		c.staticRules,
		c.contentFilters,
		c.learnedRules,
		c.learnDropped,
		c.filterReloads,
		c.filterReloadErr,
	)
	return c
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) Record(ctx filter.TransactionContext, res filter.Result) {
	c.decisions.WithLabelValues(res.Outcome.String(), ctx.Direction().String()).Inc()
}

func (c *Collector) TransactionDone(method string, status int, elapsed time.Duration) {
	c.transactions.WithLabelValues(method, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

func (c *Collector) ConnectionsChanged(delta int) {
	c.activeConns.Add(float64(delta))
}

// RuleCounts publishes the size of the installed rule sets.
func (c *Collector) RuleCounts(static, content int) {
	c.staticRules.Set(float64(static))
	c.contentFilters.Set(float64(content))
}

// Learning publishes the learner counters.
func (c *Collector) Learning(rules int, dropped uint64) {
	c.learnedRules.Set(float64(rules))
	c.learnDropped.Set(float64(dropped))
}

// RecordReload counts a reload attempt.
func (c *Collector) RecordReload(err error) {
	if err != nil {
		c.filterReloadErr.Inc()
		return
	}
	c.filterReloads.Inc()
}
