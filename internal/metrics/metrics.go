// Package metrics exposes tracker counters and gauges to Prometheus.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the tracker's Prometheus metrics. A nil *Collector is
// valid and records nothing.
type Collector struct {
	gatherer prometheus.Gatherer

	Uplinks          *prometheus.CounterVec
	FragmentsSent    prometheus.Counter
	Scans            *prometheus.CounterVec
	StackErrors      *prometheus.CounterVec
	EventsPurged     prometheus.Counter
	Effort           prometheus.Gauge
	FragmentsPending prometheus.Gauge
}

// New registers the tracker metrics against reg, defaulting to the global
// registry when nil.
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	uplinks, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_uplinks_total",
		Help: "Completed uplink attempts, labeled by outcome (ok, aborted).",
	}, []string{"outcome"}), "tracker_uplinks_total")
	if err != nil {
		return nil, err
	}

	fragments, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tracker_fragments_sent_total",
		Help: "Uplink fragments acknowledged as sent by the radio stack.",
	}), "tracker_fragments_sent_total")
	if err != nil {
		return nil, err
	}

	scans, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_scans_total",
		Help: "Location scans, labeled by method and outcome.",
	}, []string{"method", "outcome"}), "tracker_scans_total")
	if err != nil {
		return nil, err
	}

	stackErrors, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_stack_errors_total",
		Help: "Radio stack failures, labeled by operation.",
	}, []string{"op"}), "tracker_stack_errors_total")
	if err != nil {
		return nil, err
	}

	purged, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tracker_events_purged_total",
		Help: "Queued events dropped when the radio stack stopped or the queue overflowed.",
	}), "tracker_events_purged_total")
	if err != nil {
		return nil, err
	}

	effort, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tracker_effort_level",
		Help: "Current tiered location effort level.",
	}), "tracker_effort_level")
	if err != nil {
		return nil, err
	}

	pending, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tracker_fragments_in_flight",
		Help: "Fragments of the current uplink not yet sent.",
	}), "tracker_fragments_in_flight")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:         gatherer,
		Uplinks:          uplinks,
		FragmentsSent:    fragments,
		Scans:            scans,
		StackErrors:      stackErrors,
		EventsPurged:     purged,
		Effort:           effort,
		FragmentsPending: pending,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ScanCompleted implements location.Recorder.
func (c *Collector) ScanCompleted(method, outcome string) {
	if c == nil {
		return
	}
	c.Scans.WithLabelValues(method, outcome).Inc()
}

// EffortLevel implements location.Recorder.
func (c *Collector) EffortLevel(level int) {
	if c == nil {
		return
	}
	c.Effort.Set(float64(level))
}

func (c *Collector) UplinkCompleted(outcome string) {
	if c == nil {
		return
	}
	c.Uplinks.WithLabelValues(outcome).Inc()
	c.FragmentsPending.Set(0)
}

func (c *Collector) FragmentSent(remaining int) {
	if c == nil {
		return
	}
	c.FragmentsSent.Inc()
	c.FragmentsPending.Set(float64(remaining))
}

func (c *Collector) FragmentsQueued(n int) {
	if c == nil {
		return
	}
	c.FragmentsPending.Set(float64(n))
}

func (c *Collector) StackError(op string) {
	if c == nil {
		return
	}
	c.StackErrors.WithLabelValues(op).Inc()
}

func (c *Collector) Purged(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.EventsPurged.Add(float64(n))
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerCounter(reg prometheus.Registerer, c prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return c, nil
}

func registerGauge(reg prometheus.Registerer, g prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(g); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return g, nil
}
