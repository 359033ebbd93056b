package telemetry

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink turns telemetry events into Prometheus metrics:
//
//	<ns>_events_total{event}               every recorded event
//	<ns>_socket_references                 last reference count seen on reuse
//	<ns>_socket_reuse_delay_seconds        time a socket sat in deferred teardown before reuse
type PrometheusSink struct {
	events     *prometheus.CounterVec
	references prometheus.Gauge
	reuseDelay prometheus.Histogram
}

// NewPrometheusSink creates the collectors and registers them with reg. When
// reg already holds identical collectors, for example from another client in
// the same process, the sink records into those instead.
//
// Parameters:
//   - reg: Registerer to attach the collectors to (e.g. prometheus.DefaultRegisterer)
//   - namespace: Metric namespace, e.g. "deltaconn"
//
// Returns:
//   - The sink, or an error if any collector could not be registered
func NewPrometheusSink(reg prometheus.Registerer, namespace string) (*PrometheusSink, error) {
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Connection layer telemetry events by name.",
		}, []string{"event"}),
		references: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "socket_references",
			Help:      "Reference count of the most recently reused shared socket.",
		}),
		reuseDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "socket_reuse_delay_seconds",
			Help:      "Time a shared socket spent awaiting deferred teardown before being reused.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
		}),
	}

	var err error
	if s.events, err = register(reg, s.events); err != nil {
		return nil, err
	}
	if s.references, err = register(reg, s.references); err != nil {
		return nil, err
	}
	if s.reuseDelay, err = register(reg, s.reuseDelay); err != nil {
		return nil, err
	}

	return s, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}

	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing, nil
		}
	}

	return c, fmt.Errorf("register telemetry collector: %w", err)
}

// Record implements Sink.
func (s *PrometheusSink) Record(event string, props map[string]any) {
	s.events.WithLabelValues(event).Inc()

	if event != EventGetSocketReference {
		return
	}

	if refs, ok := toFloat(props["references"]); ok {
		s.references.Set(refs)
	}
	if ms, ok := toFloat(props["delayDeleteDelta"]); ok {
		s.reuseDelay.Observe(ms / 1000)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
