package runtime

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Publish results and dispatch outcomes used as label values.
const (
	resultOK        = "ok"
	resultError     = "error"
	resultCancelled = "cancelled"

	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

// busMetrics holds the Prometheus collectors of a bus. Buses sharing a
// registerer share the collectors.
type busMetrics struct {
	published       *prometheus.CounterVec
	dispatched      *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	settled         *prometheus.CounterVec
	decodeMisses    *prometheus.CounterVec
}

func newBusCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "socialbus",
			Subsystem: "bus",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newBusHistogramVec(name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "socialbus",
			Subsystem: "bus",
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

func newBusMetrics(registerer prometheus.Registerer) (*busMetrics, error) {
	m := &busMetrics{
		published:       newBusCounterVec("published_total", "Events handed to the transport, by result", []string{"type_tag", "result"}),
		dispatched:      newBusCounterVec("dispatch_total", "Dispatched messages, by outcome", []string{"destination", "type_tag", "outcome"}),
		handlerDuration: newBusHistogramVec("handler_duration_seconds", "Duration of one handler invocation", prometheus.DefBuckets, []string{"handler", "type_tag"}),
		settled:         newBusCounterVec("settled_total", "Received messages by settlement action", []string{"destination", "action"}),
		decodeMisses:    newBusCounterVec("decode_misses_total", "Received messages without a registered type tag", []string{"destination"}),
	}

	var err error
	if m.published, err = registerCollector(registerer, m.published); err != nil {
		return nil, err
	}
	if m.dispatched, err = registerCollector(registerer, m.dispatched); err != nil {
		return nil, err
	}
	if m.handlerDuration, err = registerCollector(registerer, m.handlerDuration); err != nil {
		return nil, err
	}
	if m.settled, err = registerCollector(registerer, m.settled); err != nil {
		return nil, err
	}
	if m.decodeMisses, err = registerCollector(registerer, m.decodeMisses); err != nil {
		return nil, err
	}
	return m, nil
}

// registerCollector registers c, returning the collector already registered
// under the same description when there is one.
func registerCollector[C prometheus.Collector](registerer prometheus.Registerer, c C) (C, error) {
	if err := registerer.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *busMetrics) recordPublish(typeTag, result string) {
	m.published.WithLabelValues(typeTag, result).Inc()
}

func (m *busMetrics) recordDispatch(destination, typeTag string, err error) {
	outcome := outcomeSuccess
	if err != nil {
		outcome = outcomeFailure
	}
	m.dispatched.WithLabelValues(destination, typeTag, outcome).Inc()
}

func (m *busMetrics) recordHandler(handler, typeTag string, duration time.Duration) {
	m.handlerDuration.WithLabelValues(handler, typeTag).Observe(duration.Seconds())
}

func (m *busMetrics) recordSettled(destination, action string) {
	m.settled.WithLabelValues(destination, action).Inc()
}

func (m *busMetrics) recordDecodeMiss(destination string) {
	m.decodeMisses.WithLabelValues(destination).Inc()
}
