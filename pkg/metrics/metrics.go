// Package metrics collects counters about a mirror run. A run is a one-shot
// process, so instead of serving /metrics the collected values are written
// to a textfile that node_exporter's textfile collector can pick up.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sidkik/mirror/pkg/errors"
)

// Fetch results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultSkipped = "skipped"
)

// Metrics holds the collectors for one run. Each Metrics has its own
// registry so that tests don't share state.
type Metrics struct {
	registry *prometheus.Registry

	FetchesTotal       *prometheus.CounterVec
	FetchedBytesTotal  prometheus.Counter
	FetchRetriesTotal  prometheus.Counter
	ComponentStatus    *prometheus.GaugeVec
	ComponentDuration  *prometheus.GaugeVec
	ComponentTimestamp *prometheus.GaugeVec
}

// New creates and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		FetchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mirror_fetches_total",
			Help: "Number of artifact fetches by result.",
		}, []string{"result"}),
		FetchedBytesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "mirror_fetched_bytes_total",
			Help: "Bytes written by successful fetches.",
		}),
		FetchRetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "mirror_fetch_retries_total",
			Help: "Number of fetch attempts that were retried after a transient error.",
		}),
		ComponentStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mirror_component_status",
			Help: "1 for the current lifecycle state of each component, 0 otherwise.",
		}, []string{"component", "status"}),
		ComponentDuration: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mirror_component_duration_seconds",
			Help: "How long the last update of each component took.",
		}, []string{"component"}),
		ComponentTimestamp: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mirror_component_last_success_timestamp_seconds",
			Help: "Unix time of the last successful update of each component.",
		}, []string{"component"}),
	}
}

// Registry returns the registry that all collectors are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetComponentStatus marks `status` as the current state of `component`
// and clears the other states.
func (m *Metrics) SetComponentStatus(component string, status string, all []string) {
	for _, s := range all {
		value := 0.0
		if s == status {
			value = 1
		}
		m.ComponentStatus.WithLabelValues(component, s).Set(value)
	}
}

// WriteTextfile writes the current values in the Prometheus text format.
// The file is replaced atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return errors.WithContext(err, "write metrics textfile")
	}
	return nil
}
