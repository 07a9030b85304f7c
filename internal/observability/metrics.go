package observability

import "sync"

// Metrics provides counters, gauges, and histogram recording primitives.
type Metrics interface {
	IncCounter(name string, value float64, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

var defaultMetrics Metrics = noopMetrics{}

// SetMetrics overrides the global metrics implementation used by the engine.
func SetMetrics(metrics Metrics) {
	if metrics == nil {
		defaultMetrics = noopMetrics{}
		return
	}
	defaultMetrics = metrics
}

// Telemetry returns the current global metrics collector.
func Telemetry() Metrics {
	return defaultMetrics
}

type noopMetrics struct{}

func (noopMetrics) IncCounter(string, float64, map[string]string)       {}
func (noopMetrics) ObserveHistogram(string, float64, map[string]string) {}
func (noopMetrics) SetGauge(string, float64, map[string]string)         {}

// EngineMetricsSnapshot captures engine-focused runtime counters.
type EngineMetricsSnapshot struct {
	Fills              map[string]int `json:"fills"`
	Cancellations      map[string]int `json:"cancellations"`
	Rejections         map[string]int `json:"rejections"`
	TriggerEvaluations map[string]int `json:"trigger_evaluations"`
}

// RuntimeMetrics accumulates engine metrics in-memory for periodic export.
type RuntimeMetrics struct {
	mu     sync.Mutex
	engine EngineMetricsSnapshot
}

// NewRuntimeMetrics constructs a metrics accumulator with empty maps.
func NewRuntimeMetrics() *RuntimeMetrics {
	metrics := new(RuntimeMetrics)
	metrics.engine = EngineMetricsSnapshot{
		Fills:              make(map[string]int),
		Cancellations:      make(map[string]int),
		Rejections:         make(map[string]int),
		TriggerEvaluations: make(map[string]int),
	}
	return metrics
}

// RecordFill increments the fill counter for an instrument.
func (m *RuntimeMetrics) RecordFill(instrument string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.engine.Fills[instrument]++
}

// RecordCancellation increments the cancellation counter for an instrument.
func (m *RuntimeMetrics) RecordCancellation(instrument string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.engine.Cancellations[instrument]++
}

// RecordRejection increments the rejection counter for an instrument.
func (m *RuntimeMetrics) RecordRejection(instrument string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.engine.Rejections[instrument]++
}

// RecordTriggerEvaluation tracks conditional-order evaluations per instrument.
func (m *RuntimeMetrics) RecordTriggerEvaluation(instrument string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.engine.TriggerEvaluations[instrument]++
}

// Snapshot copies the current engine metrics state for reporting.
func (m *RuntimeMetrics) Snapshot() EngineMetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := EngineMetricsSnapshot{
		Fills:              make(map[string]int, len(m.engine.Fills)),
		Cancellations:      make(map[string]int, len(m.engine.Cancellations)),
		Rejections:         make(map[string]int, len(m.engine.Rejections)),
		TriggerEvaluations: make(map[string]int, len(m.engine.TriggerEvaluations)),
	}
	for k, v := range m.engine.Fills {
		out.Fills[k] = v
	}
	for k, v := range m.engine.Cancellations {
		out.Cancellations[k] = v
	}
	for k, v := range m.engine.Rejections {
		out.Rejections[k] = v
	}
	for k, v := range m.engine.TriggerEvaluations {
		out.TriggerEvaluations[k] = v
	}
	return out
}
