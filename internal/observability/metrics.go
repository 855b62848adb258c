package observability

import "sync"

// PipelineMetricsSnapshot captures pipeline-focused runtime counters.
type PipelineMetricsSnapshot struct {
	Received       uint64 `json:"received"`
	ParseFailures  uint64 `json:"parse_failures"`
	Filtered       uint64 `json:"filtered"`
	Duplicates     uint64 `json:"duplicates"`
	Dispatched     uint64 `json:"dispatched"`
	DispatchErrors uint64 `json:"dispatch_errors"`
	Reconnects     uint64 `json:"reconnects"`
}

// PipelineMetrics accumulates relay counters in-memory for the control surface.
type PipelineMetrics struct {
	mu       sync.Mutex
	snapshot PipelineMetricsSnapshot
}

// NewPipelineMetrics constructs an empty metrics accumulator.
func NewPipelineMetrics() *PipelineMetrics {
	return new(PipelineMetrics)
}

// IncReceived counts one raw record read off the transport.
func (m *PipelineMetrics) IncReceived() { m.add(func(s *PipelineMetricsSnapshot) { s.Received++ }) }

// IncParseFailure counts one record dropped during normalization.
func (m *PipelineMetrics) IncParseFailure() {
	m.add(func(s *PipelineMetricsSnapshot) { s.ParseFailures++ })
}

// IncFiltered counts one event rejected by admission rules.
func (m *PipelineMetrics) IncFiltered() { m.add(func(s *PipelineMetricsSnapshot) { s.Filtered++ }) }

// IncDuplicate counts one event suppressed by the seen cache.
func (m *PipelineMetrics) IncDuplicate() {
	m.add(func(s *PipelineMetricsSnapshot) { s.Duplicates++ })
}

// IncDispatched counts one notification handed to the sink.
func (m *PipelineMetrics) IncDispatched() {
	m.add(func(s *PipelineMetricsSnapshot) { s.Dispatched++ })
}

// IncDispatchError counts one failed sink delivery.
func (m *PipelineMetrics) IncDispatchError() {
	m.add(func(s *PipelineMetricsSnapshot) { s.DispatchErrors++ })
}

// IncReconnect counts one source reconnect attempt.
func (m *PipelineMetrics) IncReconnect() {
	m.add(func(s *PipelineMetricsSnapshot) { s.Reconnects++ })
}

// Snapshot copies the current counter state for reporting.
func (m *PipelineMetrics) Snapshot() PipelineMetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot
}

func (m *PipelineMetrics) add(fn func(*PipelineMetricsSnapshot)) {
	if m == nil {
		return
	}
	m.mu.Lock()
	fn(&m.snapshot)
	m.mu.Unlock()
}
