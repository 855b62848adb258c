package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	attrEnvironment = attribute.Key("environment")
	attrSource      = attribute.Key("source")
	attrEventKind   = attribute.Key("event.kind")
	attrProject     = attribute.Key("project")
	attrResult      = attribute.Key("result")
	attrReason      = attribute.Key("reason")
)

// Instruments holds the relay's pipeline instruments. A nil receiver or a
// failed instrument registration degrades to a no-op.
type Instruments struct {
	environment string
	source      string

	reconnects        metric.Int64Counter
	recordsReceived   metric.Int64Counter
	recordBytes       metric.Int64Histogram
	parseFailures     metric.Int64Counter
	eventsFiltered    metric.Int64Counter
	duplicatesDropped metric.Int64Counter
	dispatches        metric.Int64Counter
	processingLatency metric.Float64Histogram
	cacheSize         metric.Int64ObservableGauge
}

// NewInstruments registers the pipeline instrument set. cacheLen feeds the
// seen-cache size gauge and must be safe to call from the metric reader.
func NewInstruments(p *Provider, environment, source string, cacheLen func() int) *Instruments {
	meter := p.Meter("reviewrelay.pipeline")

	inst := &Instruments{
		environment:       environment,
		source:            source,
		reconnects:        nil,
		recordsReceived:   nil,
		recordBytes:       nil,
		parseFailures:     nil,
		eventsFiltered:    nil,
		duplicatesDropped: nil,
		dispatches:        nil,
		processingLatency: nil,
		cacheSize:         nil,
	}

	inst.reconnects, _ = meter.Int64Counter("reviewrelay_source_reconnects",
		metric.WithDescription("Upstream connection attempts by outcome"),
		metric.WithUnit("{reconnect}"))

	inst.recordsReceived, _ = meter.Int64Counter("reviewrelay_records_received",
		metric.WithDescription("Raw records read off the upstream transport"),
		metric.WithUnit("{record}"))

	inst.recordBytes, _ = meter.Int64Histogram("reviewrelay_record_bytes",
		metric.WithDescription("Size of raw records read off the upstream transport"),
		metric.WithUnit("By"))

	inst.parseFailures, _ = meter.Int64Counter("reviewrelay_parse_failures",
		metric.WithDescription("Records dropped during normalization"),
		metric.WithUnit("{record}"))

	inst.eventsFiltered, _ = meter.Int64Counter("reviewrelay_events_filtered",
		metric.WithDescription("Events rejected by the admission rules"),
		metric.WithUnit("{event}"))

	inst.duplicatesDropped, _ = meter.Int64Counter("reviewrelay_duplicates_dropped",
		metric.WithDescription("Events suppressed by the seen cache"),
		metric.WithUnit("{event}"))

	inst.dispatches, _ = meter.Int64Counter("reviewrelay_dispatches",
		metric.WithDescription("Notification dispatch attempts by outcome"),
		metric.WithUnit("{event}"))

	inst.processingLatency, _ = meter.Float64Histogram("reviewrelay_pipeline_processing_duration",
		metric.WithDescription("Per-event pipeline processing duration"),
		metric.WithUnit("ms"))

	if cacheLen != nil {
		inst.cacheSize, _ = meter.Int64ObservableGauge("reviewrelay_seen_cache_size",
			metric.WithDescription("Entries currently held by the seen cache"),
			metric.WithUnit("{entry}"),
			metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
				observer.Observe(int64(cacheLen()), metric.WithAttributes(inst.baseAttrs()...))
				return nil
			}))
	}

	return inst
}

func (inst *Instruments) baseAttrs() []attribute.KeyValue {
	if inst == nil {
		return nil
	}
	return []attribute.KeyValue{
		attrEnvironment.String(inst.environment),
		attrSource.String(inst.source),
	}
}

// RecordReconnect counts one connection attempt with its outcome.
func (inst *Instruments) RecordReconnect(ctx context.Context, result string) {
	if inst == nil || inst.reconnects == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := inst.baseAttrs()
	if result != "" {
		attrs = append(attrs, attrResult.String(result))
	}
	inst.reconnects.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRecord counts one raw record and its payload size.
func (inst *Instruments) RecordRecord(ctx context.Context, bytes int) {
	if inst == nil || inst.recordsReceived == nil || inst.recordBytes == nil || bytes <= 0 {
		return
	}
	ctx = ensureContext(ctx)
	attrs := inst.baseAttrs()
	inst.recordsReceived.Add(ctx, 1, metric.WithAttributes(attrs...))
	inst.recordBytes.Record(ctx, int64(bytes), metric.WithAttributes(attrs...))
}

// RecordParseFailure counts one record dropped during normalization.
func (inst *Instruments) RecordParseFailure(ctx context.Context, reason string) {
	if inst == nil || inst.parseFailures == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := inst.baseAttrs()
	if reason != "" {
		attrs = append(attrs, attrReason.String(reason))
	}
	inst.parseFailures.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordFiltered counts one event rejected by the admission rules.
func (inst *Instruments) RecordFiltered(ctx context.Context, kind, project string) {
	if inst == nil || inst.eventsFiltered == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := append(inst.baseAttrs(), attrEventKind.String(kind), attrProject.String(project))
	inst.eventsFiltered.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordDuplicate counts one event suppressed by the seen cache.
func (inst *Instruments) RecordDuplicate(ctx context.Context, kind, project string) {
	if inst == nil || inst.duplicatesDropped == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := append(inst.baseAttrs(), attrEventKind.String(kind), attrProject.String(project))
	inst.duplicatesDropped.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordDispatch counts one dispatch attempt with its outcome.
func (inst *Instruments) RecordDispatch(ctx context.Context, kind, project, result string) {
	if inst == nil || inst.dispatches == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := append(inst.baseAttrs(),
		attrEventKind.String(kind), attrProject.String(project), attrResult.String(result))
	inst.dispatches.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordProcessing records the end-to-end processing latency of one record.
func (inst *Instruments) RecordProcessing(ctx context.Context, elapsed time.Duration) {
	if inst == nil || inst.processingLatency == nil {
		return
	}
	ctx = ensureContext(ctx)
	if elapsed < 0 {
		elapsed = 0
	}
	inst.processingLatency.Record(ctx, float64(elapsed.Microseconds())/1000.0,
		metric.WithAttributes(inst.baseAttrs()...))
}

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
