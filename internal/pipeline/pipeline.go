// Package pipeline drives review events from the upstream source through
// normalization, admission, deduplication and dispatch.
package pipeline

import (
	"context"
	"time"

	"github.com/reviewrelay/reviewrelay/internal/dedup"
	"github.com/reviewrelay/reviewrelay/internal/dispatch"
	"github.com/reviewrelay/reviewrelay/internal/filter"
	"github.com/reviewrelay/reviewrelay/internal/normalize"
	"github.com/reviewrelay/reviewrelay/internal/observability"
	"github.com/reviewrelay/reviewrelay/internal/schema"
	"github.com/reviewrelay/reviewrelay/internal/source"
	"github.com/reviewrelay/reviewrelay/internal/telemetry"
)

// Pipeline owns the full processing chain. A single worker goroutine drains
// the source channel, so events are processed serially in arrival order and
// the seen cache never races with itself.
type Pipeline struct {
	src        source.RawRecordSource
	rules      filter.Rules
	cache      *dedup.SeenCache
	dispatcher *dispatch.Dispatcher

	metrics     *observability.PipelineMetrics
	stats       *Stats
	instruments *telemetry.Instruments

	done chan struct{}
}

// New assembles the pipeline. instruments may be nil.
func New(src source.RawRecordSource, rules filter.Rules, cache *dedup.SeenCache,
	dispatcher *dispatch.Dispatcher, instruments *telemetry.Instruments) *Pipeline {
	return &Pipeline{
		src:         src,
		rules:       rules,
		cache:       cache,
		dispatcher:  dispatcher,
		metrics:     observability.NewPipelineMetrics(),
		stats:       NewStats(),
		instruments: instruments,
	}
}

// Start connects the source and launches the worker. It returns the source's
// startup error unchanged, so unrecoverable credential and configuration
// failures surface before the worker exists.
//
// The worker runs on a context detached from ctx's cancellation: stopping is
// effected by the source closing the records channel, and the event in
// flight at that moment must finish its full stage sequence rather than
// abort mid-fan-out when the process signal context is cancelled.
func (p *Pipeline) Start(ctx context.Context) error {
	if err := p.src.Start(ctx); err != nil {
		return err
	}
	p.done = make(chan struct{})
	go p.run(context.WithoutCancel(ctx))
	return nil
}

// Stop halts the source and waits for the worker to finish the in-flight
// event, bounded by ctx.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.src.Stop()
	if p.done == nil {
		return nil
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Metrics returns the live pipeline counters.
func (p *Pipeline) Metrics() *observability.PipelineMetrics { return p.metrics }

// Stats returns the live occurrence tables.
func (p *Pipeline) Stats() *Stats { return p.stats }

// Cache returns the seen cache for the control surface.
func (p *Pipeline) Cache() *dedup.SeenCache { return p.cache }

func (p *Pipeline) run(ctx context.Context) {
	defer close(p.done)
	for rec := range p.src.Records() {
		p.process(ctx, rec)
	}
}

// process walks one record through the chain. Every drop path is terminal
// for the record only; nothing here stops the worker.
func (p *Pipeline) process(ctx context.Context, rec schema.RawRecord) {
	started := time.Now()
	defer func() {
		p.instruments.RecordProcessing(ctx, time.Since(started))
	}()

	p.metrics.IncReceived()

	event, err := normalize.Normalize(rec)
	if err != nil {
		p.metrics.IncParseFailure()
		p.instruments.RecordParseFailure(ctx, "malformed_record")
		observability.Log().Debug("record dropped during normalization",
			observability.F("topic", rec.Topic), observability.F("error", err))
		return
	}

	p.stats.Observe(event)

	if !p.rules.Admit(event) {
		p.metrics.IncFiltered()
		p.instruments.RecordFiltered(ctx, string(event.Kind), event.Project)
		observability.Log().Debug("event rejected by admission rules",
			observability.F("kind", string(event.Kind)),
			observability.F("project", event.Project))
		return
	}

	if p.cache.Seen(schema.Fingerprint(event)) {
		p.metrics.IncDuplicate()
		p.instruments.RecordDuplicate(ctx, string(event.Kind), event.Project)
		return
	}

	if err := p.dispatcher.Dispatch(ctx, event); err != nil {
		p.metrics.IncDispatchError()
		p.instruments.RecordDispatch(ctx, string(event.Kind), event.Project, "error")
		observability.Log().Error("dispatch failed",
			observability.F("kind", string(event.Kind)),
			observability.F("project", event.Project),
			observability.F("error", err))
		return
	}
	p.metrics.IncDispatched()
	p.instruments.RecordDispatch(ctx, string(event.Kind), event.Project, "success")
}
