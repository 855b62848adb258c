// Package dispatch renders admitted review events into notifications and
// delivers them to the configured chat rooms.
package dispatch

import (
	"context"
	"strconv"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/reviewrelay/reviewrelay/errs"
	"github.com/reviewrelay/reviewrelay/internal/config"
	"github.com/reviewrelay/reviewrelay/internal/observability"
	"github.com/reviewrelay/reviewrelay/internal/schema"
)

// Notification is one rendered message bound for a single room.
type Notification struct {
	ID      string `json:"id"`
	Room    string `json:"room"`
	Summary string `json:"summary"`
	Link    string `json:"link,omitempty"`
	Body    string `json:"body,omitempty"`

	Kind    schema.EventKind `json:"kind"`
	Project string           `json:"project"`
}

// Sink delivers notifications to the chat backend.
type Sink interface {
	Send(ctx context.Context, msg Notification) error
}

// Dispatcher fans one event out to all configured rooms, pacing sends with a
// token-bucket limiter. Delivery is at-most-once: sink failures are reported
// to the caller but never retried.
type Dispatcher struct {
	sink     Sink
	renderer *Renderer
	rooms    []string
	limiter  *rate.Limiter
}

// NewDispatcher wires a sink to the sink configuration.
func NewDispatcher(sink Sink, cfg config.SinkConfig) *Dispatcher {
	if len(cfg.Rooms) == 0 {
		observability.Log().Warn("no sink rooms configured, events will be admitted but not delivered")
	}
	limit := rate.Inf
	burst := 0
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
		burst = cfg.Burst
		if burst < 1 {
			burst = 1
		}
	}
	return &Dispatcher{
		sink:     sink,
		renderer: NewRenderer(cfg.IncludeCommitBody),
		rooms:    cfg.Rooms,
		limiter:  rate.NewLimiter(limit, burst),
	}
}

// Dispatch renders the event once and sends it to every room. Per-room
// failures are logged and collected; the first cause is returned wrapped with
// the failure count so the caller can account for it and move on.
func (d *Dispatcher) Dispatch(ctx context.Context, e schema.ReviewEvent) error {
	summary, body := d.renderer.Render(e)

	var failed int
	var firstCause error
	for _, room := range d.rooms {
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
		msg := Notification{
			ID:      uuid.NewString(),
			Room:    room,
			Summary: summary,
			Link:    e.Change.URL,
			Body:    body,
			Kind:    e.Kind,
			Project: e.Project,
		}
		if err := d.sink.Send(ctx, msg); err != nil {
			failed++
			if firstCause == nil {
				firstCause = err
			}
			observability.Log().Error("notification delivery failed",
				observability.F("room", room),
				observability.F("kind", string(e.Kind)),
				observability.F("error", err))
		}
	}
	if failed > 0 {
		return errs.New("dispatch", errs.CodeDispatch,
			errs.WithMessage("deliver notification"),
			errs.WithField("failed_rooms", strconv.Itoa(failed)),
			errs.WithCause(firstCause))
	}
	return nil
}

// Rooms returns the configured fan-out targets.
func (d *Dispatcher) Rooms() []string { return d.rooms }

// LogSink writes notifications to the relay log. It is the default sink when
// no chat backend is attached.
type LogSink struct{}

func (LogSink) Send(_ context.Context, msg Notification) error {
	observability.Log().Info("notification",
		observability.F("id", msg.ID),
		observability.F("room", msg.Room),
		observability.F("summary", msg.Summary),
		observability.F("link", msg.Link))
	return nil
}
