// Package source maintains the persistent connection to the upstream review
// event feed and yields raw records until stopped.
package source

import (
	"context"
	"time"

	"github.com/reviewrelay/reviewrelay/errs"
	"github.com/reviewrelay/reviewrelay/internal/config"
	"github.com/reviewrelay/reviewrelay/internal/schema"
)

const (
	// Reconnection tuning shared by both transport variants.
	maxReconnectInterval = 30 * time.Second
	startupReadyTimeout  = 15 * time.Second
	recordBufferSize     = 256
	maxRecordBytes       = 2 * 1024 * 1024
)

// RawRecordSource yields a continuous, ordered-by-arrival sequence of raw
// records. Implementations reconnect indefinitely with bounded exponential
// backoff after connection loss; only unrecoverable configuration or
// credential errors surface from Start.
type RawRecordSource interface {
	// Start dials the upstream feed and begins delivering records. It blocks
	// until the first connection attempt resolves: a successful dial, a
	// retryable failure (delivery resumes once reconnect succeeds), or a
	// fatal credential/configuration error.
	Start(ctx context.Context) error
	// Records returns the delivery channel. It is closed when the source
	// stops.
	Records() <-chan schema.RawRecord
	// Stop closes the network handle and halts reconnection. Safe to call
	// more than once.
	Stop()
}

// New selects the transport variant from configuration.
func New(cfg config.AppConfig, hooks Hooks) (RawRecordSource, error) {
	switch cfg.Source {
	case config.SourceSSH:
		return NewSSHStream(cfg.Gerrit, hooks)
	case config.SourceFirehose:
		return NewFirehose(cfg.Firehose, hooks)
	default:
		return nil, errs.New("source", errs.CodeInvalidConfig,
			errs.WithMessage("unknown source variant"),
			errs.WithField("source", string(cfg.Source)))
	}
}

// Hooks lets the pipeline observe transport-level activity without the
// source depending on pipeline types.
type Hooks struct {
	OnReconnect func(result string)
	OnRecord    func(bytes int)
}

func (h Hooks) reconnect(result string) {
	if h.OnReconnect != nil {
		h.OnReconnect(result)
	}
}

func (h Hooks) record(bytes int) {
	if h.OnRecord != nil {
		h.OnRecord(bytes)
	}
}
