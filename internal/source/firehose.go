package source

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/reviewrelay/reviewrelay/errs"
	"github.com/reviewrelay/reviewrelay/internal/config"
	"github.com/reviewrelay/reviewrelay/internal/observability"
	"github.com/reviewrelay/reviewrelay/internal/schema"
)

const (
	firehoseConnectTimeout = 10 * time.Second
	firehoseKeepAlive      = 60 * time.Second
)

// Firehose subscribes to an MQTT broker and feeds every published message
// into the record channel. The broker handles fan-out; the relay only admits
// or drops downstream.
type Firehose struct {
	cfg   config.FirehoseConfig
	hooks Hooks

	ctx    context.Context
	cancel context.CancelFunc

	client mqtt.Client

	records chan schema.RawRecord

	ready     chan error
	readyOnce sync.Once

	closed   atomic.Bool
	handlers sync.WaitGroup
	stopOnce sync.Once
}

// NewFirehose constructs the MQTT firehose variant.
func NewFirehose(cfg config.FirehoseConfig, hooks Hooks) (*Firehose, error) {
	switch cfg.Transport {
	case "tcp", "ws", "wss", "ssl":
	default:
		return nil, errs.New("source/firehose", errs.CodeInvalidConfig,
			errs.WithMessage("unsupported transport"),
			errs.WithField("transport", cfg.Transport),
			errs.WithRemediation("use one of tcp, ws, wss, ssl"))
	}
	return &Firehose{
		cfg:     cfg,
		hooks:   hooks,
		records: make(chan schema.RawRecord, recordBufferSize),
		ready:   make(chan error, 1),
	}, nil
}

// Start connects to the broker and blocks until the first attempt resolves.
// The paho client owns reconnection afterwards; connection-lost events are
// logged and counted through the reconnect hook.
func (f *Firehose) Start(ctx context.Context) error {
	f.ctx, f.cancel = context.WithCancel(ctx)

	opts := mqtt.NewClientOptions().
		AddBroker(f.brokerURL()).
		SetClientID("reviewrelay-" + uuid.NewString()[:8]).
		SetCleanSession(true).
		SetKeepAlive(firehoseKeepAlive).
		SetConnectTimeout(firehoseConnectTimeout).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(maxReconnectInterval).
		SetConnectionLostHandler(f.onConnectionLost).
		SetOnConnectHandler(f.onConnect)

	f.client = mqtt.NewClient(opts)

	token := f.client.Connect()
	if !token.WaitTimeout(startupReadyTimeout) {
		return errs.New("source/firehose", errs.CodeUnavailable,
			errs.WithMessage("timeout connecting to broker"),
			errs.WithField("broker", f.brokerURL()))
	}
	if err := token.Error(); err != nil {
		return errs.New("source/firehose", errs.CodeNetwork,
			errs.WithMessage("connect to broker"),
			errs.WithField("broker", f.brokerURL()), errs.WithCause(err))
	}

	select {
	case err := <-f.ready:
		return err
	case <-time.After(startupReadyTimeout):
		return errs.New("source/firehose", errs.CodeUnavailable,
			errs.WithMessage("timeout waiting for subscription"),
			errs.WithField("topic", f.cfg.Topic))
	case <-f.ctx.Done():
		return f.ctx.Err()
	}
}

// Records returns the delivery channel.
func (f *Firehose) Records() <-chan schema.RawRecord { return f.records }

// Stop disconnects from the broker and closes the record channel. The
// channel closes only after the broker is gone and in-flight message
// handlers have drained.
func (f *Firehose) Stop() {
	f.stopOnce.Do(func() {
		f.closed.Store(true)
		if f.cancel != nil {
			f.cancel()
		}
		if f.client != nil && f.client.IsConnected() {
			f.client.Disconnect(250)
		}
		f.handlers.Wait()
		close(f.records)
	})
}

// onConnect resubscribes on every (re)connection. The broker drops
// subscriptions with the clean session, so this runs each time.
func (f *Firehose) onConnect(client mqtt.Client) {
	go f.subscribe(client)
}

// subscribe establishes the topic subscription, retrying with backoff while
// the connection stays up. A subscribe failure on a live connection must not
// leave the relay connected but deaf. If the connection drops the loop
// abandons; the reconnect path runs onConnect again.
func (f *Firehose) subscribe(client mqtt.Client) {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = maxReconnectInterval

	for {
		token := client.Subscribe(f.cfg.Topic, 0, f.onMessage)
		token.Wait()
		err := token.Error()
		if err == nil {
			f.hooks.reconnect("success")
			f.signalReady(nil)
			observability.Log().Info("firehose subscribed",
				observability.F("broker", f.brokerURL()), observability.F("topic", f.cfg.Topic))
			return
		}

		f.hooks.reconnect("error")
		// Retryable, so startup is not wedged behind it.
		f.signalReady(nil)
		observability.Log().Warn("firehose subscribe failed, retrying",
			observability.F("topic", f.cfg.Topic), observability.F("error", err))

		if !client.IsConnected() {
			return
		}
		interval := backoffCfg.NextBackOff()
		if interval == backoff.Stop || interval <= 0 {
			interval = maxReconnectInterval
		}
		select {
		case <-f.ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

func (f *Firehose) onConnectionLost(_ mqtt.Client, err error) {
	f.hooks.reconnect("error")
	observability.Log().Warn("firehose connection lost, reconnecting",
		observability.F("broker", f.brokerURL()), observability.F("error", err))
}

func (f *Firehose) onMessage(_ mqtt.Client, msg mqtt.Message) {
	f.handlers.Add(1)
	defer f.handlers.Done()
	if f.closed.Load() {
		return
	}
	record := schema.RawRecord{
		Payload:    msg.Payload(),
		Topic:      msg.Topic(),
		ReceivedAt: time.Now().UTC(),
	}
	f.hooks.record(len(record.Payload))
	select {
	case <-f.ctx.Done():
	case f.records <- record:
	}
}

func (f *Firehose) brokerURL() string {
	return fmt.Sprintf("%s://%s:%d", f.cfg.Transport, f.cfg.Host, f.cfg.Port)
}

func (f *Firehose) signalReady(err error) {
	f.readyOnce.Do(func() {
		f.ready <- err
		close(f.ready)
	})
}
