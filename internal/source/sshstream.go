package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/crypto/ssh"

	"github.com/reviewrelay/reviewrelay/errs"
	"github.com/reviewrelay/reviewrelay/internal/config"
	"github.com/reviewrelay/reviewrelay/internal/observability"
	"github.com/reviewrelay/reviewrelay/internal/schema"
)

const (
	streamEventsCommand = "gerrit stream-events"
	sshDialTimeout      = 10 * time.Second
)

// SSHStream reads newline-delimited records from a long-lived
// `gerrit stream-events` session over SSH.
type SSHStream struct {
	cfg    config.GerritConfig
	signer ssh.Signer
	hooks  Hooks

	ctx    context.Context
	cancel context.CancelFunc

	client   *ssh.Client
	clientMu sync.Mutex

	records chan schema.RawRecord

	ready     chan error
	readyOnce sync.Once

	stopOnce sync.Once
}

// NewSSHStream validates credentials and constructs the stream variant.
// Credential problems (unreadable or unparsable key file) are unrecoverable
// and surface here rather than entering the retry loop.
func NewSSHStream(cfg config.GerritConfig, hooks Hooks) (*SSHStream, error) {
	keyBytes, err := os.ReadFile(cfg.Keyfile) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, errs.New("source/ssh", errs.CodeInvalidConfig,
			errs.WithMessage("read key file"),
			errs.WithField("keyfile", cfg.Keyfile), errs.WithCause(err))
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, errs.New("source/ssh", errs.CodeAuth,
			errs.WithMessage("parse private key"),
			errs.WithField("keyfile", cfg.Keyfile), errs.WithCause(err))
	}
	return &SSHStream{
		cfg:     cfg,
		signer:  signer,
		hooks:   hooks,
		records: make(chan schema.RawRecord, recordBufferSize),
		ready:   make(chan error, 1),
	}, nil
}

// Start dials the review server in a background goroutine and waits for the
// first connection attempt to resolve.
func (s *SSHStream) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	go func() {
		defer close(s.records)
		s.connect()
	}()

	select {
	case err := <-s.ready:
		return err
	case <-time.After(startupReadyTimeout):
		return errs.New("source/ssh", errs.CodeUnavailable,
			errs.WithMessage("timeout waiting for first connection attempt"))
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

// Records returns the delivery channel.
func (s *SSHStream) Records() <-chan schema.RawRecord { return s.records }

// Stop closes the SSH connection and halts reconnection.
func (s *SSHStream) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.clientMu.Lock()
		if s.client != nil {
			_ = s.client.Close()
			s.client = nil
		}
		s.clientMu.Unlock()
	})
}

// connect maintains the SSH session with automatic reconnection and
// exponential backoff. It returns only when the parent context terminates.
func (s *SSHStream) connect() {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = maxReconnectInterval
	firstAttempt := true

	for {
		select {
		case <-s.ctx.Done():
			s.signalReady(s.ctx.Err())
			return
		default:
		}

		client, err := s.dial()
		if err != nil {
			s.hooks.reconnect("error")
			if firstAttempt && isAuthError(err) {
				// Bad credentials never recover; surface to the caller
				// instead of retrying.
				s.signalReady(errs.New("source/ssh", errs.CodeAuth,
					errs.WithMessage("authentication failed"),
					errs.WithField("host", s.addr()), errs.WithCause(err)))
				return
			}
			firstAttempt = false
			s.signalReady(nil)
			observability.Log().Warn("ssh dial failed, retrying",
				observability.F("host", s.addr()), observability.F("error", err))
			if !s.sleep(backoffCfg.NextBackOff()) {
				return
			}
			continue
		}
		firstAttempt = false

		s.hooks.reconnect("success")
		s.clientMu.Lock()
		s.client = client
		s.clientMu.Unlock()

		s.signalReady(nil)
		backoffCfg.Reset()

		err = s.stream(client)
		s.clientMu.Lock()
		if s.client == client {
			s.client = nil
		}
		s.clientMu.Unlock()
		_ = client.Close()

		if s.ctx.Err() != nil {
			return
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			observability.Log().Warn("event stream interrupted, reconnecting",
				observability.F("host", s.addr()), observability.F("error", err))
		}
		if !s.sleep(backoffCfg.NextBackOff()) {
			return
		}
	}
}

func (s *SSHStream) dial() (*ssh.Client, error) {
	clientCfg := &ssh.ClientConfig{
		User:            s.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(s.signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // #nosec G106 -- event feed carries no secrets.
		Timeout:         sshDialTimeout,
	}
	client, err := ssh.Dial("tcp", s.addr(), clientCfg)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.addr(), err)
	}
	return client, nil
}

// stream runs the event command on a fresh session and scans its stdout until
// the connection drops or the context is cancelled.
func (s *SSHStream) stream(client *ssh.Client) error {
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer func() { _ = session.Close() }()

	stdout, err := session.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := session.Start(streamEventsCommand); err != nil {
		return fmt.Errorf("start %q: %w", streamEventsCommand, err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxRecordBytes)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		record := schema.RawRecord{
			Payload:    []byte(line),
			Topic:      "",
			ReceivedAt: time.Now().UTC(),
		}
		s.hooks.record(len(record.Payload))
		select {
		case <-s.ctx.Done():
			return context.Canceled
		case s.records <- record:
		}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return context.Canceled
		}
		return fmt.Errorf("read stream: %w", err)
	}
	return fmt.Errorf("stream closed by remote")
}

func (s *SSHStream) addr() string {
	return net.JoinHostPort(s.cfg.Hostname, fmt.Sprintf("%d", s.cfg.Port))
}

func (s *SSHStream) signalReady(err error) {
	s.readyOnce.Do(func() {
		s.ready <- err
		close(s.ready)
	})
}

// sleep waits out the backoff interval, honoring cancellation. It reports
// whether the loop should continue.
func (s *SSHStream) sleep(interval time.Duration) bool {
	if interval == backoff.Stop || interval <= 0 {
		interval = maxReconnectInterval
	}
	select {
	case <-s.ctx.Done():
		return false
	case <-time.After(interval):
		return true
	}
}

// isAuthError separates credential rejections from transport faults. A
// handshake can fail for either reason, so the handshake prefix alone is not
// enough; the failure must name an authentication problem.
func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "permission denied")
}
