// Package realtime keeps a long-lived event stream open to the remote
// service and turns its sync_update events into sync signals.
package realtime

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/ledger-sync/internal/models"
)

const (
	// initialBackoff is the delay after the first failed connection
	// attempt and the wait between credential checks.
	initialBackoff = 2 * time.Second

	// maxBackoff caps the exponential reconnect delay.
	maxBackoff = 60 * time.Second

	// backoffMultiplier grows the delay after each failed attempt.
	backoffMultiplier = 2

	// maxAttempts is the number of consecutive failures after which the
	// attempt counter and delay start over.
	maxAttempts = 50

	// quickReconnect is the delay before reconnecting after an
	// established stream drops.
	quickReconnect = 1 * time.Second

	// connectTimeout bounds each connection attempt.
	connectTimeout = 15 * time.Second

	// idleTimeout closes a stream that has delivered nothing, not even a
	// heartbeat, for this long.
	idleTimeout = 120 * time.Second

	// signalBuffer is the capacity of the signal channel.
	signalBuffer = 16

	// maxLineBytes bounds a single line of the stream.
	maxLineBytes = 1 << 20
)

const (
	eventConnected  = "connected"
	eventSyncUpdate = "sync_update"
)

var (
	errConnectTimeout = errors.New("connect timeout")
	errIdleTimeout    = errors.New("stream idle timeout")
	errStreamClosed   = errors.New("stream closed by server")
)

// TokenSupplier returns a usable access token, or an error when none is
// available yet.
type TokenSupplier func(ctx context.Context) (string, error)

// Notifier maintains the realtime connection. Each connection attempt
// tries the configured endpoints in order.
type Notifier struct {
	endpoints []string
	dialer    Dialer
	logger    *slog.Logger

	signals chan struct{}

	mu       sync.Mutex
	state    models.ConnectionState
	onChange func(models.ConnectionState)
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewNotifier creates a notifier for the given endpoints, primary first.
// Empty endpoints are ignored.
func NewNotifier(endpoints []string, dialer Dialer, logger *slog.Logger) *Notifier {
	var eps []string

	for _, e := range endpoints {
		if e != "" {
			eps = append(eps, e)
		}
	}

	return &Notifier{
		endpoints: eps,
		dialer:    dialer,
		logger:    logger,
		signals:   make(chan struct{}, signalBuffer),
		state:     models.ConnDisconnected,
	}
}

// Signals delivers one value per sync_update event. When the consumer
// falls behind, the oldest pending signal is dropped.
func (n *Notifier) Signals() <-chan struct{} {
	return n.signals
}

// State returns the current connection state.
func (n *Notifier) State() models.ConnectionState {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.state
}

// OnStateChange registers fn to be called on every state transition.
// fn runs on the notifier goroutine and must not block.
func (n *Notifier) OnStateChange(fn func(models.ConnectionState)) {
	n.mu.Lock()
	n.onChange = fn
	n.mu.Unlock()
}

func (n *Notifier) setState(s models.ConnectionState) {
	n.mu.Lock()

	if n.state == s {
		n.mu.Unlock()
		return
	}

	n.state = s
	fn := n.onChange
	n.mu.Unlock()

	n.logger.Debug("realtime state changed", slog.String("state", string(s)))

	if fn != nil {
		fn(s)
	}
}

// Start launches the connection loop. Calling Start while the loop is
// running does nothing.
func (n *Notifier) Start(ctx context.Context, tokens TokenSupplier) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	n.cancel = cancel
	n.done = done

	go func() {
		defer close(done)
		n.loop(loopCtx, tokens)
	}()
}

// Stop cancels the connection loop, waits for it to exit and leaves the
// notifier DISCONNECTED. It is safe to call more than once.
func (n *Notifier) Stop() {
	n.mu.Lock()
	cancel, done := n.cancel, n.done
	n.cancel, n.done = nil, nil
	n.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	n.setState(models.ConnDisconnected)
}

// Run starts the notifier and blocks until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context, tokens TokenSupplier) error {
	if len(n.endpoints) == 0 {
		n.logger.Info("realtime disabled, no stream endpoint configured")
		<-ctx.Done()

		return nil
	}

	n.Start(ctx, tokens)
	<-ctx.Done()
	n.Stop()

	return nil
}

func (n *Notifier) loop(ctx context.Context, tokens TokenSupplier) {
	backoff := initialBackoff
	attempts := 0

	for ctx.Err() == nil {
		token, err := tokens(ctx)
		if err != nil || token == "" {
			n.logger.Debug("realtime waiting for credentials", slog.Any("error", err))

			if !sleep(ctx, initialBackoff) {
				return
			}

			continue
		}

		n.setState(models.ConnConnecting)

		stream, endpoint, err := n.connect(ctx, token)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			attempts++
			delay := backoff

			n.setState(models.ConnReconnecting)
			n.logger.Warn("realtime connect failed, retrying",
				slog.String("error", err.Error()),
				slog.Int("attempt", attempts),
				slog.Duration("backoff", delay),
			)

			backoff = min(backoff*backoffMultiplier, maxBackoff)

			if attempts >= maxAttempts {
				attempts = 0
				backoff = initialBackoff
			}

			if !sleep(ctx, delay) {
				return
			}

			continue
		}

		attempts = 0
		backoff = initialBackoff

		n.setState(models.ConnConnected)
		n.logger.Info("realtime connected", slog.String("endpoint", endpoint))

		err = n.consume(ctx, stream)
		stream.Close()

		if ctx.Err() != nil {
			return
		}

		n.setState(models.ConnReconnecting)
		n.logger.Warn("connection lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", quickReconnect),
		)

		if !sleep(ctx, quickReconnect) {
			return
		}
	}
}

// connect tries each endpoint in order and returns the first stream
// that opens.
func (n *Notifier) connect(ctx context.Context, token string) (io.ReadCloser, string, error) {
	var errs []error

	for _, endpoint := range n.endpoints {
		stream, err := n.dialer.Dial(ctx, endpoint, token)
		if err == nil {
			return stream, endpoint, nil
		}

		n.logger.Debug("realtime endpoint unavailable",
			slog.String("endpoint", endpoint),
			slog.String("error", err.Error()),
		)

		errs = append(errs, err)
	}

	return nil, "", errors.Join(errs...)
}

type inboundLine struct {
	text string
	err  error
}

// startReader reads lines from stream on a separate goroutine until the
// stream fails or ctx is cancelled.
func startReader(ctx context.Context, stream io.Reader) <-chan inboundLine {
	ch := make(chan inboundLine, 64)

	go func() {
		sc := bufio.NewScanner(stream)
		sc.Buffer(make([]byte, 0, 4096), maxLineBytes)

		for sc.Scan() {
			select {
			case ch <- inboundLine{text: sc.Text()}:
			case <-ctx.Done():
				return
			}
		}

		err := sc.Err()
		if err == nil {
			err = errStreamClosed
		}

		select {
		case ch <- inboundLine{err: err}:
		case <-ctx.Done():
		}
	}()

	return ch
}

// consume processes stream until it fails, goes idle or ctx ends.
func (n *Notifier) consume(ctx context.Context, stream io.Reader) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := startReader(connCtx, stream)

	idle := time.NewTimer(idleTimeout)
	defer idle.Stop()

	var parser eventParser

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-idle.C:
			return errIdleTimeout

		case msg := <-lines:
			if msg.err != nil {
				return fmt.Errorf("reading stream: %w", msg.err)
			}

			idle.Reset(idleTimeout)

			if ev, ok := parser.feed(msg.text); ok {
				n.dispatch(ev)
			}
		}
	}
}

func (n *Notifier) dispatch(ev Event) {
	switch ev.Type {
	case eventConnected:
		n.logger.Debug("realtime stream acknowledged")
	case eventSyncUpdate:
		n.logger.Debug("realtime sync update received")
		sendDropOldest(n.signals)
	default:
		n.logger.Debug("ignoring realtime event", slog.String("type", ev.Type))
	}
}

func sendDropOldest(ch chan struct{}) {
	for {
		select {
		case ch <- struct{}{}:
			return
		default:
		}

		select {
		case <-ch:
		default:
		}
	}
}

// sleep waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
