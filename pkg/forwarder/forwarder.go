// Package forwarder relays raw DNS queries to the upstream resolver.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"adward/pkg/config"
	"adward/pkg/logging"
	"adward/pkg/telemetry"

	"github.com/miekg/dns"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrUpstreamTimeout is returned when no reply arrives in time
	ErrUpstreamTimeout = errors.New("upstream timed out")

	// ErrUpstreamUnreachable is returned when the upstream cannot be reached
	// or the circuit breaker is open
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
)

const (
	defaultTimeout = 2 * time.Second

	// maxResponseSize bounds a single upstream reply datagram
	maxResponseSize = 4096
)

// Forwarder sends a query to one upstream over a fresh UDP socket and returns
// the first datagram received. Replies are passed back untouched.
type Forwarder struct {
	upstream string
	timeout  time.Duration
	client   *dns.Client
	breaker  *Breaker
	logger   *logging.Logger
	metrics  *telemetry.Metrics
}

// NewForwarder creates a forwarder for cfg.Address. Port 53 is assumed when
// the address has none.
func NewForwarder(cfg *config.UpstreamConfig, logger *logging.Logger, metrics *telemetry.Metrics) *Forwarder {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	f := &Forwarder{
		upstream: NormalizeAddress(cfg.Address),
		timeout:  timeout,
		client:   &dns.Client{Net: "udp", Timeout: timeout},
		logger:   logger,
		metrics:  metrics,
	}
	if cfg.CircuitBreaker.Enabled {
		f.breaker = NewBreaker(cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.SuccessThreshold, cfg.CircuitBreaker.OpenTimeout)
	}

	logger.Info("Forwarder initialized",
		"upstream", f.upstream,
		"timeout", f.timeout,
		"circuit_breaker", f.breaker != nil,
	)
	return f
}

// NormalizeAddress appends the default DNS port when addr has none.
func NormalizeAddress(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return net.JoinHostPort(addr, "53")
	}
	return addr
}

// Upstream returns the host:port queries are sent to.
func (f *Forwarder) Upstream() string {
	return f.upstream
}

// BreakerState reports the circuit breaker state, closed when disabled.
func (f *Forwarder) BreakerState() BreakerState {
	if f.breaker == nil {
		return BreakerClosed
	}
	return f.breaker.State()
}

// Forward makes exactly one exchange with the upstream. The error wraps
// ErrUpstreamTimeout or ErrUpstreamUnreachable.
func (f *Forwarder) Forward(ctx context.Context, raw []byte) ([]byte, error) {
	if f.breaker != nil && !f.breaker.Allow() {
		f.recordError(ctx, "circuit_open")
		return nil, fmt.Errorf("%w: %s: %w", ErrUpstreamUnreachable, f.upstream, ErrCircuitOpen)
	}

	resp, err := f.exchange(ctx, raw)
	if f.breaker != nil {
		f.breaker.Record(err)
	}
	return resp, err
}

func (f *Forwarder) exchange(ctx context.Context, raw []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	conn, err := f.client.DialContext(ctx, f.upstream)
	if err != nil {
		return nil, f.classify(ctx, "dial", err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := conn.Write(raw); err != nil {
		return nil, f.classify(ctx, "write", err)
	}

	buf := make([]byte, maxResponseSize)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, f.classify(ctx, "read", err)
	}

	f.logger.Debug("Upstream replied", "upstream", f.upstream, "bytes", n)
	return buf[:n], nil
}

// classify maps a socket error onto the forwarder's error kinds.
func (f *Forwarder) classify(ctx context.Context, op string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		f.recordError(ctx, "timeout")
		f.logger.Debug("Upstream timed out", "upstream", f.upstream, "op", op)
		return fmt.Errorf("%w: %s after %s", ErrUpstreamTimeout, f.upstream, f.timeout)
	}

	f.recordError(ctx, "unreachable")
	f.logger.Debug("Upstream unreachable", "upstream", f.upstream, "op", op, "error", err)
	return fmt.Errorf("%w: %s %s: %w", ErrUpstreamUnreachable, op, f.upstream, err)
}

func (f *Forwarder) recordError(ctx context.Context, reason string) {
	if f.metrics == nil {
		return
	}
	f.metrics.UpstreamErrors.Add(context.WithoutCancel(ctx), 1,
		metric.WithAttributes(attribute.String("reason", reason)))
}
