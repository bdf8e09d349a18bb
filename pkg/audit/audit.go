// Package audit records the receive/block/forward trail of every query.
package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"adward/pkg/logging"
	"adward/pkg/storage"
	"adward/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Logger appends audit records to a sink one at a time. A broken sink turns
// the logger off for the rest of the process; other write failures are
// logged and dropped.
type Logger struct {
	sink    storage.Sink
	logger  *logging.Logger
	metrics *telemetry.Metrics
	now     func() time.Time

	mu       sync.Mutex
	disabled atomic.Bool
}

// New wraps sink. A nil sink produces a disabled logger.
func New(sink storage.Sink, logger *logging.Logger, metrics *telemetry.Metrics) *Logger {
	l := &Logger{
		sink:    sink,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
	if _, noop := sink.(*storage.NoOpSink); sink == nil || noop {
		l.disabled.Store(true)
	}
	return l
}

// Log records action for domain. It never returns an error; failures only
// affect the audit trail.
func (l *Logger) Log(ctx context.Context, action storage.Action, domain string) {
	if l.disabled.Load() {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// another writer may have disabled us while we waited
	if l.disabled.Load() {
		return
	}

	rec := storage.Record{Timestamp: l.now(), Action: action, Domain: domain}
	err := l.sink.Append(context.WithoutCancel(ctx), rec)
	if err == nil {
		return
	}

	if storage.IsBroken(err) {
		l.disabled.Store(true)
		l.logger.Error("Audit sink broken, audit logging disabled", "error", err)
		if l.metrics != nil {
			l.metrics.AuditDisabled.Add(ctx, 1)
		}
		return
	}

	l.logger.Warn("Failed to write audit record", "action", string(action), "domain", domain, "error", err)
	if l.metrics != nil {
		l.metrics.AuditWriteErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("action", string(action))))
	}
}

// Enabled reports whether records are still being written.
func (l *Logger) Enabled() bool {
	return !l.disabled.Load()
}

// Recent returns the newest records when the sink supports reading back.
func (l *Logger) Recent(ctx context.Context, limit int) ([]storage.Record, error) {
	r, ok := l.sink.(storage.Reader)
	if !ok {
		return []storage.Record{}, nil
	}
	return r.Recent(ctx, limit)
}

// Close disables the logger and closes the sink.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.disabled.Store(true)
	if l.sink == nil {
		return nil
	}
	return l.sink.Close()
}
