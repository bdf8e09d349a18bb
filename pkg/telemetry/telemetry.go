// Package telemetry wires up Prometheus + OpenTelemetry exporters used across
// the project.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"adward/pkg/config"
	"adward/pkg/logging"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// HealthFunc reports whether the proxy is healthy.
type HealthFunc func(ctx context.Context) error

// Telemetry holds telemetry providers and exporters
type Telemetry struct {
	cfg              *config.TelemetryConfig
	meterProvider    metric.MeterProvider
	tracerProvider   trace.TracerProvider
	registry         *promclient.Registry
	prometheusServer *http.Server
	prometheusAddr   net.Addr
	health           atomic.Pointer[HealthFunc]
	logger           *logging.Logger
}

// Metrics holds all application metrics
type Metrics struct {
	// DNS query metrics
	DNSQueriesTotal       metric.Int64Counter
	DNSQueryDuration      metric.Float64Histogram
	DNSBlockedQueries     metric.Int64Counter
	DNSForwardedQueries   metric.Int64Counter
	DNSAllowlistedQueries metric.Int64Counter
	DNSMalformedDropped   metric.Int64Counter
	DNSOverloadDropped    metric.Int64Counter
	UpstreamErrors        metric.Int64Counter

	// Listener state
	ActiveQueries metric.Int64UpDownCounter

	// List sizes
	BlocklistSize metric.Int64UpDownCounter
	AllowlistSize metric.Int64UpDownCounter

	// Audit trail
	AuditWriteErrors metric.Int64Counter
	AuditDisabled    metric.Int64Counter
}

// New creates a new telemetry instance
func New(ctx context.Context, cfg *config.TelemetryConfig, logger *logging.Logger) (*Telemetry, error) {
	if !cfg.Enabled {
		logger.Info("Telemetry disabled")
		return &Telemetry{
			cfg:            cfg,
			meterProvider:  noop.NewMeterProvider(),
			tracerProvider: tracenoop.NewTracerProvider(),
			logger:         logger,
		}, nil
	}

	t := &Telemetry{
		cfg:    cfg,
		logger: logger,
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := t.setupMetrics(res); err != nil {
		return nil, fmt.Errorf("failed to setup metrics: %w", err)
	}

	if cfg.TracingEnabled {
		t.setupTracing(res)
	} else {
		t.tracerProvider = tracenoop.NewTracerProvider()
	}

	logger.Info("Telemetry initialized",
		"service", cfg.ServiceName,
		"version", cfg.ServiceVersion,
		"prometheus", cfg.PrometheusEnabled,
		"tracing", cfg.TracingEnabled,
	)

	return t, nil
}

// setupMetrics initializes the metrics provider
func (t *Telemetry) setupMetrics(res *resource.Resource) error {
	if !t.cfg.PrometheusEnabled {
		t.meterProvider = noop.NewMeterProvider()
		return nil
	}

	// A private registry keeps repeated instances (tests, restarts) from
	// colliding in the global one.
	t.registry = promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(t.registry))
	if err != nil {
		return fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	t.meterProvider = provider
	otel.SetMeterProvider(provider)

	if err := t.startPrometheusServer(); err != nil {
		return fmt.Errorf("failed to start prometheus server: %w", err)
	}

	t.logger.Info("Prometheus metrics enabled", "address", t.prometheusAddr.String())
	return nil
}

// setupTracing initializes the tracer provider. Spans are kept in-process;
// no exporter is configured.
func (t *Telemetry) setupTracing(res *resource.Resource) {
	provider := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	t.tracerProvider = provider
	otel.SetTracerProvider(provider)
	t.logger.Info("Tracing enabled")
}

// startPrometheusServer starts the HTTP server exposing /metrics and /healthz
func (t *Telemetry) startPrometheusServer() error {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{}))
	r.Get("/healthz", t.serveHealth)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", t.cfg.PrometheusPort))
	if err != nil {
		return err
	}
	t.prometheusAddr = ln.Addr()

	t.prometheusServer = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second, // Prevent Slowloris attacks
	}

	go func() {
		if err := t.prometheusServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("Prometheus server failed", "error", err)
		}
	}()

	return nil
}

func (t *Telemetry) serveHealth(w http.ResponseWriter, r *http.Request) {
	if fn := t.health.Load(); fn != nil {
		if err := (*fn)(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// SetHealthCheck registers the probe served on /healthz.
func (t *Telemetry) SetHealthCheck(fn HealthFunc) {
	t.health.Store(&fn)
}

// MetricsAddr returns the bound address of the metrics server, or nil.
func (t *Telemetry) MetricsAddr() net.Addr {
	return t.prometheusAddr
}

// InitMetrics initializes and returns all application metrics
func (t *Telemetry) InitMetrics() (*Metrics, error) {
	meter := t.meterProvider.Meter("adward")
	m := &Metrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.DNSQueriesTotal, "dns.queries.total", "Total number of DNS queries decoded"},
		{&m.DNSBlockedQueries, "dns.queries.blocked", "Number of queries answered with NXDOMAIN"},
		{&m.DNSForwardedQueries, "dns.queries.forwarded", "Number of queries relayed upstream"},
		{&m.DNSAllowlistedQueries, "dns.queries.allowlisted", "Number of blocked domains exempted by the allow list"},
		{&m.DNSMalformedDropped, "dns.datagrams.malformed", "Number of datagrams dropped as malformed"},
		{&m.DNSOverloadDropped, "dns.datagrams.overload", "Number of datagrams dropped while the handler pool was full"},
		{&m.UpstreamErrors, "upstream.errors", "Number of failed upstream exchanges"},
		{&m.AuditWriteErrors, "audit.write_errors", "Number of audit records that could not be written"},
		{&m.AuditDisabled, "audit.disabled", "Number of times audit logging disabled itself"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	gauges := []struct {
		dst  *metric.Int64UpDownCounter
		name string
		desc string
	}{
		{&m.ActiveQueries, "dns.queries.active", "Number of queries currently being handled"},
		{&m.BlocklistSize, "blocklist.size", "Number of domains in the block set"},
		{&m.AllowlistSize, "allowlist.size", "Number of domains in the allow set"},
	}
	for _, g := range gauges {
		*g.dst, err = meter.Int64UpDownCounter(g.name, metric.WithDescription(g.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s gauge: %w", g.name, err)
		}
	}

	m.DNSQueryDuration, err = meter.Float64Histogram(
		"dns.query.duration",
		metric.WithDescription("DNS query processing duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create query duration histogram: %w", err)
	}

	return m, nil
}

// MeterProvider returns the meter provider
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// TracerProvider returns the tracer provider
func (t *Telemetry) TracerProvider() trace.TracerProvider {
	return t.tracerProvider
}

// Tracer returns the tracer used for per-query spans.
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracerProvider.Tracer("adward")
}

// Shutdown gracefully shuts down telemetry
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error

	if t.prometheusServer != nil {
		if err := t.prometheusServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("prometheus server shutdown: %w", err))
		}
	}

	if provider, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	if provider, ok := t.tracerProvider.(*sdktrace.TracerProvider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("telemetry shutdown errors: %w", errors.Join(errs...))
	}

	t.logger.Info("Telemetry shut down")
	return nil
}

// NoopMetrics returns metrics backed by the noop provider, for callers that
// run without telemetry.
func NoopMetrics() *Metrics {
	t := &Telemetry{meterProvider: noop.NewMeterProvider()}
	m, _ := t.InitMetrics()
	return m
}
