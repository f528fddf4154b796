// Package telemetry wires up the Prometheus + OpenTelemetry exporters used
// across the relay.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"doh-relay/pkg/config"
	"doh-relay/pkg/logging"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// Telemetry holds telemetry providers and exporters
type Telemetry struct {
	cfg                *config.TelemetryConfig
	meterProvider      metric.MeterProvider
	prometheusExporter *prometheus.Exporter
	prometheusServer   *http.Server
	logger             *logging.Logger
}

// Metrics holds all application metrics
type Metrics struct {
	// Query pipeline
	QueriesTotal   metric.Int64Counter
	QueriesDropped metric.Int64Counter
	RepliesSent    metric.Int64Counter

	// Upstream fetches
	UpstreamFetches  metric.Int64Counter
	UpstreamFailures metric.Int64Counter
	FetchDuration    metric.Float64Histogram
	InflightFetches  metric.Int64UpDownCounter

	// Bootstrap resolution
	BootstrapRefreshes metric.Int64Counter
	BootstrapFailures  metric.Int64Counter

	// Rate limiting
	RateLimitDropped metric.Int64Counter

	// Storage
	StorageQueriesDropped metric.Int64Counter
}

// New creates a new telemetry instance
func New(ctx context.Context, cfg *config.TelemetryConfig, logger *logging.Logger) (*Telemetry, error) {
	if !cfg.Enabled {
		logger.Info("Telemetry disabled")
		return &Telemetry{
			cfg:           cfg,
			meterProvider: noop.NewMeterProvider(),
			logger:        logger,
		}, nil
	}

	t := &Telemetry{
		cfg:    cfg,
		logger: logger,
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := t.setupMetrics(res); err != nil {
		return nil, fmt.Errorf("failed to setup metrics: %w", err)
	}

	if cfg.SystemMetrics {
		if err := t.registerSystemMetrics(); err != nil {
			return nil, fmt.Errorf("failed to register system metrics: %w", err)
		}
	}

	logger.Info("Telemetry initialized",
		"service", cfg.ServiceName,
		"version", cfg.ServiceVersion,
		"prometheus", cfg.PrometheusEnabled,
	)

	return t, nil
}

// setupMetrics initializes the metrics provider
func (t *Telemetry) setupMetrics(res *resource.Resource) error {
	if !t.cfg.PrometheusEnabled {
		t.meterProvider = noop.NewMeterProvider()
		return nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	t.prometheusExporter = exporter

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	t.meterProvider = provider
	otel.SetMeterProvider(provider)

	if err := t.startPrometheusServer(); err != nil {
		return fmt.Errorf("failed to start prometheus server: %w", err)
	}

	t.logger.Info("Prometheus metrics enabled", "port", t.cfg.PrometheusPort)
	return nil
}

// startPrometheusServer starts the Prometheus metrics HTTP server
func (t *Telemetry) startPrometheusServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	t.prometheusServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", t.cfg.PrometheusPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second, // Prevent Slowloris attacks
	}

	go func() {
		if err := t.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.logger.Error("Prometheus server failed", "error", err)
		}
	}()

	return nil
}

// InitMetrics initializes and returns all application metrics
func (t *Telemetry) InitMetrics() (*Metrics, error) {
	meter := t.meterProvider.Meter("doh-relay")

	queriesTotal, err := meter.Int64Counter(
		"dns.queries.total",
		metric.WithDescription("Total number of DNS queries received"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queries counter: %w", err)
	}

	queriesDropped, err := meter.Int64Counter(
		"dns.queries.dropped",
		metric.WithDescription("DNS queries dropped without a reply, by reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dropped queries counter: %w", err)
	}

	repliesSent, err := meter.Int64Counter(
		"dns.replies.sent",
		metric.WithDescription("DNS responses written back to clients"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create replies counter: %w", err)
	}

	upstreamFetches, err := meter.Int64Counter(
		"upstream.fetches.total",
		metric.WithDescription("HTTPS fetches issued to the DoH upstream"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create fetches counter: %w", err)
	}

	upstreamFailures, err := meter.Int64Counter(
		"upstream.fetches.failed",
		metric.WithDescription("HTTPS fetches that ended in any failure"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create fetch failures counter: %w", err)
	}

	fetchDuration, err := meter.Float64Histogram(
		"upstream.fetch.duration",
		metric.WithDescription("DoH fetch duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create fetch duration histogram: %w", err)
	}

	inflightFetches, err := meter.Int64UpDownCounter(
		"upstream.fetches.inflight",
		metric.WithDescription("DoH fetches currently outstanding"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create inflight gauge: %w", err)
	}

	bootstrapRefreshes, err := meter.Int64Counter(
		"bootstrap.refreshes.total",
		metric.WithDescription("Successful bootstrap re-resolutions of the upstream hostname"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bootstrap refreshes counter: %w", err)
	}

	bootstrapFailures, err := meter.Int64Counter(
		"bootstrap.refreshes.failed",
		metric.WithDescription("Bootstrap resolution passes where every server failed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bootstrap failures counter: %w", err)
	}

	rateLimitDropped, err := meter.Int64Counter(
		"rate_limit.dropped",
		metric.WithDescription("Queries dropped due to rate limiting"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limit dropped counter: %w", err)
	}

	storageQueriesDropped, err := meter.Int64Counter(
		"storage.queries.dropped",
		metric.WithDescription("Query log entries dropped due to a full buffer"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage dropped counter: %w", err)
	}

	return &Metrics{
		QueriesTotal:          queriesTotal,
		QueriesDropped:        queriesDropped,
		RepliesSent:           repliesSent,
		UpstreamFetches:       upstreamFetches,
		UpstreamFailures:      upstreamFailures,
		FetchDuration:         fetchDuration,
		InflightFetches:       inflightFetches,
		BootstrapRefreshes:    bootstrapRefreshes,
		BootstrapFailures:     bootstrapFailures,
		RateLimitDropped:      rateLimitDropped,
		StorageQueriesDropped: storageQueriesDropped,
	}, nil
}

// MeterProvider returns the meter provider
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// AddDroppedQuery implements storage.MetricsRecorder, letting Metrics be
// handed to storage without an import cycle.
func (m *Metrics) AddDroppedQuery(ctx context.Context, count int64) {
	if m != nil && m.StorageQueriesDropped != nil {
		m.StorageQueriesDropped.Add(ctx, count)
	}
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

	if len(errs) > 0 {
		return fmt.Errorf("telemetry shutdown errors: %v", errs)
	}

	t.logger.Info("Telemetry shut down")
	return nil
}
