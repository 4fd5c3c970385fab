package instrumentation

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultServiceName is used when Config.ServiceName is empty
	DefaultServiceName = "mcp-authserver"

	// DefaultServiceVersion is the default service version used when none is provided
	DefaultServiceVersion = "unknown"

	// scopePrefix is prepended to every meter and tracer name
	scopePrefix = "github.com/giantswarm/mcp-authserver/"
)

// Metric exporter names accepted by Config.MetricExporter
const (
	MetricExporterNone       = "none"
	MetricExporterPrometheus = "prometheus"
)

// Config holds instrumentation configuration
type Config struct {
	// ServiceName is the name of the service (e.g., "mcp-authserver")
	ServiceName string

	// ServiceVersion is the version of the service
	ServiceVersion string

	// Enabled controls whether instrumentation is active
	// When false, uses no-op providers (zero overhead)
	Enabled bool

	// MetricExporter selects where metrics go: "prometheus" or "none".
	// With "prometheus", MetricsHandler serves the scrape endpoint.
	MetricExporter string

	// OTLPTraceEndpoint is an OTLP/HTTP endpoint URL (e.g. "http://collector:4318").
	// Empty means spans are recorded but not exported.
	OTLPTraceEndpoint string

	// LogClientIPs controls whether client IP addresses are included in traces and metrics
	LogClientIPs bool

	// Resource allows custom resource attributes
	// If nil, default resource is created with service name and version
	Resource *resource.Resource
}

// Instrumentation provides OpenTelemetry instrumentation components
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	httpMeter     metric.Meter
	serverMeter   metric.Meter
	storageMeter  metric.Meter
	securityMeter metric.Meter

	metrics *Metrics

	registry *prometheus.Registry

	// Shutdown functions (registered during New() only)
	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates a new instrumentation instance
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = DefaultServiceName
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = DefaultServiceVersion
	}
	if config.MetricExporter == "" {
		config.MetricExporter = MetricExporterNone
	}

	var res *resource.Resource
	var err error
	if config.Resource != nil {
		res = config.Resource
	} else {
		res, err = resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
	}

	inst := &Instrumentation{
		config:   config,
		resource: res,
	}

	if config.Enabled {
		if err := inst.initializeProviders(); err != nil {
			return nil, fmt.Errorf("failed to initialize providers: %w", err)
		}
	} else {
		inst.meterProvider = noop.NewMeterProvider()
		inst.tracerProvider = tracenoop.NewTracerProvider()
	}

	inst.httpMeter = inst.Meter("http")
	inst.serverMeter = inst.Meter("server")
	inst.storageMeter = inst.Meter("storage")
	inst.securityMeter = inst.Meter("security")

	inst.metrics, err = newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return inst, nil
}

// initializeProviders builds SDK meter and tracer providers with the configured exporters
func (i *Instrumentation) initializeProviders() error {
	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(i.resource)}

	switch i.config.MetricExporter {
	case MetricExporterPrometheus:
		i.registry = prometheus.NewRegistry()
		exporter, err := otelprom.New(otelprom.WithRegisterer(i.registry))
		if err != nil {
			return fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		meterOpts = append(meterOpts, sdkmetric.WithReader(exporter))
	case MetricExporterNone:
	default:
		return fmt.Errorf("unsupported metric exporter %q", i.config.MetricExporter)
	}

	mp := sdkmetric.NewMeterProvider(meterOpts...)
	i.meterProvider = mp
	i.shutdownFuncs = append(i.shutdownFuncs, mp.Shutdown)

	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(i.resource)}
	if i.config.OTLPTraceEndpoint != "" {
		exporter, err := otlptracehttp.New(context.Background(),
			otlptracehttp.WithEndpointURL(i.config.OTLPTraceEndpoint))
		if err != nil {
			return fmt.Errorf("failed to create otlp trace exporter: %w", err)
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(traceOpts...)
	i.tracerProvider = tp
	i.shutdownFuncs = append(i.shutdownFuncs, tp.Shutdown)

	return nil
}

// Shutdown gracefully shuts down all instrumentation providers
// This should be called when the application is terminating
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var shutdownErr error

	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			if err := fn(ctx); err != nil && shutdownErr == nil {
				shutdownErr = err
			}
		}
	})

	return shutdownErr
}

// Meter returns a named meter for the given scope ("http", "server", "storage", "security")
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(scopePrefix + scope)
}

// Tracer returns a named tracer for the given scope
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(scopePrefix + scope)
}

// Metrics returns the metrics holder for recording metric values
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// TracerProvider returns the underlying tracer provider
func (i *Instrumentation) TracerProvider() trace.TracerProvider {
	return i.tracerProvider
}

// MeterProvider returns the underlying meter provider
func (i *Instrumentation) MeterProvider() metric.MeterProvider {
	return i.meterProvider
}

// ShouldLogClientIPs returns whether client IP addresses should be logged
func (i *Instrumentation) ShouldLogClientIPs() bool {
	return i.config.LogClientIPs
}

// MetricsHandler returns the Prometheus scrape handler, or nil when the
// Prometheus exporter is not configured.
func (i *Instrumentation) MetricsHandler() http.Handler {
	if i.registry == nil {
		return nil
	}
	return promhttp.HandlerFor(i.registry, promhttp.HandlerOpts{})
}

// StorageSizeCallback is a function that returns the current size of a storage component
type StorageSizeCallback func() int64

// RegisterStorageSizeCallbacks registers callbacks for storage size gauges.
// Storage implementations call this from SetInstrumentation; nil callbacks are skipped.
func (i *Instrumentation) RegisterStorageSizeCallbacks(
	clientsCount, codesCount, metadataCount StorageSizeCallback,
) error {
	if i.meterProvider == nil {
		return fmt.Errorf("meter provider not initialized")
	}

	_, err := i.storageMeter.RegisterCallback(
		func(ctx context.Context, observer metric.Observer) error {
			if clientsCount != nil {
				observer.ObserveInt64(i.metrics.StorageSizeClients, clientsCount())
			}
			if codesCount != nil {
				observer.ObserveInt64(i.metrics.StorageSizeCodes, codesCount())
			}
			if metadataCount != nil {
				observer.ObserveInt64(i.metrics.StorageSizeMetadata, metadataCount())
			}
			return nil
		},
		i.metrics.StorageSizeClients,
		i.metrics.StorageSizeCodes,
		i.metrics.StorageSizeMetadata,
	)

	return err
}
