// Package instrumentation provides OpenTelemetry metrics and tracing for the
// OAuth core. When disabled it falls back to no-op providers with zero
// overhead, so callers never need to guard their recording calls.
package instrumentation

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultServiceName is used when the embedding process does not name itself
	DefaultServiceName = "oauth-gateway"

	// DefaultServiceVersion is the default service version used when none is provided
	DefaultServiceVersion = "unknown"
)

// Config holds instrumentation configuration
type Config struct {
	// ServiceName is the name of the embedding service
	ServiceName string

	// ServiceVersion is the version of the embedding service
	ServiceVersion string

	// Enabled controls whether instrumentation is active.
	// When false, no-op providers are used.
	Enabled bool

	// MeterProvider and TracerProvider let the embedding process supply its
	// own configured providers (exporters are its concern, not this
	// library's). When nil and Enabled is true, no-op providers are used.
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider

	// Resource allows custom resource attributes.
	// If nil, a default resource is created with service name and version.
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

	if config.Enabled && config.MeterProvider != nil {
		inst.meterProvider = config.MeterProvider
	} else {
		inst.meterProvider = noop.NewMeterProvider()
	}
	if config.Enabled && config.TracerProvider != nil {
		inst.tracerProvider = config.TracerProvider
	} else {
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

// Shutdown gracefully shuts down all instrumentation providers
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

// Meter returns a named meter for the given scope.
// Scopes are layer names like "http", "server", "storage", "security".
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter("github.com/modelgate/oauth/" + scope)
}

// Tracer returns a named tracer for the given scope
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer("github.com/modelgate/oauth/" + scope)
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

// StorageSizeCallback is a function that returns the current size of a storage component
type StorageSizeCallback func() int64

// RegisterStorageSizeCallbacks registers callbacks for storage size gauges.
// Storage implementations call this after instrumentation is set so metric
// collection stays lock-free on their side.
func (i *Instrumentation) RegisterStorageSizeCallbacks(
	clientsCount, sessionsCount, codesCount, pairsCount StorageSizeCallback,
) error {
	if i.meterProvider == nil {
		return fmt.Errorf("meter provider not initialized")
	}

	_, err := i.storageMeter.RegisterCallback(
		func(ctx context.Context, observer metric.Observer) error {
			if clientsCount != nil {
				observer.ObserveInt64(i.metrics.StorageClientsCount, clientsCount())
			}
			if sessionsCount != nil {
				observer.ObserveInt64(i.metrics.StorageSessionsCount, sessionsCount())
			}
			if codesCount != nil {
				observer.ObserveInt64(i.metrics.StorageCodesCount, codesCount())
			}
			if pairsCount != nil {
				observer.ObserveInt64(i.metrics.StoragePairsCount, pairsCount())
			}
			return nil
		},
		i.metrics.StorageClientsCount,
		i.metrics.StorageSessionsCount,
		i.metrics.StorageCodesCount,
		i.metrics.StoragePairsCount,
	)

	return err
}
