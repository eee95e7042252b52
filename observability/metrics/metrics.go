package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const instrumentationName = "github.com/infigaming-com/go-spire"

// Exporter owns a meter provider that pushes to an OTLP collector.
type Exporter struct {
	provider *sdkmetric.MeterProvider
	resource *resource.Resource
}

type config struct {
	serviceName      string
	serviceNamespace string
	serviceVersion   string
	environment      string
	otlpEndpoint     string
	otlpGRPCEndpoint string
	interval         time.Duration
	global           bool
}

// Option is a function that configures an Exporter
type Option func(*config)

func WithServiceName(name string) Option {
	return func(c *config) {
		c.serviceName = name
	}
}

func WithServiceNamespace(namespace string) Option {
	return func(c *config) {
		c.serviceNamespace = namespace
	}
}

func WithServiceVersion(version string) Option {
	return func(c *config) {
		c.serviceVersion = version
	}
}

func WithEnvironment(env string) Option {
	return func(c *config) {
		c.environment = env
	}
}

// WithOTLPEndpoint sets the OTLP HTTP endpoint (host:port)
func WithOTLPEndpoint(endpoint string) Option {
	return func(c *config) {
		c.otlpEndpoint = endpoint
	}
}

// WithOTLPGRPCEndpoint sets the OTLP gRPC endpoint. It takes precedence over
// the HTTP endpoint.
func WithOTLPGRPCEndpoint(endpoint string) Option {
	return func(c *config) {
		c.otlpGRPCEndpoint = endpoint
	}
}

// WithInterval sets how often metrics are pushed.
func WithInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithGlobal installs the provider as the otel global.
func WithGlobal(global bool) Option {
	return func(c *config) {
		c.global = global
	}
}

func defaultConfig() *config {
	return &config{
		serviceName:      "spire-client",
		serviceNamespace: "default",
		serviceVersion:   "1.0.0",
		environment:      "development",
		otlpEndpoint:     "localhost:4318",
		interval:         10 * time.Second,
	}
}

func NewExporter(ctx context.Context, opts ...Option) (*Exporter, error) {
	c := defaultConfig()
	for _, opt := range opts {
		opt(c)
	}
	if c.otlpGRPCEndpoint == "" && c.otlpEndpoint == "" {
		return nil, fmt.Errorf("OTLP HTTP endpoint is required when gRPC endpoint is not configured")
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(c.serviceName),
			semconv.ServiceNamespace(c.serviceNamespace),
			semconv.ServiceVersion(c.serviceVersion),
			semconv.DeploymentEnvironment(c.environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var exporter sdkmetric.Exporter
	if c.otlpGRPCEndpoint != "" {
		exporter, err = otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(c.otlpGRPCEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP gRPC exporter: %w", err)
		}
	} else {
		exporter, err = otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(c.otlpEndpoint),
			otlpmetrichttp.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP HTTP exporter: %w", err)
		}
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(c.interval))),
	)
	if c.global {
		otel.SetMeterProvider(provider)
	}
	return &Exporter{provider: provider, resource: res}, nil
}

// Meter returns the meter spire instruments are created on.
func (e *Exporter) Meter() metric.Meter {
	return e.provider.Meter(instrumentationName)
}

// Close flushes pending metrics and shuts the provider down.
func (e *Exporter) Close(ctx context.Context) error {
	return e.provider.Shutdown(ctx)
}
