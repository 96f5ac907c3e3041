// Package tracing sets up OpenTelemetry for livestage and wraps the spans the
// coordinator and session stores open around each role mutation.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Exporter names accepted in Config.ExporterType. Empty means ExporterOTLPHTTP.
const (
	ExporterOTLPGRPC = "otlp-grpc"
	ExporterOTLPHTTP = "otlp-http"
)

// DefaultServiceVersion is reported when Config.ServiceVersion is empty.
const DefaultServiceVersion = "0.1.0"

// exporterDialTimeout bounds exporter construction; the OTLP clients connect lazily.
const exporterDialTimeout = 10 * time.Second

// Config selects the exporter and sampling for a process.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Enabled false installs nothing; spans go to the global no-op provider.
	Enabled bool

	ExporterType string
	OTLPEndpoint string
	// InsecureMode drops TLS to the collector. Development only.
	InsecureMode bool

	// SamplingRate is the fraction of root spans kept, 0 to 1. Child spans
	// follow their parent so a viewer's fetch and the store spans it causes
	// stay in one trace.
	SamplingRate float64

	Logger *slog.Logger
}

func (c Config) validate() error {
	if c.ServiceName == "" {
		return errors.New("service name is required")
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("sampling rate must be between 0 and 1, got %v", c.SamplingRate)
	}
	if _, ok := exporters[c.exporterType()]; !ok {
		return fmt.Errorf("unsupported exporter type: %s", c.ExporterType)
	}
	return nil
}

func (c Config) exporterType() string {
	if c.ExporterType == "" {
		return ExporterOTLPHTTP
	}
	return c.ExporterType
}

var exporters = map[string]func(context.Context, Config) (sdktrace.SpanExporter, error){
	ExporterOTLPHTTP: func(ctx context.Context, c Config) (sdktrace.SpanExporter, error) {
		var opts []otlptracehttp.Option
		if c.OTLPEndpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(c.OTLPEndpoint))
		}
		if c.InsecureMode {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	},
	ExporterOTLPGRPC: func(ctx context.Context, c Config) (sdktrace.SpanExporter, error) {
		var opts []otlptracegrpc.Option
		if c.OTLPEndpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(c.OTLPEndpoint))
		}
		if c.InsecureMode {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	},
}

// Provider owns the SDK tracer provider installed as the global one.
type Provider struct {
	tp      *sdktrace.TracerProvider
	enabled bool
	logger  *slog.Logger
}

// NewProvider validates cfg, builds the exporter and installs the provider
// and the W3C trace-context propagator globally.
func NewProvider(cfg Config) (*Provider, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Enabled {
		logger.Info("tracing disabled")
		return &Provider{logger: logger}, nil
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	version := cfg.ServiceVersion
	if version == "" {
		version = DefaultServiceVersion
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(version),
		attribute.String("environment", cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), exporterDialTimeout)
	defer cancel()
	exporter, err := exporters[cfg.exporterType()](ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%s exporter: %w", cfg.exporterType(), err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(rootSampler(cfg.SamplingRate))),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(5*time.Second),
			sdktrace.WithMaxExportBatchSize(512),
		),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("tracing initialized",
		"service", cfg.ServiceName,
		"exporter", cfg.exporterType(),
		"endpoint", cfg.OTLPEndpoint,
		"sampling_rate", cfg.SamplingRate,
	)
	return &Provider{tp: tp, enabled: true, logger: logger}, nil
}

func rootSampler(rate float64) sdktrace.Sampler {
	switch rate {
	case 1.0:
		return sdktrace.AlwaysSample()
	case 0.0:
		return sdktrace.NeverSample()
	}
	return sdktrace.TraceIDRatioBased(rate)
}

// Shutdown flushes pending spans. It is a no-op when tracing is disabled.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	p.logger.Info("shutting down tracer provider")
	if err := p.tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("tracer provider shutdown: %w", err)
	}
	return nil
}

// Tracer returns a named tracer, from the global provider when disabled.
func (p *Provider) Tracer(name string) trace.Tracer {
	if p.tp == nil {
		return otel.Tracer(name)
	}
	return p.tp.Tracer(name)
}

// IsEnabled reports whether spans are exported.
func (p *Provider) IsEnabled() bool {
	return p.enabled
}
