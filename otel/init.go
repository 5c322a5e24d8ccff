// Package otel provides OpenTelemetry initialization and span helpers for
// hive workers
package otel

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"hive.evalgo.org/common"
)

// Config carries the tracing settings resolved from the environment.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Endpoint is the OTLP HTTP collector, host:port or with an http(s)
	// scheme. Defaults to the local Jaeger OTLP port.
	Endpoint string

	// SampleRatio selects the fraction of traces exported, 0.0 to 1.0.
	SampleRatio float64
}

// Provider owns the tracer provider so the worker can flush spans on exit.
// A nil *Provider means tracing is disabled and Shutdown is a no-op.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// Init configures the global tracer provider from environment variables:
//
//   - OTEL_ENABLED: set to "false" to disable tracing entirely
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP HTTP endpoint (default http://localhost:4318)
//   - OTEL_SERVICE_NAME: overrides the service name
//   - OTEL_SAMPLING_RATIO: fraction of traces to export, 0.0-1.0 (default 1.0)
//   - OTEL_ENVIRONMENT: deployment environment tag (default development)
//
// Tracing degrades to disabled instead of failing the worker: an unreachable
// collector or a bad setting logs a warning and returns nil.
func Init(serviceName, serviceVersion string) *Provider {
	if os.Getenv("OTEL_ENABLED") == "false" {
		common.Logger.Info("Tracing disabled via OTEL_ENABLED=false")
		return nil
	}

	cfg := Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
		Environment:    "development",
		Endpoint:       "http://localhost:4318",
		SampleRatio:    1.0,
	}
	if name := os.Getenv("OTEL_SERVICE_NAME"); name != "" {
		cfg.ServiceName = name
	}
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		cfg.Endpoint = endpoint
	}
	if env := os.Getenv("OTEL_ENVIRONMENT"); env != "" {
		cfg.Environment = env
	}
	if raw := os.Getenv("OTEL_SAMPLING_RATIO"); raw != "" {
		ratio, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			common.Logger.WithField("value", raw).Warn("Ignoring invalid OTEL_SAMPLING_RATIO")
		} else {
			cfg.SampleRatio = ratio
		}
	}

	provider, err := newProvider(cfg)
	if err != nil {
		common.Logger.WithError(err).Warn("Tracing disabled, OTLP exporter initialization failed")
		return nil
	}

	common.Logger.WithFields(logrus.Fields{
		"endpoint": cfg.Endpoint,
		"sampling": cfg.SampleRatio,
		"service":  cfg.ServiceName,
	}).Info("Tracing initialized")

	return provider
}

func newProvider(cfg Config) (*Provider, error) {
	ctx := context.Background()

	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(
		otlptracehttp.WithEndpoint(endpointHost(cfg.Endpoint)),
		otlptracehttp.WithInsecure(),
	))
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
		resource.WithProcess(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, err
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRatio >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRatio <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRatio)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{tp: tp}, nil
}

// Shutdown flushes buffered spans. Safe to call on a nil Provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.tp.Shutdown(flushCtx)
}

// endpointHost strips the scheme: the OTLP HTTP client takes host:port.
func endpointHost(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	return strings.TrimPrefix(endpoint, "http://")
}
