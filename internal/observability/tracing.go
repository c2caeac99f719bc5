package observability

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc/credentials"
)

const tracerName = "wfcore"

// TracingConfig selects where coordinator spans go.
type TracingConfig struct {
	// Exporter is none, stdout, grpc or http.
	Exporter    string
	Endpoint    string
	Headers     map[string]string
	Insecure    bool
	SampleRatio float64
	Environment string
}

// TracingConfigFromEnv reads WFCORE_OTEL_*. Unset values mean no tracing,
// plaintext transport and every span sampled.
func TracingConfigFromEnv() TracingConfig {
	cfg := TracingConfig{
		Exporter:    exporterAlias(os.Getenv("WFCORE_OTEL_EXPORTER")),
		Endpoint:    strings.TrimSpace(os.Getenv("WFCORE_OTEL_ENDPOINT")),
		Headers:     headerPairs(os.Getenv("WFCORE_OTEL_HEADERS")),
		Insecure:    true,
		SampleRatio: 1,
		Environment: strings.TrimSpace(os.Getenv("WFCORE_ENVIRONMENT")),
	}
	if v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv("WFCORE_OTEL_INSECURE"))); err == nil {
		cfg.Insecure = v
	}
	if v, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv("WFCORE_OTEL_SAMPLE_RATIO")), 64); err == nil {
		cfg.SampleRatio = v
	}
	return cfg
}

var (
	tracingOnce     sync.Once
	tracingShutdown = func(context.Context) error { return nil }
	tracingErr      error
)

// InitTracingFromEnv installs the process tracer provider once. The returned
// function flushes pending spans.
func InitTracingFromEnv(service string) (func(context.Context) error, error) {
	tracingOnce.Do(func() {
		tp, err := NewTracerProvider(context.Background(), service, TracingConfigFromEnv())
		if err != nil {
			tracingErr = err
			return
		}
		if tp == nil {
			otel.SetTracerProvider(noop.NewTracerProvider())
			return
		}
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
		tracingShutdown = tp.Shutdown
	})
	return tracingShutdown, tracingErr
}

// NewTracerProvider builds a batching provider for cfg, or nil when the
// exporter is none.
func NewTracerProvider(ctx context.Context, service string, cfg TracingConfig) (*sdktrace.TracerProvider, error) {
	if cfg.Exporter == "none" {
		return nil, nil
	}
	exp, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	attrs := []attribute.KeyValue{semconv.ServiceNameKey.String(service)}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironmentKey.String(cfg.Environment))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
		sdktrace.WithResource(res),
	), nil
}

func newSpanExporter(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout":
		return stdouttrace.New()
	case "grpc":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(orDefault(cfg.Endpoint, "localhost:4317"))}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		} else {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
		}
		return otlptracegrpc.New(ctx, opts...)
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(orDefault(cfg.Endpoint, "http://localhost:4318"))}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}
}

func exporterAlias(raw string) string {
	switch v := strings.ToLower(strings.TrimSpace(raw)); v {
	case "", "none", "off":
		return "none"
	case "otlp", "otlpgrpc", "grpc":
		return "grpc"
	case "otlphttp", "http":
		return "http"
	default:
		return v
	}
}

// headerPairs parses "k=v,k2=v2", skipping malformed pairs.
func headerPairs(raw string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(pair, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if ok && k != "" && v != "" {
			out[k] = v
		}
	}
	return out
}

func sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	case ratio >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
