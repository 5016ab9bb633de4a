// Package tracing wires an optional OpenTelemetry pipeline: an OTLP
// HTTP exporter plus per-request HTTP spans. Disabled configs get a
// no-op tracer so call sites never branch.
package tracing

import (
	"context"
	"fmt"
	"net/http"

	"github.com/semantest/nodejs.server-sub008/pkg/types"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Manager owns the tracer provider lifecycle.
type Manager struct {
	config   types.TracingConfig
	logger   *logrus.Logger
	provider *sdktrace.TracerProvider
	tracer   oteltrace.Tracer
}

// NewManager builds the provider, or a no-op tracer when disabled.
func NewManager(config types.TracingConfig, version, environment string, logger *logrus.Logger) (*Manager, error) {
	if !config.Enabled {
		return &Manager{
			config: config,
			logger: logger,
			tracer: otel.Tracer("noop"),
		}, nil
	}

	m := &Manager{config: config, logger: logger}
	if err := m.initialize(version, environment); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) initialize(version, environment string) error {
	exporter, err := otlptrace.New(context.Background(), otlptracehttp.NewClient(
		otlptracehttp.WithEndpoint(m.config.Endpoint),
		otlptracehttp.WithInsecure(),
	))
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(m.config.ServiceName),
			semconv.ServiceVersion(version),
			semconv.DeploymentEnvironment(environment),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create trace resource: %w", err)
	}

	m.provider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(m.config.SampleRatio)),
	)

	otel.SetTracerProvider(m.provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	m.tracer = otel.Tracer(m.config.ServiceName)

	m.logger.WithFields(logrus.Fields{
		"service_name": m.config.ServiceName,
		"endpoint":     m.config.Endpoint,
		"sample_ratio": m.config.SampleRatio,
	}).Info("Distributed tracing initialized")

	return nil
}

// GetTracer returns the tracer instance.
func (m *Manager) GetTracer() oteltrace.Tracer {
	return m.tracer
}

// Shutdown flushes pending spans and stops the provider.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.provider != nil {
		return m.provider.Shutdown(ctx)
	}
	return nil
}

// TraceHandler is HTTP middleware that opens a span per request and
// propagates trace context both ways.
func TraceHandler(tracer oteltrace.Tracer, operationName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			ctx, span := tracer.Start(ctx, operationName)
			defer span.End()

			span.SetAttributes(
				semconv.HTTPMethod(r.Method),
				semconv.HTTPTarget(r.URL.Path),
				semconv.UserAgentOriginal(r.UserAgent()),
				semconv.ClientAddress(r.RemoteAddr),
			)

			otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(w.Header()))

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AnnotateJob tags the active request span with the job identity so
// traces can be joined against lifecycle events.
func AnnotateJob(ctx context.Context, jobID, correlationID string) {
	span := oteltrace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return
	}
	span.SetAttributes(
		attribute.String("job.id", jobID),
		attribute.String("job.correlation_id", correlationID),
	)
}
