// Package tracing sets up OpenTelemetry for the bridge: spans for HTTP
// requests, job executions and agent command round trips.
//
// Spans are exported over OTLP/HTTP only when OTEL_EXPORTER_OTLP_ENDPOINT is
// set; otherwise every tracer is a no-op.
package tracing

import (
	"context"
	"net/url"
	"os"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/kandev/devbridge/internal/common/constants"
)

const serviceName = "devbridge"

var (
	setupOnce sync.Once
	provider  trace.TracerProvider = noop.NewTracerProvider()
	exporting *sdktrace.TracerProvider
)

func setup() {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return
	}
	host, insecure := parseEndpoint(endpoint)
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(host)}
	if insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	ctx := context.Background()
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(constants.Version),
	))
	if err != nil {
		res = resource.Default()
	}

	exporting = sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter), sdktrace.WithResource(res))
	provider = exporting
	otel.SetTracerProvider(exporting)
}

// parseEndpoint splits an OTLP endpoint into the host:port the exporter
// wants and whether plain HTTP should be used. Bare host:port values are
// treated as plain HTTP.
func parseEndpoint(raw string) (host string, insecure bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw, true
	}
	return u.Host, u.Scheme != "https"
}

// Tracer returns a named tracer.
func Tracer(name string) trace.Tracer {
	setupOnce.Do(setup)
	return provider.Tracer(name)
}

// Shutdown flushes buffered spans. No-op when nothing is exported.
func Shutdown(ctx context.Context) error {
	if exporting == nil {
		return nil
	}
	return exporting.Shutdown(ctx)
}

// StartJobSpan opens the span covering one job execution.
func StartJobSpan(ctx context.Context, jobID, appID string) (context.Context, trace.Span) {
	return Tracer("devbridge.jobs").Start(ctx, "job.execute",
		trace.WithAttributes(
			attribute.String("job.id", jobID),
			attribute.String("application.id", appID),
		),
	)
}

// StartAgentCommandSpan opens the client span for one agent command.
func StartAgentCommandSpan(ctx context.Context, sessionID, command string) (context.Context, trace.Span) {
	return Tracer("devbridge.agent").Start(ctx, "agent."+command,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("agent.session_id", sessionID),
			attribute.String("agent.command", command),
		),
	)
}

// EndSpan records err, if any, and ends span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
