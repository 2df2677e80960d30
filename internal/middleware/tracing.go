package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenneth/blobcrypt/internal/audit"
	"github.com/kenneth/blobcrypt/internal/config"
)

const tracerName = "github.com/kenneth/blobcrypt/internal/middleware"

// InitTracing installs a global tracer provider exporting to the configured
// exporter. The returned function flushes and stops it.
func InitTracing(ctx context.Context, cfg config.TracingConfig) (func(context.Context) error, error) {
	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch cfg.Exporter {
	case "otlp":
		exporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OtlpEndpoint),
			otlptracegrpc.WithInsecure(),
		)
	case "stdout", "":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("unsupported tracing exporter %q", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s exporter: %w", cfg.Exporter, err)
	}

	res := resource.NewSchemaless(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRatio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

// TracingMiddleware starts a server span per request. With redactSensitive
// set, blob keys, query strings and credential headers are not recorded.
func TracingMiddleware(redactSensitive bool) func(http.Handler) http.Handler {
	tracer := otel.Tracer(tracerName)
	propagator := otel.GetTextMapPropagator

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := propagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			bucket, key := extractBucketAndKey(r.URL.Path)
			ctx, span := tracer.Start(ctx, getSpanName(r.Method, bucket, key),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPMethod(r.Method),
					attribute.String("url.path", r.URL.Path),
					attribute.String("http.host", r.Host),
					attribute.String("http.user_agent", r.UserAgent()),
					attribute.String("http.remote_addr", clientIP(r)),
				),
			)
			defer span.End()

			if id := audit.RequestIDFromContext(ctx); id != "" {
				span.SetAttributes(attribute.String("request.id", id))
			}
			if bucket != "" {
				span.SetAttributes(attribute.String("blob.bucket", bucket))
			}
			if key != "" && !redactSensitive {
				span.SetAttributes(attribute.String("blob.key", key))
			}
			if r.URL.RawQuery != "" {
				query := r.URL.RawQuery
				if redactSensitive {
					query = "[REDACTED]"
				}
				span.SetAttributes(attribute.String("http.query", query))
			}
			addHeadersToSpan(span, r.Header, redactSensitive)

			rw := newResponseWriter(w)
			next.ServeHTTP(rw, r.WithContext(ctx))

			span.SetAttributes(semconv.HTTPStatusCode(rw.statusCode))
			if rw.statusCode >= 500 {
				span.SetStatus(codes.Error, http.StatusText(rw.statusCode))
			} else {
				span.SetStatus(codes.Ok, "")
			}
		})
	}
}

// extractBucketAndKey splits a path-style "/bucket/key" URL path.
func extractBucketAndKey(path string) (bucket, key string) {
	bucket, key, _ = strings.Cut(strings.TrimPrefix(path, "/"), "/")
	return bucket, key
}

func getSpanName(method, bucket, key string) string {
	if bucket == "" || key == "" {
		return "HTTP " + method
	}
	switch method {
	case http.MethodGet:
		return "Blob Download"
	case http.MethodPut:
		return "Blob Upload"
	case http.MethodHead:
		return "Blob Head"
	case http.MethodDelete:
		return "Blob Delete"
	default:
		return "HTTP " + method
	}
}

// clientIP returns the client address, preferring proxy headers.
func clientIP(r *http.Request) string {
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	return r.RemoteAddr
}

var (
	safeHeaders = []string{
		"content-type",
		"content-length",
		"range",
		"if-match",
		"if-none-match",
		"x-amz-date",
	}
	sensitiveHeaders = []string{
		"authorization",
		"x-amz-security-token",
		"cookie",
	}
)

func addHeadersToSpan(span trace.Span, headers http.Header, redactSensitive bool) {
	for _, header := range safeHeaders {
		if value := headers.Get(header); value != "" {
			span.SetAttributes(attribute.String("http.request.header."+header, value))
		}
	}
	for _, header := range sensitiveHeaders {
		if value := headers.Get(header); value != "" {
			if redactSensitive {
				value = "[REDACTED]"
			}
			span.SetAttributes(attribute.String("http.request.header."+header, value))
		}
	}
}
