package tracing

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// sampleRatio is the fraction of new traces the daemon records. Child
// spans always follow their parent's sampling decision.
const sampleRatio = 1.0

var global struct {
	once sync.Once
	mu   sync.Mutex
	tp   *sdktrace.TracerProvider
	err  error
}

func newProvider(serviceName string) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("build tracing resource: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio))),
	), nil
}

// InitOpenTelemetry installs the process-wide tracer provider. Only the
// first call takes effect; repeated calls return the first call's error.
func InitOpenTelemetry(serviceName string) error {
	global.once.Do(func() {
		tp, err := newProvider(serviceName)
		if err != nil {
			global.err = err
			return
		}

		global.mu.Lock()
		global.tp = tp
		global.mu.Unlock()

		otel.SetTracerProvider(tp)
	})
	return global.err
}

// ShutdownOpenTelemetry flushes buffered spans and releases the provider.
// A no-op when tracing was never initialized.
func ShutdownOpenTelemetry(ctx context.Context) error {
	global.mu.Lock()
	tp := global.tp
	global.mu.Unlock()

	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// StartSpan opens a span under tracerName and seeds the context's trace id
// so log lines inside the span carry it.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))

	if GetTraceID(ctx) == "" {
		if sc := span.SpanContext(); sc.IsValid() {
			ctx = WithTraceID(ctx, sc.TraceID().String())
		}
	}

	return ctx, span
}
