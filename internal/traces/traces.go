// Package traces provides OpenTelemetry tracing for escrow operations and
// the chain calls behind them.
package traces

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/mbd888/receiptescrow"

// Options configures the exporter.
type Options struct {
	// Endpoint is the OTLP/gRPC collector address; empty disables tracing.
	Endpoint       string
	ServiceVersion string
	// SampleRatio is the fraction of new traces recorded. Values outside
	// (0, 1] record everything.
	SampleRatio float64
}

// Shutdown flushes pending spans and stops the provider.
type Shutdown func(context.Context) error

// Init installs a batching OTLP tracer provider and the W3C trace-context
// propagator. Sampling follows the parent span when there is one.
func Init(ctx context.Context, opts Options, logger *slog.Logger) (Shutdown, error) {
	if opts.Endpoint == "" {
		logger.Info("tracing disabled", "reason", "OTEL_EXPORTER_OTLP_ENDPOINT not set")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(opts.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	attrs := []attribute.KeyValue{semconv.ServiceName("receiptescrow")}
	if opts.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(opts.ServiceVersion))
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
	if err != nil {
		return nil, fmt.Errorf("trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(opts.SampleRatio)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	logger.Info("tracing enabled", "endpoint", opts.Endpoint, "sample_ratio", opts.SampleRatio)
	return tp.Shutdown, nil
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// StartSpan starts a span named name carrying attrs.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// End records err (if any) on span and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Span attributes.

func SellerAddr(addr string) attribute.KeyValue {
	return attribute.String("seller.addr", addr)
}

func BuyerAddr(addr string) attribute.KeyValue {
	return attribute.String("buyer.addr", addr)
}

func ContractAddr(addr string) attribute.KeyValue {
	return attribute.String("contract.addr", addr)
}

func TxHash(hash string) attribute.KeyValue {
	return attribute.String("tx.hash", hash)
}

func ReceiptIndex(idx uint64) attribute.KeyValue {
	return attribute.Int64("receipt.index", int64(idx)) //nolint:gosec // indexes stay far below 2^63
}

func Amount(amount string) attribute.KeyValue {
	return attribute.String("amount", amount)
}

func Outcome(status string) attribute.KeyValue {
	return attribute.String("outcome", status)
}
