package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// TracerName is the instrumentation scope of build and stage spans.
const TracerName = "arc-framework/bootseq"

// DefaultMetricInterval is how often metrics are pushed to the collector.
const DefaultMetricInterval = 10 * time.Second

// Tracer returns the bootseq tracer. It is a no-op until InitProvider runs.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// ExportOptions selects the OTLP collector and how bootseq reports to it.
type ExportOptions struct {
	Endpoint       string
	Insecure       bool
	ServiceName    string
	MetricInterval time.Duration
}

// Provider owns the installed trace and meter providers.
type Provider struct {
	tp   *sdktrace.TracerProvider
	mp   *sdkmetric.MeterProvider
	conn *grpc.ClientConn
}

// InitProvider exports spans and metrics over one OTLP/gRPC connection and
// installs the providers globally. The connection is established lazily, so
// a missing collector surfaces as export warnings rather than an error here.
func InitProvider(ctx context.Context, opts ExportOptions) (*Provider, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("otlp endpoint is empty")
	}
	if opts.MetricInterval <= 0 {
		opts.MetricInterval = DefaultMetricInterval
	}

	res, err := buildResource(ctx, opts.ServiceName)
	if err != nil {
		return nil, err
	}

	var dial []grpc.DialOption
	if opts.Insecure {
		dial = append(dial, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(opts.Endpoint, dial...)
	if err != nil {
		return nil, fmt.Errorf("dialing otlp collector %s: %w", opts.Endpoint, err)
	}
	p := &Provider{conn: conn}

	spans, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		p.close(ctx)
		return nil, fmt.Errorf("span exporter: %w", err)
	}
	p.tp = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(spans),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)

	readings, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(conn))
	if err != nil {
		p.close(ctx)
		return nil, fmt.Errorf("metric exporter: %w", err)
	}
	p.mp = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(readings, sdkmetric.WithInterval(opts.MetricInterval))),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(p.tp)
	otel.SetMeterProvider(p.mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		slog.Warn("telemetry export failed", "endpoint", opts.Endpoint, "err", err)
	}))

	return p, nil
}

func buildResource(ctx context.Context, service string) (*resource.Resource, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(service),
			semconv.ServiceVersion(Version),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}
	return res, nil
}

// Shutdown flushes pending spans and metrics, then closes the connection.
// Flush errors are dropped; a build's outcome never depends on export. Give
// ctx a deadline.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	return p.close(ctx)
}

func (p *Provider) close(ctx context.Context) error {
	if p.mp != nil {
		_ = p.mp.Shutdown(ctx)
	}
	if p.tp != nil {
		_ = p.tp.Shutdown(ctx)
	}
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}
