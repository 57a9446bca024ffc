package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding/gzip"
)

const (
	metricExportPeriod = 15 * time.Second
)

type client struct {
	conn           *grpc.ClientConn
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *metric.MeterProvider
	logsProvider   *log.LoggerProvider
}

// InitOTLPExporter initializes OTLP exporters for traces, metrics and logs and installs
// the corresponding global providers. The returned function flushes and shuts them down.
func InitOTLPExporter(ctx context.Context, endpoint, serviceName, serviceVersion string) (func(ctx context.Context) error, error) {
	attributes := []attribute.KeyValue{
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
		semconv.TelemetrySDKName("otel"),
		semconv.ServiceInstanceID(uuid.New().String()),
		semconv.TelemetrySDKLanguageGo,
	}

	hostname, err := os.Hostname()
	if err == nil {
		attributes = append(attributes, semconv.HostName(hostname))
	}

	res, err := resource.New(
		ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(attributes...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// Note the use of insecure transport here. The collector runs next to the service.
	conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create otel collector connection: %w", err)
	}

	otelClient := &client{conn: conn}

	traceExporter, err := otlptracegrpc.New(
		ctx,
		otlptracegrpc.WithGRPCConn(conn),
		otlptracegrpc.WithCompressor(gzip.Name),
	)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to create trace exporter: %w", err), otelClient.close(ctx))
	}

	// Register the trace exporter with a TracerProvider, using a batch
	// span processor to aggregate spans before export.
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(traceExporter)),
	)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	otel.SetTracerProvider(tracerProvider)
	otelClient.tracerProvider = tracerProvider

	metricExporter, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to create metric exporter: %w", err), otelClient.close(ctx))
	}

	meterProvider := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(
			metric.NewPeriodicReader(
				metricExporter,
				metric.WithInterval(metricExportPeriod),
			),
		),
	)

	otel.SetMeterProvider(meterProvider)
	otelClient.meterProvider = meterProvider

	// Goroutine, GC and heap metrics of the sync process itself.
	if err := runtime.Start(
		runtime.WithMeterProvider(meterProvider),
		runtime.WithMinimumReadMemStatsInterval(metricExportPeriod),
	); err != nil {
		return nil, errors.Join(fmt.Errorf("failed to start runtime instrumentation: %w", err), otelClient.close(ctx))
	}

	logsExporter, err := otlploggrpc.New(
		ctx,
		otlploggrpc.WithGRPCConn(conn),
		otlploggrpc.WithCompressor(gzip.Name),
	)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to create logs exporter: %w", err), otelClient.close(ctx))
	}

	logsProvider := log.NewLoggerProvider(
		log.WithResource(res),
		log.WithProcessor(log.NewBatchProcessor(logsExporter)),
	)

	global.SetLoggerProvider(logsProvider)
	otelClient.logsProvider = logsProvider

	// Shutdown will flush any remaining spans and shut down the exporter.
	return otelClient.close, nil
}

func (c *client) close(ctx context.Context) error {
	var errs []error

	if c.tracerProvider != nil {
		if err := c.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if c.meterProvider != nil {
		if err := c.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if c.logsProvider != nil {
		if err := c.logsProvider.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
