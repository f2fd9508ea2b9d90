package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.uber.org/zap"
)

type Config struct {
	ServiceName  string `env:"SERVICE_NAME" envDefault:"go-grpc-tracing-demo"`
	OTLPEndpoint string `env:"OTLP_ENDPOINT" envDefault:"localhost:4317"`
	MetricsAddr  string `env:"METRICS_ADDR" envDefault:":9090"`
	ListenAddr   string `env:"LISTEN_ADDR" envDefault:":50051"`
}

// Telemetry bundles the process-wide exporter plumbing: the trace provider
// feeding OTLP and the prometheus registry behind /metrics.
type Telemetry struct {
	TracerProvider *sdktrace.TracerProvider
	Registry       *prometheus.Registry

	metricsAddr   string
	metricsServer *http.Server
	log           *zap.Logger
}

func NewTelemetry(ctx context.Context, cfg Config, log *zap.Logger) (*Telemetry, error) {
	var exp *otlptrace.Exporter
	backoff := retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		exp, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create otlp trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Telemetry{TracerProvider: tp, Registry: reg, metricsAddr: cfg.MetricsAddr, log: log}, nil
}

// Start serves /metrics. Failures are logged, never fatal: metrics are
// best-effort alongside the traced workload.
func (t *Telemetry) Start() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(t.Registry, promhttp.HandlerOpts{}))

	t.metricsServer = &http.Server{Addr: t.metricsAddr, Handler: mux}
	go func() {
		if err := t.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.log.Error("metrics server stopped", zap.Error(err))
		}
	}()
}

func (t *Telemetry) Close(ctx context.Context) error {
	var err error
	if t.metricsServer != nil {
		err = t.metricsServer.Shutdown(ctx)
	}
	if e := t.TracerProvider.Shutdown(ctx); err == nil {
		err = e
	}
	return err
}
