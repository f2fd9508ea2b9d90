package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/jt828/go-grpc-tracing/internal/bootstrap"
	"github.com/jt828/go-grpc-tracing/pkg/interceptor"
	"github.com/jt828/go-grpc-tracing/pkg/tracing"
	"github.com/jt828/go-grpc-tracing/pkg/tracing/implementation"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	var cfg bootstrap.Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatal("failed to parse config", zap.Error(err))
	}

	tel, err := bootstrap.NewTelemetry(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to initialize telemetry", zap.Error(err))
	}
	tel.Start()

	tracingCfg, err := tracing.LoadConfig()
	if err != nil {
		log.Fatal("failed to load tracing config", zap.Error(err))
	}

	tracer := implementation.NewServerTracer(
		implementation.WithTracerProvider(tel.TracerProvider),
		implementation.WithLogger(log),
	)
	ic := interceptor.NewServerInterceptor(tracer,
		interceptor.WithConfig(tracingCfg),
		interceptor.WithLogger(log),
	)

	grpcMetrics := grpc_prometheus.NewServerMetrics()
	tel.Registry.MustRegister(grpcMetrics)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sig
		log.Info("Shutting down server...")
		cancel()
	}()

	lis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		log.Fatal("failed to listen", zap.Error(err))
	}

	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			grpcMetrics.UnaryServerInterceptor(),
			ic.UnaryServerInterceptor(),
		),
		grpc.ChainStreamInterceptor(
			grpcMetrics.StreamServerInterceptor(),
			ic.StreamServerInterceptor(),
		),
	)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	grpc_health_v1.RegisterHealthServer(server, healthServer)

	grpcMetrics.InitializeMetrics(server)

	go func() {
		log.Info("gRPC server running", zap.String("addr", cfg.ListenAddr))
		if err := server.Serve(lis); err != nil {
			log.Fatal("failed to serve", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("Graceful stopping gRPC server...")
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	server.GracefulStop()
	log.Info("gRPC server stopped")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := tel.Close(shutdownCtx); err != nil {
		log.Error("failed to close telemetry", zap.Error(err))
	}
}
