package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/GoSim-25-26J-441/fdtd-adjoint/internal/policy"
	"github.com/GoSim-25-26J-441/fdtd-adjoint/internal/simd"
	"github.com/GoSim-25-26J-441/fdtd-adjoint/pkg/logger"
)

func main() {
	var grpcAddr string
	var httpAddr string
	var logLevel string
	var logFormat string
	var maxParallel int
	var callbackRetries int
	var createRate float64
	var createBurst int

	flag.StringVar(&grpcAddr, "grpc-addr", ":50051", "gRPC listen address")
	flag.StringVar(&httpAddr, "http-addr", ":8080", "HTTP listen address")
	flag.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flag.StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	flag.IntVar(&maxParallel, "max-parallel-starts", 2, "starts of one optimize run solved concurrently")
	flag.IntVar(&callbackRetries, "callback-retries", 3, "retries for a failed completion callback")
	flag.Float64Var(&createRate, "create-rate", 2, "runs a client may create per second over HTTP (0 disables the limit)")
	flag.IntVar(&createBurst, "create-burst", 10, "runs a client may create at once over HTTP")
	flag.Parse()

	logger.SetDefault(logger.NewWithFormat(logFormat, logLevel, os.Stdout))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	store := simd.NewRunStore()
	executor := simd.NewRunExecutor(store,
		simd.WithNotifier(simd.NewNotifier().WithRetries(callbackRetries, nil)),
		simd.WithMaxParallelStarts(maxParallel),
		simd.WithExecutorLogger(logger.Default),
	)

	// TODO: Configure gRPC server security (e.g., TLS, authentication, rate limiting)
	// before using this service in a production environment.
	grpcServer := grpc.NewServer()
	simd.RegisterGradientService(grpcServer, simd.NewGradientGRPCServer(store, executor))

	grpcLis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		logger.Error("failed to listen for gRPC", "addr", grpcAddr, "error", err)
		stop()
		os.Exit(1)
	}

	api := simd.NewHTTPServer(store, executor)
	if createRate > 0 {
		api.WithRateLimiter(policy.NewRateLimiter(createRate, createBurst))
	}
	httpSrv := &http.Server{
		Addr:              httpAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		logger.Info("gRPC server listening", "addr", grpcAddr)
		if err := grpcServer.Serve(grpcLis); err != nil {
			logger.Error("gRPC server error", "error", err)
			stop()
		}
	}()

	go func() {
		logger.Info("HTTP server listening", "addr", httpAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown requested")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// cancelling runs first ends their event streams so GracefulStop can return
	if err := executor.Shutdown(shutdownCtx); err != nil {
		logger.Error("executor shutdown error", "error", err)
	}
	grpcServer.GracefulStop()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", "error", err)
	}
}
