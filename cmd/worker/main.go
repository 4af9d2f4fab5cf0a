package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-reservation-saga/internal/app"
	"github.com/imrishuroy/go-reservation-saga/internal/config"
	"github.com/imrishuroy/go-reservation-saga/internal/handlers"
	"github.com/imrishuroy/go-reservation-saga/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	role, err := cfg.RequireWorkerRole()
	if err != nil {
		log.Fatalf("%v", err)
	}
	logger, err := logging.New(cfg.ServiceName+"-worker-"+role, cfg.Env)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := app.Bootstrap(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to bootstrap", zap.Error(err))
	}
	if err := c.Start(ctx); err != nil {
		logger.Fatal("failed to start", zap.Error(err))
	}

	setup, err := setupRole(Role(role), c)
	if err != nil {
		logger.Fatal("invalid role", zap.Error(err))
	}

	// Lambda delivers batches through the event source mapping.
	if !cfg.RunLocal && os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != "" {
		p := NewProcessor(c.Broker, setup.handlers, logger)
		lambda.StartWithOptions(p.Handle, lambda.WithEnableSIGTERM(func() {
			_ = c.Shutdown(context.Background())
		}))
		return
	}

	r := handlers.NewRouter(logger, c.Registry)
	setup.routes(r)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(r, "worker"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	tasks := []app.Task{
		app.HTTPTask(srv, 10*time.Second),
		{Name: "consumers", Run: func(ctx context.Context) error {
			return c.Broker.RunConsumers(ctx, setup.handlers)
		}},
	}
	runErr := app.Run(ctx, logger, append(tasks, setup.tasks...)...)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
	if runErr != nil {
		logger.Fatal("worker stopped", zap.Error(runErr))
	}
}
