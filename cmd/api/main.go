package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-reservation-saga/internal/app"
	"github.com/imrishuroy/go-reservation-saga/internal/broker"
	"github.com/imrishuroy/go-reservation-saga/internal/config"
	"github.com/imrishuroy/go-reservation-saga/internal/handlers"
	"github.com/imrishuroy/go-reservation-saga/internal/logging"
)

func setupRouter(c *app.Container) *gin.Engine {
	r := handlers.NewRouter(c.Log, c.Registry)

	handlers.RegisterOrdersRoutes(r, handlers.HandlerConfig{
		Orders:   c.Saga,
		Requests: c.Requests,
		Log:      c.Log,
	})
	handlers.RegisterProductsRoutes(r, c.Inventory, c.Log)

	return r
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, err := logging.New(cfg.ServiceName+"-api", cfg.Env)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := app.Bootstrap(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to bootstrap", zap.Error(err))
	}
	// without a broker no order can ever settle
	if err := c.Start(ctx); err != nil {
		logger.Fatal("failed to start", zap.Error(err))
	}

	r := setupRouter(c)

	// if RUN_LOCAL is true, serve HTTP and run the saga consumer and the sweeper in-process.
	if cfg.RunLocal {
		srv := &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           otelhttp.NewHandler(r, "api"),
			ReadHeaderTimeout: 10 * time.Second,
		}
		logger.Info("running local server", zap.String("addr", cfg.HTTPAddr))

		runErr := app.Run(ctx, logger,
			app.HTTPTask(srv, 10*time.Second),
			app.Task{Name: "saga-consumer", Run: func(ctx context.Context) error {
				return c.Broker.RunConsumers(ctx, map[string]broker.Handler{cfg.OrdersQueue: c.Saga.HandleOutcome})
			}},
			app.Task{Name: "sweeper", Run: c.Sweeper().Run},
		)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown incomplete", zap.Error(err))
		}
		if runErr != nil {
			logger.Fatal("api stopped", zap.Error(runErr))
		}
		return
	}

	// lambda adapter
	adapter := ginadapter.New(r)

	lambda.StartWithOptions(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		// the adapter handles proxying; use adapter.ProxyWithContext for proper context propagation
		return adapter.ProxyWithContext(ctx, req)
	}, lambda.WithEnableSIGTERM(func() {
		_ = c.Shutdown(context.Background())
	}))
}
