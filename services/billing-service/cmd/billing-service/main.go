package main

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/medhasoft/hospital-platform/libs/config"
	"github.com/medhasoft/hospital-platform/libs/db"
	"github.com/medhasoft/hospital-platform/libs/events"
	"github.com/medhasoft/hospital-platform/libs/httpx"
	"github.com/medhasoft/hospital-platform/libs/idgen"
	"github.com/medhasoft/hospital-platform/libs/kafkax"
	otelx "github.com/medhasoft/hospital-platform/libs/otel"
	"github.com/medhasoft/hospital-platform/libs/reliable"
	"github.com/medhasoft/hospital-platform/libs/runtime"
	"github.com/medhasoft/hospital-platform/services/billing-service/internal/consumer"
	"github.com/medhasoft/hospital-platform/services/billing-service/internal/gateway"
	"github.com/medhasoft/hospital-platform/services/billing-service/internal/handlers"
	"github.com/medhasoft/hospital-platform/services/billing-service/internal/ledger"
	"github.com/medhasoft/hospital-platform/services/billing-service/internal/payments"
	"github.com/medhasoft/hospital-platform/services/billing-service/internal/storage"
)

func main() {
	service := config.String("SERVICE_NAME", "billing-service")
	port, err := config.Port("PORT", "8082")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	brokers := config.String("KAFKA_BROKERS", "localhost:9092")
	publisher := reliable.NewPublisher(logger, reliable.PublisherConfig{
		Brokers:        brokers,
		Attempts:       config.Int("PUBLISH_ATTEMPTS", reliable.DefaultAttempts),
		AttemptTimeout: config.Seconds("PUBLISH_ATTEMPT_TIMEOUT_SECONDS", reliable.DefaultAttemptTimeout),
		Backoff:        config.Seconds("PUBLISH_BACKOFF_SECONDS", reliable.DefaultBackoff),
	})
	defer func() { _ = publisher.Close() }()

	ids := idgen.New()
	repo := storage.NewRepository(pool)
	ledgerSvc := ledger.NewService(repo, publisher, ids, logger)

	var gw gateway.Gateway
	if stripeKey := config.String("STRIPE_SECRET_KEY", ""); stripeKey != "" {
		gw = gateway.NewStripeGateway(stripeKey, config.String("STRIPE_CURRENCY", "inr"))
		logger.Info("payment gateway: stripe")
	} else {
		gw = gateway.NewSimulatedGateway(ids, config.Seconds("GATEWAY_DELAY_SECONDS", 0))
		logger.Info("payment gateway: simulated")
	}
	paymentSvc := payments.NewService(repo, ledgerSvc, gw, publisher, ids, logger)

	dispatcher := reliable.NewDispatcher(logger, publisher, reliable.DispatcherConfig{
		Brokers: brokers,
		GroupID: config.String("KAFKA_GROUP_ID", "billing-service-group"),
		Topic:   events.TopicAppointmentBooked,
	}, consumer.AppointmentBooked(ledgerSvc, logger))
	go dispatcher.Run(ctx)

	handler := handlers.NewBillingHandler(ledgerSvc, paymentSvc, logger)
	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)},
	)
	handler.Register(mux)

	middlewares := []httpx.Middleware{
		httpx.WithRequestID,
		httpx.WithBodyLimit(1 << 20),
		httpx.WithTimeout(config.Seconds("REQUEST_TIMEOUT_SECONDS", 30*time.Second)),
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: config.Strings("CORS_ALLOWED_ORIGINS", nil),
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", "Idempotency-Key", "X-Request-ID"},
			MaxAge:         time.Hour,
		}),
		httpx.WithAccessLog(logger),
	}
	if redisAddr := config.String("REDIS_ADDR", ""); redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		limiter := httpx.NewRedisRateLimiter(rdb, config.Int("RATE_LIMIT_PER_MINUTE", 120), time.Minute, service)
		middlewares = append(middlewares, limiter.Middleware(logger, true))
	} else {
		limiter := httpx.NewRateLimiter(config.Int("RATE_LIMIT_PER_MINUTE", 120), time.Minute)
		middlewares = append(middlewares, limiter.Middleware())
	}
	httpHandler := httpx.Chain(mux, middlewares...)
	httpHandler = otelhttp.NewHandler(httpHandler, service)

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}
